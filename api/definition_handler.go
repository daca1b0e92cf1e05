package api

import (
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/orchestra/definition"
)

func (a *API) registerDefinition(ctx forge.Context) error {
	var def definition.Definition
	if err := ctx.Bind(&def); err != nil {
		return a.fail(ctx, badRequest("invalid definition body: %v", err))
	}
	if err := a.eng.RegisterDefinition(ctx.Context(), &def); err != nil {
		return a.fail(ctx, err)
	}
	return ctx.Status(http.StatusCreated).JSON(&def)
}

func (a *API) listDefinitions(ctx forge.Context) error {
	defs, err := a.eng.ListDefinitions(ctx.Context())
	if err != nil {
		return a.fail(ctx, err)
	}
	if defs == nil {
		defs = []*definition.Definition{}
	}
	return ctx.JSON(http.StatusOK, defs)
}

func (a *API) getDefinition(ctx forge.Context) error {
	version, err := intQuery(ctx, "version", 0)
	if err != nil {
		return a.fail(ctx, err)
	}
	def, err := a.eng.GetDefinition(ctx.Context(), ctx.Param("name"), version)
	if err != nil {
		return a.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, def)
}
