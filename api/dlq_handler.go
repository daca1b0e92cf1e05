package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/forge"

	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/id"
)

func (a *API) listDLQ(ctx forge.Context) error {
	limit, err := intQuery(ctx, "limit", 50)
	if err != nil {
		return a.fail(ctx, err)
	}
	offset, err := intQuery(ctx, "offset", 0)
	if err != nil {
		return a.fail(ctx, err)
	}
	opts := dlq.ListOpts{Limit: limit, Offset: offset, TaskType: ctx.Query("taskType")}
	if raw := ctx.Query("executionId"); raw != "" {
		if opts.ExecutionID, err = id.ParseExecutionID(raw); err != nil {
			return a.fail(ctx, badRequest("invalid execution ID: %v", err))
		}
	}

	entries, err := a.eng.DLQService().DLQStore().ListDLQ(ctx.Context(), opts)
	if err != nil {
		return a.fail(ctx, err)
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	return ctx.JSON(http.StatusOK, entries)
}

func (a *API) getDLQ(ctx forge.Context) error {
	entryID, err := id.ParseDLQID(ctx.Param("entryId"))
	if err != nil {
		return a.fail(ctx, badRequest("invalid DLQ entry ID: %v", err))
	}
	entry, err := a.eng.DLQService().DLQStore().GetDLQ(ctx.Context(), entryID)
	if err != nil {
		return a.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, entry)
}

func (a *API) purgeDLQ(ctx forge.Context) error {
	hours, err := intQuery(ctx, "olderThanHours", 30*24)
	if err != nil {
		return a.fail(ctx, err)
	}
	before := a.eng.Now().Add(-time.Duration(hours) * time.Hour)

	n, err := a.eng.DLQService().DLQStore().PurgeDLQ(ctx.Context(), before)
	if err != nil {
		return a.fail(ctx, err)
	}
	a.logger.Info("dlq purged", slog.Int64("purged", n), slog.Time("before", before))
	return ctx.JSON(http.StatusOK, PurgeDLQResponse{Purged: n})
}
