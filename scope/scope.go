// Package scope carries multi-tenant identity (app and org) between a
// context.Context and the ScopeAppID/ScopeOrgID fields stored on
// executions and queue entries.
//
// Scope travels on the context as a forge scope (forge.WithScope /
// forge.ScopeFrom). StartExecution captures it, queue entries carry it,
// and the worker Scope middleware restores it around the handler.
package scope

import (
	"context"

	"github.com/xraph/forge"
)

// Capture returns the app and org ids on ctx, or empty strings.
func Capture(ctx context.Context) (appID, orgID string) {
	s, ok := forge.ScopeFrom(ctx)
	if !ok {
		return "", ""
	}
	return s.AppID(), s.OrgID()
}

// Restore attaches an org scope, or an app scope when orgID is empty.
// With both ids empty ctx is returned as is.
func Restore(ctx context.Context, appID, orgID string) context.Context {
	switch {
	case appID == "" && orgID == "":
		return ctx
	case orgID == "":
		return forge.WithScope(ctx, forge.NewAppScope(appID))
	default:
		return forge.WithScope(ctx, forge.NewOrgScope(appID, orgID))
	}
}

// Tenant is the tenant key used for per-tenant poll limits: the org when
// there is one, else the app. Empty means no tenant.
func Tenant(ctx context.Context) string {
	appID, orgID := Capture(ctx)
	if orgID != "" {
		return orgID
	}
	return appID
}
