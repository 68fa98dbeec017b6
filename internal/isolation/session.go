// Package isolation guards every tenant-owned write against cross-tenant leakage.
//
// Callers attach a session to the context with WithTenant or WithPlatform. Store
// methods call the Enforcer before each insert, update or association so the
// tenant invariant is checked in application code; the schema's NOT NULL and
// composite unique constraints stay behind it as a backstop.
package isolation

import (
	"context"
	"strings"
)

// Session identifies on whose behalf a write is made.
type Session struct {
	TenantID string
	Platform bool
	Actor    string
}

type sessionKey struct{}

// WithTenant returns a context whose writes are scoped to tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, Session{TenantID: strings.TrimSpace(tenantID)})
}

// WithPlatform returns a context for a platform-level operator or system worker.
// Platform sessions may write any tenant's rows but must name the tenant explicitly.
func WithPlatform(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, sessionKey{}, Session{Platform: true, Actor: actor})
}

// SessionFrom returns the session attached to ctx, if any.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	if !ok {
		return Session{}, false
	}
	if !s.Platform && s.TenantID == "" {
		return Session{}, false
	}
	return s, true
}
