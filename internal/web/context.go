package web

import (
	"context"

	"fraudview/internal/session"
)

type sessionContextKey struct{}

// withSession attaches the authenticated session record to the request
// context for downstream handlers.
func withSession(ctx context.Context, rec *session.Record) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, rec)
}

// SessionFromContext returns the session record the route guard attached,
// or nil for unauthenticated requests.
func SessionFromContext(ctx context.Context) *session.Record {
	rec, _ := ctx.Value(sessionContextKey{}).(*session.Record)
	return rec
}
