// Package session carries the authenticated buyer through request and message
// handling. Token validation happens upstream; the core only reads the id.
package session

import (
	"context"
	"strconv"
)

// HeaderUserID is set by the gateway on HTTP requests and by producers on messages.
const HeaderUserID = "X-User-Id"

type ctxKey struct{}

func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the buyer bound to ctx, if any.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxKey{}).(int64)
	return id, ok && id > 0
}

// ParseUserID parses a header value; zero means absent or malformed.
func ParseUserID(v string) int64 {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}
