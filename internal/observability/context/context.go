package context

import (
	stdcontext "context"
	"strings"
)

type requestIDKey struct{}
type userIDKey struct{}

// WithRequestID stores the HTTP request id.
func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithUserID stores the user whose usage is being processed.
func WithUserID(ctx stdcontext.Context, userID string) stdcontext.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, userIDKey{}, userID)
}

func UserIDFromContext(ctx stdcontext.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(userIDKey{}).(string)
	return v
}
