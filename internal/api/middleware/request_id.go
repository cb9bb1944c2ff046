package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type contextKey string

const (
	// RequestIDHeader is the HTTP header for request tracing.
	RequestIDHeader = "X-Request-ID"

	ctxKeyRequestID contextKey = "request_id"
	ctxKeyPrincipal contextKey = "principal"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID      string
	Username    string
	Roles       []string
	Permissions []string
}

// RequestID injects a unique request ID into the context and response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			id, _ := uuid.NewV7()
			rid = id.String()
		}
		c.Set(string(ctxKeyRequestID), rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), ctxKeyRequestID, rid),
		)
		c.Next()
	}
}

// GetRequestID extracts request ID from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// SetPrincipal stores the authenticated caller in context.
func SetPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// GetPrincipal extracts the authenticated caller from context.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return p, ok
}

// CommandMetadata returns the command metadata derived from the request:
// request id and, when authenticated, actor, roles and permissions.
func CommandMetadata(ctx context.Context) map[string]interface{} {
	meta := map[string]interface{}{}
	if rid := GetRequestID(ctx); rid != "" {
		meta["request_id"] = rid
	}
	if p, ok := GetPrincipal(ctx); ok {
		meta["actor"] = p.UserID
		meta["roles"] = p.Roles
		meta["permissions"] = p.Permissions
	}
	return meta
}
