package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyOperator  contextKey = "operator"
	keyRoles     contextKey = "roles"
)

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithOperator adds the authenticated operator (JWT subject) to context.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, keyOperator, operator)
}

// Operator extracts the authenticated operator from context.
func Operator(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyOperator).(string)
	return v, ok && v != ""
}

// WithRoles adds operator roles to context.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, keyRoles, roles)
}

// Roles extracts operator roles from context.
func Roles(ctx context.Context) []string {
	v, _ := ctx.Value(keyRoles).([]string)
	return v
}

// HasRole reports whether the context carries the given role.
func HasRole(ctx context.Context, role string) bool {
	for _, r := range Roles(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
