package auth

import "context"

type contextKey string

const (
	contextKeySubject contextKey = "auth.subject"
	contextKeyName    contextKey = "auth.name"
	contextKeyRole    contextKey = "auth.role"
)

// WithIdentity stores auth identity details in context.
func WithIdentity(ctx context.Context, subject, name string, role Role) context.Context {
	ctx = context.WithValue(ctx, contextKeySubject, subject)
	ctx = context.WithValue(ctx, contextKeyName, name)
	ctx = context.WithValue(ctx, contextKeyRole, role)
	return ctx
}

// SubjectFromContext extracts the user id from context.
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeySubject)
	if subject, ok := value.(string); ok {
		return subject
	}
	return ""
}

// NameFromContext extracts the user display name from context.
func NameFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyName)
	if name, ok := value.(string); ok {
		return name
	}
	return ""
}

// RoleFromContext extracts role from context.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyRole)
	if role, ok := value.(Role); ok {
		return role
	}
	if role, ok := value.(string); ok {
		if normalized, valid := NormalizeRole(role); valid {
			return normalized
		}
	}
	return ""
}
