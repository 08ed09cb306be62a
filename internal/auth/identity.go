package auth

import "strings"

// Role enumerates the account roles recognised by the service.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// NormalizeRole maps free-form input onto a known role, falling back to viewer.
func NormalizeRole(value string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleEditor:
		return RoleEditor
	default:
		return RoleViewer
	}
}

// IsElevated reports whether the role bypasses per-note ownership checks.
func (r Role) IsElevated() bool {
	return r == RoleAdmin
}

// Identity is the authenticated principal attached to a realtime connection.
type Identity struct {
	UserID   string
	UserName string
	Role     Role
}
