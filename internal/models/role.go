package models

import (
	"codesync/internal/apperrors"
)

// Role is a project permission tier. The set is closed: anything else read
// from the wire or from storage is rejected.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// ParseRole validates a raw role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return r, nil
	default:
		return "", apperrors.Invalid("invalid role %q", s)
	}
}

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// CanEdit reports whether the role may change code.
func (r Role) CanEdit() bool {
	return r == RoleEditor || r == RoleAdmin
}

// IsAdmin reports whether the role may manage collaborators.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// Assignable reports whether r may be granted through an explicit role
// change. Admin is reserved for the owner.
func (r Role) Assignable() bool {
	return r == RoleViewer || r == RoleEditor
}
