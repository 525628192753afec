package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of member roles.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleStaff  Role = "staff"
	RoleViewer Role = "viewer"
)

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleStaff, RoleViewer:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidMember, s)
}

// CanApprove reports whether members holding r sign certificate approvals.
func (r Role) CanApprove() bool { return r == RoleAdmin }

func (r Role) String() string { return string(r) }
