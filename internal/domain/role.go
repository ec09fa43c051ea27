package domain

import "strings"

// RoleKind is the closed set of role families the pipeline understands.
// Any role code outside the built-ins is RoleOther and carries its code.
type RoleKind int

const (
	RoleOther RoleKind = iota
	RoleSuperAdmin
	RoleAdmin
	RolePrincipal
	RoleTeacher
	RoleParent
)

// RoleKinds lists every kind, in descending priority order.
var RoleKinds = []RoleKind{RoleSuperAdmin, RoleAdmin, RolePrincipal, RoleTeacher, RoleParent, RoleOther}

func (k RoleKind) String() string {
	switch k {
	case RoleSuperAdmin:
		return "super_admin"
	case RoleAdmin:
		return "admin"
	case RolePrincipal:
		return "principal"
	case RoleTeacher:
		return "teacher"
	case RoleParent:
		return "parent"
	default:
		return "other"
	}
}

// Role is a resolved role. For built-in kinds Code equals Kind.String();
// for RoleOther it is the tenant-defined role code.
type Role struct {
	Kind RoleKind
	Code string
}

// ParseRole maps a stored role code onto the closed union.
func ParseRole(code string) Role {
	c := strings.ToLower(strings.TrimSpace(code))
	for _, k := range RoleKinds {
		if k != RoleOther && k.String() == c {
			return Role{Kind: k, Code: c}
		}
	}
	return Role{Kind: RoleOther, Code: c}
}

// IsAdmin reports whether the role short-circuits permission checks.
func (r Role) IsAdmin() bool {
	return r.Kind == RoleSuperAdmin || r.Kind == RoleAdmin
}

// Priority orders roles for users holding several; lower wins.
func (r Role) Priority() int {
	for i, k := range RoleKinds {
		if k == r.Kind {
			return i
		}
	}
	return len(RoleKinds)
}

func (r Role) String() string {
	if r.Code != "" {
		return r.Code
	}
	return r.Kind.String()
}

// HighestRole returns the highest-priority role among codes, or false if
// codes is empty.
func HighestRole(codes []string) (Role, bool) {
	var (
		best  Role
		found bool
	)
	for _, c := range codes {
		r := ParseRole(c)
		if r.Code == "" {
			continue
		}
		if !found || r.Priority() < best.Priority() {
			best, found = r, true
		}
	}
	return best, found
}
