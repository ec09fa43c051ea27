package authz

import (
	"fmt"
	"slices"
	"strings"

	"tenantgate/internal/domain"
)

// Capability is the set of permission codes a role holds without a
// database lookup. Sensitive and mutating codes are kept out of these lists
// so they always reach the database.
type Capability struct {
	All      bool
	Codes    []string
	Prefixes []string
}

// Allows reports whether code is covered by the capability.
func (c Capability) Allows(code string) bool {
	if c.All {
		return true
	}
	if code == "" {
		return false
	}
	if slices.Contains(c.Codes, code) {
		return true
	}
	for _, p := range c.Prefixes {
		if strings.HasPrefix(code, p) {
			return true
		}
	}
	return false
}

var (
	principalCapability = Capability{
		Codes: []string{
			"enrollment:overview:view",
			"enrollment:plans:view",
			"enrollment:applications:view",
			"enrollment:consultations:view",
			"enrollment:analytics:view",
			"teacher-dashboard:view",
			"dashboard:view",
			"centers:view",
			"activity:view",
			"finance:view",
			"marketing:view",
			"system:view",
			"principal:performance:view",
		},
		Prefixes: []string{"principal:performance:"},
	}

	teacherCapability = Capability{
		Codes: []string{
			"ENROLLMENT_INTERVIEW_MANAGE",
			"ENROLLMENT_INTERVIEW_VIEW",
			"activity:view",
			"activity:manage",
			"TEACHING_CENTER_VIEW",
			"TASK_VIEW",
			"TASK_MANAGE",
		},
	}

	parentCapability = Capability{
		Codes: []string{
			"parent:view",
			"parent:manage",
			"PARENT_CENTER_VIEW",
			"CHILDREN_VIEW",
			"ASSESSMENT_VIEW",
			"ACTIVITY_VIEW",
			"NOTIFICATION_VIEW",
			"AI_ASSISTANT_VIEW",
		},
	}
)

// Capabilities returns the static capability of a role kind. Every kind in
// domain.RoleKinds has an entry; an unknown kind panics.
func Capabilities(k domain.RoleKind) Capability {
	switch k {
	case domain.RoleSuperAdmin, domain.RoleAdmin:
		return Capability{All: true}
	case domain.RolePrincipal:
		return principalCapability
	case domain.RoleTeacher:
		return teacherCapability
	case domain.RoleParent:
		return parentCapability
	case domain.RoleOther:
		return Capability{}
	}
	panic(fmt.Sprintf("authz: no capability for role kind %d", k))
}
