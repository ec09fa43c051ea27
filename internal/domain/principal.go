package domain

import "slices"

// DataScope is the row-level visibility boundary of a principal.
type DataScope string

const (
	ScopeAll    DataScope = "ALL"
	ScopeSingle DataScope = "SINGLE"
	ScopeNone   DataScope = "NONE"
)

// ParseDataScope accepts the stored override values; anything else is
// reported as not ok.
func ParseDataScope(s string) (DataScope, bool) {
	switch DataScope(s) {
	case ScopeAll, ScopeSingle, ScopeNone:
		return DataScope(s), true
	}
	return "", false
}

// AuthSource records which path authenticated a principal.
type AuthSource string

const (
	AuthLocal     AuthSource = "local"
	AuthFederated AuthSource = "federated"
	AuthInternal  AuthSource = "internal"
)

// Principal is the authenticated identity for one request. It is built once
// by the authentication stage and never mutated afterwards.
type Principal struct {
	ID                     int64
	Username               string
	Role                   Role
	KindergartenID         int64 // 0 when unassigned
	DataScope              DataScope
	AllowedKindergartenIDs []int64
	TenantCode             string
	AuthSource             AuthSource
	GlobalUserID           string
}

// IsAdmin reports whether the principal holds an admin role.
func (p Principal) IsAdmin() bool { return p.Role.IsAdmin() }

// HasKindergarten reports whether a primary kindergarten is assigned.
func (p Principal) HasKindergarten() bool { return p.KindergartenID > 0 }

// AssignedTo reports whether id is the primary or an explicitly allowed kindergarten.
func (p Principal) AssignedTo(id int64) bool {
	return id > 0 && (id == p.KindergartenID || slices.Contains(p.AllowedKindergartenIDs, id))
}
