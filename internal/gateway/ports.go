package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"tenantgate/internal/domain"
	"tenantgate/internal/gateway/scope"
)

// TenantRegistry answers whether a tenant code exists and is active.
type TenantRegistry interface {
	Lookup(ctx context.Context, code string) (domain.TenantRecord, error)
}

// IdentityProvider is the federated identity service.
type IdentityProvider interface {
	// VerifyToken validates a token issued by the identity service.
	VerifyToken(ctx context.Context, token string) (domain.Identity, error)
	// Login delegates a credential login for a federated tenant.
	Login(ctx context.Context, phone, password string) (domain.TokenPair, domain.Identity, error)
	// BindUser records that a global user has been materialized in a tenant.
	BindUser(ctx context.Context, b domain.Binding) error
}

// SubjectKey identifies a cached subject. Keys are always tenant-qualified.
type SubjectKey struct {
	TenantCode string
	UserID     int64
}

func (k SubjectKey) String() string {
	return fmt.Sprintf("%s:%d", k.TenantCode, k.UserID)
}

// CacheStamp captures the invalidation state observed by a cache read.
type CacheStamp struct {
	Epoch      uint64
	Generation uint64
}

// CacheLookup is the outcome of a PermissionCache read.
type CacheLookup struct {
	Allowed bool
	Hit     bool
	Stamp   CacheStamp
}

// PermissionCache caches (subject, permission) decisions. Put must refuse to
// store when an invalidation affecting the subject has happened since the
// Get that produced stamp.
type PermissionCache interface {
	Get(ctx context.Context, key SubjectKey, code string) (CacheLookup, error)
	Put(ctx context.Context, key SubjectKey, code string, allowed bool, stamp CacheStamp) error
	Invalidate(ctx context.Context, key SubjectKey) error
	InvalidateRole(ctx context.Context, tenantCode, roleCode string) error
	InvalidateAll(ctx context.Context, tenantCode string) error
}

// AuditSink receives fire-and-forget audit records.
type AuditSink interface {
	Emit(rec domain.AuditRecord)
}

// UserStore reads and materializes tenant users.
type UserStore interface {
	UserByID(ctx context.Context, id int64) (domain.User, error)
	UserByUsername(ctx context.Context, username string) (domain.User, error)
	UserByGlobalID(ctx context.Context, globalUserID string) (domain.User, error)
	// InsertShadowUser inserts a federated user unless one with the same
	// global id exists. created is false when the row already existed.
	InsertShadowUser(ctx context.Context, id domain.Identity) (created bool, err error)
	UserRoleCodes(ctx context.Context, userID int64) ([]string, error)
	KindergartenAssignments(ctx context.Context, userID int64) ([]int64, error)
	// FirstKindergarten returns 0 when the tenant has none.
	FirstKindergarten(ctx context.Context) (int64, error)
}

// PermissionStore is the database layer of permission checks.
type PermissionStore interface {
	HasPermission(ctx context.Context, userID int64, code string) (bool, error)
}

// RoleStore mutates the role graph.
type RoleStore interface {
	AssignRole(ctx context.Context, userID int64, roleCode string) error
	RemoveRole(ctx context.Context, userID int64, roleCode string) error
	SetRolePermissions(ctx context.Context, roleCode string, codes []string) error
	SetPermissionStatus(ctx context.Context, code string, status int) error
}

// KindergartenColumn is the column every Store binds kindergarten
// restrictions to.
const KindergartenColumn = "k.id"

// KindergartenStore returns kindergarten-scoped rows. Every method requires a
// scope.Restriction.
type KindergartenStore interface {
	ListKindergartens(ctx context.Context, r scope.Restriction) ([]domain.Kindergarten, error)
	Kindergarten(ctx context.Context, id int64, r scope.Restriction) (domain.Kindergarten, error)
}

// Store is the full tenant database surface.
type Store interface {
	UserStore
	PermissionStore
	RoleStore
	KindergartenStore
}

// StoreOpener binds a Store to a tenant database handle.
type StoreOpener func(db *sql.DB) Store

// AuthorizeFunc checks an additional permission from inside a handler.
type AuthorizeFunc func(ctx context.Context, code string) (bool, error)

// StatusWriter wraps http.ResponseWriter to capture the status code.
type StatusWriter struct {
	http.ResponseWriter
	Code int
}

func (sw *StatusWriter) WriteHeader(code int) {
	sw.Code = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *StatusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

type (
	principalKey struct{}
	requestIDKey struct{}
	tenantKey    struct{}
	storeKey     struct{}
	filterKey    struct{}
	authorizeKey struct{}
)

// PrincipalFromContext extracts the authenticated principal from a request context.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}

// ContextWithPrincipal stores the authenticated principal in the context.
func ContextWithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ContextWithRequestID stores the request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func TenantFromContext(ctx context.Context) (domain.Tenant, bool) {
	t, ok := ctx.Value(tenantKey{}).(domain.Tenant)
	return t, ok
}

func ContextWithTenant(ctx context.Context, t domain.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

// StoreFromContext returns the store bound to the request's tenant database.
func StoreFromContext(ctx context.Context) (Store, bool) {
	s, ok := ctx.Value(storeKey{}).(Store)
	return s, ok
}

func ContextWithStore(ctx context.Context, s Store) context.Context {
	return context.WithValue(ctx, storeKey{}, s)
}

// DataFilterFromContext returns the filter every kindergarten-scoped query
// must apply.
func DataFilterFromContext(ctx context.Context) (scope.DataFilter, bool) {
	f, ok := ctx.Value(filterKey{}).(scope.DataFilter)
	return f, ok
}

func ContextWithDataFilter(ctx context.Context, f scope.DataFilter) context.Context {
	return context.WithValue(ctx, filterKey{}, f)
}

func ContextWithAuthorize(ctx context.Context, fn AuthorizeFunc) context.Context {
	return context.WithValue(ctx, authorizeKey{}, fn)
}

// Authorize runs an in-handler permission check for the request principal.
// It denies when no authorizer is bound to ctx.
func Authorize(ctx context.Context, code string) (bool, error) {
	fn, ok := ctx.Value(authorizeKey{}).(AuthorizeFunc)
	if !ok {
		return false, nil
	}
	return fn(ctx, code)
}

// ErrConflict is returned by stores when a write hits a unique constraint.
var ErrConflict = errors.New("unique constraint violation")
