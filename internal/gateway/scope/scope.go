// Package scope derives a principal's row-level data filter and turns it into
// SQL restrictions that kindergarten-scoped queries cannot omit.
package scope

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"tenantgate/internal/domain"
)

// DataFilter is the kindergarten visibility of one principal.
type DataFilter struct {
	AllowAll        bool    `json:"allowAll"`
	KindergartenID  int64   `json:"kindergartenId,omitempty"`
	KindergartenIDs []int64 `json:"kindergartenIds,omitempty"`
}

// Allows reports whether the filter admits kindergarten id.
func (f DataFilter) Allows(id int64) bool {
	if f.AllowAll {
		return len(f.KindergartenIDs) == 0 || slices.Contains(f.KindergartenIDs, id)
	}
	return id > 0 && (id == f.KindergartenID || slices.Contains(f.KindergartenIDs, id))
}

func (f DataFilter) empty() bool {
	return !f.AllowAll && f.KindergartenID <= 0 && len(f.KindergartenIDs) == 0
}

// Auditor receives cross-kindergarten access records.
type Auditor interface {
	Emit(rec domain.AuditRecord)
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithRequestID sets how the request id attached to audit records is read.
func WithRequestID(fn func(context.Context) string) Option {
	return func(e *Enforcer) { e.requestID = fn }
}

// WithClock overrides the audit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// Enforcer computes data filters and performs point checks.
type Enforcer struct {
	audit     Auditor
	now       func() time.Time
	requestID func(context.Context) string
}

// NewEnforcer creates an Enforcer reporting to audit.
func NewEnforcer(audit Auditor, opts ...Option) *Enforcer {
	e := &Enforcer{
		audit:     audit,
		now:       time.Now,
		requestID: func(context.Context) string { return "" },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ScopeFor returns the filter for p. SINGLE without a kindergarten and NONE
// are hard failures; no principal falls through to an unscoped filter.
func (e *Enforcer) ScopeFor(p domain.Principal) (DataFilter, error) {
	switch p.DataScope {
	case domain.ScopeAll:
		f := DataFilter{AllowAll: true, KindergartenID: p.KindergartenID}
		if len(p.AllowedKindergartenIDs) > 0 {
			f.KindergartenIDs = slices.Clone(p.AllowedKindergartenIDs)
		}
		return f, nil
	case domain.ScopeSingle:
		if !p.HasKindergarten() {
			return DataFilter{}, domain.ErrNoKindergartenAssigned
		}
		return DataFilter{KindergartenID: p.KindergartenID}, nil
	default:
		return DataFilter{}, domain.ErrNoDataAccess
	}
}

// CanAccess reports whether p may touch kindergarten target under f. Any
// access to a kindergarten other than the principal's primary one is
// audited, whether allowed or not.
func (e *Enforcer) CanAccess(ctx context.Context, p domain.Principal, f DataFilter, target int64) bool {
	ok := f.Allows(target)
	if target == p.KindergartenID && ok {
		return true
	}

	rec := domain.AuditRecord{
		Timestamp:    e.now(),
		TenantCode:   p.TenantCode,
		RequestID:    e.requestID(ctx),
		SubjectID:    p.ID,
		Action:       "kindergarten.access",
		ResourceType: "kindergarten",
		ResourceID:   strconv.FormatInt(target, 10),
		Result:       domain.AuditAllowed,
		Reason:       "cross_kindergarten",
	}
	if !ok {
		rec.Result = domain.AuditDenied
		rec.Reason = "outside_data_scope"
	}
	if e.audit != nil {
		e.audit.Emit(rec)
	}
	return ok
}

var columnPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ErrZeroRestriction is returned when a Restriction not built by Restrict is used.
var ErrZeroRestriction = errors.New("scope: restriction not initialized")

// Restriction is a DataFilter bound to a kindergarten column. The zero value
// is invalid; only Restrict builds usable values.
type Restriction struct {
	column string
	filter DataFilter
}

// Restrict binds f to column.
func Restrict(f DataFilter, column string) (Restriction, error) {
	if !columnPattern.MatchString(column) {
		return Restriction{}, fmt.Errorf("scope: invalid column %q", column)
	}
	if f.empty() {
		return Restriction{}, domain.ErrNoDataAccess
	}
	return Restriction{column: column, filter: f}, nil
}

// Filter returns the filter the restriction was built from.
func (r Restriction) Filter() DataFilter { return r.filter }

// Apply appends the restriction to query as a WHERE (first) or AND clause
// using $n placeholders numbered after args.
func (r Restriction) Apply(query string, args []any, first bool) (string, []any, error) {
	if r.column == "" {
		return "", nil, ErrZeroRestriction
	}

	var ids []int64
	switch {
	case r.filter.AllowAll && len(r.filter.KindergartenIDs) == 0:
		return query, args, nil
	case r.filter.AllowAll:
		ids = r.filter.KindergartenIDs
	default:
		if r.filter.KindergartenID > 0 {
			ids = append(ids, r.filter.KindergartenID)
		}
		for _, id := range r.filter.KindergartenIDs {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}

	var cond string
	if len(ids) == 1 {
		args = append(args, ids[0])
		cond = fmt.Sprintf("%s = $%d", r.column, len(args))
	} else {
		ph := make([]string, len(ids))
		for i, id := range ids {
			args = append(args, id)
			ph[i] = "$" + strconv.Itoa(len(args))
		}
		cond = fmt.Sprintf("%s IN (%s)", r.column, strings.Join(ph, ", "))
	}

	if first {
		return query + " WHERE " + cond, args, nil
	}
	return query + " AND " + cond, args, nil
}
