// Package postgres implements the tenant database store. Queries use $n
// placeholders and portable SQL so the same statements run against sqlite
// in tests.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/scope"
)

// KindergartenColumn is the column kindergarten restrictions must bind to.
const KindergartenColumn = gw.KindergartenColumn

const uniqueViolation = "23505"

// Option configures a Store.
type Option func(*Store)

// WithQueryTimeout bounds every statement.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithUniqueViolation overrides how unique-constraint errors are detected,
// for drivers other than lib/pq.
func WithUniqueViolation(fn func(error) bool) Option {
	return func(s *Store) { s.unique = fn }
}

// Store is a gateway.Store over one tenant database.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	unique  func(error) bool
}

// NewStore creates a Store on db.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, timeout: 5 * time.Second, unique: isUniqueViolation}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Opener returns a gateway.StoreOpener sharing opts.
func Opener(opts ...Option) gw.StoreOpener {
	return func(db *sql.DB) gw.Store { return NewStore(db, opts...) }
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

const userColumns = `id, username, COALESCE(phone, ''), COALESCE(password, ''), status,
	COALESCE(global_user_id, ''), auth_source, COALESCE(data_scope, ''), COALESCE(primary_kindergarten_id, 0)`

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.Phone, &u.PasswordHash, &u.Status,
		&u.GlobalUserID, &u.AuthSource, &u.DataScope, &u.PrimaryKindergartenID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("scanning user: %w", err)
	}
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (domain.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) UserByUsername(ctx context.Context, username string) (domain.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (s *Store) UserByGlobalID(ctx context.Context, globalUserID string) (domain.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE global_user_id = $1`, globalUserID))
}

// InsertShadowUser inserts a federated user keyed by global id. A concurrent
// insert of the same global id is absorbed by ON CONFLICT; a clash on any
// other unique column is returned as gateway.ErrConflict.
func (s *Store) InsertShadowUser(ctx context.Context, id domain.Identity) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, phone, status, global_user_id, auth_source)
		VALUES ($1, $2, $3, $4, 'unified')
		ON CONFLICT (global_user_id) DO NOTHING`,
		id.Username, id.Phone, domain.UserActive, id.GlobalUserID)
	if err != nil {
		if s.unique(err) {
			return false, fmt.Errorf("inserting shadow user: %w", gw.ErrConflict)
		}
		return false, fmt.Errorf("inserting shadow user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting shadow user: %w", err)
	}
	return n == 1, nil
}

// UserRoleCodes returns role codes ordered by priority, highest first.
func (s *Store) UserRoleCodes(ctx context.Context, userID int64) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.code FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY CASE r.code
			WHEN 'super_admin' THEN 1
			WHEN 'admin' THEN 2
			WHEN 'principal' THEN 3
			WHEN 'teacher' THEN 4
			WHEN 'parent' THEN 5
			ELSE 6 END, r.code`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying user roles: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

func (s *Store) KindergartenAssignments(ctx context.Context, userID int64) ([]int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT kindergarten_id FROM user_kindergartens WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying kindergarten assignments: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) FirstKindergarten(ctx context.Context) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM kindergartens WHERE status = 1 ORDER BY id LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying first kindergarten: %w", err)
	}
	return id, nil
}

// HasPermission reports whether any role held by the user links to an
// active permission with code.
func (s *Store) HasPermission(ctx context.Context, userID int64, code string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1 AND p.code = $2 AND p.status = 1`, userID, code).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking permission %s: %w", code, err)
	}
	return n > 0, nil
}

func (s *Store) roleID(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, code string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM roles WHERE code = $1`, code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.Wrap(domain.ErrNotFound, fmt.Errorf("role %q", code))
	}
	if err != nil {
		return 0, fmt.Errorf("querying role %s: %w", code, err)
	}
	return id, nil
}

func (s *Store) AssignRole(ctx context.Context, userID int64, roleCode string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.UserByID(ctx, userID); err != nil {
		return err
	}
	rid, err := s.roleID(ctx, s.db, roleCode)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT (user_id, role_id) DO NOTHING`,
		userID, rid)
	if err != nil {
		return fmt.Errorf("assigning role %s to %d: %w", roleCode, userID, err)
	}
	return nil
}

func (s *Store) RemoveRole(ctx context.Context, userID int64, roleCode string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rid, err := s.roleID(ctx, s.db, roleCode)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, rid)
	if err != nil {
		return fmt.Errorf("removing role %s from %d: %w", roleCode, userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Wrap(domain.ErrNotFound, fmt.Errorf("user %d does not hold role %q", userID, roleCode))
	}
	return nil
}

// SetRolePermissions replaces the permission set of a role atomically.
func (s *Store) SetRolePermissions(ctx context.Context, roleCode string, codes []string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rid, err := s.roleID(ctx, tx, roleCode)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, rid); err != nil {
		return fmt.Errorf("clearing permissions of %s: %w", roleCode, err)
	}
	for _, code := range codes {
		var pid int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM permissions WHERE code = $1`, code).Scan(&pid)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Wrap(domain.ErrBadRequest, fmt.Errorf("unknown permission %q", code))
		}
		if err != nil {
			return fmt.Errorf("querying permission %s: %w", code, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT (role_id, permission_id) DO NOTHING`,
			rid, pid); err != nil {
			return fmt.Errorf("linking %s to %s: %w", code, roleCode, err)
		}
	}
	return tx.Commit()
}

// SetPermissionStatus enables (1) or disables (0) a permission for every role.
func (s *Store) SetPermissionStatus(ctx context.Context, code string, status int) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE permissions SET status = $1 WHERE code = $2`, status, code)
	if err != nil {
		return fmt.Errorf("updating permission %s: %w", code, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Wrap(domain.ErrNotFound, fmt.Errorf("permission %q", code))
	}
	return nil
}

func (s *Store) ListKindergartens(ctx context.Context, r scope.Restriction) ([]domain.Kindergarten, error) {
	query, args, err := r.Apply(`SELECT k.id, k.name, COALESCE(k.code, '') FROM kindergartens k`, nil, true)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query+` ORDER BY k.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing kindergartens: %w", err)
	}
	defer rows.Close()

	var out []domain.Kindergarten
	for rows.Next() {
		var k domain.Kindergarten
		if err := rows.Scan(&k.ID, &k.Name, &k.Code); err != nil {
			return nil, fmt.Errorf("scanning kindergarten: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) Kindergarten(ctx context.Context, id int64, r scope.Restriction) (domain.Kindergarten, error) {
	query, args, err := r.Apply(`SELECT k.id, k.name, COALESCE(k.code, '') FROM kindergartens k WHERE k.id = $1`, []any{id}, false)
	if err != nil {
		return domain.Kindergarten{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var k domain.Kindergarten
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&k.ID, &k.Name, &k.Code)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Kindergarten{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Kindergarten{}, fmt.Errorf("querying kindergarten %d: %w", id, err)
	}
	return k, nil
}
