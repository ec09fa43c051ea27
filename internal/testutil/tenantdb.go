package testutil

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"

	"tenantgate/internal/domain"
	"tenantgate/internal/gateway/adapter/postgres"
)

// TenantSchema is the sqlite rendition of the tenant database tables the
// gateway reads.
const TenantSchema = `
CREATE TABLE users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	phone TEXT,
	password TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	global_user_id TEXT UNIQUE,
	auth_source TEXT NOT NULL DEFAULT 'local',
	data_scope TEXT,
	primary_kindergarten_id INTEGER
);
CREATE TABLE roles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);
CREATE TABLE user_roles (
	user_id INTEGER NOT NULL,
	role_id INTEGER NOT NULL,
	PRIMARY KEY (user_id, role_id)
);
CREATE TABLE permissions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	status INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE role_permissions (
	role_id INTEGER NOT NULL,
	permission_id INTEGER NOT NULL,
	PRIMARY KEY (role_id, permission_id)
);
CREATE TABLE kindergartens (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	code TEXT,
	status INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE user_kindergartens (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	kindergarten_id INTEGER NOT NULL
);
`

// DefaultRoles are seeded into every fixture database.
var DefaultRoles = []string{"super_admin", "admin", "principal", "teacher", "parent"}

// DefaultPermissions are seeded into every fixture database.
var DefaultPermissions = []string{
	"FINANCE_VIEW", "FINANCE_MANAGE", "STUDENT_VIEW", "STUDENT_MANAGE",
	"KINDERGARTEN_VIEW", "ROLE_MANAGE", "TASK_VIEW", "ENROLLMENT_VIEW",
}

// IsSQLiteUniqueViolation reports whether err is a sqlite unique constraint failure.
func IsSQLiteUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// NewTenantDB creates a file-backed sqlite tenant database with the schema,
// default roles and permissions. The file lives in t.TempDir().
func NewTenantDB(t testing.TB, name string) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	db, err := OpenTenantDB(path)
	if err != nil {
		t.Fatalf("opening tenant db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// OpenTenantDB opens (creating if needed) a seeded sqlite tenant database at path.
func OpenTenantDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'users'`).Scan(&n); err != nil {
		db.Close()
		return nil, err
	}
	if n > 0 {
		return db, nil
	}
	if _, err := db.Exec(TenantSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	for _, r := range DefaultRoles {
		if _, err := db.Exec(`INSERT INTO roles (code, name) VALUES ($1, $1)`, r); err != nil {
			db.Close()
			return nil, err
		}
	}
	for _, p := range DefaultPermissions {
		if _, err := db.Exec(`INSERT INTO permissions (code, name) VALUES ($1, $1)`, p); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// NewStore wraps db in a postgres.Store that recognizes sqlite constraint errors.
func NewStore(db *sql.DB) *postgres.Store {
	return postgres.NewStore(db, postgres.WithUniqueViolation(IsSQLiteUniqueViolation))
}

// SeedUser inserts u with roles and returns its id.
func SeedUser(t testing.TB, db *sql.DB, u domain.User, roles ...string) int64 {
	t.Helper()
	id, err := InsertUser(db, u, roles...)
	if err != nil {
		t.Fatalf("seeding user %s: %v", u.Username, err)
	}
	return id
}

// InsertUser is SeedUser without a testing.TB.
func InsertUser(db *sql.DB, u domain.User, roles ...string) (int64, error) {
	if u.Status == "" {
		u.Status = domain.UserActive
	}
	if u.AuthSource == "" {
		u.AuthSource = "local"
	}
	var kg, scope, gid any
	if u.PrimaryKindergartenID > 0 {
		kg = u.PrimaryKindergartenID
	}
	if u.DataScope != "" {
		scope = u.DataScope
	}
	if u.GlobalUserID != "" {
		gid = u.GlobalUserID
	}
	res, err := db.Exec(`INSERT INTO users (username, phone, password, status, global_user_id, auth_source, data_scope, primary_kindergarten_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.Username, u.Phone, u.PasswordHash, u.Status, gid, u.AuthSource, scope, kg)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, r := range roles {
		if _, err := db.Exec(`INSERT INTO user_roles (user_id, role_id) SELECT $1, id FROM roles WHERE code = $2`, id, r); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// Grant links permission codes to role.
func Grant(t testing.TB, db *sql.DB, role string, codes ...string) {
	t.Helper()
	for _, c := range codes {
		_, err := db.Exec(`INSERT INTO role_permissions (role_id, permission_id)
			SELECT r.id, p.id FROM roles r, permissions p WHERE r.code = $1 AND p.code = $2`, role, c)
		if err != nil {
			t.Fatalf("granting %s to %s: %v", c, role, err)
		}
	}
}

// SeedKindergarten inserts a kindergarten row.
func SeedKindergarten(t testing.TB, db *sql.DB, id int64, name string) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO kindergartens (id, name, code) VALUES ($1, $2, $3)`, id, name, fmt.Sprintf("KG%d", id)); err != nil {
		t.Fatalf("seeding kindergarten %d: %v", id, err)
	}
}

// AssignKindergarten adds an assignment row for user.
func AssignKindergarten(t testing.TB, db *sql.DB, userID, kindergartenID int64) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO user_kindergartens (user_id, kindergarten_id) VALUES ($1, $2)`, userID, kindergartenID); err != nil {
		t.Fatalf("assigning kindergarten: %v", err)
	}
}

// CountUsersByGlobalID returns how many rows carry gid.
func CountUsersByGlobalID(t testing.TB, db *sql.DB, gid string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users WHERE global_user_id = $1`, gid).Scan(&n); err != nil {
		t.Fatalf("counting users: %v", err)
	}
	return n
}
