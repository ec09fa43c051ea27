package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/adapter/postgres"
	"tenantgate/internal/gateway/scope"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *postgres.Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, postgres.NewStore(db)
}

var userCols = []string{"id", "username", "phone", "password", "status", "global_user_id", "auth_source", "data_scope", "primary_kindergarten_id"}

func TestHasPermission(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM role_permissions rp`).
		WithArgs(int64(7), "FINANCE_VIEW").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := store.HasPermission(context.Background(), 7, "FINANCE_VIEW")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasPermissionOnlyActive(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`p\.status = 1`).
		WithArgs(int64(7), "FINANCE_VIEW").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	ok, err := store.HasPermission(context.Background(), 7, "FINANCE_VIEW")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasPermissionError(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT`).WillReturnError(errors.New("connection reset"))

	_, err := store.HasPermission(context.Background(), 7, "FINANCE_VIEW")
	assert.Error(t, err)
}

func TestUserByIDNotFound(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM users WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(userCols))

	_, err := store.UserByID(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUserByGlobalID(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM users WHERE global_user_id = \$1`).
		WithArgs("g-1").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(3, "alice", "13800138000", "", "active", "g-1", "unified", "", 2))

	u, err := store.UserByGlobalID(context.Background(), "g-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.ID)
	assert.Equal(t, int64(2), u.PrimaryKindergartenID)
	assert.True(t, u.Active())
}

func TestInsertShadowUser(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`ON CONFLICT \(global_user_id\) DO NOTHING`).
		WithArgs("alice", "", domain.UserActive, "g-1").
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec(`ON CONFLICT \(global_user_id\) DO NOTHING`).
		WithArgs("alice", "", domain.UserActive, "g-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := store.InsertShadowUser(context.Background(), domain.Identity{GlobalUserID: "g-1", Username: "alice"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.InsertShadowUser(context.Background(), domain.Identity{GlobalUserID: "g-1", Username: "alice"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertShadowUserUniqueViolation(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint \"users_username_key\""})

	_, err := store.InsertShadowUser(context.Background(), domain.Identity{GlobalUserID: "g-2", Username: "alice"})
	assert.ErrorIs(t, err, gw.ErrConflict)
}

func TestUserRoleCodesOrdered(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`ORDER BY CASE r.code`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"code"}).AddRow("admin").AddRow("teacher"))

	codes, err := store.UserRoleCodes(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "teacher"}, codes)
}

func TestFirstKindergartenNone(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id FROM kindergartens`).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	id, err := store.FirstKindergarten(context.Background())
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestListKindergartensAppliesRestriction(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	r, err := scope.Restrict(scope.DataFilter{KindergartenID: 3}, postgres.KindergartenColumn)
	require.NoError(t, err)

	mock.ExpectQuery(`FROM kindergartens k WHERE k\.id = \$1 ORDER BY k\.id`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "code"}).AddRow(3, "Sunflower", "SF"))

	ks, err := store.ListKindergartens(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, ks, 1)
	assert.Equal(t, "Sunflower", ks[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListKindergartensRejectsZeroRestriction(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	_, err := store.ListKindergartens(context.Background(), scope.Restriction{})
	assert.ErrorIs(t, err, scope.ErrZeroRestriction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKindergartenOutsideScope(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	r, err := scope.Restrict(scope.DataFilter{KindergartenID: 3}, postgres.KindergartenColumn)
	require.NoError(t, err)

	mock.ExpectQuery(`WHERE k\.id = \$1 AND k\.id = \$2`).
		WithArgs(int64(5), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "code"}))

	_, err = store.Kindergarten(context.Background(), 5, r)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetPermissionStatusUnknown(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE permissions SET status`).
		WithArgs(0, "NOPE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetPermissionStatus(context.Background(), "NOPE", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetRolePermissionsRollsBackOnUnknownCode(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM roles WHERE code = \$1`).
		WithArgs("principal").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectExec(`DELETE FROM role_permissions`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`SELECT id FROM permissions WHERE code = \$1`).
		WithArgs("MISSING").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := store.SetRolePermissions(context.Background(), "principal", []string{"MISSING"})
	assert.ErrorIs(t, err, domain.ErrBadRequest)
	assert.NoError(t, mock.ExpectationsWereMet())
}
