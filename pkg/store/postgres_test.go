package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-identity/internal/testutil"
	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	"github.com/StricklySoft/stricklysoft-identity/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

var columnNames = []string{
	"id", "email", "subject", "roles", "display_name", "auth_method",
	"is_active", "created_at", "updated_at", "last_authenticated_at",
}

var (
	createdAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	updatedAt = createdAt.Add(time.Hour)
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewPostgresStore(postgres.NewFromPool(mock, nil), nil), mock
}

func userRow(id, email, subject string, roles []string, lastAuth *time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(columnNames).AddRow(
		id, email, subject, roles, fixtures.UserDisplayName, string(auth.KindRemoteUser),
		true, createdAt, updatedAt, lastAuth,
	)
}

func q(sql string) string { return regexp.QuoteMeta(sql) }

// ===========================================================================
// Migrate
// ===========================================================================

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS users")).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(q("CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users (lower(email))")).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(q("CREATE UNIQUE INDEX IF NOT EXISTS users_subject_key ON users (subject)")).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
}

func TestPostgresStore_Migrate_RollsBackOnFailure(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS users")).WillReturnError(&pgconn.PgError{Code: "42501", Message: "permission denied"})
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeInternalDatabase)
}

// ===========================================================================
// Lookups
// ===========================================================================

func TestPostgresStore_GetBySubject(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	seen := updatedAt.Add(time.Minute)

	mock.ExpectQuery(q("FROM users WHERE subject = $1")).
		WithArgs(fixtures.UserSubject).
		WillReturnRows(userRow("user-1", fixtures.UserEmail, fixtures.UserSubject, []string{"admin"}, &seen))

	got, ok, err := s.GetBySubject(context.Background(), fixtures.UserSubject)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, auth.Identity{
		ID:                  "user-1",
		Email:               fixtures.UserEmail,
		Subject:             fixtures.UserSubject,
		Roles:               []string{"admin"},
		Kind:                auth.KindRemoteUser,
		DisplayName:         fixtures.UserDisplayName,
		Active:              true,
		CreatedAt:           createdAt,
		UpdatedAt:           updatedAt,
		LastAuthenticatedAt: seen,
	}, got)
}

func TestPostgresStore_GetByEmail_Normalizes(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM users WHERE lower(email) = lower($1)")).
		WithArgs(fixtures.UserEmail).
		WillReturnRows(userRow("user-1", fixtures.UserEmail, "", []string{}, nil))

	got, ok, err := s.GetByEmail(context.Background(), " ADA@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got.Subject)
	assert.True(t, got.LastAuthenticatedAt.IsZero())
}

func TestPostgresStore_GetByID_NotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM users WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(columnNames))

	_, ok, err := s.GetByID(context.Background(), "missing")
	require.NoError(t, err, "a missing row is not an error")
	assert.False(t, ok)
}

func TestPostgresStore_EmptyKeySkipsQuery(t *testing.T) {
	t.Parallel()
	s, _ := newMockStore(t)

	_, ok, err := s.GetBySubject(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

type netTimeout struct{}

func (netTimeout) Error() string   { return "dial tcp: i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

func TestPostgresStore_LookupErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want sserr.Code
	}{
		{"unreachable", netTimeout{}, sserr.CodeUnavailableStore},
		{"deadline", context.DeadlineExceeded, sserr.CodeTimeoutDatabase},
		{"other", errors.New("bad things"), sserr.CodeInternalDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, mock := newMockStore(t)
			mock.ExpectQuery(q("FROM users WHERE id = $1")).WithArgs("u").WillReturnError(tt.err)

			_, ok, err := s.GetByID(context.Background(), "u")
			assert.False(t, ok)
			testutil.RequireErrorCode(t, err, tt.want)
			assert.True(t, errors.Is(err, tt.err))
		})
	}
}

// ===========================================================================
// Create
// ===========================================================================

func TestPostgresStore_Create(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	nu := fixtures.RemoteUser()
	nu.Email = "Ada@Example.com"

	mock.ExpectQuery(q("INSERT INTO users (id, email, subject, roles, display_name, auth_method)")).
		WithArgs(pgxmock.AnyArg(), fixtures.UserEmail, fixtures.UserSubject, []string{auth.DefaultRole}, fixtures.UserDisplayName, "remote-user").
		WillReturnRows(userRow("generated", fixtures.UserEmail, fixtures.UserSubject, []string{auth.DefaultRole}, nil))

	got, err := s.Create(context.Background(), nu)
	require.NoError(t, err)
	assert.Equal(t, "generated", got.ID)
	assert.True(t, got.Active)
}

func TestPostgresStore_Create_UniqueViolation(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("INSERT INTO users")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_subject_key"})

	_, err := s.Create(context.Background(), fixtures.RemoteUser())
	testutil.RequireErrorCode(t, err, sserr.CodeConflictAlreadyExists)
	e, _ := sserr.AsError(err)
	assert.Equal(t, "users_subject_key", e.Details["constraint"])
}

func TestPostgresStore_Create_NilRolesStoredEmpty(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("INSERT INTO users")).
		WithArgs(pgxmock.AnyArg(), "", "sub", []string{}, "", "remote-user").
		WillReturnRows(userRow("u", "", "sub", []string{}, nil))

	got, err := s.Create(context.Background(), auth.NewUser{Subject: "sub", AuthMethod: auth.KindRemoteUser})
	require.NoError(t, err)
	assert.NotNil(t, got.Roles)
}

func TestPostgresStore_Create_RequiresKey(t *testing.T) {
	t.Parallel()
	s, _ := newMockStore(t)
	_, err := s.Create(context.Background(), auth.NewUser{})
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)
}

// ===========================================================================
// Update
// ===========================================================================

func TestPostgresStore_Update(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	subject := fixtures.UserSubject
	email := "ADA@example.com"

	mock.ExpectQuery(q("UPDATE users SET updated_at = now(), email = NULLIF($2, ''), subject = NULLIF($3, ''), roles = $4 WHERE id = $1 RETURNING")).
		WithArgs("user-1", fixtures.UserEmail, subject, []string{"admin"}).
		WillReturnRows(userRow("user-1", fixtures.UserEmail, subject, []string{"admin"}, nil))

	got, err := s.Update(context.Background(), "user-1", auth.UserUpdate{
		Email:   &email,
		Subject: &subject,
		Roles:   []string{"admin"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, got.Roles)
}

func TestPostgresStore_Update_LastAuthenticated(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	seen := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	mock.ExpectQuery(q("UPDATE users SET updated_at = now(), last_authenticated_at = $2 WHERE id = $1")).
		WithArgs("user-1", seen).
		WillReturnRows(userRow("user-1", fixtures.UserEmail, fixtures.UserSubject, []string{}, &seen))

	got, err := s.Update(context.Background(), "user-1", auth.UserUpdate{LastAuthenticatedAt: &seen})
	require.NoError(t, err)
	assert.Equal(t, seen, got.LastAuthenticatedAt)
}

func TestPostgresStore_Update_NotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	name := "x"

	mock.ExpectQuery(q("UPDATE users SET")).
		WithArgs("missing", name).
		WillReturnRows(pgxmock.NewRows(columnNames))

	_, err := s.Update(context.Background(), "missing", auth.UserUpdate{DisplayName: &name})
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundUser)
}

func TestPostgresStore_Update_EmptyIsLookup(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM users WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(columnNames))

	_, err := s.Update(context.Background(), "missing", auth.UserUpdate{})
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundUser)
}

// ===========================================================================
// Health
// ===========================================================================

func TestPostgresStore_Health(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	testutil.RequireErrorCode(t, s.Health(context.Background()), sserr.CodeUnavailableStore)
}
