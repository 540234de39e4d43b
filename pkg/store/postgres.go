package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	"github.com/StricklySoft/stricklysoft-identity/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// DB is the part of [postgres.Client] the store uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	Health(ctx context.Context) error
}

var _ DB = (*postgres.Client)(nil)

// schema is applied by [PostgresStore.Migrate]. Emails are unique
// case-insensitively so records written before normalization still
// collide with their lowercased form.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	id                    text PRIMARY KEY,
	email                 text,
	subject               text,
	roles                 text[] NOT NULL DEFAULT '{}',
	display_name          text NOT NULL DEFAULT '',
	auth_method           text NOT NULL,
	is_active             boolean NOT NULL DEFAULT true,
	created_at            timestamptz NOT NULL DEFAULT now(),
	updated_at            timestamptz NOT NULL DEFAULT now(),
	last_authenticated_at timestamptz
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users (lower(email))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_subject_key ON users (subject)`,
}

const userColumns = `id, COALESCE(email, ''), COALESCE(subject, ''), roles, display_name, auth_method, is_active, created_at, updated_at, last_authenticated_at`

// PostgresStore is the [auth.UserStore] over the users table.
//
// Lookups report a missing row as (zero, false, nil). Query failures are
// classified with [postgres.ClassifyError], so an unreachable database
// surfaces as [sserr.CodeUnavailableStore] and a unique violation as
// [sserr.CodeConflictAlreadyExists].
type PostgresStore struct {
	db     DB
	logger *slog.Logger
}

var (
	_ auth.UserStore     = (*PostgresStore)(nil)
	_ auth.HealthChecker = (*PostgresStore)(nil)
)

// NewPostgresStore returns a store over db. Call [PostgresStore.Migrate]
// once at startup.
func NewPostgresStore(db DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates the users table and its indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return postgres.ClassifyError(err, "store: migration failed")
	}
	s.logger.InfoContext(ctx, "store: users schema is up to date")
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (auth.Identity, bool, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail matches case-insensitively.
func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (auth.Identity, bool, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, auth.NormalizeEmail(email))
}

func (s *PostgresStore) GetBySubject(ctx context.Context, subject string) (auth.Identity, bool, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE subject = $1`, subject)
}

func (s *PostgresStore) getOne(ctx context.Context, sql, arg string) (auth.Identity, bool, error) {
	if arg == "" {
		return auth.Identity{}, false, nil
	}
	id, err := scanIdentity(s.db.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return auth.Identity{}, false, nil
	}
	if err != nil {
		return auth.Identity{}, false, postgres.ClassifyError(err, "store: user lookup failed")
	}
	return id, true, nil
}

// Create inserts an active record with a new UUID.
func (s *PostgresStore) Create(ctx context.Context, u auth.NewUser) (auth.Identity, error) {
	email := auth.NormalizeEmail(u.Email)
	if email == "" && u.Subject == "" {
		return auth.Identity{}, sserr.Validation("store: a user needs an email or a subject")
	}
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}

	const sql = `INSERT INTO users (id, email, subject, roles, display_name, auth_method)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6)
RETURNING ` + userColumns
	id, err := scanIdentity(s.db.QueryRow(ctx, sql,
		uuid.NewString(), email, u.Subject, roles, u.DisplayName, string(u.AuthMethod)))
	if err != nil {
		return auth.Identity{}, postgres.ClassifyError(err, "store: failed to create user")
	}
	return id, nil
}

// Update applies the non-nil fields of u and bumps updated_at.
func (s *PostgresStore) Update(ctx context.Context, id string, u auth.UserUpdate) (auth.Identity, error) {
	if u.IsZero() {
		found, ok, err := s.GetByID(ctx, id)
		if err == nil && !ok {
			err = userNotFound(id)
		}
		return found, err
	}

	args := []any{id}
	sets := []string{"updated_at = now()"}
	set := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if u.Email != nil {
		set("email = NULLIF($%d, '')", auth.NormalizeEmail(*u.Email))
	}
	if u.Subject != nil {
		set("subject = NULLIF($%d, '')", *u.Subject)
	}
	if u.Roles != nil {
		set("roles = $%d", u.Roles)
	}
	if u.DisplayName != nil {
		set("display_name = $%d", *u.DisplayName)
	}
	if u.LastAuthenticatedAt != nil {
		set("last_authenticated_at = $%d", u.LastAuthenticatedAt.UTC())
	}

	sql := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + userColumns
	updated, err := scanIdentity(s.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return auth.Identity{}, userNotFound(id)
	}
	if err != nil {
		return auth.Identity{}, postgres.ClassifyError(err, "store: failed to update user")
	}
	return updated, nil
}

// Health pings the database.
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

func scanIdentity(row pgx.Row) (auth.Identity, error) {
	var (
		id       auth.Identity
		kind     string
		lastAuth *time.Time
	)
	err := row.Scan(&id.ID, &id.Email, &id.Subject, &id.Roles, &id.DisplayName,
		&kind, &id.Active, &id.CreatedAt, &id.UpdatedAt, &lastAuth)
	if err != nil {
		return auth.Identity{}, err
	}
	id.Kind = auth.Kind(kind)
	if id.Roles == nil {
		id.Roles = []string{}
	}
	if lastAuth != nil {
		id.LastAuthenticatedAt = *lastAuth
	}
	return id, nil
}

func userNotFound(id string) error {
	return sserr.New(sserr.CodeNotFoundUser, "store: user not found").WithDetail("user_id", id)
}
