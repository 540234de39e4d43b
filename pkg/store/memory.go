// Package store holds the persistent backends of the identity service:
// [auth.UserStore] implementations over memory and PostgreSQL, and the
// Redis-backed [auth.SharedResultStore] tier of the auth result cache.
package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// MemoryStore is an in-process [auth.UserStore] with unique email and
// subject indexes. Emails are indexed case-insensitively. It is safe for
// concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]auth.Identity
	byEmail   map[string]string
	bySubject map[string]string
	now       func() time.Time
}

var (
	_ auth.UserStore     = (*MemoryStore)(nil)
	_ auth.HealthChecker = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]auth.Identity),
		byEmail:   make(map[string]string),
		bySubject: make(map[string]string),
		now:       time.Now,
	}
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (auth.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u.Clone(), ok, nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (auth.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(s.byEmail, auth.NormalizeEmail(email))
}

func (s *MemoryStore) GetBySubject(_ context.Context, subject string) (auth.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(s.bySubject, subject)
}

func (s *MemoryStore) lookupLocked(index map[string]string, key string) (auth.Identity, bool, error) {
	if key == "" {
		return auth.Identity{}, false, nil
	}
	id, ok := index[key]
	if !ok {
		return auth.Identity{}, false, nil
	}
	return s.users[id].Clone(), true, nil
}

// Create inserts an active record with a new UUID. The email is stored
// lowercased.
func (s *MemoryStore) Create(_ context.Context, u auth.NewUser) (auth.Identity, error) {
	email := auth.NormalizeEmail(u.Email)
	if email == "" && u.Subject == "" {
		return auth.Identity{}, sserr.Validation("store: a user needs an email or a subject")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUniqueLocked("", email, u.Subject); err != nil {
		return auth.Identity{}, err
	}

	now := s.now().UTC()
	id := auth.Identity{
		ID:          uuid.NewString(),
		Email:       email,
		Subject:     u.Subject,
		Roles:       cloneRoles(u.Roles),
		Kind:        u.AuthMethod,
		DisplayName: u.DisplayName,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.users[id.ID] = id
	s.indexLocked(id)
	return id.Clone(), nil
}

// Update applies the non-nil fields of u. It fails with
// [sserr.CodeNotFoundUser] when the record does not exist and with
// [sserr.CodeConflictAlreadyExists] when a new email or subject is taken.
func (s *MemoryStore) Update(_ context.Context, id string, u auth.UserUpdate) (auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.users[id]
	if !ok {
		return auth.Identity{}, sserr.New(sserr.CodeNotFoundUser, "store: user not found").WithDetail("user_id", id)
	}
	next := cur.Clone()
	if u.Email != nil {
		next.Email = auth.NormalizeEmail(*u.Email)
	}
	if u.Subject != nil {
		next.Subject = *u.Subject
	}
	if u.Roles != nil {
		next.Roles = cloneRoles(u.Roles)
	}
	if u.DisplayName != nil {
		next.DisplayName = *u.DisplayName
	}
	if u.LastAuthenticatedAt != nil {
		next.LastAuthenticatedAt = u.LastAuthenticatedAt.UTC()
	}
	if err := s.checkUniqueLocked(id, next.Email, next.Subject); err != nil {
		return auth.Identity{}, err
	}
	next.UpdatedAt = s.now().UTC()

	s.unindexLocked(cur)
	s.users[id] = next
	s.indexLocked(next)
	return next.Clone(), nil
}

// Health always succeeds.
func (s *MemoryStore) Health(context.Context) error { return nil }

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *MemoryStore) checkUniqueLocked(self, email, subject string) error {
	if owner, ok := s.byEmail[email]; email != "" && ok && owner != self {
		return sserr.Conflict("store: email is already registered").WithDetail("constraint", "users_email_key")
	}
	if owner, ok := s.bySubject[subject]; subject != "" && ok && owner != self {
		return sserr.Conflict("store: subject is already registered").WithDetail("constraint", "users_subject_key")
	}
	return nil
}

func (s *MemoryStore) indexLocked(u auth.Identity) {
	if u.Email != "" {
		s.byEmail[u.Email] = u.ID
	}
	if u.Subject != "" {
		s.bySubject[u.Subject] = u.ID
	}
}

func (s *MemoryStore) unindexLocked(u auth.Identity) {
	delete(s.byEmail, u.Email)
	delete(s.bySubject, u.Subject)
}

func cloneRoles(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return slices.Clone(roles)
}
