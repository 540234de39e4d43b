package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-identity/internal/testutil"
	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

func TestMemoryStore_CreateAndLookup(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	nu := fixtures.RemoteUser()
	nu.Email = "  Ada@Example.COM "
	created, err := s.Create(ctx, nu)
	require.NoError(t, err)

	_, err = uuid.Parse(created.ID)
	require.NoError(t, err, "ids are UUIDs")
	assert.Equal(t, fixtures.UserEmail, created.Email)
	assert.True(t, created.Active)
	assert.Equal(t, auth.KindRemoteUser, created.Kind)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	for name, lookup := range map[string]func() (auth.Identity, bool, error){
		"id":      func() (auth.Identity, bool, error) { return s.GetByID(ctx, created.ID) },
		"email":   func() (auth.Identity, bool, error) { return s.GetByEmail(ctx, "ADA@example.com") },
		"subject": func() (auth.Identity, bool, error) { return s.GetBySubject(ctx, fixtures.UserSubject) },
	} {
		got, ok, err := lookup()
		require.NoError(t, err, name)
		require.True(t, ok, name)
		assert.Equal(t, created, got, name)
	}
}

func TestMemoryStore_MissingIsNotAnError(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	for _, lookup := range []func() (auth.Identity, bool, error){
		func() (auth.Identity, bool, error) { return s.GetByID(ctx, "nope") },
		func() (auth.Identity, bool, error) { return s.GetByEmail(ctx, "nobody@example.com") },
		func() (auth.Identity, bool, error) { return s.GetBySubject(ctx, "") },
	} {
		_, ok, err := lookup()
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestMemoryStore_CreateRejectsDuplicates(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Create(ctx, fixtures.RemoteUser())
	require.NoError(t, err)

	dupEmail := fixtures.RemoteUser()
	dupEmail.Subject = "other-subject"
	dupEmail.Email = "ADA@EXAMPLE.COM"
	_, err = s.Create(ctx, dupEmail)
	testutil.RequireErrorCode(t, err, sserr.CodeConflictAlreadyExists)

	dupSubject := fixtures.RemoteUser()
	dupSubject.Email = "other@example.com"
	_, err = s.Create(ctx, dupSubject)
	testutil.RequireErrorCode(t, err, sserr.CodeConflictAlreadyExists)

	_, err = s.Create(ctx, auth.NewUser{AuthMethod: auth.KindLocal})
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)

	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_UsersWithoutEmailOrSubjectDoNotCollide(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Create(ctx, auth.NewUser{Subject: "s1", AuthMethod: auth.KindRemoteUser})
	require.NoError(t, err)
	_, err = s.Create(ctx, auth.NewUser{Subject: "s2", AuthMethod: auth.KindRemoteUser})
	require.NoError(t, err)
	_, err = s.Create(ctx, fixtures.LegacyUser())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
}

func TestMemoryStore_Update(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	legacy, err := s.Create(ctx, fixtures.LegacyUser())
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	subject := fixtures.AltUserSubject
	email := "Grace@Example.com"
	seen := clock.Add(-time.Second)
	updated, err := s.Update(ctx, legacy.ID, auth.UserUpdate{
		Subject:             &subject,
		Email:               &email,
		Roles:               []string{"admin", "auditor"},
		LastAuthenticatedAt: &seen,
	})
	require.NoError(t, err)
	assert.Equal(t, subject, updated.Subject)
	assert.Equal(t, fixtures.AltUserEmail, updated.Email)
	assert.Equal(t, []string{"admin", "auditor"}, updated.Roles)
	assert.Equal(t, seen, updated.LastAuthenticatedAt)
	assert.Equal(t, clock, updated.UpdatedAt)
	assert.Equal(t, legacy.CreatedAt, updated.CreatedAt)

	got, ok, err := s.GetBySubject(ctx, subject)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, updated, got)
}

func TestMemoryStore_UpdateReindexes(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	u, err := s.Create(ctx, fixtures.RemoteUser())
	require.NoError(t, err)

	newEmail := "ada.l@example.com"
	_, err = s.Update(ctx, u.ID, auth.UserUpdate{Email: &newEmail})
	require.NoError(t, err)

	_, ok, _ := s.GetByEmail(ctx, fixtures.UserEmail)
	assert.False(t, ok, "old email must no longer resolve")
	_, ok, _ = s.GetByEmail(ctx, newEmail)
	assert.True(t, ok)
}

func TestMemoryStore_UpdateErrors(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	a, err := s.Create(ctx, fixtures.RemoteUser())
	require.NoError(t, err)
	b, err := s.Create(ctx, fixtures.LegacyUser())
	require.NoError(t, err)

	_, err = s.Update(ctx, "missing", auth.UserUpdate{})
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundUser)

	taken := a.Email
	_, err = s.Update(ctx, b.ID, auth.UserUpdate{Email: &taken})
	testutil.RequireErrorCode(t, err, sserr.CodeConflictAlreadyExists)

	got, _, _ := s.GetByID(ctx, b.ID)
	assert.Equal(t, fixtures.AltUserEmail, got.Email, "a failed update changes nothing")
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	u, err := s.Create(ctx, fixtures.RemoteUser())
	require.NoError(t, err)

	u.Roles[0] = "mutated"
	got, _, _ := s.GetByID(ctx, u.ID)
	assert.Equal(t, []string{auth.DefaultRole}, got.Roles)
}

func TestMemoryStore_ConcurrentCreatesOfOneUser(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, fixtures.RemoteUser())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		if err == nil {
			ok++
		} else if sserr.IsConflict(err) {
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 15, conflicts)
	assert.NoError(t, s.Health(ctx))
}
