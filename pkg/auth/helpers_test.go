package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

const (
	testTenant   = "tenant-1"
	testAudience = "api://identity-test"
	testIssuer   = "https://login.microsoftonline.com/tenant-1/v2.0"
	testSecret   = Secret("local-signing-secret-0123456789abcdef")
)

// ---------------------------------------------------------------------------
// Keys and tokens
// ---------------------------------------------------------------------------

var (
	testRSAKeyOnce sync.Once
	testRSAKeys    [2]*rsa.PrivateKey
)

// testRSAKey returns one of two process-wide RSA keys; generating 2048-bit
// keys per test is slow.
func testRSAKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	testRSAKeyOnce.Do(func() {
		for n := range testRSAKeys {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			testRSAKeys[n] = k
		}
	})
	return testRSAKeys[i]
}

func testECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return k
}

func signRemoteToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	require.NoError(t, err, "failed to sign RSA token")
	return s
}

func signLocalToken(t *testing.T, secret Secret, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret.Value()))
	require.NoError(t, err, "failed to sign HMAC token")
	return s
}

// userClaims builds a valid remote user token body. A nil roles slice
// leaves the claim out.
func userClaims(subject, email string, roles []string) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"iss":                testIssuer,
		"aud":                testAudience,
		"iat":                now.Unix(),
		"nbf":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"oid":                subject,
		"preferred_username": email,
		"name":               "Test User",
	}
	if roles != nil {
		c["roles"] = roles
	}
	return c
}

func serviceClaims(appID string, extra jwt.MapClaims) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testAudience,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"appid": appID,
		"oid":   "sp-" + appID,
	}
	for k, v := range extra {
		c[k] = v
	}
	return c
}

func localClaims(email string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": email,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

// ---------------------------------------------------------------------------
// Key provider
// ---------------------------------------------------------------------------

// testKeyProvider serves a mutable JWKS document and counts fetches.
type testKeyProvider struct {
	*httptest.Server

	mu      sync.Mutex
	keys    []jose.JSONWebKey
	fetches atomic.Int64
	failing atomic.Bool
	headers http.Header
}

func newTestKeyProvider(t *testing.T) *testKeyProvider {
	t.Helper()
	p := &testKeyProvider{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.fetches.Add(1)
		p.mu.Lock()
		p.headers = r.Header.Clone()
		doc := jose.JSONWebKeySet{Keys: append([]jose.JSONWebKey(nil), p.keys...)}
		p.mu.Unlock()

		if p.failing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *testKeyProvider) publish(kid string, key any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, jose.JSONWebKey{Key: key, KeyID: kid, Use: "sig"})
}

func (p *testKeyProvider) lastHeaders() http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.headers
}

func newTestKeySetCache(t *testing.T, p *testKeyProvider) *KeySetCache {
	t.Helper()
	cfg := DefaultKeySetConfig()
	cfg.URL = p.URL
	c, err := NewKeySetCache(cfg, p.Client(), nil)
	require.NoError(t, err)
	return c
}

func newTestRemoteVerifier(t *testing.T, keys KeyResolver) *RemoteTokenVerifier {
	t.Helper()
	cfg := DefaultRemoteConfig()
	cfg.TenantID = testTenant
	cfg.Audience = testAudience
	cfg.KeySet.URL = "http://keys.invalid"
	v, err := NewRemoteTokenVerifier(cfg, keys, nil)
	require.NoError(t, err)
	return v
}

func newTestLocalVerifier(t *testing.T) *LocalTokenVerifier {
	t.Helper()
	cfg := DefaultLocalConfig()
	cfg.SigningKey = testSecret
	v, err := NewLocalTokenVerifier(cfg)
	require.NoError(t, err)
	return v
}

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ---------------------------------------------------------------------------
// User store
// ---------------------------------------------------------------------------

// fakeStore is an in-memory UserStore that counts calls and enforces the
// email and subject unique constraints.
type fakeStore struct {
	mu    sync.Mutex
	users map[string]Identity
	seq   int
	calls map[string]int

	// err, when set, is returned by every call.
	err error
	// createDelay widens the window between a lookup miss and the insert.
	createDelay time.Duration
	// beforeCreate runs before Create inserts; a non-nil error is returned.
	beforeCreate func(s *fakeStore) error
	// onGet runs at the start of every lookup, outside the store lock.
	onGet func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]Identity), calls: make(map[string]int)}
}

func (s *fakeStore) record(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	return s.err
}

func (s *fakeStore) count(methods ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range methods {
		n += s.calls[m]
	}
	return n
}

func (s *fakeStore) total() int {
	return s.count("GetByID", "GetByEmail", "GetBySubject", "Create", "Update")
}

func (s *fakeStore) lookups() int {
	return s.count("GetByID", "GetByEmail", "GetBySubject")
}

func (s *fakeStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// seed inserts a record directly, bypassing counters.
func (s *fakeStore) seed(id Identity) Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(id)
}

func (s *fakeStore) insertLocked(id Identity) Identity {
	if id.ID == "" {
		s.seq++
		id.ID = fmt.Sprintf("user-%d", s.seq)
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now()
		id.UpdatedAt = id.CreatedAt
	}
	id.Email = NormalizeEmail(id.Email)
	s.users[id.ID] = id.Clone()
	return id.Clone()
}

func (s *fakeStore) snapshot(id string) (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u.Clone(), ok
}

func (s *fakeStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *fakeStore) find(match func(Identity) bool) (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			return u.Clone(), true
		}
	}
	return Identity{}, false
}

func (s *fakeStore) lookup(method string, match func(Identity) bool) (Identity, bool, error) {
	if s.onGet != nil {
		s.onGet()
	}
	if err := s.record(method); err != nil {
		return Identity{}, false, err
	}
	u, ok := s.find(match)
	return u, ok, nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (Identity, bool, error) {
	return s.lookup("GetByID", func(u Identity) bool { return u.ID == id })
}

func (s *fakeStore) GetByEmail(_ context.Context, email string) (Identity, bool, error) {
	email = NormalizeEmail(email)
	return s.lookup("GetByEmail", func(u Identity) bool { return u.Email == email })
}

func (s *fakeStore) GetBySubject(_ context.Context, subject string) (Identity, bool, error) {
	return s.lookup("GetBySubject", func(u Identity) bool { return u.Subject == subject })
}

func (s *fakeStore) Create(_ context.Context, nu NewUser) (Identity, error) {
	if err := s.record("Create"); err != nil {
		return Identity{}, err
	}
	if s.createDelay > 0 {
		time.Sleep(s.createDelay)
	}
	if s.beforeCreate != nil {
		if err := s.beforeCreate(s); err != nil {
			return Identity{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.uniqueLocked("", nu.Email, nu.Subject); err != nil {
		return Identity{}, err
	}
	return s.insertLocked(Identity{
		Email:       nu.Email,
		Subject:     nu.Subject,
		Roles:       nu.Roles,
		DisplayName: nu.DisplayName,
		Kind:        nu.AuthMethod,
		Active:      true,
	}), nil
}

func (s *fakeStore) Update(_ context.Context, id string, u UserUpdate) (Identity, error) {
	if err := s.record("Update"); err != nil {
		return Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[id]
	if !ok {
		return Identity{}, sserr.New(sserr.CodeNotFoundUser, "user not found")
	}
	next := cur.Clone()
	if u.Email != nil {
		next.Email = NormalizeEmail(*u.Email)
	}
	if u.Subject != nil {
		next.Subject = *u.Subject
	}
	if u.Roles != nil {
		next.Roles = append([]string(nil), u.Roles...)
	}
	if u.DisplayName != nil {
		next.DisplayName = *u.DisplayName
	}
	if u.LastAuthenticatedAt != nil {
		next.LastAuthenticatedAt = *u.LastAuthenticatedAt
	}
	if err := s.uniqueLocked(id, next.Email, next.Subject); err != nil {
		return Identity{}, err
	}
	next.UpdatedAt = time.Now()
	s.users[id] = next
	return next.Clone(), nil
}

func (s *fakeStore) uniqueLocked(selfID, email, subject string) error {
	email = NormalizeEmail(email)
	for _, u := range s.users {
		if u.ID == selfID {
			continue
		}
		if email != "" && u.Email == email {
			return sserr.Conflict("email already exists")
		}
		if subject != "" && u.Subject == subject {
			return sserr.Conflict("subject already exists")
		}
	}
	return nil
}

var _ UserStore = (*fakeStore)(nil)
