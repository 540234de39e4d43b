package auth

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// MaxTokenSize is the largest bearer token accepted (8 KiB).
const MaxTokenSize = 8192

// DefaultPersistTimeout bounds the asynchronous last-login write.
const DefaultPersistTimeout = 10 * time.Second

// AuthMethod selects which verifiers the resolver runs.
type AuthMethod string

const (
	AuthMethodRemote AuthMethod = "remote"
	AuthMethodLocal  AuthMethod = "local"
	AuthMethodBoth   AuthMethod = "both"
)

// ParseAuthMethod parses "remote", "local" or "both".
func ParseAuthMethod(s string) (AuthMethod, error) {
	m := AuthMethod(strings.ToLower(strings.TrimSpace(s)))
	if err := m.Validate(); err != nil {
		return "", err
	}
	return m, nil
}

// Validate rejects unknown methods.
func (m AuthMethod) Validate() *sserr.Error {
	switch m {
	case AuthMethodRemote, AuthMethodLocal, AuthMethodBoth:
		return nil
	default:
		return sserr.Validationf("auth: unknown auth method %q (use remote, local or both)", string(m))
	}
}

// RemoteEnabled reports whether provider tokens are accepted.
func (m AuthMethod) RemoteEnabled() bool { return m == AuthMethodRemote || m == AuthMethodBoth }

// LocalEnabled reports whether shared-secret tokens are accepted.
func (m AuthMethod) LocalEnabled() bool { return m == AuthMethodLocal || m == AuthMethodBoth }

// ResolveState is a step of one resolution.
type ResolveState string

const (
	StateNotAttempted ResolveState = "not_attempted"
	StateRemoteTried  ResolveState = "remote_tried"
	StateLocalTried   ResolveState = "local_tried"
	StateResolved     ResolveState = "resolved"
	StateFailed       ResolveState = "failed"
)

// TokenVerifier checks a raw token. [*RemoteTokenVerifier] and
// [*LocalTokenVerifier] implement it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) VerifyResult
}

// KeySetManager is the administrative side of a key cache. [*KeySetCache]
// implements it.
type KeySetManager interface {
	ForceRefresh(ctx context.Context) error
	Stats() KeySetStats
}

// ResolverDeps wires an [IdentityResolver]. Remote and Provisioner are
// required when Method enables remote tokens; Local when it enables local
// tokens. KeySet is optional.
type ResolverDeps struct {
	Method      AuthMethod
	Remote      TokenVerifier
	Local       TokenVerifier
	KeySet      KeySetManager
	Store       UserStore
	Users       *UserRecordCache
	Results     *AuthResultCache
	Provisioner *Provisioner
	Logger      *slog.Logger

	PersistTimeout time.Duration
}

// ResolverStats aggregates the resolver's counters and those of every
// cache it owns.
type ResolverStats struct {
	Methods       []string           `json:"enabled_methods"`
	Resolutions   uint64             `json:"resolutions"`
	Failures      uint64             `json:"failures"`
	CacheHits     uint64             `json:"cache_hits"`
	ServiceTokens uint64             `json:"service_tokens"`
	AuthCache     AuthCacheStats     `json:"auth_cache"`
	UserCache     UserCacheStats     `json:"user_cache"`
	KeySet        *KeySetStats       `json:"key_set,omitempty"`
	Provisioning  *ProvisioningStats `json:"provisioning,omitempty"`
}

// IdentityResolver turns a bearer token into an [Identity].
//
// Resolution order: the auth result cache, then the remote verifier (user
// tokens are matched to or provisioned as store records; service tokens
// are not stored), then the local verifier (existing users only). A
// failing method falls through to the next enabled one. When all fail the
// error is [sserr.CodeAuthentication], unless a dependency outage is the
// reason, which is returned as is.
//
// IdentityResolver is safe for concurrent use.
type IdentityResolver struct {
	method         AuthMethod
	remote         TokenVerifier
	local          TokenVerifier
	keys           KeySetManager
	store          UserStore
	users          *UserRecordCache
	results        *AuthResultCache
	provisioner    *Provisioner
	logger         *slog.Logger
	tracer         trace.Tracer
	now            func() time.Time
	persistTimeout time.Duration

	// bgMu orders background.Add against Close.
	bgMu       sync.Mutex
	closed     bool
	background sync.WaitGroup

	resolutions, failures, cacheHits, serviceTokens atomic.Uint64
}

// NewIdentityResolver checks deps and returns a resolver.
func NewIdentityResolver(deps ResolverDeps) (*IdentityResolver, error) {
	if err := deps.Method.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Store == nil || deps.Users == nil || deps.Results == nil:
		return nil, sserr.Validation("auth: resolver requires a store, a user cache and an auth cache")
	case deps.Method.RemoteEnabled() && (deps.Remote == nil || deps.Provisioner == nil):
		return nil, sserr.Validation("auth: remote authentication requires a remote verifier and a provisioner")
	case deps.Method.LocalEnabled() && deps.Local == nil:
		return nil, sserr.Validation("auth: local authentication requires a local verifier")
	}
	timeout := deps.PersistTimeout
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}
	return &IdentityResolver{
		method:         deps.Method,
		remote:         deps.Remote,
		local:          deps.Local,
		keys:           deps.KeySet,
		store:          deps.Store,
		users:          deps.Users,
		results:        deps.Results,
		provisioner:    deps.Provisioner,
		logger:         loggerOrDefault(deps.Logger),
		tracer:         otel.Tracer(tracerName),
		now:            time.Now,
		persistTimeout: timeout,
	}, nil
}

// Resolve returns the identity for a raw bearer token.
func (r *IdentityResolver) Resolve(ctx context.Context, token string) (id Identity, err error) {
	ctx, span := startSpan(ctx, r.tracer, "auth.Resolve")
	state := StateNotAttempted
	defer func() {
		if err != nil {
			state = StateFailed
			r.failures.Add(1)
		} else {
			state = StateResolved
			r.resolutions.Add(1)
		}
		span.SetAttributes(attribute.String("auth.state", string(state)))
		finishSpan(span, err)
		span.End()
	}()

	if token == "" {
		return Identity{}, sserr.Unauthorized("auth: missing bearer token")
	}
	if len(token) > MaxTokenSize {
		return Identity{}, sserr.Unauthorized("auth: bearer token exceeds maximum size")
	}

	hash := TokenHash(token)
	if cached, ok := r.results.Get(ctx, hash); ok {
		r.cacheHits.Add(1)
		span.SetAttributes(attribute.Bool("auth.cache_hit", true))
		return cached, nil
	}
	span.SetAttributes(attribute.Bool("auth.cache_hit", false))

	var remoteErr *sserr.Error
	if r.method.RemoteEnabled() {
		state = r.advance(ctx, span, hash, state, StateRemoteTried)
		res := r.remote.Verify(ctx, token)
		switch res.Kind() {
		case OutcomeService:
			r.serviceTokens.Add(1)
			id = NewServiceIdentity(res.Service.AppID, res.Service.Roles)
			r.results.Set(ctx, hash, id, res.ExpiresAt())
			return id, nil
		case OutcomeUser:
			id, err = r.resolveRemoteUser(ctx, *res.User)
			if err != nil {
				return Identity{}, r.userResolutionError(err)
			}
			r.results.Set(ctx, hash, id, res.ExpiresAt())
			return id, nil
		default:
			remoteErr = res.Failure()
			r.logger.DebugContext(ctx, "auth: remote verification failed",
				"token_hash", hashPrefix(hash),
				"code", string(remoteErr.Code),
			)
			if !r.method.LocalEnabled() {
				if sserr.IsDependencyFailure(remoteErr) {
					return Identity{}, remoteErr
				}
				return Identity{}, r.unauthorized(remoteErr, nil)
			}
		}
	}

	state = r.advance(ctx, span, hash, state, StateLocalTried)
	res := r.local.Verify(ctx, token)
	if res.Failed() {
		if remoteErr != nil && sserr.IsDependencyFailure(remoteErr) {
			return Identity{}, remoteErr
		}
		return Identity{}, r.unauthorized(remoteErr, res.Failure())
	}
	id, err = r.resolveLocalUser(ctx, *res.Local)
	if err != nil {
		return Identity{}, r.userResolutionError(err)
	}
	r.results.Set(ctx, hash, id, res.ExpiresAt())
	return id, nil
}

// resolveRemoteUser finds the record for a verified user token, creating
// or migrating it when needed, and merges the token's roles.
func (r *IdentityResolver) resolveRemoteUser(ctx context.Context, claims RemoteClaims) (Identity, error) {
	stored, found, err := r.users.GetOrFetch(ctx, NewLookupKey(LookupSubject, claims.Subject))
	if err != nil {
		return Identity{}, err
	}
	if !found {
		byEmail, ok, err := r.users.GetOrFetch(ctx, NewLookupKey(LookupEmail, claims.Email))
		if err != nil {
			return Identity{}, err
		}
		if ok && byEmail.Subject == claims.Subject {
			stored, found = byEmail, true
		}
	}

	if !found {
		// Unknown, or a legacy record without a subject: the provisioner
		// re-checks under the per-identifier lock.
		rec, err := r.provisioner.GetOrCreate(ctx, claims)
		if err != nil {
			return Identity{}, err
		}
		r.users.Put(rec)
		stored = rec
	}

	if !stored.Active {
		return Identity{}, sserr.Unauthorized("auth: user account is disabled").WithDetail("user_id", stored.ID)
	}

	merged, update := r.merge(stored, claims)
	r.persistLogin(ctx, merged, update)
	return merged, nil
}

func (r *IdentityResolver) resolveLocalUser(ctx context.Context, claims LocalClaims) (Identity, error) {
	stored, found, err := r.users.GetOrFetch(ctx, NewLookupKey(LookupEmail, claims.Email))
	if err != nil {
		return Identity{}, err
	}
	if !found {
		return Identity{}, sserr.Unauthorized("auth: no user matches the local token")
	}
	if !stored.Active {
		return Identity{}, sserr.Unauthorized("auth: user account is disabled").WithDetail("user_id", stored.ID)
	}
	id := stored.Clone()
	id.Roles = normalizeRoles(id.Roles)
	id.Kind = KindLocal
	return id, nil
}

// merge applies a verified token to a stored record. Token roles win only
// when the token carries some; otherwise stored roles are kept, falling
// back to [DefaultRole].
func (r *IdentityResolver) merge(stored Identity, claims RemoteClaims) (Identity, UserUpdate) {
	merged := stored.Clone()
	merged.Kind = KindRemoteUser
	var update UserUpdate

	if len(claims.Roles) > 0 {
		roles := normalizeRoles(claims.Roles)
		if !slices.Equal(roles, stored.Roles) {
			update.Roles = roles
		}
		merged.Roles = roles
	} else {
		merged.Roles = normalizeRoles(stored.Roles)
	}

	if merged.Subject == "" {
		merged.Subject = claims.Subject
		update.Subject = &merged.Subject
	}
	if norm := NormalizeEmail(stored.Email); norm != stored.Email {
		merged.Email = norm
		update.Email = &norm
	}
	if merged.DisplayName == "" && claims.DisplayName != "" {
		merged.DisplayName = claims.DisplayName
		update.DisplayName = &merged.DisplayName
	}

	now := r.now()
	merged.LastAuthenticatedAt = now
	update.LastAuthenticatedAt = &now
	return merged, update
}

// persistLogin writes update in the background and then drops the user's
// cache entries so the next independent lookup reads the new record. The
// write outlives the request context. After Close nothing is written.
func (r *IdentityResolver) persistLogin(ctx context.Context, id Identity, update UserUpdate) {
	if update.IsZero() {
		return
	}
	r.bgMu.Lock()
	if r.closed {
		r.bgMu.Unlock()
		r.logger.DebugContext(ctx, "auth: resolver closed, skipping login record", "user_id", id.ID)
		return
	}
	r.background.Add(1)
	r.bgMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer r.background.Done()
		ctx, cancel := context.WithTimeout(ctx, r.persistTimeout)
		defer cancel()
		if _, err := r.store.Update(ctx, id.ID, update); err != nil {
			r.logger.WarnContext(ctx, "auth: failed to record login", "user_id", id.ID, "error", err)
		}
		r.users.InvalidateIdentity(id)
	}()
}

// userResolutionError keeps dependency outages visible and turns anything
// else (a disabled account, an email bound to another subject) into
// Unauthorized.
func (r *IdentityResolver) userResolutionError(err error) error {
	if sserr.IsDependencyFailure(err) {
		return err
	}
	if sserr.HasCode(err, sserr.CodeAuthentication) {
		return err
	}
	e := sserr.New(sserr.CodeAuthentication, "auth: could not resolve user for token")
	e.Cause = err
	return e.WithDetail("enabled_methods", r.EnabledMethods())
}

// unauthorized aggregates the per-method failures into one error.
func (r *IdentityResolver) unauthorized(remoteErr, localErr *sserr.Error) error {
	var reasons []string
	var causes []error
	if remoteErr != nil {
		reasons = append(reasons, "remote: "+remoteErr.Message)
		causes = append(causes, remoteErr)
	}
	if localErr != nil {
		reasons = append(reasons, "local: "+localErr.Message)
		causes = append(causes, localErr)
	}
	msg := "auth: could not validate credentials"
	if len(reasons) > 0 {
		msg += " (" + strings.Join(reasons, "; ") + ")"
	}
	e := sserr.New(sserr.CodeAuthentication, msg)
	e.Cause = errors.Join(causes...)
	return e.WithDetail("enabled_methods", r.EnabledMethods())
}

func (r *IdentityResolver) advance(ctx context.Context, span trace.Span, hash string, from, to ResolveState) ResolveState {
	span.AddEvent("auth.state", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	r.logger.DebugContext(ctx, "auth: resolve state",
		"token_hash", hashPrefix(hash),
		"from", string(from),
		"to", string(to),
	)
	return to
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

// EnabledMethods lists the accepted token classes in resolution order.
func (r *IdentityResolver) EnabledMethods() []string {
	var methods []string
	if r.method.RemoteEnabled() {
		methods = append(methods, string(AuthMethodRemote))
	}
	if r.method.LocalEnabled() {
		methods = append(methods, string(AuthMethodLocal))
	}
	return methods
}

// Stats returns counters for the resolver and every cache.
func (r *IdentityResolver) Stats() ResolverStats {
	s := ResolverStats{
		Methods:       r.EnabledMethods(),
		Resolutions:   r.resolutions.Load(),
		Failures:      r.failures.Load(),
		CacheHits:     r.cacheHits.Load(),
		ServiceTokens: r.serviceTokens.Load(),
		AuthCache:     r.results.Stats(),
		UserCache:     r.users.Stats(),
	}
	if r.keys != nil {
		ks := r.keys.Stats()
		s.KeySet = &ks
	}
	if r.provisioner != nil {
		ps := r.provisioner.Stats()
		s.Provisioning = &ps
	}
	return s
}

// ClearAuthCache drops every cached resolution.
func (r *IdentityResolver) ClearAuthCache(ctx context.Context) error {
	r.logger.InfoContext(ctx, "auth: clearing auth result cache")
	return r.results.Clear(ctx)
}

// ForceRefreshKeySet refetches the remote signing keys.
func (r *IdentityResolver) ForceRefreshKeySet(ctx context.Context) error {
	if r.keys == nil {
		return sserr.Validation("auth: remote authentication is not enabled")
	}
	r.logger.InfoContext(ctx, "auth: forcing key set refresh")
	return r.keys.ForceRefresh(ctx)
}

// InvalidateUserCache drops the cached record reachable by identifier,
// including its other lookup keys. lookupType is "id", "email" or
// "subject".
func (r *IdentityResolver) InvalidateUserCache(ctx context.Context, identifier, lookupType string) error {
	t, err := ParseLookupType(lookupType)
	if err != nil {
		return err
	}
	if strings.TrimSpace(identifier) == "" {
		return sserr.Validation("auth: identifier must not be empty")
	}
	r.users.Invalidate(NewLookupKey(t, identifier))
	r.logger.InfoContext(ctx, "auth: invalidated user cache entry", "lookup_type", string(t))
	return nil
}

// Close waits for background login writes to finish. Logins resolved
// after Close are not recorded.
func (r *IdentityResolver) Close() {
	r.bgMu.Lock()
	r.closed = true
	r.bgMu.Unlock()
	r.background.Wait()
}
