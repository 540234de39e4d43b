// Package auth resolves inbound bearer tokens to canonical user identities.
//
// Two classes of token are accepted:
//
//   - local tokens, signed with a shared HMAC secret held by this service;
//   - remote tokens, issued by a federated identity provider and signed with
//     a rotating asymmetric key published as a JWKS document.
//
// The [IdentityResolver] is the single entry point. It consults an
// [AuthResultCache] keyed by the token hash, verifies the token with the
// enabled verifiers, resolves the user record through a [UserRecordCache]
// and, for first-seen remote users, provisions a record under a
// per-identifier [ProvisioningLock] so concurrent first logins create
// exactly one record.
//
// Every cache is an explicit object built once by the composition root and
// passed in; the package holds no global state.
//
// Failures are reported as *[sserr.Error] values. Credential problems carry
// AUTH_xxx codes; dependency outages carry [sserr.CodeUnavailableStore] or
// [sserr.CodeUnavailableKeyProvider] so callers can tell "bad credentials"
// apart from "try again later".
package auth

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Kind tags how an [Identity] was authenticated.
type Kind string

const (
	// KindLocal identifies users authenticated with a shared-secret token.
	KindLocal Kind = "local"

	// KindRemoteUser identifies human users authenticated by the identity
	// provider.
	KindRemoteUser Kind = "remote-user"

	// KindRemoteService identifies applications authenticated by the
	// identity provider with client credentials. Service identities are
	// never written to the user store.
	KindRemoteService Kind = "remote-service"
)

// String returns the string form of the kind.
func (k Kind) String() string { return string(k) }

// DefaultRole is assigned to users whose token and stored record carry no
// roles.
const DefaultRole = "standard"

// Service identity prefixes.
const (
	serviceIDPrefix          = "app_"
	serviceDisplayNamePrefix = "app:"
)

// Identity is the canonical caller of a request.
//
// Identity is a value type. The cache layers hold their own copies via
// [Identity.Clone], so a caller may modify the Roles slice of the value it
// received without affecting any cache.
type Identity struct {
	ID                  string    `json:"id"`
	Email               string    `json:"email,omitempty"`
	Subject             string    `json:"subject,omitempty"`
	Roles               []string  `json:"roles"`
	Kind                Kind      `json:"kind"`
	DisplayName         string    `json:"display_name,omitempty"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at,omitzero"`
	UpdatedAt           time.Time `json:"updated_at,omitzero"`
	LastAuthenticatedAt time.Time `json:"last_authenticated_at,omitzero"`
}

// Clone returns a deep copy of the identity.
func (i Identity) Clone() Identity {
	i.Roles = slices.Clone(i.Roles)
	return i
}

// HasRole reports whether the identity carries role.
func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// IsService reports whether the identity is an application rather than a
// human user.
func (i Identity) IsService() bool {
	return i.Kind == KindRemoteService
}

// NewServiceIdentity builds the identity of an application authenticated
// with client credentials. Its roles are exactly those in the token and may
// be empty.
func NewServiceIdentity(appID string, roles []string) Identity {
	return Identity{
		ID:          serviceIDPrefix + appID,
		DisplayName: serviceDisplayNamePrefix + appID,
		Roles:       slices.Clone(roles),
		Kind:        KindRemoteService,
		Active:      true,
	}
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizeRoles returns a copy of roles with empty names dropped, or
// [DefaultRole] alone when nothing remains.
func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return []string{DefaultRole}
	}
	return out
}

// ---------------------------------------------------------------------------
// UserStore
// ---------------------------------------------------------------------------

// NewUser holds the fields of a record created by [UserStore.Create].
type NewUser struct {
	Email       string
	Subject     string
	Roles       []string
	DisplayName string
	AuthMethod  Kind
}

// UserUpdate is a partial update for [UserStore.Update]. Nil fields are
// left unchanged.
type UserUpdate struct {
	Email               *string
	Subject             *string
	Roles               []string
	DisplayName         *string
	LastAuthenticatedAt *time.Time
}

// IsZero reports whether the update changes nothing.
func (u UserUpdate) IsZero() bool {
	return u.Email == nil && u.Subject == nil && u.Roles == nil &&
		u.DisplayName == nil && u.LastAuthenticatedAt == nil
}

// UserStore is the persistent home of user records.
//
// Lookups report a missing record as (Identity{}, false, nil); an error
// always means the store could not answer. Create fails with
// [sserr.CodeConflictAlreadyExists] when the email or subject is already
// taken. Implementations live in package store.
type UserStore interface {
	GetByID(ctx context.Context, id string) (Identity, bool, error)
	GetByEmail(ctx context.Context, email string) (Identity, bool, error)
	GetBySubject(ctx context.Context, subject string) (Identity, bool, error)
	Create(ctx context.Context, u NewUser) (Identity, error)
	Update(ctx context.Context, id string, u UserUpdate) (Identity, error)
}

// HealthChecker is implemented by dependencies that can report their own
// health.
type HealthChecker interface {
	Health(ctx context.Context) error
}
