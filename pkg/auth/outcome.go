package auth

import (
	"slices"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// OutcomeKind tags a [VerifyResult].
type OutcomeKind int

const (
	// OutcomeFailed means the verifier rejected the token; Err is set.
	OutcomeFailed OutcomeKind = iota
	// OutcomeUser means a remote token for a human user; User is set.
	OutcomeUser
	// OutcomeService means a remote client-credentials token; Service is set.
	OutcomeService
	// OutcomeLocal means a shared-secret token; Local is set.
	OutcomeLocal
)

var outcomeNames = [...]string{"failed", "user", "service", "local"}

// String returns a short name for logs and span attributes.
func (k OutcomeKind) String() string {
	if int(k) < len(outcomeNames) {
		return outcomeNames[k]
	}
	return "unknown"
}

// RemoteClaims are the identity claims of a remote user token.
type RemoteClaims struct {
	Subject     string
	Email       string
	DisplayName string
	Roles       []string

	// RolesPresent records whether the token carried a roles claim at all.
	// An absent claim and an empty one are resolved the same way.
	RolesPresent bool

	// ExpiresAt is the token's exp claim. Zero means the token has none.
	ExpiresAt time.Time
}

// ServiceClaims are the identity claims of a remote service token.
type ServiceClaims struct {
	AppID     string
	Roles     []string
	ExpiresAt time.Time
}

// LocalClaims are the identity claims of a local token.
type LocalClaims struct {
	Email     string
	ExpiresAt time.Time
}

// VerifyResult is the outcome of a token verifier. Exactly one of User,
// Service, Local or Err is set; use Kind to branch.
type VerifyResult struct {
	User    *RemoteClaims
	Service *ServiceClaims
	Local   *LocalClaims
	Err     *sserr.Error
}

// Kind reports which variant the result holds.
func (r VerifyResult) Kind() OutcomeKind {
	switch {
	case r.Err != nil:
		return OutcomeFailed
	case r.User != nil:
		return OutcomeUser
	case r.Service != nil:
		return OutcomeService
	case r.Local != nil:
		return OutcomeLocal
	default:
		return OutcomeFailed
	}
}

// ExpiresAt returns the verified token's expiry, or the zero time for a
// failed result or a token without exp.
func (r VerifyResult) ExpiresAt() time.Time {
	switch r.Kind() {
	case OutcomeUser:
		return r.User.ExpiresAt
	case OutcomeService:
		return r.Service.ExpiresAt
	case OutcomeLocal:
		return r.Local.ExpiresAt
	default:
		return time.Time{}
	}
}

// Failed reports whether the verifier rejected the token.
func (r VerifyResult) Failed() bool { return r.Kind() == OutcomeFailed }

// Failure returns the rejection reason, or an internal error for a
// malformed result that carries no variant at all. It is nil on success.
func (r VerifyResult) Failure() *sserr.Error {
	if r.Err != nil {
		return r.Err
	}
	if r.Kind() == OutcomeFailed {
		return sserr.Internal("auth: verifier returned an empty result")
	}
	return nil
}

func userResult(c RemoteClaims) VerifyResult {
	c.Roles = slices.Clone(c.Roles)
	return VerifyResult{User: &c}
}

func serviceResult(c ServiceClaims) VerifyResult {
	c.Roles = slices.Clone(c.Roles)
	return VerifyResult{Service: &c}
}

func localResult(c LocalClaims) VerifyResult {
	return VerifyResult{Local: &c}
}

func failedResult(err *sserr.Error) VerifyResult {
	return VerifyResult{Err: err}
}
