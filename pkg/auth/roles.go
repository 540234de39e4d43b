package auth

import (
	"net/http"
	"slices"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// HasAnyRole reports whether id carries at least one of roles. No roles
// means no requirement.
func HasAnyRole(id Identity, roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	return slices.ContainsFunc(roles, id.HasRole)
}

// RequireRoles rejects requests whose identity carries none of roles with
// 403. It must run after [HTTPMiddleware]; a request without an identity
// gets 401.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				WriteError(w, sserr.Unauthorized("auth: request is not authenticated"))
				return
			}
			if !HasAnyRole(id, roles...) {
				WriteError(w, sserr.New(sserr.CodeAuthorizationMissingRole,
					"auth: requires one of roles "+strings.Join(roles, ", ")))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
