// Package errors provides the structured error type shared by every package
// of the StricklySoft identity service. Each error carries a machine-readable
// [Code], a human-readable message, an optional cause, and optional details.
//
// # Error Categories
//
// Codes are grouped by category prefix, and each category maps to one HTTP
// status:
//
//   - VAL     validation failures (400)
//   - AUTH    authentication failures: bad, expired, or unverifiable tokens (401)
//   - AUTHZ   authorization failures: role checks (403)
//   - NF      missing resources (404)
//   - CONF    uniqueness and version conflicts (409)
//   - INT     unexpected internal failures (500)
//   - UNAVAIL downstream outages: user store, key provider, shared cache (503)
//   - TIMEOUT deadline exceeded talking to a dependency (504)
//
// The authentication taxonomy used by the identity resolver is expressed as
// codes in the AUTH and UNAVAIL categories, so callers can tell "bad
// credentials" apart from "dependency outage" with [IsAuthentication] and
// [IsUnavailable].
//
// # Usage
//
//	err := errors.New(errors.CodeAuthenticationExpired, "auth: token has expired")
//
//	if errors.HasCode(err, errors.CodeUnavailableStore) {
//	    // return 503
//	}
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Error("resolve failed", "code", e.Code, "message", e.Message)
//	}
package errors
