package errors

// Code is a machine-readable error code of the form CATEGORY_XXX. Codes are
// stable once assigned and are safe to use in alerts and client logic.
type Code string

// Error code categories:
//
//	VAL_xxx     - Validation errors (400 Bad Request)
//	AUTH_xxx    - Authentication errors (401 Unauthorized)
//	AUTHZ_xxx   - Authorization errors (403 Forbidden)
//	NF_xxx      - Not found errors (404 Not Found)
//	CONF_xxx    - Conflict errors (409 Conflict)
//	INT_xxx     - Internal errors (500 Internal Server Error)
//	UNAVAIL_xxx - Service unavailable (503 Service Unavailable)
//	TIMEOUT_xxx - Timeout errors (504 Gateway Timeout)
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeAuthentication indicates that no enabled authentication method
	// accepted the presented credentials. It is the aggregate
	// "unauthorized" outcome of identity resolution.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired indicates the token's exp claim has passed.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationInvalid indicates a malformed token, a bad
	// signature, or a failed audience/issuer/not-before check.
	CodeAuthenticationInvalid Code = "AUTH_003"

	// CodeAuthenticationUnknownKey indicates the token's key id was not in
	// the provider's key set, even after a forced refetch.
	CodeAuthenticationUnknownKey Code = "AUTH_004"

	// CodeAuthenticationUnsupportedIdentity indicates a validly signed token
	// whose claims match neither the user profile nor the service profile.
	CodeAuthenticationUnsupportedIdentity Code = "AUTH_005"

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAuthorizationMissingRole indicates the identity holds none of the
	// roles required by the route.
	CodeAuthorizationMissingRole Code = "AUTHZ_002"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeNotFoundUser indicates the requested user record does not exist.
	CodeNotFoundUser Code = "NF_002"

	// CodeConflict indicates a general conflict error.
	CodeConflict Code = "CONF_001"

	// CodeConflictAlreadyExists indicates a unique constraint (id, email, or
	// subject) was violated. During provisioning this signals that a racing
	// writer created the record first.
	CodeConflictAlreadyExists Code = "CONF_002"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a database operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependent service is unavailable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeUnavailableStore indicates the user store could not be reached.
	CodeUnavailableStore Code = "UNAVAIL_004"

	// CodeUnavailableKeyProvider indicates the provider's key set could not
	// be fetched and no previously fetched set exists to fall back on.
	CodeUnavailableKeyProvider Code = "UNAVAIL_005"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a database operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates a call to a dependent service timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string form of the code.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore (e.g. "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
