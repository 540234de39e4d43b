package errors

import (
	"errors"
)

// AsError finds the first *Error in err's chain.
//
//	if e, ok := errors.AsError(err); ok {
//	    log.Printf("code=%s message=%s", e.Code, e.Message)
//	}
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "" if
// there is none.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether the first *Error in err's chain has the code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports whether err is a VAL_xxx error.
func IsValidation(err error) bool { return hasCategory(err, "VAL") }

// IsAuthentication reports whether err is an AUTH_xxx error, i.e. the
// credentials themselves were rejected.
func IsAuthentication(err error) bool { return hasCategory(err, "AUTH") }

// IsAuthorization reports whether err is an AUTHZ_xxx error.
func IsAuthorization(err error) bool { return hasCategory(err, "AUTHZ") }

// IsNotFound reports whether err is an NF_xxx error.
func IsNotFound(err error) bool { return hasCategory(err, "NF") }

// IsConflict reports whether err is a CONF_xxx error.
func IsConflict(err error) bool { return hasCategory(err, "CONF") }

// IsInternal reports whether err is an INT_xxx error.
func IsInternal(err error) bool { return hasCategory(err, "INT") }

// IsUnavailable reports whether err is an UNAVAIL_xxx error.
func IsUnavailable(err error) bool { return hasCategory(err, "UNAVAIL") }

// IsTimeout reports whether err is a TIMEOUT_xxx error.
func IsTimeout(err error) bool { return hasCategory(err, "TIMEOUT") }

// IsDependencyFailure reports whether err was caused by an infrastructure
// dependency (user store, key provider, shared cache) rather than by the
// presented credentials. Unavailable and timeout errors qualify.
//
//	if errors.IsDependencyFailure(err) {
//	    // 503: the caller may retry; do not tell them their token is bad
//	}
func IsDependencyFailure(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "UNAVAIL", "TIMEOUT":
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the operation that produced err may succeed
// if retried. It is currently equivalent to [IsDependencyFailure].
func IsRetryable(err error) bool {
	return IsDependencyFailure(err)
}
