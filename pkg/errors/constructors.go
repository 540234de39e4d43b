package errors

import (
	"errors"
	"fmt"
)

// New creates an Error with the given code and message.
//
//	err := errors.New(errors.CodeAuthenticationInvalid, "auth: token is malformed")
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
//
//	err := errors.Newf(errors.CodeAuthenticationUnknownKey, "auth: key id %q not found", kid)
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message. Wrap returns nil if err is nil.
//
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeUnavailableStore, "store: lookup by email failed")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps err with a code and formatted message. Wrapf returns nil if
// err is nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Validation creates a CodeValidation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a CodeValidation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// Unauthorized creates the aggregate CodeAuthentication error returned when
// no enabled authentication method accepted a token.
func Unauthorized(message string) *Error {
	return New(CodeAuthentication, message)
}

// InvalidToken creates a CodeAuthenticationInvalid error.
func InvalidToken(message string) *Error {
	return New(CodeAuthenticationInvalid, message)
}

// ExpiredToken creates a CodeAuthenticationExpired error.
func ExpiredToken(message string) *Error {
	return New(CodeAuthenticationExpired, message)
}

// UnknownKey creates a CodeAuthenticationUnknownKey error for the key id.
func UnknownKey(kid string) *Error {
	return Newf(CodeAuthenticationUnknownKey, "auth: key id %q not found in provider key set", kid).
		WithDetail("kid", kid)
}

// UnsupportedIdentity creates a CodeAuthenticationUnsupportedIdentity error.
func UnsupportedIdentity(message string) *Error {
	return New(CodeAuthenticationUnsupportedIdentity, message)
}

// Forbidden creates a CodeAuthorization error.
func Forbidden(message string) *Error {
	return New(CodeAuthorization, message)
}

// NotFound creates a CodeNotFound error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// Conflict creates a CodeConflictAlreadyExists error.
func Conflict(message string) *Error {
	return New(CodeConflictAlreadyExists, message)
}

// Internal creates a CodeInternal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// StoreUnavailable wraps err as a CodeUnavailableStore error.
func StoreUnavailable(err error, message string) *Error {
	if err == nil {
		return New(CodeUnavailableStore, message)
	}
	return Wrap(err, CodeUnavailableStore, message)
}

// KeyProviderUnavailable wraps err as a CodeUnavailableKeyProvider error.
func KeyProviderUnavailable(err error, message string) *Error {
	if err == nil {
		return New(CodeUnavailableKeyProvider, message)
	}
	return Wrap(err, CodeUnavailableKeyProvider, message)
}

// FromError returns err as an *Error, wrapping non-platform errors as
// CodeInternal. FromError returns nil if err is nil.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
