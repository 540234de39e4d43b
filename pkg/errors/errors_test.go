package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Error type
// ---------------------------------------------------------------------------

func TestError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without cause",
			err:  New(CodeAuthenticationExpired, "auth: token has expired"),
			want: "AUTH_002: auth: token has expired",
		},
		{
			name: "with cause",
			err:  Wrap(errors.New("connection refused"), CodeUnavailableStore, "store: lookup failed"),
			want: "UNAVAIL_004: store: lookup failed: connection refused",
		},
		{
			name: "with nested platform cause",
			err:  Wrap(New(CodeTimeout, "deadline"), CodeInternal, "resolve failed"),
			want: "INT_001: resolve failed: TIMEOUT_001: deadline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	err := Wrap(cause, CodeUnavailableKeyProvider, "jwks fetch failed")
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, New(CodeInternal, "x").Unwrap())
}

func TestError_HTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeAuthentication, http.StatusUnauthorized},
		{CodeAuthenticationUnknownKey, http.StatusUnauthorized},
		{CodeAuthenticationUnsupportedIdentity, http.StatusUnauthorized},
		{CodeAuthorizationMissingRole, http.StatusForbidden},
		{CodeNotFoundUser, http.StatusNotFound},
		{CodeConflictAlreadyExists, http.StatusConflict},
		{CodeInternalConfiguration, http.StatusInternalServerError},
		{CodeUnavailableStore, http.StatusServiceUnavailable},
		{CodeUnavailableKeyProvider, http.StatusServiceUnavailable},
		{CodeTimeoutDependency, http.StatusGatewayTimeout},
		{Code("BOGUS"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, New(tt.code, "m").HTTPStatus())
		})
	}
}

func TestError_WithDetails_DoesNotMutateOriginal(t *testing.T) {
	t.Parallel()
	orig := New(CodeAuthentication, "unauthorized").WithDetail("method", "remote")
	extended := orig.WithDetails(map[string]any{"enabled": []string{"remote", "local"}})

	assert.Len(t, orig.Details, 1)
	assert.Len(t, extended.Details, 2)
	assert.Equal(t, "remote", extended.Details["method"])
}

func TestError_Format(t *testing.T) {
	t.Parallel()
	err := Wrap(errors.New("eof"), CodeUnavailableStore, "lookup").WithDetail("lookup_type", "email")

	assert.Equal(t, "UNAVAIL_004: lookup: eof", fmt.Sprintf("%v", err))
	assert.Equal(t, "UNAVAIL_004: lookup: eof", fmt.Sprintf("%s", err))
	assert.Equal(t, `"UNAVAIL_004: lookup: eof"`, fmt.Sprintf("%q", err))

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, `Code: "UNAVAIL_004"`)
	assert.Contains(t, detailed, "lookup_type:email")
	assert.Contains(t, detailed, "Cause: eof")
}

// ---------------------------------------------------------------------------
// Codes
// ---------------------------------------------------------------------------

func TestCode_Category(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "AUTH", CodeAuthenticationUnknownKey.Category())
	assert.Equal(t, "AUTHZ", CodeAuthorizationMissingRole.Category())
	assert.Equal(t, "UNAVAIL", CodeUnavailableStore.Category())
	assert.Equal(t, "NOUNDERSCORE", Code("NOUNDERSCORE").Category())
	assert.Equal(t, "AUTH_004", CodeAuthenticationUnknownKey.String())
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func TestWrap_NilReturnsNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Wrap(nil, CodeInternal, "x"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "x %d", 1))
	assert.Nil(t, FromError(nil))
}

func TestTaxonomyConstructors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *Error
		code Code
	}{
		{"unauthorized", Unauthorized("no method accepted the token"), CodeAuthentication},
		{"invalid", InvalidToken("bad signature"), CodeAuthenticationInvalid},
		{"expired", ExpiredToken("expired"), CodeAuthenticationExpired},
		{"unknown key", UnknownKey("kid-1"), CodeAuthenticationUnknownKey},
		{"unsupported", UnsupportedIdentity("neither user nor service"), CodeAuthenticationUnsupportedIdentity},
		{"conflict", Conflict("email taken"), CodeConflictAlreadyExists},
		{"store", StoreUnavailable(errors.New("dial"), "store down"), CodeUnavailableStore},
		{"store no cause", StoreUnavailable(nil, "store down"), CodeUnavailableStore},
		{"key provider", KeyProviderUnavailable(errors.New("503"), "jwks down"), CodeUnavailableKeyProvider},
		{"forbidden", Forbidden("missing role"), CodeAuthorization},
		{"validation", Validationf("field %q", "ttl"), CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.code, tt.err.Code)
		})
	}
}

func TestUnknownKey_CarriesKid(t *testing.T) {
	t.Parallel()
	err := UnknownKey("rotated-key")
	assert.Equal(t, "rotated-key", err.Details["kid"])
	assert.Contains(t, err.Message, "rotated-key")
}

func TestFromError(t *testing.T) {
	t.Parallel()
	platform := New(CodeAuthenticationExpired, "expired")
	assert.Same(t, platform, FromError(fmt.Errorf("outer: %w", platform)))

	converted := FromError(errors.New("plain"))
	require.NotNil(t, converted)
	assert.Equal(t, CodeInternal, converted.Code)
}

// ---------------------------------------------------------------------------
// Checks
// ---------------------------------------------------------------------------

func TestAsError_FindsPlatformErrorInJoinedChain(t *testing.T) {
	t.Parallel()
	joined := errors.Join(errors.New("outer"), New(CodeTimeout, "timeout"))
	got, ok := AsError(joined)
	require.True(t, ok)
	assert.Equal(t, CodeTimeout, got.Code)

	_, ok = AsError(errors.New("std"))
	assert.False(t, ok)
	_, ok = AsError(nil)
	assert.False(t, ok)
}

func TestHasCode(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("resolve: %w", UnknownKey("k"))
	assert.True(t, HasCode(err, CodeAuthenticationUnknownKey))
	assert.False(t, HasCode(err, CodeAuthenticationInvalid))
	assert.Equal(t, Code(""), GetCode(errors.New("std")))
}

func TestCategoryPredicates(t *testing.T) {
	t.Parallel()
	assert.True(t, IsValidation(Validation("x")))
	assert.True(t, IsAuthentication(ExpiredToken("x")))
	assert.True(t, IsAuthentication(UnknownKey("k")))
	assert.True(t, IsAuthorization(New(CodeAuthorizationMissingRole, "x")))
	assert.True(t, IsNotFound(New(CodeNotFoundUser, "x")))
	assert.True(t, IsConflict(Conflict("x")))
	assert.True(t, IsInternal(Internal("x")))
	assert.True(t, IsUnavailable(StoreUnavailable(nil, "x")))
	assert.True(t, IsTimeout(New(CodeTimeoutDatabase, "x")))

	assert.False(t, IsAuthentication(StoreUnavailable(nil, "x")))
	assert.False(t, IsUnavailable(InvalidToken("x")))
	assert.False(t, IsAuthentication(errors.New("std")))
}

func TestIsDependencyFailure(t *testing.T) {
	t.Parallel()
	assert.True(t, IsDependencyFailure(KeyProviderUnavailable(nil, "x")))
	assert.True(t, IsDependencyFailure(StoreUnavailable(nil, "x")))
	assert.True(t, IsDependencyFailure(New(CodeTimeoutDependency, "x")))
	assert.True(t, IsRetryable(New(CodeTimeoutDependency, "x")))
	assert.False(t, IsDependencyFailure(Unauthorized("x")))
	assert.False(t, IsDependencyFailure(errors.New("std")))
}
