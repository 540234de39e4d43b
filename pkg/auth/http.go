package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// HeaderAuthorization carries the bearer token.
const HeaderAuthorization = "Authorization"

const bearerPrefix = "Bearer "

// Resolver resolves a raw bearer token. [*IdentityResolver] implements it.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// ExtractBearerToken returns the token of a "Bearer <token>" header value.
// The scheme is matched case-insensitively. It returns "" for any other
// value.
func ExtractBearerToken(header string) string {
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

// HTTPMiddleware authenticates every request with resolver and stores the
// identity in the request context.
//
// Missing or rejected credentials get 401 with a WWW-Authenticate
// challenge. Dependency outages get 503 (or 504 for timeouts) so clients
// do not discard valid tokens.
//
//	r := chi.NewRouter()
//	r.Use(auth.HTTPMiddleware(resolver, logger))
func HTTPMiddleware(resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = loggerOrDefault(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearerToken(r.Header.Get(HeaderAuthorization))
			if token == "" {
				WriteError(w, sserr.Unauthorized("auth: missing or invalid authorization header"))
				return
			}

			ctx := r.Context()
			id, err := resolver.Resolve(ctx, token)
			if err != nil {
				level := slog.LevelInfo
				if sserr.IsDependencyFailure(err) {
					level = slog.LevelWarn
				}
				logger.Log(ctx, level, "auth: request authentication failed",
					"path", r.URL.Path,
					"code", string(sserr.GetCode(err)),
					"error", err,
				)
				WriteError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(ctx, id)))
		})
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError renders err as {"code","message"} with the status of its
// code. Errors that are not *sserr.Error render as 500 without their text.
func WriteError(w http.ResponseWriter, err error) {
	e, ok := sserr.AsError(err)
	if !ok {
		e = sserr.Internal("internal error")
	}
	status := e.HTTPStatus()
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	WriteJSON(w, status, errorBody{Code: string(e.Code), Message: e.Message})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
