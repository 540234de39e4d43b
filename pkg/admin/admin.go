// Package admin exposes the operator endpoints of the identity service
// over HTTP: cache statistics, auth cache clearing, forced key refresh,
// user cache invalidation and a dependency health report.
//
// Every route under /admin/auth requires an authenticated identity that
// carries one of the admin roles:
//
//	GET    /admin/auth/stats
//	POST   /admin/auth/cache/clear
//	POST   /admin/auth/keys/refresh
//	DELETE /admin/auth/users/{lookupType}/{identifier}
//
// /healthz is unauthenticated.
package admin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// BasePath is the mount point of the authenticated admin routes.
const BasePath = "/admin/auth"

// DefaultAdminRole is required when Options.Roles is empty.
const DefaultAdminRole = "admin"

// Manager is the administrative side of the resolver.
// [*auth.IdentityResolver] implements it.
type Manager interface {
	Stats() auth.ResolverStats
	ClearAuthCache(ctx context.Context) error
	ForceRefreshKeySet(ctx context.Context) error
	InvalidateUserCache(ctx context.Context, identifier, lookupType string) error
}

// Options wires [NewRouter].
type Options struct {
	// Resolver authenticates admin requests.
	Resolver auth.Resolver

	// Manager serves the admin operations.
	Manager Manager

	// Roles grants access. Defaults to [DefaultAdminRole].
	Roles []string

	// Health, when set, is served at /healthz.
	Health *HealthOptions

	Logger *slog.Logger
}

// NewRouter returns a chi router serving the admin routes and /healthz.
func NewRouter(opts Options) (chi.Router, error) {
	if opts.Resolver == nil || opts.Manager == nil {
		return nil, sserr.Validation("admin: router requires a resolver and a manager")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	roles := opts.Roles
	if len(roles) == 0 {
		roles = []string{DefaultAdminRole}
	}

	h := &handlers{manager: opts.Manager, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if opts.Health != nil {
		r.Method(http.MethodGet, "/healthz", NewHealthHandler(*opts.Health))
	}
	r.Route(BasePath, func(r chi.Router) {
		r.Use(auth.HTTPMiddleware(opts.Resolver, logger))
		r.Use(auth.RequireRoles(roles...))

		r.Get("/stats", h.stats)
		r.Post("/cache/clear", h.clearAuthCache)
		r.Post("/keys/refresh", h.refreshKeys)
		r.Delete("/users/{lookupType}/{identifier}", h.invalidateUser)
	})
	return r, nil
}

type handlers struct {
	manager Manager
	logger  *slog.Logger
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	auth.WriteJSON(w, http.StatusOK, h.manager.Stats())
}

func (h *handlers) clearAuthCache(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ClearAuthCache(r.Context()); err != nil {
		h.fail(w, r, "clear auth cache", err)
		return
	}
	h.audit(r, "clear auth cache")
	auth.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Message: "auth cache cleared"})
}

func (h *handlers) refreshKeys(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ForceRefreshKeySet(r.Context()); err != nil {
		h.fail(w, r, "refresh key set", err)
		return
	}
	h.audit(r, "refresh key set")
	auth.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Message: "key set refreshed"})
}

func (h *handlers) invalidateUser(w http.ResponseWriter, r *http.Request) {
	lookupType := chi.URLParam(r, "lookupType")
	identifier := chi.URLParam(r, "identifier")
	if err := h.manager.InvalidateUserCache(r.Context(), identifier, lookupType); err != nil {
		h.fail(w, r, "invalidate user cache", err)
		return
	}
	h.audit(r, "invalidate user cache", "lookup_type", lookupType)
	auth.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Message: "user cache entry invalidated"})
}

func (h *handlers) audit(r *http.Request, op string, args ...any) {
	actor := ""
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		actor = id.ID
	}
	h.logger.InfoContext(r.Context(), "admin: "+op, append([]any{"actor", actor}, args...)...)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.WarnContext(r.Context(), "admin: "+op+" failed",
		"code", string(sserr.GetCode(err)),
		"error", err,
	)
	auth.WriteError(w, err)
}
