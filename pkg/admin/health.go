package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	"github.com/StricklySoft/stricklysoft-identity/pkg/lifecycle"
)

// DefaultHealthTimeout bounds each dependency check.
const DefaultHealthTimeout = 2 * time.Second

const (
	statusOK          = "ok"
	statusDegraded    = "degraded"
	statusUnavailable = "unavailable"
	statusDisabled    = "disabled"
	statusUnknown     = "unknown"
)

// ServiceInfo reports the process lifecycle. [*lifecycle.Service]
// implements it.
type ServiceInfo interface {
	Info() lifecycle.Info
}

// HealthOptions configures [NewHealthHandler]. Every field but Manager is
// optional.
type HealthOptions struct {
	Manager Manager

	// Store is checked when it implements [auth.HealthChecker].
	Store auth.UserStore

	// SharedCache is the shared auth result tier; nil reports "disabled".
	SharedCache auth.HealthChecker

	Service ServiceInfo
	Timeout time.Duration
}

// DependencyHealth is the state of one dependency.
type DependencyHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthReport is the /healthz body.
type HealthReport struct {
	Status      string            `json:"status"`
	AuthMethods []string          `json:"auth_methods"`
	Store       DependencyHealth  `json:"store"`
	SharedCache DependencyHealth  `json:"shared_cache"`
	KeySet      DependencyHealth  `json:"key_set"`
	KeySetStats *auth.KeySetStats `json:"key_set_stats,omitempty"`
	Service     *lifecycle.Info   `json:"service,omitempty"`
}

// NewHealthHandler serves a [HealthReport]. The response is 503 when the
// store is unavailable or the service is not running, and 200 otherwise.
// A stale or failing key set only degrades the report since the last good
// keys keep being served.
func NewHealthHandler(opts HealthOptions) http.Handler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultHealthTimeout
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := Check(r.Context(), opts)
		status := http.StatusOK
		if report.Status == statusUnavailable {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Cache-Control", "no-store")
		auth.WriteJSON(w, status, report)
	})
}

// Check builds a [HealthReport].
func Check(ctx context.Context, opts HealthOptions) HealthReport {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultHealthTimeout
	}
	report := HealthReport{Status: statusOK}

	if opts.Manager != nil {
		stats := opts.Manager.Stats()
		report.AuthMethods = stats.Methods
		report.KeySet = keySetHealth(stats.KeySet)
		report.KeySetStats = stats.KeySet
	} else {
		report.KeySet = DependencyHealth{Status: statusUnknown}
	}

	report.Store = DependencyHealth{Status: statusUnknown}
	if hc, ok := opts.Store.(auth.HealthChecker); ok {
		report.Store = probe(ctx, hc, opts.Timeout)
	}

	report.SharedCache = DependencyHealth{Status: statusDisabled}
	if opts.SharedCache != nil {
		report.SharedCache = probe(ctx, opts.SharedCache, opts.Timeout)
	}

	if opts.Service != nil {
		info := opts.Service.Info()
		report.Service = &info
		if info.State != lifecycle.StateRunning {
			report.Status = statusUnavailable
		}
	}

	switch {
	case report.Store.Status == statusUnavailable:
		report.Status = statusUnavailable
	case report.Status == statusOK &&
		(report.SharedCache.Status == statusUnavailable || (report.KeySet.Status != statusOK && report.KeySet.Status != statusDisabled)):
		report.Status = statusDegraded
	}
	return report
}

func probe(ctx context.Context, hc auth.HealthChecker, timeout time.Duration) DependencyHealth {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := hc.Health(ctx); err != nil {
		return DependencyHealth{Status: statusUnavailable, Error: err.Error()}
	}
	return DependencyHealth{Status: statusOK}
}

func keySetHealth(s *auth.KeySetStats) DependencyHealth {
	switch {
	case s == nil:
		return DependencyHealth{Status: statusDisabled}
	case !s.Cached:
		return DependencyHealth{Status: statusUnavailable, Error: s.LastError}
	case !s.Valid || s.LastError != "":
		return DependencyHealth{Status: statusDegraded, Error: s.LastError}
	default:
		return DependencyHealth{Status: statusOK}
	}
}
