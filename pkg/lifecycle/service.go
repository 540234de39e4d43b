package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-identity/pkg/lifecycle"

// Hook is a component start or stop function.
type Hook func(ctx context.Context) error

// Component is one long-lived part of the service. Either hook may be nil.
type Component struct {
	Name  string
	Start Hook
	Stop  Hook
}

// StateChangeHandler observes transitions. Handlers run synchronously
// under the service lock and must not call back into the service.
type StateChangeHandler func(from, to State)

// Info is a point-in-time snapshot of a service.
type Info struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Components []string  `json:"components"`
}

// Service runs an ordered list of components. Build one with
// [NewServiceBuilder].
type Service struct {
	name       string
	version    string
	components []Component
	handlers   []StateChangeHandler
	tracer     trace.Tracer
	logger     *slog.Logger

	mu        sync.RWMutex
	state     State
	startedAt time.Time
	started   int // number of components whose Start hook succeeded
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Version returns the service version.
func (s *Service) Version() string { return s.version }

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.components))
	for i, c := range s.components {
		names[i] = c.Name
	}
	return Info{
		Name:       s.name,
		Version:    s.version,
		State:      s.state,
		StartedAt:  s.startedAt,
		Components: names,
	}
}

// Health returns nil only while the service is running.
func (s *Service) Health(context.Context) error {
	st := s.State()
	if st != StateRunning {
		return sserr.Newf(sserr.CodeUnavailable, "lifecycle: service is %s", st)
	}
	return nil
}

// setState moves to next and notifies handlers. The caller holds s.mu.
func (s *Service) setState(next State) error {
	prev := s.state
	if !ValidTransition(prev, next) {
		return sserr.Newf(sserr.CodeConflict,
			"lifecycle: invalid state transition from %q to %q", prev, next)
	}
	s.state = next
	s.logger.Info("lifecycle: state changed",
		slog.String("service", s.name),
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
	)
	for _, h := range s.handlers {
		s.notify(h, prev, next)
	}
	return nil
}

func (s *Service) notify(h StateChangeHandler, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("lifecycle: state change handler panicked",
				slog.String("service", s.name),
				slog.Any("panic", r),
			)
		}
	}()
	h(from, to)
}

// Start runs each component's Start hook in order and moves to Running.
// If a hook fails, the components already started are stopped in reverse
// order and the service moves to Failed.
func (s *Service) Start(ctx context.Context) (err error) {
	if err := ctx.Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeout, "lifecycle: start canceled before execution")
	}

	ctx, span := s.tracer.Start(ctx, "lifecycle.Start",
		trace.WithAttributes(attribute.String("service.name", s.name)))
	defer func() { finishSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setState(StateStarting); err != nil {
		return err
	}
	s.started = 0

	for _, c := range s.components {
		if c.Start != nil {
			if herr := c.Start(ctx); herr != nil {
				s.logger.Error("lifecycle: component failed to start",
					slog.String("service", s.name),
					slog.String("component", c.Name),
					slog.String("error", herr.Error()),
				)
				if serr := s.stopStarted(ctx); serr != nil {
					herr = errors.Join(herr, serr)
				}
				_ = s.setState(StateFailed)
				return sserr.Wrapf(herr, sserr.CodeInternal,
					"lifecycle: component %q failed to start", c.Name)
			}
		}
		s.started++
	}

	s.startedAt = time.Now()
	return s.setState(StateRunning)
}

// Stop runs the Stop hooks of started components in reverse order. Stop
// on a service that is not running or starting is a no-op. Hook errors
// are joined and the service moves to Failed.
func (s *Service) Stop(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Stop",
		trace.WithAttributes(attribute.String("service.name", s.name)))
	defer func() { finishSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning && s.state != StateStarting {
		return nil
	}
	if err := s.setState(StateStopping); err != nil {
		return err
	}
	if serr := s.stopStarted(ctx); serr != nil {
		_ = s.setState(StateFailed)
		return sserr.Wrap(serr, sserr.CodeInternal, "lifecycle: stop failed")
	}
	return s.setState(StateStopped)
}

// stopStarted stops the first s.started components in reverse order. The
// caller holds s.mu.
func (s *Service) stopStarted(ctx context.Context) error {
	var errs []error
	for i := s.started - 1; i >= 0; i-- {
		c := s.components[i]
		if c.Stop == nil {
			continue
		}
		if err := c.Stop(ctx); err != nil {
			s.logger.Error("lifecycle: component failed to stop",
				slog.String("service", s.name),
				slog.String("component", c.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	s.started = 0
	return errors.Join(errs...)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
