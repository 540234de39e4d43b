package lifecycle

import (
	"log/slog"

	"go.opentelemetry.io/otel"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// ServiceBuilder assembles a [Service].
//
//	svc, err := lifecycle.NewServiceBuilder("identityd", version).
//	    WithLogger(logger).
//	    WithComponent(lifecycle.Component{
//	        Name:  "user-cache-janitor",
//	        Start: func(ctx context.Context) error { users.Start(ctx); return nil },
//	        Stop:  func(context.Context) error { users.Close(); return nil },
//	    }).
//	    Build()
type ServiceBuilder struct {
	name       string
	version    string
	logger     *slog.Logger
	components []Component
	handlers   []StateChangeHandler
}

// NewServiceBuilder starts a builder for the named service.
func NewServiceBuilder(name, version string) *ServiceBuilder {
	return &ServiceBuilder{name: name, version: version}
}

// WithLogger sets the logger. The default is slog.Default().
func (b *ServiceBuilder) WithLogger(logger *slog.Logger) *ServiceBuilder {
	b.logger = logger
	return b
}

// WithComponent appends c. Components start in the order they are added.
func (b *ServiceBuilder) WithComponent(c Component) *ServiceBuilder {
	b.components = append(b.components, c)
	return b
}

// OnStateChange registers a handler called on every transition.
func (b *ServiceBuilder) OnStateChange(h StateChangeHandler) *ServiceBuilder {
	b.handlers = append(b.handlers, h)
	return b
}

// Build validates the configuration. Names must be non-empty and component
// names unique.
func (b *ServiceBuilder) Build() (*Service, error) {
	if b.name == "" {
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: service name must not be empty")
	}
	if b.version == "" {
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: service version must not be empty")
	}
	seen := make(map[string]bool, len(b.components))
	for _, c := range b.components {
		if c.Name == "" {
			return nil, sserr.New(sserr.CodeValidation, "lifecycle: component name must not be empty")
		}
		if seen[c.Name] {
			return nil, sserr.Newf(sserr.CodeValidation, "lifecycle: duplicate component %q", c.Name)
		}
		seen[c.Name] = true
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		name:       b.name,
		version:    b.version,
		state:      StateUnknown,
		components: append([]Component(nil), b.components...),
		handlers:   append([]StateChangeHandler(nil), b.handlers...),
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
	}, nil
}
