package paygate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Service is a priced, polymorphic executable unit. Implementations
// are registered at process start and must be safe for concurrent use;
// Execute may be invoked more than once for the same job under
// at-least-once delivery.
type Service interface {
	Name() string
	PriceUSD() float64
	Validate(input json.RawMessage) error
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ServiceFuncs adapts plain functions into a Service. Either func may
// be nil: a nil ValidateFunc accepts any input, a nil ExecuteFunc
// fails execution.
type ServiceFuncs struct {
	ServiceName  string
	Price        float64
	ValidateFunc func(input json.RawMessage) error
	ExecuteFunc  func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

func (s *ServiceFuncs) Name() string      { return s.ServiceName }
func (s *ServiceFuncs) PriceUSD() float64 { return s.Price }

func (s *ServiceFuncs) Validate(input json.RawMessage) error {
	if s.ValidateFunc == nil {
		return nil
	}
	return s.ValidateFunc(input)
}

func (s *ServiceFuncs) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if s.ExecuteFunc == nil {
		return nil, NewPaymentError(ErrCodeExecutionFailed, fmt.Sprintf("service %s has no executor", s.ServiceName), nil)
	}
	return s.ExecuteFunc(ctx, input)
}

// Registry maps service names to implementations. It is populated at
// startup and read-only afterwards; it performs no I/O itself.
type Registry struct {
	services map[string]Service
}

// NewRegistry builds a registry from the given services. A duplicate
// name is a programming error and panics at startup.
func NewRegistry(services ...Service) *Registry {
	m := make(map[string]Service, len(services))
	for _, svc := range services {
		if _, exists := m[svc.Name()]; exists {
			panic(fmt.Sprintf("paygate: duplicate service %q", svc.Name()))
		}
		m[svc.Name()] = svc
	}
	return &Registry{services: m}
}

// Get looks up a service by name.
func (r *Registry) Get(name string) (Service, bool) {
	svc, ok := r.services[name]
	return svc, ok
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
