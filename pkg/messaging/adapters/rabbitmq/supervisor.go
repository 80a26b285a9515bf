package rabbitmq

import (
	"context"
	"fmt"

	"github.com/chris-alexander-pop/system-design-library/pkg/concurrency"
)

// Supervisor manages a named set of independent Factory connections —
// typically one per logical broker endpoint (a primary and a DR
// secondary, or separate vhosts per tenant) — and coordinates consumer
// setup and shutdown across all of them. Unlike Protocol, whose state is
// only ever touched by its own executor goroutine, Supervisor is called
// directly by application code from arbitrary goroutines, so its state is
// guarded by a lock.
type Supervisor struct {
	mu          *concurrency.SmartRWMutex
	connections map[string]*Factory
	consumers   []*ConsumerService

	// newFactory builds the Factory behind AddConnection; overridden in
	// tests to inject a fake dialFunc instead of dialing a real broker.
	newFactory func(FactoryConfig) *Factory
}

// NewSupervisor returns an empty Supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		mu:          concurrency.NewSmartRWMutex(concurrency.MutexConfig{Name: "rabbitmq.supervisor"}),
		connections: make(map[string]*Factory),
		newFactory:  NewFactory,
	}
}

// AddConnection builds a Factory for cfg, starts it, and registers it
// under name. It is an error to reuse a name already registered.
func (s *Supervisor) AddConnection(ctx context.Context, name string, cfg FactoryConfig) (*Factory, error) {
	s.mu.Lock()
	if _, exists := s.connections[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("rabbitmq: connection %q already registered", name)
	}
	s.mu.Unlock()

	factory := s.newFactory(cfg)
	if err := factory.Start(ctx); err != nil {
		return nil, fmt.Errorf("rabbitmq: starting connection %q: %w", name, err)
	}

	s.mu.Lock()
	s.connections[name] = factory
	s.mu.Unlock()
	return factory, nil
}

// Connection returns the named Factory, or an error if name was never
// registered via AddConnection.
func (s *Supervisor) Connection(name string) (*Factory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.connections[name]
	if !ok {
		return nil, fmt.Errorf("rabbitmq: unknown connection %q", name)
	}
	return f, nil
}

// SetupQueueConsuming is a convenience wrapper that looks up connection
// and starts a queue ConsumerService on it. The returned service is
// tracked so Close stops it before closing its owning connection.
func (s *Supervisor) SetupQueueConsuming(ctx context.Context, connection, queue string, cfg ConsumerServiceConfig) (*ConsumerService, error) {
	f, err := s.Connection(connection)
	if err != nil {
		return nil, err
	}
	svc := NewQueueConsumerService(f, queue, cfg)
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}
	s.trackConsumer(svc)
	return svc, nil
}

// SetupExchangeConsuming is a convenience wrapper that looks up connection
// and starts an exchange ConsumerService on it. The returned service is
// tracked so Close stops it before closing its owning connection.
func (s *Supervisor) SetupExchangeConsuming(ctx context.Context, connection, exchange, routingKey string, cfg ConsumerServiceConfig) (*ConsumerService, error) {
	f, err := s.Connection(connection)
	if err != nil {
		return nil, err
	}
	svc := NewExchangeConsumerService(f, exchange, routingKey, cfg)
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}
	s.trackConsumer(svc)
	return svc, nil
}

func (s *Supervisor) trackConsumer(svc *ConsumerService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers = append(s.consumers, svc)
}

// Sender publishes data to the exchange, routing key (or routing-key
// function), content type, and confirm mode a MakeSender call bound at
// creation time.
type Sender func(ctx context.Context, data any) (*Confirmation, error)

// SenderOptions configures MakeSender. At most one of RoutingKey or
// RoutingKeyFunc may be set; with neither, messages publish with an empty
// routing key. ContentType defaults to application/json and Confirm
// defaults to true.
type SenderOptions struct {
	RoutingKey     string
	RoutingKeyFunc func(data any) string
	ContentType    string
	// Confirm selects the confirm-tracked safe-write path. Defaults to
	// true; set explicitly to false to opt into fire-and-forget publish.
	Confirm *bool
}

// MakeSender returns a Sender bound to connection, exchange, and opts, so
// call sites that only ever publish to one destination don't need to
// thread the Supervisor, names, and per-call defaults through their whole
// call stack.
func (s *Supervisor) MakeSender(connection, exchange string, opts SenderOptions) (Sender, error) {
	if opts.RoutingKey != "" && opts.RoutingKeyFunc != nil {
		return nil, fmt.Errorf("rabbitmq: MakeSender: at most one of RoutingKey or RoutingKeyFunc may be set")
	}
	f, err := s.Connection(connection)
	if err != nil {
		return nil, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	confirm := true
	if opts.Confirm != nil {
		confirm = *opts.Confirm
	}
	routingKey, routingKeyFn := opts.RoutingKey, opts.RoutingKeyFunc

	return func(ctx context.Context, data any) (*Confirmation, error) {
		key := routingKey
		if routingKeyFn != nil {
			key = routingKeyFn(data)
		}
		return f.Publish(ctx, exchange, key, data, PublishOptions{ContentType: contentType, Confirm: confirm})
	}, nil
}

// Close stops every tracked consumer service, then closes every
// registered connection, collecting (not stopping at) the first error so
// one stuck endpoint doesn't prevent the others from shutting down.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	consumers := s.consumers
	s.consumers = nil
	factories := make([]*Factory, 0, len(s.connections))
	for _, f := range s.connections {
		factories = append(factories, f)
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, svc := range consumers {
		_ = svc.Stop(ctx)
	}

	var firstErr error
	for _, f := range factories {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
