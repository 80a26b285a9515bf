package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/system-design-library/pkg/logger"
	"github.com/chris-alexander-pop/system-design-library/pkg/resilience"
)

// registeredConsumer is replayed against every new Protocol the Factory
// builds, so a consumer set up before a disconnect keeps running
// transparently after reconnection completes.
type registeredConsumer struct {
	queue    string
	handler  ConsumeHandler
	opts     ConsumeOptions

	// exclusiveQueue/bindExchange/bindRoutingKey are set for
	// ConsumeExchange registrations: the anonymous exclusive queue is
	// redeclared and rebound to the exchange on every reconnect, since
	// the broker drops it the moment the connection that declared it
	// goes away.
	exclusiveQueue bool
	bindExchange   string
	bindRoutingKey string

	readyCh chan struct{}
	ready   bool

	handle *ConsumerHandle
}

// Factory is the Reconnecting Factory: it owns the retry/backoff policy,
// dials and hands off to a Protocol, and keeps a registry of consumers it
// replays after every reconnect. Publish proxies straight to the current
// Protocol, returning ErrNotReady while one isn't live.
type Factory struct {
	cfg  FactoryConfig
	dial dialFunc
	log  *slog.Logger

	mu        sync.Mutex
	proto     *Protocol
	consumers map[string]*registeredConsumer
	closed    bool
	stopped   chan struct{}

	breaker *resilience.CircuitBreaker
}

// NewFactory builds a Factory from cfg. Call Start to dial and begin
// supervising the connection.
func NewFactory(cfg FactoryConfig) *Factory {
	cfg.applyDefaults()
	f := &Factory{
		cfg:       cfg,
		dial:      dialReal,
		log:       logger.L(),
		consumers: make(map[string]*registeredConsumer),
		stopped:   make(chan struct{}),
	}
	if cfg.PublishBreaker != nil {
		f.breaker = resilience.NewCircuitBreaker(*cfg.PublishBreaker)
	}
	return f
}

// Start dials the broker (retrying with capped exponential backoff per
// RetryDelay/DisconnectPeriod/RetryMaxCount), declares the schema, replays
// any consumers registered before Start was called, and launches the
// background goroutine that reconnects whenever the live Protocol reports
// it is Done.
func (f *Factory) Start(ctx context.Context) error {
	proto, err := f.connectWithRetry(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.proto = proto
	f.mu.Unlock()

	if err := f.replayAll(ctx); err != nil {
		return err
	}

	go f.supervise(ctx)
	return nil
}

func (f *Factory) connectOnce(ctx context.Context) (*Protocol, error) {
	conn, err := f.dial(ctx, f.cfg.ConnectionParams.URL(), f.cfg.ConnectionParams.dialConfig())
	if err != nil {
		return nil, err
	}
	proto := newProtocol(conn, f.cfg.Schema, f.cfg.Registry, f.log)
	if err := proto.Start(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return proto, nil
}

func (f *Factory) connectWithRetry(ctx context.Context) (*Protocol, error) {
	maxAttempts := f.cfg.RetryMaxCount
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	rcfg := resilience.RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: f.cfg.RetryDelay,
		MaxBackoff:     f.cfg.DisconnectPeriod,
		Multiplier:     2.0,
	}

	var proto *Protocol
	err := resilience.Retry(ctx, rcfg, func(ctx context.Context) error {
		p, err := f.connectOnce(ctx)
		if err != nil {
			f.log.Warn("amqp connect attempt failed", "error", err)
			return err
		}
		proto = p
		return nil
	})
	return proto, err
}

// supervise waits for the live Protocol to report connection loss, then
// reconnects with backoff and replays every registered consumer. It stops
// when ctx is cancelled or Close is called.
func (f *Factory) supervise(ctx context.Context) {
	for {
		f.mu.Lock()
		proto := f.proto
		f.mu.Unlock()
		if proto == nil {
			return
		}

		select {
		case <-proto.Done():
		case <-ctx.Done():
			return
		case <-f.stopped:
			return
		}

		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return
		}

		f.log.Warn("amqp connection lost, reconnecting", "error", proto.Err())

		newProto, err := f.connectWithRetry(ctx)
		if err != nil {
			f.log.Error("giving up reconnecting to amqp broker", "error", err)
			return
		}

		f.mu.Lock()
		oldProto := f.proto
		f.proto = newProto
		f.mu.Unlock()
		if oldProto != nil {
			if err := oldProto.Close(); err != nil {
				f.log.Warn("failed to close superseded amqp connection", "error", err)
			}
		}

		if err := f.replayAll(ctx); err != nil {
			f.log.Error("failed to replay consumers after reconnect", "error", err)
		}
	}
}

// replayAll re-issues every registered consumer against the current
// Protocol. It is called once after the initial Start and again after
// every reconnect.
func (f *Factory) replayAll(ctx context.Context) error {
	f.mu.Lock()
	proto := f.proto
	var regs []*registeredConsumer
	for _, r := range f.consumers {
		regs = append(regs, r)
	}
	f.mu.Unlock()

	for _, r := range regs {
		if err := f.startConsumer(ctx, proto, r); err != nil {
			return fmt.Errorf("replay consumer %s: %w", r.opts.ConsumerTag, err)
		}
	}
	return nil
}

func (f *Factory) startConsumer(ctx context.Context, proto *Protocol, r *registeredConsumer) error {
	queue := r.queue
	if r.exclusiveQueue {
		decl := QueueDecl{Name: queue, Exclusive: true}
		var declErr error
		ok := proto.execute(func() {
			if declErr = proto.DeclareQueue(ctx, decl); declErr != nil {
				return
			}
			declErr = proto.BindQueue(ctx, BindingDecl{Exchange: r.bindExchange, Queue: queue, RoutingKey: r.bindRoutingKey})
		})
		if !ok {
			return ErrNotReady
		}
		if declErr != nil {
			return declErr
		}
	}

	handle, err := proto.Consume(ctx, queue, r.handler, r.opts)
	if err != nil {
		return err
	}

	f.mu.Lock()
	r.handle = handle
	if !r.ready {
		r.ready = true
		close(r.readyCh)
	}
	f.mu.Unlock()
	return nil
}

// Consume registers a durable consumer against queue and starts it. The
// registration survives reconnects: after a disconnect the Factory
// redeclares nothing for a plain queue (it is expected to already be
// durable/declared by the schema) and simply re-issues basic.consume.
func (f *Factory) Consume(ctx context.Context, queue string, handler ConsumeHandler, opts ConsumeOptions) (*ConsumerHandle, error) {
	return f.consume(ctx, queue, handler, opts, false, "", "")
}

// ConsumeExchange declares an anonymous exclusive queue, binds it to
// exchange with routingKey, and consumes it. Both the queue and the
// binding are redeclared on every reconnect since the broker drops an
// exclusive queue the instant its owning connection closes.
func (f *Factory) ConsumeExchange(ctx context.Context, exchange, routingKey string, handler ConsumeHandler, opts ConsumeOptions) (*ConsumerHandle, error) {
	queue := "excl." + exchange + "." + uuid.NewString()
	return f.consume(ctx, queue, handler, opts, true, exchange, routingKey)
}

func (f *Factory) consume(ctx context.Context, queue string, handler ConsumeHandler, opts ConsumeOptions, exclusive bool, bindExchange, bindRoutingKey string) (*ConsumerHandle, error) {
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = generateConsumerTag()
	}
	if opts.PrefetchCount == 0 {
		opts.PrefetchCount = f.cfg.PrefetchCount
	}
	if opts.RequeueDelay == 0 {
		opts.RequeueDelay = f.cfg.RequeueDelay
	}
	if !opts.AlwaysRequeue {
		opts.AlwaysRequeue = f.cfg.AlwaysRequeue
	}

	r := &registeredConsumer{
		queue:          queue,
		handler:        handler,
		opts:           opts,
		exclusiveQueue: exclusive,
		bindExchange:   bindExchange,
		bindRoutingKey: bindRoutingKey,
		readyCh:        make(chan struct{}),
	}

	f.mu.Lock()
	f.consumers[opts.ConsumerTag] = r
	proto := f.proto
	f.mu.Unlock()

	if proto == nil {
		return nil, ErrNotReady
	}
	if err := f.startConsumer(ctx, proto, r); err != nil {
		if !errors.Is(err, ErrNotReady) {
			f.mu.Lock()
			delete(f.consumers, opts.ConsumerTag)
			f.mu.Unlock()
		}
		return nil, err
	}
	return r.handle, nil
}

// WaitConsumerReady blocks until the consumer registered under tag has
// completed its first successful basic.consume (including any exclusive
// queue declare/bind for ConsumeExchange), or ctx is cancelled. Consumers
// registered while a reconnect is in flight become ready once that
// reconnect's replay reaches them.
func (f *Factory) WaitConsumerReady(ctx context.Context, consumerTag string) error {
	f.mu.Lock()
	r, ok := f.consumers[consumerTag]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("rabbitmq: unknown consumer tag %q", consumerTag)
	}
	select {
	case <-r.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelConsuming unregisters a consumer so it is not replayed on future
// reconnects, cancels it on the broker if currently live, and — for a
// ConsumeExchange registration — deletes its anonymous exclusive queue
// (spec.md §4.3 step 3). The queue delete's error is logged, not
// propagated: the consumer is already cancelled at that point and a
// broker-side cleanup failure shouldn't surface as a CancelConsuming
// failure to the caller.
func (f *Factory) CancelConsuming(ctx context.Context, consumerTag string) error {
	f.mu.Lock()
	r, ok := f.consumers[consumerTag]
	if ok {
		delete(f.consumers, consumerTag)
	}
	proto := f.proto
	f.mu.Unlock()

	if !ok {
		return nil
	}

	var cancelErr error
	if r.handle != nil {
		cancelErr = r.handle.Cancel(ctx)
	}

	if r.exclusiveQueue && proto != nil {
		if err := proto.DeleteQueue(ctx, r.queue); err != nil {
			f.log.Warn("failed to delete exclusive queue on cancel", "queue", r.queue, "consumer_tag", consumerTag, "error", err)
		}
	}

	return cancelErr
}

// Publish proxies to the current Protocol, returning ErrNotReady if none
// is live (e.g. mid-reconnect). If the Factory was configured with a
// PublishBreaker, a run of failures trips it and Publish fails fast with
// resilience.ErrCircuitOpen until the breaker's cooldown elapses.
func (f *Factory) Publish(ctx context.Context, exchange, routingKey string, body any, opts PublishOptions) (*Confirmation, error) {
	if f.breaker == nil {
		return f.publishOnce(ctx, exchange, routingKey, body, opts)
	}

	var result *Confirmation
	err := f.breaker.Execute(ctx, func(ctx context.Context) error {
		r, err := f.publishOnce(ctx, exchange, routingKey, body, opts)
		result = r
		return err
	})
	return result, err
}

func (f *Factory) publishOnce(ctx context.Context, exchange, routingKey string, body any, opts PublishOptions) (*Confirmation, error) {
	f.mu.Lock()
	proto := f.proto
	f.mu.Unlock()
	if proto == nil {
		return nil, ErrNotReady
	}
	return proto.Publish(ctx, exchange, routingKey, body, opts)
}

// Healthy reports whether the Factory currently has a live, handshaked
// connection. It does not attempt to reconnect or block; during a
// reconnect it returns false until the new connection's handshake
// (including schema declaration) completes, which is before registered
// consumers are replayed.
func (f *Factory) Healthy(ctx context.Context) bool {
	f.mu.Lock()
	proto := f.proto
	f.mu.Unlock()
	return proto != nil && proto.Ready()
}

// Close stops the supervisor goroutine and closes the live connection.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	proto := f.proto
	f.mu.Unlock()

	close(f.stopped)
	if proto == nil {
		return nil
	}
	return proto.Close()
}
