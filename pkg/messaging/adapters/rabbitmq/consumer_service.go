package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/chris-alexander-pop/system-design-library/pkg/logger"
)

// cancelConsumingTimeout bounds how long Stop waits for the broker-side
// basic.cancel to complete before giving up and returning anyway.
const cancelConsumingTimeout = 5 * time.Second

// DataHandler processes one decoded message. When a ConsumerService is
// built with Deserialize true, data is the value NewTarget produced,
// populated from the message body; otherwise data is the raw *Message.
type DataHandler func(ctx context.Context, data any) error

// ConsumerServiceConfig configures a ConsumerService.
type ConsumerServiceConfig struct {
	Handler DataHandler

	// NewTarget returns a fresh pointer to decode each message body into.
	// Required when Deserialize is true; ignored otherwise.
	NewTarget func() any
	// Deserialize controls whether Handler receives a decoded NewTarget()
	// value or the raw *Message (so the handler can read headers,
	// content-type, and delivery metadata itself).
	Deserialize bool

	Parallel      int
	NoAck         bool
	RequeueDelay  time.Duration
	AlwaysRequeue bool
	PrefetchCount int
}

// ConsumerService is the lifecycle wrapper around Factory.Consume /
// ConsumeExchange that application code is expected to start and stop
// alongside the rest of its service graph: Start begins consuming, Stop
// cancels consuming with a bounded timeout so shutdown can never hang
// waiting on a broker that stopped responding.
type ConsumerService struct {
	factory *Factory
	cfg     ConsumerServiceConfig
	start   func(ctx context.Context, opts ConsumeOptions) (*ConsumerHandle, error)
	log     *slog.Logger

	handle *ConsumerHandle
}

// NewQueueConsumerService builds a ConsumerService that consumes queue
// directly.
func NewQueueConsumerService(factory *Factory, queue string, cfg ConsumerServiceConfig) *ConsumerService {
	s := &ConsumerService{factory: factory, cfg: cfg, log: logger.L()}
	s.start = func(ctx context.Context, opts ConsumeOptions) (*ConsumerHandle, error) {
		return factory.Consume(ctx, queue, s.onMessage, opts)
	}
	return s
}

// NewExchangeConsumerService builds a ConsumerService that declares an
// anonymous exclusive queue bound to exchange with routingKey and
// consumes that.
func NewExchangeConsumerService(factory *Factory, exchange, routingKey string, cfg ConsumerServiceConfig) *ConsumerService {
	s := &ConsumerService{factory: factory, cfg: cfg, log: logger.L()}
	s.start = func(ctx context.Context, opts ConsumeOptions) (*ConsumerHandle, error) {
		return factory.ConsumeExchange(ctx, exchange, routingKey, s.onMessage, opts)
	}
	return s
}

func (s *ConsumerService) onMessage(ctx context.Context, msg *Message) error {
	if !s.cfg.Deserialize {
		return s.cfg.Handler(ctx, msg)
	}
	target := s.cfg.NewTarget()
	if err := msg.Data(target); err != nil {
		return err
	}
	return s.cfg.Handler(ctx, target)
}

// Start begins consuming.
func (s *ConsumerService) Start(ctx context.Context) error {
	opts := ConsumeOptions{
		Parallel:      s.cfg.Parallel,
		NoAck:         s.cfg.NoAck,
		RequeueDelay:  s.cfg.RequeueDelay,
		AlwaysRequeue: s.cfg.AlwaysRequeue,
		PrefetchCount: s.cfg.PrefetchCount,
	}
	handle, err := s.start(ctx, opts)
	if err != nil {
		return err
	}
	s.handle = handle
	return nil
}

// Stop cancels consuming, bounding the wait to cancelConsumingTimeout so a
// broker that stopped responding can never block shutdown indefinitely. Any
// error — including a timeout — is logged and never returned to the
// caller, so shutdown sequencing never stalls on a single misbehaving
// consumer.
func (s *ConsumerService) Stop(ctx context.Context) error {
	if s.handle == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, cancelConsumingTimeout)
	defer cancel()
	if err := s.factory.CancelConsuming(cctx, s.handle.Tag()); err != nil {
		s.log.Error("failed to cancel consuming", "consumer_tag", s.handle.Tag(), "error", err)
	}
	return nil
}
