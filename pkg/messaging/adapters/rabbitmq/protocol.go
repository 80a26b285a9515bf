package rabbitmq

import (
	"context"
	"log/slog"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chris-alexander-pop/system-design-library/pkg/logger"
)

// protoState is the handshake/lifecycle state of a single connection. It is
// only ever written from the Protocol's own run loop goroutine.
type protoState int32

const (
	stateConnecting protoState = iota
	stateHandshaking
	stateReady
	stateDraining
	stateClosed
)

func (s protoState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateHandshaking:
		return "handshaking"
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PublishOptions controls one Publish call.
type PublishOptions struct {
	ContentType string
	Properties  Properties
	Mandatory   bool
	// Confirm routes the publish over the safe-write channel and blocks the
	// caller until the broker acks or nacks it (or the connection is lost).
	Confirm bool
}

// Confirmation is returned for a confirmed publish once the broker has
// acked it.
type Confirmation struct {
	DeliveryTag uint64
}

type pendingConfirm struct {
	done chan error
}

type command struct {
	fn   func()
	done chan struct{}
}

// Protocol owns a single live AMQP connection: the write channel, the
// confirm-tracked safe-write channel, and the publisher-confirm table. All
// of its state is mutated exclusively by its own run-loop goroutine (the
// "executor"); every public method either submits a closure to that loop
// and waits for it to run, or reads from an already-closed signalling
// channel. No field here is guarded by a mutex because nothing outside the
// loop goroutine ever touches one directly.
//
// This mirrors the original _AMQPProtocol, whose methods were all invoked
// serially by a single-threaded reactor; the goroutine+channel loop below
// is the Go translation of that same cooperative-scheduling guarantee.
type Protocol struct {
	conn        wireConnection
	writeCh     wireChannel
	safeWriteCh wireChannel
	registry    *SerializerRegistry
	schema      Schema
	log         *slog.Logger

	commands chan command

	state          protoState
	deliveryTagSeq uint64
	pending        map[uint64]*pendingConfirm
	confirmsOK     bool

	readyCh chan struct{}
	doneCh  chan struct{}
	doneErr error

	confirmCh    chan amqp.Confirmation
	writeCloseCh chan *amqp.Error
	safeCloseCh  chan *amqp.Error
	connCloseCh  chan *amqp.Error
}

// newProtocol wraps an already-dialed connection. Start must be called
// before Publish or any consume setup.
func newProtocol(conn wireConnection, schema Schema, registry *SerializerRegistry, log *slog.Logger) *Protocol {
	if registry == nil {
		registry = DefaultRegistry
	}
	if log == nil {
		log = logger.L()
	}
	return &Protocol{
		conn:     conn,
		registry: registry,
		schema:   schema,
		log:      log,
		commands: make(chan command),
		pending:  make(map[uint64]*pendingConfirm),
		readyCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		state:    stateConnecting,
	}
}

// Start performs the handshake: open the write channel, open and
// confirm-select the safe-write channel, declare the schema, then mark the
// connection ready for publish and consume. It blocks until the handshake
// completes or ctx is cancelled.
func (p *Protocol) Start(ctx context.Context) error {
	p.state = stateHandshaking

	writeCh, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.writeCh = writeCh

	safeCh, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := safeCh.Confirm(false); err != nil {
		p.log.Warn("broker does not support publisher confirms", "error", err)
	} else {
		p.confirmsOK = true
	}
	p.safeWriteCh = safeCh

	p.confirmCh = safeCh.NotifyPublish(make(chan amqp.Confirmation, 64))
	p.writeCloseCh = writeCh.NotifyClose(make(chan *amqp.Error, 1))
	p.safeCloseCh = safeCh.NotifyClose(make(chan *amqp.Error, 1))
	p.connCloseCh = p.conn.NotifyClose(make(chan *amqp.Error, 1))

	if p.schema != nil {
		if err := p.schema.Declare(ctx, p); err != nil {
			return &ErrSchemaDeclaration{Err: err}
		}
	}

	p.state = stateReady
	close(p.readyCh)

	go p.run()
	return nil
}

// run is the executor: the single goroutine that owns every mutable field
// on Protocol. It never returns until the connection is considered lost.
func (p *Protocol) run() {
	for {
		select {
		case cmd := <-p.commands:
			cmd.fn()
			close(cmd.done)

		case confirm, ok := <-p.confirmCh:
			if !ok {
				continue
			}
			p.onPublishConfirm(confirm)

		case amqpErr, ok := <-p.writeCloseCh:
			if !ok || amqpErr == nil {
				p.failAllPending(ErrConnectionDone)
				p.markDone(ErrConnectionDone)
				return
			}
			if !p.onWriteChannelClosed(amqpErr) {
				return
			}

		case amqpErr, ok := <-p.safeCloseCh:
			if !ok || amqpErr == nil {
				p.failAllPending(ErrConnectionDone)
				p.markDone(ErrConnectionDone)
				return
			}
			if !p.onSafeChannelClosed(amqpErr) {
				return
			}

		case amqpErr := <-p.connCloseCh:
			p.onConnectionLost(amqpErr)
			return
		}
	}
}

// execute runs fn on the executor goroutine and waits for it to finish, or
// returns early if the connection is already gone.
func (p *Protocol) execute(fn func()) bool {
	done := make(chan struct{})
	select {
	case p.commands <- command{fn: fn, done: done}:
		<-done
		return true
	case <-p.doneCh:
		return false
	}
}

func (p *Protocol) onPublishConfirm(c amqp.Confirmation) {
	var err error
	if !c.Ack {
		err = ErrBrokerNack
	}
	if c.DeliveryTag == 0 {
		return
	}
	p.resolvePending(c.DeliveryTag, err)
}

// resolvePending resolves every pending confirm up to and including tag,
// in ascending delivery-tag order, matching basic.ack/nack's "multiple"
// semantics (amqp091-go always reports multi-acks this way on confirm
// channels, so there is no separate single-ack path to special-case).
func (p *Protocol) resolvePending(tag uint64, err error) {
	var tags []uint64
	for t := range p.pending {
		if t <= tag {
			tags = append(tags, t)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, t := range tags {
		p.pending[t].done <- err
		delete(p.pending, t)
	}
}

// onWriteChannelClosed reopens the write channel after a broker-forced
// close. Spec §4.3: "no user-visible effect" — the write channel carries
// no pending-confirm state, so reopening it is a silent reattach. Returns
// false if the reopen itself failed, in which case every pending confirm
// is failed and the whole connection is marked done.
func (p *Protocol) onWriteChannelClosed(amqpErr *amqp.Error) bool {
	p.log.Warn("amqp write channel closed by broker, reopening", "code", amqpErr.Code, "reason", amqpErr.Reason)
	ch, err := p.conn.Channel()
	if err != nil {
		p.log.Error("failed to reopen write channel", "error", err)
		closedErr := &ErrChannelClosed{Code: amqpErr.Code, Text: amqpErr.Reason}
		p.failAllPending(closedErr)
		p.markDone(closedErr)
		return false
	}
	p.writeCh = ch
	p.writeCloseCh = ch.NotifyClose(make(chan *amqp.Error, 1))
	return true
}

// onSafeChannelClosed reopens the safe-write channel after a broker-forced
// close, re-enables publisher confirms, and fails every pending confirm
// with ErrChannelClosed per spec §4.3, since the broker's ack/nack for
// those deliveries can never arrive on the old channel.
func (p *Protocol) onSafeChannelClosed(amqpErr *amqp.Error) bool {
	p.log.Warn("amqp safe-write channel closed by broker, reopening", "code", amqpErr.Code, "reason", amqpErr.Reason)
	closedErr := &ErrChannelClosed{Code: amqpErr.Code, Text: amqpErr.Reason}
	p.failAllPending(closedErr)

	ch, err := p.conn.Channel()
	if err != nil {
		p.log.Error("failed to reopen safe-write channel", "error", err)
		p.markDone(closedErr)
		return false
	}
	p.confirmsOK = false
	if err := ch.Confirm(false); err != nil {
		p.log.Warn("broker does not support publisher confirms on reopened channel", "error", err)
	} else {
		p.confirmsOK = true
	}
	p.safeWriteCh = ch
	p.deliveryTagSeq = 0
	p.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 64))
	p.safeCloseCh = ch.NotifyClose(make(chan *amqp.Error, 1))
	return true
}

func (p *Protocol) onConnectionLost(amqpErr *amqp.Error) {
	var err error = ErrConnectionDone
	if amqpErr != nil {
		p.log.Warn("amqp connection lost", "code", amqpErr.Code, "reason", amqpErr.Reason)
	}
	p.failAllPending(err)
	p.markDone(err)
}

func (p *Protocol) failAllPending(err error) {
	for t, pc := range p.pending {
		pc.done <- err
		delete(p.pending, t)
	}
}

func (p *Protocol) markDone(err error) {
	p.state = stateClosed
	p.doneErr = err
	close(p.doneCh)
}

// Ready returns true once the handshake has completed and the connection
// has not since been lost or closed.
func (p *Protocol) Ready() bool {
	select {
	case <-p.readyCh:
	default:
		return false
	}
	select {
	case <-p.doneCh:
		return false
	default:
		return true
	}
}

// Done is closed when the connection is lost or closed.
func (p *Protocol) Done() <-chan struct{} { return p.doneCh }

// Err returns the reason Done closed, or nil if it has not yet.
func (p *Protocol) Err() error { return p.doneErr }

// NewChannel opens a fresh channel on the underlying connection, for
// consume setup.
func (p *Protocol) NewChannel() (wireChannel, error) {
	return p.conn.Channel()
}

// Close marks the Protocol as draining and closes both channels and the
// connection. It does not wait for outstanding confirms.
func (p *Protocol) Close() error {
	p.state = stateDraining
	if p.writeCh != nil {
		_ = p.writeCh.Close()
	}
	if p.safeWriteCh != nil {
		_ = p.safeWriteCh.Close()
	}
	return p.conn.Close()
}

// Publish sends body (encoded per opts.ContentType) to exchange with
// routingKey. With opts.Confirm set, it blocks until the broker acks or
// nacks the publish, ctx is cancelled, or the connection is lost.
func (p *Protocol) Publish(ctx context.Context, exchange, routingKey string, body any, opts PublishOptions) (*Confirmation, error) {
	if !p.Ready() {
		return nil, ErrNotReady
	}

	payload, err := p.registry.Encode(opts.ContentType, body)
	if err != nil {
		return nil, err
	}
	props := opts.Properties
	props.ContentType = opts.ContentType
	msg := props.toAMQP(payload)

	var (
		waitCh chan error
		tag    uint64
		pubErr error
	)

	ok := p.execute(func() {
		ch := p.writeCh
		if opts.Confirm {
			if !p.confirmsOK {
				pubErr = ErrConfirmsUnsupported
				return
			}
			ch = p.safeWriteCh
		}
		if ch == nil {
			pubErr = ErrNotReady
			return
		}

		if opts.Confirm {
			p.deliveryTagSeq++
			tag = p.deliveryTagSeq
			waitCh = make(chan error, 1)
			p.pending[tag] = &pendingConfirm{done: waitCh}
		}

		if err := ch.PublishWithContext(ctx, exchange, routingKey, opts.Mandatory, false, msg); err != nil {
			pubErr = err
			if opts.Confirm {
				delete(p.pending, tag)
			}
		}
	})
	if !ok {
		return nil, p.errOrDefault()
	}
	if pubErr != nil {
		return nil, pubErr
	}
	if !opts.Confirm {
		return &Confirmation{}, nil
	}

	select {
	case err := <-waitCh:
		if err != nil {
			return nil, err
		}
		return &Confirmation{DeliveryTag: tag}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.doneCh:
		return nil, p.errOrDefault()
	}
}

func (p *Protocol) errOrDefault() error {
	if p.doneErr != nil {
		return p.doneErr
	}
	return ErrConnectionDone
}

// --- SchemaBuilder ---

func (p *Protocol) DeclareExchange(ctx context.Context, d ExchangeDecl) error {
	kind := d.ExchangeType
	if kind == "" {
		kind = "direct"
	}
	return p.writeCh.ExchangeDeclare(d.Name, kind, d.Durable, d.AutoDelete, d.Internal, false, d.Arguments)
}

func (p *Protocol) DeclareQueue(ctx context.Context, d QueueDecl) error {
	_, err := p.writeCh.QueueDeclare(d.Name, d.Durable, d.AutoDelete, d.Exclusive, false, mergeQueueArguments(d))
	return err
}

// DeleteQueue deletes name unconditionally (not restricted to unused/empty
// queues), used to clean up the anonymous exclusive queue an exchange
// consumer declares once that consumer is cancelled.
func (p *Protocol) DeleteQueue(ctx context.Context, name string) error {
	var delErr error
	ok := p.execute(func() {
		_, delErr = p.writeCh.QueueDelete(name, false, false, false)
	})
	if !ok {
		return p.errOrDefault()
	}
	return delErr
}

func (p *Protocol) BindQueue(ctx context.Context, b BindingDecl) error {
	return p.writeCh.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments)
}

func (p *Protocol) BindExchange(ctx context.Context, b BindingDecl) error {
	return p.writeCh.ExchangeBind(b.Destination, b.RoutingKey, b.Source, false, b.Arguments)
}
