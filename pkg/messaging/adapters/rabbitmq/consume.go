package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeHandler processes one delivery. A non-nil return causes the
// message to be rejected per ConsumeOptions' redelivery policy; nil acks
// it (unless NoAck is set, in which case neither ack nor reject is sent).
type ConsumeHandler func(ctx context.Context, msg *Message) error

// ConsumeOptions configures one Consume call. Zero-valued RequeueDelay and
// AlwaysRequeue fall back to the Factory's defaults (rendered here per-call
// since a single Protocol/Consumer can serve consumers with different
// policies).
type ConsumeOptions struct {
	ConsumerTag   string
	NoAck         bool
	Exclusive     bool
	Arguments     amqp.Table
	PrefetchCount int

	// Parallel bounds concurrent in-flight deliveries: 0 behaves as 1
	// (serial), N>0 allows up to N concurrent handler calls, and a
	// negative value disables the bound entirely (streaming mode).
	Parallel int

	// RequeueDelay is how long a delayed reject-with-requeue waits before
	// firing. Zero means reject immediately.
	RequeueDelay time.Duration

	// AlwaysRequeue holds a failing message (neither acked nor rejected)
	// instead of rejecting it without requeue, whenever that message is
	// already redelivered or the outstanding delayed rejects exceed
	// delayedRejectionsLimit.
	AlwaysRequeue bool
}

// delayedRejectionsLimit caps how many delayed-reject timers a single
// consumer keeps outstanding before falling back to immediate
// reject(requeue=false) for new failures, bounding unbounded timer growth
// under a sustained poison-message storm.
const delayedRejectionsLimit = 10000

// ConsumerHandle lets a caller cancel a running consume loop.
type ConsumerHandle struct {
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the consume loop and waits (up to ctx) for in-flight
// deliveries to finish being acked/rejected and for the broker-side
// cancel to complete.
func (h *ConsumerHandle) Cancel(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tag returns the consumer tag this handle was registered under.
func (h *ConsumerHandle) Tag() string { return h.tag }

type consumerState struct {
	tag     string
	queue   string
	handler ConsumeHandler
	opts    ConsumeOptions

	ch wireChannel

	mu      sync.Mutex
	pending map[uint64]*time.Timer
}

// Consume starts a bounded-parallelism consume loop against queue. It
// opens a fresh channel (so one consumer's QoS and cancellation never
// affect another), applies PrefetchCount if set, and issues basic.consume.
// The returned handle's Cancel stops the loop; the loop itself also stops
// on ctx cancellation or connection loss. If the broker closes the
// consume channel out from under it (but the connection itself survives),
// the loop transparently reopens a channel and re-issues basic.consume
// with the same consumer tag and options.
func (p *Protocol) Consume(ctx context.Context, queue string, handler ConsumeHandler, opts ConsumeOptions) (*ConsumerHandle, error) {
	if !p.Ready() {
		return nil, ErrNotReady
	}

	tag := opts.ConsumerTag
	if tag == "" {
		tag = generateConsumerTag()
	}

	ch, deliveries, err := p.openConsumeChannel(queue, tag, opts)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	handle := &ConsumerHandle{tag: tag, cancel: cancel, done: make(chan struct{})}

	go p.superviseConsume(loopCtx, queue, tag, handler, opts, ch, deliveries, handle)

	return handle, nil
}

func (p *Protocol) openConsumeChannel(queue, tag string, opts ConsumeOptions) (wireChannel, <-chan amqp.Delivery, error) {
	ch, err := p.NewChannel()
	if err != nil {
		return nil, nil, err
	}
	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
			return nil, nil, err
		}
	}
	deliveries, err := ch.Consume(queue, tag, opts.NoAck, opts.Exclusive, false, false, opts.Arguments)
	if err != nil {
		return nil, nil, err
	}
	return ch, deliveries, nil
}

// superviseConsume runs the consume loop and, when it stops because the
// broker forced the channel closed rather than because the caller
// cancelled or the connection died, reopens a channel and restarts it
// under the same consumer tag and the original ConsumeOptions (including
// NoAck) rather than a stale or mismatched replay of them.
func (p *Protocol) superviseConsume(ctx context.Context, queue, tag string, handler ConsumeHandler, opts ConsumeOptions, ch wireChannel, deliveries <-chan amqp.Delivery, handle *ConsumerHandle) {
	defer close(handle.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.doneCh:
			return
		default:
		}

		closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
		st := &consumerState{tag: tag, queue: queue, handler: handler, opts: opts, ch: ch, pending: make(map[uint64]*time.Timer)}

		brokerClosed := p.runConsumeLoopOnce(ctx, st, deliveries, closeCh)
		if !brokerClosed {
			return
		}

		newCh, newDeliveries, err := p.openConsumeChannel(queue, tag, opts)
		if err != nil {
			p.log.Error("failed to reconsume after broker closed channel", "consumer_tag", tag, "queue", queue, "error", err)
			return
		}
		ch, deliveries = newCh, newDeliveries
	}
}

var consumerTagSeq int64
var consumerTagMu sync.Mutex

// generateConsumerTag mints a stable, human-legible consumer tag, e.g.
// "ct-1", matching the original implementation's scheme so logs and
// management-UI consumer lists read the same way.
func generateConsumerTag() string {
	consumerTagMu.Lock()
	defer consumerTagMu.Unlock()
	consumerTagSeq++
	return "ct-" + strconv.FormatInt(consumerTagSeq, 10)
}

// runConsumeLoopOnce drives deliveries until the loop is cancelled, the
// connection is lost, or the broker force-closes the channel. It reports
// the last case (true) so the caller knows whether to reopen and
// reconsume instead of treating this as a terminal stop.
func (p *Protocol) runConsumeLoopOnce(ctx context.Context, st *consumerState, deliveries <-chan amqp.Delivery, closeCh <-chan *amqp.Error) bool {
	var sem chan struct{}
	if st.opts.Parallel >= 0 {
		n := st.opts.Parallel
		if n == 0 {
			n = 1
		}
		sem = make(chan struct{}, n)
	}

	var wg sync.WaitGroup
	brokerClosed := false
	stopped := false

loop:
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				break loop
			}
			if sem != nil {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					break loop
				}
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				if sem != nil {
					defer func() { <-sem }()
				}
				p.processDelivery(ctx, st, d)
			}(d)

		case amqpErr, ok := <-closeCh:
			connectionGone := p.connectionLost()
			if ok && amqpErr != nil && !connectionGone {
				p.log.Warn("consume channel closed by broker, will reconsume", "consumer_tag", st.tag, "code", amqpErr.Code, "reason", amqpErr.Reason)
				brokerClosed = true
			} else {
				stopped = !connectionGone
			}
			break loop

		case <-ctx.Done():
			stopped = true
			break loop
		}
	}

	wg.Wait()
	st.cleanup(stopped && !st.opts.NoAck)
	if !brokerClosed {
		_ = st.ch.Cancel(st.tag, false)
	}
	return brokerClosed
}

func (p *Protocol) connectionLost() bool {
	select {
	case <-p.doneCh:
		return true
	default:
		return false
	}
}

func (p *Protocol) processDelivery(ctx context.Context, st *consumerState, d amqp.Delivery) {
	msg := newMessage(d, p.registry)

	err := st.handler(ctx, msg)
	if st.opts.NoAck {
		return
	}

	if err == nil {
		if ackErr := st.ch.Ack(d.DeliveryTag, false); ackErr != nil {
			p.log.Debug("ack failed, connection likely gone", "delivery_tag", d.DeliveryTag, "error", ackErr)
		}
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrConnectionDone) {
		p.log.Debug("no active connection, cannot reject message", "delivery_tag", d.DeliveryTag)
		return
	}

	p.log.Error("consume handler failed", "consumer_tag", st.tag, "delivery_tag", d.DeliveryTag, "error", err)
	st.handleFailure(p.log, d)
}

// handleFailure ports the original's delayed-negative-acknowledgement
// policy: a message that has already been redelivered once, or that would
// exceed the outstanding delayed-reject limit, is either rejected without
// requeue or (if the consumer always requeues) held untouched; otherwise
// the reject-with-requeue is scheduled after RequeueDelay (or issued
// immediately if RequeueDelay is zero).
func (st *consumerState) handleFailure(log *slog.Logger, d amqp.Delivery) {
	st.mu.Lock()
	outstanding := len(st.pending)
	st.mu.Unlock()

	if d.Redelivered || outstanding > delayedRejectionsLimit {
		if st.opts.AlwaysRequeue {
			log.Debug("message already redelivered, holding without ack or reject", "delivery_tag", d.DeliveryTag)
			return
		}
		log.Error("rejecting message without requeue", "delivery_tag", d.DeliveryTag)
		_ = st.ch.Reject(d.DeliveryTag, false)
		return
	}

	if st.opts.RequeueDelay <= 0 {
		_ = st.ch.Reject(d.DeliveryTag, true)
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	tag := d.DeliveryTag
	timer := time.AfterFunc(st.opts.RequeueDelay, func() {
		_ = st.ch.Reject(tag, true)
		st.mu.Lock()
		delete(st.pending, tag)
		st.mu.Unlock()
	})
	st.pending[tag] = timer
}

// cleanup cancels any outstanding delayed-reject timers. When doReject is
// true (clean cancellation, not a connection loss) it additionally rejects
// each of those deliveries immediately instead of leaving them to the
// broker's consumer-cancel redelivery.
func (st *consumerState) cleanup(doReject bool) {
	st.mu.Lock()
	pending := st.pending
	st.pending = make(map[uint64]*time.Timer)
	st.mu.Unlock()

	for tag, timer := range pending {
		timer.Stop()
		if doReject {
			_ = st.ch.Reject(tag, true)
		}
	}
}

