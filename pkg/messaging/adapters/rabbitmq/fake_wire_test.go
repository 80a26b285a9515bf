package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeChannel is a minimal in-memory double for wireChannel: enough to
// drive handshake, publish/confirm, and consume-loop behavior from tests
// without a live broker.
type fakeChannel struct {
	mu sync.Mutex

	confirmMode bool
	confirmErr  error
	closed      bool

	published []fakePublish

	acked    []uint64
	rejected []fakeReject

	notifyPublish chan amqp.Confirmation
	notifyClose   chan *amqp.Error

	deliveries  chan amqp.Delivery
	consumeTag  string
	cancelled   []string

	declaredExchanges []ExchangeDecl
	declaredQueues    []QueueDecl
	bindings          []BindingDecl
	deletedQueues     []string

	publishErr error
}

type fakePublish struct {
	exchange, routingKey string
	msg                  amqp.Publishing
}

type fakeReject struct {
	tag     uint64
	requeue bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declaredExchanges = append(f.declaredExchanges, ExchangeDecl{Name: name, ExchangeType: kind, Durable: durable, AutoDelete: autoDelete, Internal: internal, Arguments: args})
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declaredQueues = append(f.declaredQueues, QueueDecl{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Arguments: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, BindingDecl{Exchange: exchange, Queue: name, RoutingKey: key, Arguments: args})
	return nil
}

func (f *fakeChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, BindingDecl{Source: source, Destination: destination, RoutingKey: key, Arguments: args, IsExchange: true})
	return nil
}

func (f *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedQueues = append(f.deletedQueues, name)
	return 0, nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (f *fakeChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmMode = true
	return nil
}

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyPublish = confirm
	return confirm
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyClose = receiver
	return receiver
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, fakePublish{exchange: exchange, routingKey: key, msg: msg})
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumeTag = consumer
	f.deliveries = make(chan amqp.Delivery, 16)
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, consumer)
	if f.deliveries != nil {
		close(f.deliveries)
		f.deliveries = nil
	}
	return nil
}

func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeChannel) Reject(tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, fakeReject{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// confirm synthesizes a broker confirm on this channel's NotifyPublish
// channel, for tests driving Protocol's confirm listener. Sending a tag
// higher than some still-pending tags exercises the ascending multi-ack
// resolution, matching how a real broker's basic.ack(multiple=true)
// collapses a run of confirms into one frame.
func (f *fakeChannel) confirm(tag uint64, ack bool) {
	f.mu.Lock()
	ch := f.notifyPublish
	f.mu.Unlock()
	ch <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
}

// brokerCloses synthesizes a broker-initiated channel close.
func (f *fakeChannel) brokerCloses(code int, text string) {
	f.mu.Lock()
	ch := f.notifyClose
	f.mu.Unlock()
	if ch != nil {
		ch <- &amqp.Error{Code: code, Reason: text}
	}
}

// deliver pushes a fake delivery into the consume loop.
func (f *fakeChannel) deliver(d amqp.Delivery) {
	f.mu.Lock()
	ch := f.deliveries
	f.mu.Unlock()
	if ch != nil {
		ch <- d
	}
}

func (f *fakeChannel) snapshotAcked() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.acked))
	copy(out, f.acked)
	return out
}

func (f *fakeChannel) snapshotRejected() []fakeReject {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeReject, len(f.rejected))
	copy(out, f.rejected)
	return out
}

// fakeConnection is a wireConnection double backed by a sequence of
// fakeChannels handed out in order from Channel().
type fakeConnection struct {
	mu          sync.Mutex
	channels    []*fakeChannel
	nextIdx     int
	notifyClose chan *amqp.Error
	closed      bool
}

func newFakeConnection(channels ...*fakeChannel) *fakeConnection {
	return &fakeConnection{channels: channels}
}

func (c *fakeConnection) Channel() (wireChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextIdx >= len(c.channels) {
		ch := newFakeChannel()
		c.channels = append(c.channels, ch)
	}
	ch := c.channels[c.nextIdx]
	c.nextIdx++
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyClose = receiver
	return receiver
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) loseConnection(code int, text string) {
	c.mu.Lock()
	ch := c.notifyClose
	c.mu.Unlock()
	if ch != nil {
		ch <- &amqp.Error{Code: code, Reason: text}
	}
}

// fakeDialer returns a dialFunc that hands out conns in order, one per
// dial, for use with Factory in reconnect tests; once they are used up
// every further dial fails with errNoMoreFakeConnections.
func fakeDialer(conns ...*fakeConnection) dialFunc {
	idx := 0
	var mu sync.Mutex
	return func(ctx context.Context, url string, cfg amqp.Config) (wireConnection, error) {
		mu.Lock()
		defer mu.Unlock()
		if idx >= len(conns) {
			return nil, errNoMoreFakeConnections
		}
		c := conns[idx]
		idx++
		return c, nil
	}
}

var errNoMoreFakeConnections = &fakeDialError{"no more fake connections configured"}

type fakeDialError struct{ msg string }

func (e *fakeDialError) Error() string { return e.msg }
