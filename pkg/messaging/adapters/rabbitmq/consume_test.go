package rabbitmq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func startConsumeTestProtocol(t *testing.T) (*Protocol, *fakeChannel) {
	t.Helper()
	writeCh := newFakeChannel()
	safeCh := newFakeChannel()
	conn := newFakeConnection(writeCh, safeCh)
	p := newProtocol(conn, nil, nil, testLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, writeCh
}

func TestConsume_AcksOnSuccess(t *testing.T) {
	p, _ := startConsumeTestProtocol(t)
	defer p.Close()

	handled := make(chan struct{}, 1)
	handler := func(ctx context.Context, msg *Message) error {
		handled <- struct{}{}
		return nil
	}

	handle, err := p.Consume(context.Background(), "q", handler, ConsumeOptions{})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	consumeCh := lastFakeChannel(t, p)

	consumeCh.deliver(amqp.Delivery{DeliveryTag: 1, Body: []byte("hi")})

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	waitUntil(t, func() bool { return len(consumeCh.snapshotAcked()) == 1 })
	if acked := consumeCh.snapshotAcked(); len(acked) != 1 || acked[0] != 1 {
		t.Fatalf("expected delivery tag 1 acked, got %v", acked)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := handle.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestConsume_ParallelBoundsConcurrentHandlers(t *testing.T) {
	p, _ := startConsumeTestProtocol(t)
	defer p.Close()

	const parallel = 2
	var inFlight int32
	var maxObserved int32
	release := make(chan struct{})

	handler := func(ctx context.Context, msg *Message) error {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if cur <= old || atomic.CompareAndSwapInt32(&maxObserved, old, cur) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	_, err := p.Consume(context.Background(), "q", handler, ConsumeOptions{Parallel: parallel})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	ch := lastFakeChannel(t, p)

	for i := uint64(1); i <= 5; i++ {
		ch.deliver(amqp.Delivery{DeliveryTag: i})
	}

	waitUntil(t, func() bool { return atomic.LoadInt32(&inFlight) == parallel })
	if got := atomic.LoadInt32(&maxObserved); got > parallel {
		t.Fatalf("expected at most %d concurrent handlers, observed %d", parallel, got)
	}
	close(release)
}

func TestConsume_FailedMessageScheduledRejectAfterDelay(t *testing.T) {
	p, _ := startConsumeTestProtocol(t)
	defer p.Close()

	failing := errors.New("handler failed")
	handler := func(ctx context.Context, msg *Message) error { return failing }

	_, err := p.Consume(context.Background(), "q", handler, ConsumeOptions{RequeueDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	ch := lastFakeChannel(t, p)

	ch.deliver(amqp.Delivery{DeliveryTag: 7, Redelivered: false})

	// Not rejected immediately: it's scheduled.
	time.Sleep(5 * time.Millisecond)
	if rej := ch.snapshotRejected(); len(rej) != 0 {
		t.Fatalf("expected no immediate reject, got %v", rej)
	}

	waitUntil(t, func() bool { return len(ch.snapshotRejected()) == 1 })
	rej := ch.snapshotRejected()
	if rej[0].tag != 7 || !rej[0].requeue {
		t.Fatalf("expected delayed requeue reject for tag 7, got %+v", rej[0])
	}
}

func TestConsume_RedeliveredFailureRejectsWithoutRequeue(t *testing.T) {
	p, _ := startConsumeTestProtocol(t)
	defer p.Close()

	failing := errors.New("handler failed")
	handler := func(ctx context.Context, msg *Message) error { return failing }

	_, err := p.Consume(context.Background(), "q", handler, ConsumeOptions{RequeueDelay: time.Minute})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	ch := lastFakeChannel(t, p)

	ch.deliver(amqp.Delivery{DeliveryTag: 9, Redelivered: true})

	waitUntil(t, func() bool { return len(ch.snapshotRejected()) == 1 })
	rej := ch.snapshotRejected()
	if rej[0].tag != 9 || rej[0].requeue {
		t.Fatalf("expected immediate reject without requeue for redelivered tag 9, got %+v", rej[0])
	}
}

func TestConsume_AlwaysRequeueHoldsRedeliveredFailure(t *testing.T) {
	p, _ := startConsumeTestProtocol(t)
	defer p.Close()

	failing := errors.New("handler failed")
	handler := func(ctx context.Context, msg *Message) error { return failing }

	_, err := p.Consume(context.Background(), "q", handler, ConsumeOptions{AlwaysRequeue: true})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	ch := lastFakeChannel(t, p)

	ch.deliver(amqp.Delivery{DeliveryTag: 11, Redelivered: true})

	time.Sleep(20 * time.Millisecond)
	if rej := ch.snapshotRejected(); len(rej) != 0 {
		t.Fatalf("expected message to be held (no reject), got %v", rej)
	}
	if acked := ch.snapshotAcked(); len(acked) != 0 {
		t.Fatalf("expected message to be held (no ack), got %v", acked)
	}
}

func TestConsume_CancelStopsDeliveringTimersFired(t *testing.T) {
	p, _ := startConsumeTestProtocol(t)
	defer p.Close()

	failing := errors.New("fail")
	handler := func(ctx context.Context, msg *Message) error { return failing }

	handle, err := p.Consume(context.Background(), "q", handler, ConsumeOptions{RequeueDelay: time.Hour})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	ch := lastFakeChannel(t, p)
	ch.deliver(amqp.Delivery{DeliveryTag: 3})

	// give the handler goroutine a moment to schedule its delayed-reject timer
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := handle.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// cleanup should have rejected the still-pending delayed message instead
	// of leaving its hour-long timer outstanding.
	rej := ch.snapshotRejected()
	if len(rej) != 1 || rej[0].tag != 3 {
		t.Fatalf("expected cleanup to reject outstanding delayed message, got %v", rej)
	}
}

func lastFakeChannel(t *testing.T, p *Protocol) *fakeChannel {
	t.Helper()
	conn, ok := p.conn.(*fakeConnection)
	if !ok {
		t.Fatalf("protocol connection is not a *fakeConnection")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.channels) == 0 {
		t.Fatalf("no channels opened")
	}
	return conn.channels[len(conn.channels)-1]
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
