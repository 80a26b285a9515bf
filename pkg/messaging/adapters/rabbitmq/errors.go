package rabbitmq

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned by Publish or consume setup when the connection is
// absent or mid-handshake. Callers retry; the Factory reconnects on its own.
var ErrNotReady = errors.New("rabbitmq: not ready")

// ErrConfirmsUnsupported is returned when Publish is called with Confirm
// true but the broker rejected confirm.select on the safe-write channel.
var ErrConfirmsUnsupported = errors.New("rabbitmq: broker does not support publisher confirms")

// ErrBrokerNack is returned when a confirmed publish is nacked by the broker.
var ErrBrokerNack = errors.New("rabbitmq: broker nacked publish")

// ErrConnectionDone indicates the underlying connection was lost. Consume
// loops and pending publishes both surface it; the Factory reconnects.
var ErrConnectionDone = errors.New("rabbitmq: connection lost")

// ErrQueueUnconsumed names the local-cancellation error kind. Nothing in
// this package currently returns it; consume loops stop through their
// context instead.
var ErrQueueUnconsumed = errors.New("rabbitmq: queue unconsumed")

// ErrUnknownContentType is returned by the serialization registry for a
// content-type with no registered codec.
type ErrUnknownContentType struct {
	ContentType string
}

func (e *ErrUnknownContentType) Error() string {
	return fmt.Sprintf("rabbitmq: unknown content type %q", e.ContentType)
}

// ErrSerialization wraps an encode/decode failure for a given content-type.
type ErrSerialization struct {
	ContentType string
	Err         error
}

func (e *ErrSerialization) Error() string {
	return fmt.Sprintf("rabbitmq: serialization failed for content type %q: %v", e.ContentType, e.Err)
}

func (e *ErrSerialization) Unwrap() error { return e.Err }

// ErrChannelClosed reports a broker-forced channel close (reply_code/reply_text).
// Pending confirms on the channel are failed with this error, so a confirmed
// Publish waiting on one returns it; the channel is then reopened internally.
type ErrChannelClosed struct {
	Code int
	Text string
}

func (e *ErrChannelClosed) Error() string {
	return fmt.Sprintf("rabbitmq: channel closed by broker (code %d): %s", e.Code, e.Text)
}

// ErrSchemaDeclaration wraps a broker rejection of a declare/bind during
// handshake. The handshake fails and the Factory retries with backoff;
// after retry_max_count attempts this is surfaced to the caller of Start.
type ErrSchemaDeclaration struct {
	Err error
}

func (e *ErrSchemaDeclaration) Error() string {
	return fmt.Sprintf("rabbitmq: schema declaration failed: %v", e.Err)
}

func (e *ErrSchemaDeclaration) Unwrap() error { return e.Err }
