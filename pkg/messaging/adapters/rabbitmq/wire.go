package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// wireChannel is the subset of *amqp091-go.Channel this client depends on.
// *amqp.Channel satisfies it structurally; tests substitute a fake.
type wireChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Reject(tag uint64, requeue bool) error
	Close() error
}

// wireConnection is the subset of *amqp091-go.Connection this client
// depends on. The Channel method is the only one that needs adapting: the
// real connection returns a *amqp.Channel, which satisfies wireChannel
// structurally but not by declared return type.
type wireConnection interface {
	Channel() (wireChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

type realConnection struct {
	*amqp.Connection
}

func (c realConnection) Channel() (wireChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// dialFunc abstracts amqp.DialConfig so tests can substitute a fake dialer.
type dialFunc func(ctx context.Context, url string, cfg amqp.Config) (wireConnection, error)

func dialReal(ctx context.Context, url string, cfg amqp.Config) (wireConnection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return realConnection{conn}, nil
}
