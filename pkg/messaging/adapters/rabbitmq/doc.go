// Package rabbitmq is a resilient AMQP 0-9-1 client built on top of
// github.com/rabbitmq/amqp091-go.
//
// It layers automatic reconnection with capped exponential backoff,
// schema replay on every (re)connect, a dual-channel publish path
// (fire-and-forget plus publisher-confirmed), and a bounded-parallelism
// consume path with delayed negative-acknowledgement on top of the raw
// wire connection. This package does not implement a generic
// messaging-broker interface: publisher confirms, per-consumer parallelism caps, and consumer-state
// replay across reconnects have no honest representation in a
// Publish(ctx, msg) error / Consume(ctx, handler) error surface, so this
// client exposes its own richer API instead.
//
// # Usage
//
//	factory := rabbitmq.NewFactory(rabbitmq.FactoryConfig{
//	    ConnectionParams: rabbitmq.ConnectionParams{Host: "localhost", Port: 5672, User: "guest", Password: "guest"},
//	    Schema:           rabbitmq.SchemaFromMap(mySchema),
//	})
//	if err := factory.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer factory.Close()
//
//	confirmation, err := factory.Publish(ctx, "orders", "order.created", payload, rabbitmq.PublishOptions{Confirm: true})
//
// # Dependencies
//
// This package requires: github.com/rabbitmq/amqp091-go, github.com/google/uuid,
// github.com/vmihailenco/msgpack/v5 (optional content-type).
package rabbitmq
