package rabbitmq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDecl declares one exchange. ExchangeType is one of direct, fanout,
// topic, or headers.
type ExchangeDecl struct {
	Name         string
	ExchangeType string
	Passive      bool
	Durable      bool
	AutoDelete   bool
	Internal     bool
	Arguments    amqp.Table
}

// QueueDecl declares one queue. MessageTTL and DeadLetterExchange (plus
// DeadLetterRoutingKey) are merged into Arguments as x-message-ttl,
// x-dead-letter-exchange, and x-dead-letter-routing-key.
type QueueDecl struct {
	Name                 string
	Passive              bool
	Durable              bool
	Exclusive            bool
	AutoDelete           bool
	MessageTTLMillis     *int64
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	Arguments            amqp.Table
}

// BindingDecl binds a queue (or, with Exchange variant, an exchange) to an
// exchange with a routing key.
type BindingDecl struct {
	Exchange    string
	Queue       string
	RoutingKey  string
	Arguments   amqp.Table
	IsExchange  bool // true: Source and Destination name the two exchanges
	Destination string
	Source      string
}

// SchemaBuilder is the capability a Schema declares against; it is the Go
// analogue of IAMQPSchemaBuilder in the original source.
type SchemaBuilder interface {
	DeclareExchange(ctx context.Context, decl ExchangeDecl) error
	DeclareQueue(ctx context.Context, decl QueueDecl) error
	BindQueue(ctx context.Context, b BindingDecl) error
	BindExchange(ctx context.Context, b BindingDecl) error
}

// Schema is any value that can replay its declarations against a builder.
// Declaration is sequential: each call awaits the broker's method-ok before
// the next is issued, so a mismatched-redeclaration error surfaces at a
// known point.
type Schema interface {
	Declare(ctx context.Context, builder SchemaBuilder) error
}

// programmaticSchema lets callers build a schema imperatively instead of
// from a declarative map.
type programmaticSchema struct {
	exchanges []ExchangeDecl
	queues    []QueueDecl
	binds     []BindingDecl
	exBinds   []BindingDecl
}

// NewSchema returns an empty programmatic Schema; use its Exchange/Queue/Bind/
// BindExchange methods to build up declarations in the order they should be
// replayed.
func NewSchema() *programmaticSchema {
	return &programmaticSchema{}
}

func (s *programmaticSchema) Exchange(d ExchangeDecl) *programmaticSchema {
	s.exchanges = append(s.exchanges, d)
	return s
}

func (s *programmaticSchema) Queue(d QueueDecl) *programmaticSchema {
	s.queues = append(s.queues, d)
	return s
}

func (s *programmaticSchema) Bind(b BindingDecl) *programmaticSchema {
	s.binds = append(s.binds, b)
	return s
}

func (s *programmaticSchema) BindExchange(b BindingDecl) *programmaticSchema {
	s.exBinds = append(s.exBinds, b)
	return s
}

func (s *programmaticSchema) Declare(ctx context.Context, b SchemaBuilder) error {
	for _, ex := range s.exchanges {
		if err := b.DeclareExchange(ctx, ex); err != nil {
			return err
		}
	}
	for _, q := range s.queues {
		if err := b.DeclareQueue(ctx, q); err != nil {
			return err
		}
	}
	for _, bind := range s.binds {
		if err := b.BindQueue(ctx, bind); err != nil {
			return err
		}
	}
	for _, bind := range s.exBinds {
		if err := b.BindExchange(ctx, bind); err != nil {
			return err
		}
	}
	return nil
}

// MapSchema is the declarative, mapping-shaped form described in spec.md §6:
//
//	{ "exchange": { name: {...}, ... },
//	  "queue":    { name: {...}, ... },
//	  "bind":          [ [exchange, queue, routingKey?], ... ],
//	  "bind_exchange": [ [source, destination, routingKey?], ... ] }
//
// Exchange and Queue are ordered slices, not maps: spec.md §3 requires
// declared order to be preserved, which a Go map (randomized iteration
// order) cannot guarantee. SchemaFromJSON populates them in the source
// JSON object's key order via MapSchema's own UnmarshalJSON.
type MapSchema struct {
	Exchange      []ExchangeEntry
	Queue         []QueueEntry
	Bind          []BindEntry
	BindExchange_ []BindEntry
}

// ExchangeEntry names one exchange declaration within a MapSchema.
type ExchangeEntry struct {
	Name  string
	Props ExchangeProps
}

// QueueEntry names one queue declaration within a MapSchema.
type QueueEntry struct {
	Name  string
	Props QueueProps
}

// ExchangeProps is the declarative exchange shape used by MapSchema.
type ExchangeProps struct {
	ExchangeType string     `json:"exchange_type"`
	Passive      bool       `json:"passive"`
	Durable      bool       `json:"durable"`
	AutoDelete   bool       `json:"auto_delete"`
	Internal     bool       `json:"internal"`
	Arguments    amqp.Table `json:"arguments"`
}

// QueueProps is the declarative queue shape used by MapSchema.
type QueueProps struct {
	Passive              bool       `json:"passive"`
	Durable              bool       `json:"durable"`
	Exclusive            bool       `json:"exclusive"`
	AutoDelete           bool       `json:"auto_delete"`
	MessageTTLMillis     *int64     `json:"message_ttl"`
	DeadLetterExchange   string     `json:"dead_letter_exchange"`
	DeadLetterRoutingKey string     `json:"dead_letter_routing_key"`
	Arguments            amqp.Table `json:"arguments"`
}

// BindEntry is one [exchange, queue, routingKey?] or [source, destination,
// routingKey?] triple.
type BindEntry struct {
	From       string
	To         string
	RoutingKey string
	Arguments  amqp.Table
}

// UnmarshalJSON accepts either the [from, to, routingKey?] array form or an
// object with From/To/RoutingKey/Arguments fields.
func (e *BindEntry) UnmarshalJSON(data []byte) error {
	var tuple []string
	if err := json.Unmarshal(data, &tuple); err == nil {
		if len(tuple) < 2 || len(tuple) > 3 {
			return fmt.Errorf("bind entry: expected 2 or 3 elements, got %d", len(tuple))
		}
		*e = BindEntry{From: tuple[0], To: tuple[1]}
		if len(tuple) == 3 {
			e.RoutingKey = tuple[2]
		}
		return nil
	}
	type plain BindEntry
	return json.Unmarshal(data, (*plain)(e))
}

// UnmarshalJSON decodes the declarative mapping form, walking the raw
// token stream rather than going through json.Unmarshal's map support so
// the exchange/queue sections keep their source key order (spec.md §3).
// Any top-level key other than exchange/queue/bind/bind_exchange is
// rejected.
func (m *MapSchema) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("rabbitmq: schema: expected string key, got %v", keyTok)
		}
		switch key {
		case "exchange":
			entries, err := decodeOrderedExchanges(dec)
			if err != nil {
				return fmt.Errorf("rabbitmq: schema: exchange: %w", err)
			}
			m.Exchange = entries
		case "queue":
			entries, err := decodeOrderedQueues(dec)
			if err != nil {
				return fmt.Errorf("rabbitmq: schema: queue: %w", err)
			}
			m.Queue = entries
		case "bind":
			if err := dec.Decode(&m.Bind); err != nil {
				return fmt.Errorf("rabbitmq: schema: bind: %w", err)
			}
		case "bind_exchange":
			if err := dec.Decode(&m.BindExchange_); err != nil {
				return fmt.Errorf("rabbitmq: schema: bind_exchange: %w", err)
			}
		default:
			return fmt.Errorf("rabbitmq: schema: unknown top-level key %q", key)
		}
	}
	return expectDelim(dec, '}')
}

func decodeOrderedExchanges(dec *json.Decoder) ([]ExchangeEntry, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var entries []ExchangeEntry
	for dec.More() {
		nameTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := nameTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key, got %v", nameTok)
		}
		var props ExchangeProps
		if err := dec.Decode(&props); err != nil {
			return nil, fmt.Errorf("%q: %w", name, err)
		}
		entries = append(entries, ExchangeEntry{Name: name, Props: props})
	}
	return entries, expectDelim(dec, '}')
}

func decodeOrderedQueues(dec *json.Decoder) ([]QueueEntry, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var entries []QueueEntry
	for dec.More() {
		nameTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := nameTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key, got %v", nameTok)
		}
		var props QueueProps
		if err := dec.Decode(&props); err != nil {
			return nil, fmt.Errorf("%q: %w", name, err)
		}
		entries = append(entries, QueueEntry{Name: name, Props: props})
	}
	return entries, expectDelim(dec, '}')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// SchemaFromMap adapts a MapSchema to the Schema interface, the mapping ->
// capability adaptation spec.md §4.2 and §9 call for. It is the Go
// equivalent of the original's schemaFromDict. It performs no validation
// of its own: the typed struct admits no unexpected keys, and an empty
// MapSchema simply declares nothing.
func SchemaFromMap(m MapSchema) Schema {
	return &mapSchema{m: m}
}

// SchemaFromJSON parses the declarative mapping form (spec.md §6) from raw
// JSON. Declared order within exchange/queue is preserved (spec.md §3), so
// parsing is done by MapSchema's own UnmarshalJSON rather than a plain
// struct decode, which would lose object key order by going through a Go
// map. That same UnmarshalJSON also rejects any top-level key other than
// exchange/queue/bind/bind_exchange — the Go equivalent of schemaFromDict's
// unknown-key rejection.
func SchemaFromJSON(data []byte) (Schema, error) {
	var m MapSchema
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("rabbitmq: decode schema: %w", err)
	}
	return SchemaFromMap(m), nil
}

type mapSchema struct{ m MapSchema }

func (s *mapSchema) Declare(ctx context.Context, b SchemaBuilder) error {
	for _, entry := range s.m.Exchange {
		name, props := entry.Name, entry.Props
		if props.ExchangeType == "" {
			props.ExchangeType = "direct"
		}
		if err := b.DeclareExchange(ctx, ExchangeDecl{
			Name: name, ExchangeType: props.ExchangeType, Passive: props.Passive,
			Durable: props.Durable, AutoDelete: props.AutoDelete,
			Internal: props.Internal, Arguments: props.Arguments,
		}); err != nil {
			return fmt.Errorf("declare exchange %q: %w", name, err)
		}
	}

	for _, entry := range s.m.Queue {
		name, props := entry.Name, entry.Props
		if err := b.DeclareQueue(ctx, QueueDecl{
			Name: name, Passive: props.Passive, Durable: props.Durable,
			Exclusive: props.Exclusive, AutoDelete: props.AutoDelete,
			MessageTTLMillis: props.MessageTTLMillis,
			DeadLetterExchange: props.DeadLetterExchange, DeadLetterRoutingKey: props.DeadLetterRoutingKey,
			Arguments: props.Arguments,
		}); err != nil {
			return fmt.Errorf("declare queue %q: %w", name, err)
		}
	}

	for _, entry := range s.m.Bind {
		if err := b.BindQueue(ctx, BindingDecl{
			Exchange: entry.From, Queue: entry.To,
			RoutingKey: entry.RoutingKey, Arguments: entry.Arguments,
		}); err != nil {
			return fmt.Errorf("bind queue %q to exchange %q: %w", entry.To, entry.From, err)
		}
	}

	for _, entry := range s.m.BindExchange_ {
		if err := b.BindExchange(ctx, BindingDecl{
			Source: entry.From, Destination: entry.To,
			RoutingKey: entry.RoutingKey, Arguments: entry.Arguments,
			IsExchange: true,
		}); err != nil {
			return fmt.Errorf("bind exchange %q to %q: %w", entry.To, entry.From, err)
		}
	}

	return nil
}

func mergeQueueArguments(d QueueDecl) amqp.Table {
	args := amqp.Table{}
	for k, v := range d.Arguments {
		args[k] = v
	}
	if d.MessageTTLMillis != nil {
		args["x-message-ttl"] = *d.MessageTTLMillis
	}
	if d.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = d.DeadLetterExchange
		if d.DeadLetterRoutingKey != "" {
			args["x-dead-letter-routing-key"] = d.DeadLetterRoutingKey
		}
	}
	if len(args) == 0 {
		return nil
	}
	return args
}
