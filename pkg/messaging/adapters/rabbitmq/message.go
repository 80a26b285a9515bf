package rabbitmq

import (
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Properties mirrors the subset of AMQP basic properties this client
// exposes on publish and surfaces back on delivery.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         amqp.Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	AppID           string
}

func (p Properties) toAMQP(body []byte) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		Headers:         p.Headers,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationID,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageID,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		AppId:           p.AppID,
		Body:            body,
	}
	if pub.MessageId == "" {
		pub.MessageId = uuid.NewString()
	}
	if pub.Timestamp.IsZero() {
		pub.Timestamp = time.Now()
	}
	return pub
}

// Message is an incoming delivery. Body is the raw wire payload; Data
// decodes it on demand using the content type on Properties and the
// registry the consumer was configured with.
type Message struct {
	Body         []byte
	Exchange     string
	RoutingKey   string
	ConsumerTag  string
	DeliveryTag  uint64
	Redelivered  bool
	Properties   Properties

	registry *SerializerRegistry
}

func newMessage(d amqp.Delivery, registry *SerializerRegistry) *Message {
	return &Message{
		Body:        d.Body,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		ConsumerTag: d.ConsumerTag,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Properties: Properties{
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			Headers:         d.Headers,
			DeliveryMode:    d.DeliveryMode,
			Priority:        d.Priority,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			MessageID:       d.MessageId,
			Timestamp:       d.Timestamp,
			Type:            d.Type,
			AppID:           d.AppId,
		},
		registry: registry,
	}
}

// Data decodes Body into v using the codec registered for this message's
// content type. It does no caching of its own beyond what callers do with
// the decoded value, since v's shape is chosen per call.
func (m *Message) Data(v any) error {
	reg := m.registry
	if reg == nil {
		reg = DefaultRegistry
	}
	return reg.Decode(m.Properties.ContentType, m.Body, v)
}
