package rabbitmq

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chris-alexander-pop/system-design-library/pkg/resilience"
)

// ConnectionParams is the broker endpoint and credentials. Its env and
// validate tags let it be loaded and validated through pkg/config.Load;
// NewFactory itself does not validate it.
type ConnectionParams struct {
	Host     string `env:"AMQP_HOST" env-default:"localhost" validate:"required"`
	Port     int    `env:"AMQP_PORT" env-default:"5672" validate:"gt=0,lte=65535"`
	VHost    string `env:"AMQP_VHOST" env-default:"/"`
	User     string `env:"AMQP_USER" env-default:"guest"`
	Password string `env:"AMQP_PASSWORD" env-default:"guest"`

	// HeartbeatInterval is negotiated with the broker; zero lets the
	// broker's configured default apply.
	HeartbeatInterval time.Duration `env:"AMQP_HEARTBEAT_INTERVAL" env-default:"10s"`

	// TLS, when non-nil, dials amqps:// instead of amqp://. Not
	// env-bindable; set it programmatically for mTLS deployments.
	TLS *tls.Config
}

// URL assembles the amqp(s):// connection string amqp091-go dials.
func (c ConnectionParams) URL() string {
	scheme := "amqp"
	if c.TLS != nil {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + url.PathEscape(vhostPath(c.VHost)),
	}
	return u.String()
}

func vhostPath(vhost string) string {
	if vhost == "" || vhost == "/" {
		return ""
	}
	return vhost
}

func (c ConnectionParams) dialConfig() amqp.Config {
	return amqp.Config{
		Heartbeat:       c.HeartbeatInterval,
		TLSClientConfig: c.TLS,
	}
}

// FactoryConfig configures a reconnecting Factory. The redelivery-policy
// fields (AlwaysRequeue, RequeueDelay) are defaults applied to any Consume
// call that leaves its own ConsumeOptions fields at zero.
type FactoryConfig struct {
	ConnectionParams ConnectionParams
	Schema           Schema
	Registry         *SerializerRegistry

	PrefetchCount int           `env:"AMQP_PREFETCH_COUNT" env-default:"0"`
	AlwaysRequeue bool          `env:"AMQP_ALWAYS_REQUEUE" env-default:"false"`
	RequeueDelay  time.Duration `env:"AMQP_REQUEUE_DELAY" env-default:"120s"`

	// DisconnectPeriod caps backoff between reconnect attempts.
	DisconnectPeriod time.Duration `env:"AMQP_DISCONNECT_PERIOD" env-default:"10800s"`
	// RetryDelay is the initial backoff before the first retry.
	RetryDelay time.Duration `env:"AMQP_RETRY_DELAY" env-default:"20s"`
	// RetryMaxCount bounds the dial attempts of one connect cycle (Start,
	// or one reconnect after a loss); the count starts over on every
	// reconnect. 0 means unbounded.
	RetryMaxCount int `env:"AMQP_RETRY_MAX_COUNT" env-default:"2000" validate:"gte=0"`

	// PublishBreaker, when non-nil, wraps every Publish call so that a
	// burst of failures (broker down, repeated nacks) trips the circuit
	// and subsequent publishes fail fast with ErrCircuitOpen instead of
	// each one waiting out its own context deadline against a broker
	// that isn't coming back soon.
	PublishBreaker *resilience.CircuitBreakerConfig
}

func (c *FactoryConfig) applyDefaults() {
	if c.RequeueDelay == 0 {
		c.RequeueDelay = 120 * time.Second
	}
	if c.DisconnectPeriod == 0 {
		c.DisconnectPeriod = 10800 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 20 * time.Second
	}
	if c.Registry == nil {
		c.Registry = DefaultRegistry
	}
}
