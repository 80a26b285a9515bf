package rabbitmq

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes message bodies for one content-type.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

type identityCodec struct{}

func (identityCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	default:
		return nil, &ErrSerialization{ContentType: "", Err: errNotBytes}
	}
}

func (identityCodec) Decode(data []byte, v any) error {
	switch p := v.(type) {
	case *[]byte:
		*p = data
		return nil
	case *string:
		*p = string(data)
		return nil
	default:
		return &ErrSerialization{ContentType: "", Err: errNotBytes}
	}
}

var errNotBytes = errors.New("rabbitmq: identity codec requires []byte, string, or nil")

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &ErrSerialization{ContentType: "application/json", Err: err}
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &ErrSerialization{ContentType: "application/json", Err: err}
	}
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, &ErrSerialization{ContentType: "application/msgpack", Err: err}
	}
	return data, nil
}

func (msgpackCodec) Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return &ErrSerialization{ContentType: "application/msgpack", Err: err}
	}
	return nil
}

// SerializerRegistry maps a lower-cased content-type to a Codec. The zero
// value is not usable; use NewSerializerRegistry, which preloads the
// required identity and JSON entries plus the optional MessagePack aliases.
type SerializerRegistry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewSerializerRegistry returns a registry with the identity, JSON, and
// MessagePack codecs registered under every alias spec.md §4.1 names.
func NewSerializerRegistry() *SerializerRegistry {
	r := &SerializerRegistry{codecs: make(map[string]Codec)}

	id := identityCodec{}
	r.Register("", id)
	r.Register("application/octet-stream", id)

	j := jsonCodec{}
	r.Register("application/json", j)
	r.Register("json", j)

	m := msgpackCodec{}
	r.Register("msgpack", m)
	r.Register("application/x-msgpack", m)
	r.Register("application/msgpack", m)

	return r
}

// Register adds or replaces the codec for a content-type. Lookups are
// case-insensitive; Register lower-cases the key itself.
func (r *SerializerRegistry) Register(contentType string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[strings.ToLower(contentType)] = codec
}

func (r *SerializerRegistry) lookup(contentType string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[strings.ToLower(contentType)]
	return c, ok
}

// Encode serializes v for contentType, or returns the identity encoding if
// contentType is empty.
func (r *SerializerRegistry) Encode(contentType string, v any) ([]byte, error) {
	codec, ok := r.lookup(contentType)
	if !ok {
		return nil, &ErrUnknownContentType{ContentType: contentType}
	}
	return codec.Encode(v)
}

// Decode deserializes data into v using the codec registered for contentType.
func (r *SerializerRegistry) Decode(contentType string, data []byte, v any) error {
	codec, ok := r.lookup(contentType)
	if !ok {
		return &ErrUnknownContentType{ContentType: contentType}
	}
	return codec.Decode(data, v)
}

// DefaultRegistry is the process-wide serializer registry, initialized once
// and read-only thereafter save for explicit Register calls — e.g. to add a
// codec for an additional content-type at program startup.
var DefaultRegistry = NewSerializerRegistry()
