// Package codec defines how typed channel payloads are turned into the
// byte payloads the adapter boundary works with. The broker core never
// interprets payload bytes itself; it only threads a Codec through to the
// channel wrappers.
package codec

import "encoding/json"

// Codec marshals typed messages for transport through an adapter.
// Implementations should be deterministic and safe for cross-node exchange.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON returns the default Codec, encoding payloads as JSON.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
