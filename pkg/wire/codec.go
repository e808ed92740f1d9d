package wire

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec encodes messages for one websocket subprotocol.
type Codec interface {
	Marshaler
	Unmarshaler
	// Name is the websocket subprotocol the codec is negotiated under.
	Name() string
	// Binary reports whether frames are binary rather than text.
	Binary() bool
}

const (
	ProtocolJSON = "json"
	ProtocolCBOR = "cbor"
)

// Protocols lists the supported subprotocols in order of preference.
var Protocols = []string{ProtocolCBOR, ProtocolJSON}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, dst any) error { return json.Unmarshal(data, dst) }
func (jsonCodec) NewEncoder(w io.Writer) Encoder       { return json.NewEncoder(w) }
func (jsonCodec) NewDecoder(r io.Reader) Decoder       { return json.NewDecoder(r) }
func (jsonCodec) Name() string                         { return ProtocolJSON }
func (jsonCodec) Binary() bool                         { return false }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (c cborCodec) Marshal(v any) ([]byte, error)        { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, dst any) error { return c.dec.Unmarshal(data, dst) }
func (c cborCodec) NewEncoder(w io.Writer) Encoder       { return c.enc.NewEncoder(w) }
func (c cborCodec) NewDecoder(r io.Reader) Decoder       { return c.dec.NewDecoder(r) }
func (cborCodec) Name() string                           { return ProtocolCBOR }
func (cborCodec) Binary() bool                           { return true }

// JSON returns the JSON codec.
func JSON() Codec { return jsonCodec{} }

// CBOR returns the CBOR codec. Timestamps are encoded as RFC 3339 strings
// with nanoseconds, so they read the same in both codecs.
func CBOR() Codec {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: invalid CBOR encoding options: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: invalid CBOR decoding options: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

// ForProtocol returns the codec negotiated under name.
func ForProtocol(name string) (Codec, error) {
	switch name {
	case ProtocolJSON, "":
		return JSON(), nil
	case ProtocolCBOR:
		return CBOR(), nil
	}
	return nil, fmt.Errorf("unsupported protocol %q", name)
}
