package protocol

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same frame always produces
// the same bytes; timestamps keep nanoseconds. decMode ignores unknown fields
// so a newer helper can talk to an older client.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value used to delay payload decoding
type RawMessage = cbor.RawMessage

// Encoder is a CBOR stream encoder
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder
type Decoder = cbor.Decoder

// NewEncoder returns a stream encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r. CBOR items are
// self-delimiting, so frames need no length prefix.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
