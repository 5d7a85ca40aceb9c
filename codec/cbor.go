package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: sorted map keys and the smallest
// integer encoding, so equal fields produce equal payloads.
var encMode cbor.EncMode

// decMode decodes nested maps as map[string]any so that payloads decoded
// from CBOR look like those decoded from JSON.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

// CBOR returns the CBOR codec, a compact binary alternative to JSON for
// constrained links.
func CBOR() Codec {
	return cborCodec{}
}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Encode(fields Fields) ([]byte, error) {
	if fields == nil {
		fields = Fields{}
	}
	data, err := encMode.Marshal(map[string]any(fields))
	if err != nil {
		return nil, encodeError(err)
	}
	return data, nil
}

func (cborCodec) Decode(data []byte) (Fields, error) {
	var m map[string]any
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, decodeError(err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return Fields(m), nil
}
