// Package codec encodes event fields into message payloads and back.
//
// Event handlers receive their payload as Fields, the decoded top-level
// object of the message. Payloads that are not an object fail to decode.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDecode marks a payload that could not be decoded into Fields.
	ErrDecode = errors.New("codec: decode failed")
	// ErrEncode marks fields that could not be encoded.
	ErrEncode = errors.New("codec: encode failed")
)

// Fields are the named values carried by an event.
type Fields map[string]any

// String returns the value of key if it is a string.
func (f Fields) String(key string) (string, bool) {
	v, ok := f[key].(string)
	return v, ok
}

// Int returns the value of key as an int. Numbers decoded from JSON arrive as
// float64 and from CBOR as int64 or uint64; all of them convert.
func (f Fields) Int(key string) (int, bool) {
	switch v := f[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Codec converts between Fields and payload bytes.
type Codec interface {
	Name() string
	Encode(Fields) ([]byte, error)
	Decode([]byte) (Fields, error)
}

// ByName returns the codec registered under name ("json" or "cbor").
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON(), nil
	case "cbor":
		return CBOR(), nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

func decodeError(err error) error {
	return fmt.Errorf("%w: %w", ErrDecode, err)
}

func encodeError(err error) error {
	return fmt.Errorf("%w: %w", ErrEncode, err)
}
