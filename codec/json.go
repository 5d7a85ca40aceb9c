package codec

import (
	"errors"

	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type stamp struct {
	path  string
	value any
}

type jsonCodec struct {
	stamps []stamp
}

// WithStamp adds a field to every payload the codec encodes, unless the
// emitted fields already carry it. path is a gjson/sjson path.
func WithStamp(path string, value any) opts.Option[jsonCodec] {
	return opts.Type[jsonCodec](func(c *jsonCodec) error {
		if path == "" {
			return errors.New("codec: empty stamp path")
		}
		c.stamps = append(c.stamps, stamp{path: path, value: value})
		return nil
	})
}

// JSON returns the JSON codec, the default payload format.
func JSON(options ...opts.Option[jsonCodec]) Codec {
	c := &jsonCodec{}
	if err := opts.Apply(c, options); err != nil {
		panic(err)
	}
	return c
}

func (c *jsonCodec) Name() string { return "json" }

func (c *jsonCodec) Encode(fields Fields) ([]byte, error) {
	data := []byte(`{}`)
	if len(fields) > 0 {
		b, err := json.Marshal(fields)
		if err != nil {
			return nil, encodeError(err)
		}
		data = b
	}

	for _, s := range c.stamps {
		if gjson.GetBytes(data, s.path).Exists() {
			continue
		}
		b, err := sjson.SetBytes(data, s.path, s.value)
		if err != nil {
			return nil, encodeError(err)
		}
		data = b
	}
	return data, nil
}

func (c *jsonCodec) Decode(data []byte) (Fields, error) {
	if !gjson.ValidBytes(data) {
		return nil, decodeError(errors.New("invalid json"))
	}
	if !gjson.ParseBytes(data).IsObject() {
		return nil, decodeError(errors.New("payload is not an object"))
	}
	var fields Fields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, decodeError(err)
	}
	return fields, nil
}
