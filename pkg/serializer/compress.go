// pkg/serializer/compress.go
package serializer

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Compressed wraps another serializer with snappy block compression.
// Useful for large, repetitive payloads; the compressed form is what the
// store sees, so record sizes shrink accordingly.
type Compressed struct {
	Inner Serializer
}

func (c Compressed) Encode(v any) ([]byte, error) {
	inner := c.Inner
	if inner == nil {
		inner = Default
	}
	raw, err := inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (c Compressed) Decode(data []byte) (any, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "serializer: snappy decode")
	}
	inner := c.Inner
	if inner == nil {
		inner = Default
	}
	return inner.Decode(raw)
}
