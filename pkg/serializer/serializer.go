// pkg/serializer/serializer.go
// Package serializer converts application values to and from the byte
// payloads the record store manages. Serializers are pluggable per call;
// Default handles arbitrary values for callers that do not care about the
// encoding.
package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/pkg/errors"

	"recdb/internal/encoding"
)

var (
	ErrWrongType = errors.New("serializer: value has wrong type")
	ErrTruncated = errors.New("serializer: truncated input")
)

// Serializer converts a value to a byte payload and back.
// Encode and Decode must round-trip: Decode(Encode(v)) observably equals v.
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Bytes passes []byte payloads through unchanged.
type Bytes struct{}

func (Bytes) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, errors.Wrapf(ErrWrongType, "expected []byte, got %T", v)
	}
	return b, nil
}

func (Bytes) Decode(data []byte) (any, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// String stores strings as raw UTF-8 bytes.
type String struct{}

func (String) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, errors.Wrapf(ErrWrongType, "expected string, got %T", v)
	}
	return []byte(s), nil
}

func (String) Decode(data []byte) (any, error) {
	return string(data), nil
}

// Int64 stores int64 values as zigzag varints.
type Int64 struct{}

func (Int64) Encode(v any) ([]byte, error) {
	i, ok := v.(int64)
	if !ok {
		return nil, errors.Wrapf(ErrWrongType, "expected int64, got %T", v)
	}
	uv := uint64(i<<1) ^ uint64(i>>63) // zigzag
	return encoding.AppendUvarint(nil, uv), nil
}

func (Int64) Decode(data []byte) (any, error) {
	uv, n := encoding.Uvarint(data)
	if n == 0 {
		return nil, ErrTruncated
	}
	return int64(uv>>1) ^ -int64(uv&1), nil
}

// JSON stores values as JSON documents. New, when set, supplies a fresh
// destination value for Decode (typically a pointer to a struct); when
// nil, documents decode into generic any values.
type JSON struct {
	New func() any
}

func (s JSON) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, errors.Wrap(err, "serializer: json encode")
}

func (s JSON) Decode(data []byte) (any, error) {
	if s.New != nil {
		v := s.New()
		if err := json.Unmarshal(data, v); err != nil {
			return nil, errors.Wrap(err, "serializer: json decode")
		}
		return v, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "serializer: json decode")
	}
	return v, nil
}

// gobBox lets gob carry values of any type through a single static type.
// Non-builtin types must be registered with gob.Register by the caller.
type gobBox struct {
	V any
}

// Gob serializes arbitrary values with encoding/gob. It is the fallback
// for callers that supply no serializer, in the spirit of serializing
// "plain" values without a declared schema.
type Gob struct{}

func (Gob) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&gobBox{V: v}); err != nil {
		return nil, errors.Wrap(err, "serializer: gob encode")
	}
	return buf.Bytes(), nil
}

func (Gob) Decode(data []byte) (any, error) {
	var box gobBox
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&box); err != nil {
		return nil, errors.Wrap(err, "serializer: gob decode")
	}
	return box.V, nil
}

// Default is the serializer used when a caller passes nil.
var Default Serializer = Gob{}
