// pkg/collections/collections.go
// Package collections provides persistent maps, sets and lists layered
// on a record store. Each collection lives in a set of records reached
// from a header record whose recid is registered under the collection's
// name; creating a collection that already exists reopens it.
//
// Collections buffer nothing themselves: every operation goes through
// the store, so they share the store's transaction. Commit and rollback
// on the store apply to collection contents as well.
package collections

import (
	"github.com/pkg/errors"

	"recdb/internal/encoding"
	"recdb/pkg/serializer"
)

// Store is the slice of the record manager collections build on: raw
// record access plus the named-root directory.
type Store interface {
	InsertRaw(data []byte) (uint64, error)
	FetchRaw(recid uint64) ([]byte, bool, error)
	UpdateRaw(recid uint64, data []byte) error
	DeleteRaw(recid uint64) error
	GetRoot(name string) (uint64, error)
	SetRoot(name string, recid uint64) error
}

// ErrCorruptCollection is wrapped into errors returned when a
// collection record does not decode.
var ErrCorruptCollection = errors.New("collections: corrupt collection record")

// ErrNoSuchCollection is wrapped into errors returned by the Load
// constructors when no collection is registered under the name.
var ErrNoSuchCollection = errors.New("collections: no such collection")

func corrupt(what string) error {
	return errors.Wrap(ErrCorruptCollection, what)
}

// appendBlob appends a length-prefixed byte string.
func appendBlob(buf, b []byte) []byte {
	buf = encoding.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// readBlob reads a length-prefixed byte string, returning the blob and
// the remaining buffer. nil data on malformed input.
func readBlob(data []byte) ([]byte, []byte, bool) {
	n, w := encoding.Uvarint(data)
	if w == 0 || uint64(len(data)-w) < n {
		return nil, nil, false
	}
	return data[w : w+int(n)], data[w+int(n):], true
}

// headerRecid resolves or creates the header record for a named
// collection. init supplies the encoded empty header for the create
// path.
func headerRecid(store Store, name string, init []byte) (uint64, error) {
	recid, err := store.GetRoot(name)
	if err != nil {
		return 0, err
	}
	if recid != 0 {
		return recid, nil
	}
	recid, err = store.InsertRaw(init)
	if err != nil {
		return 0, err
	}
	if err := store.SetRoot(name, recid); err != nil {
		return 0, err
	}
	return recid, nil
}

// loadHeaderRecid resolves the header record for a named collection
// that must already exist.
func loadHeaderRecid(store Store, name string) (uint64, error) {
	recid, err := store.GetRoot(name)
	if err != nil {
		return 0, err
	}
	if recid == 0 {
		return 0, errors.Wrap(ErrNoSuchCollection, name)
	}
	return recid, nil
}

func encodeValue(ser serializer.Serializer, v any) ([]byte, error) {
	if ser == nil {
		ser = serializer.Default
	}
	return ser.Encode(v)
}

func decodeValue(ser serializer.Serializer, data []byte) (any, error) {
	if ser == nil {
		ser = serializer.Default
	}
	return ser.Decode(data)
}
