// pkg/collections/hashmap.go
package collections

import (
	"github.com/OneOfOne/xxhash"

	"recdb/internal/encoding"
	"recdb/pkg/serializer"
)

// hashBuckets is the fixed bucket directory width. Buckets hold entry
// lists of any length, so the directory never resizes; lookups degrade
// gracefully instead of triggering a rehash inside someone's
// transaction.
const hashBuckets = 64

// HashMap is a persistent unordered map. Keys match on their encoded
// bytes, so the key serializer must be deterministic: equal keys must
// encode to equal bytes.
//
// Layout: a header record holds the entry count and a directory of
// bucket recids (0 for empty buckets). A bucket record is a flat entry
// list. Keys are routed to buckets by a 64-bit xxHash of their encoded
// bytes.
type HashMap struct {
	store  Store
	header uint64
	keySer serializer.Serializer
	valSer serializer.Serializer
}

type hashHeader struct {
	size    uint64
	buckets [hashBuckets]uint64
}

// NewHashMap opens the map registered under name, creating it empty if
// the name is unregistered. Nil serializers select serializer.Default.
func NewHashMap(store Store, name string, keySer, valSer serializer.Serializer) (*HashMap, error) {
	recid, err := headerRecid(store, name, encodeHashHeader(&hashHeader{}))
	if err != nil {
		return nil, err
	}
	return &HashMap{store: store, header: recid, keySer: keySer, valSer: valSer}, nil
}

// LoadHashMap opens the map registered under name. Unlike NewHashMap
// it never creates: an unregistered name yields an error wrapping
// ErrNoSuchCollection.
func LoadHashMap(store Store, name string, keySer, valSer serializer.Serializer) (*HashMap, error) {
	recid, err := loadHeaderRecid(store, name)
	if err != nil {
		return nil, err
	}
	return &HashMap{store: store, header: recid, keySer: keySer, valSer: valSer}, nil
}

// Put sets key to value, replacing any previous value.
func (m *HashMap) Put(key, value any) error {
	kb, err := encodeValue(m.keySer, key)
	if err != nil {
		return err
	}
	vb, err := encodeValue(m.valSer, value)
	if err != nil {
		return err
	}

	h, err := m.loadHeader()
	if err != nil {
		return err
	}
	b := bucketIndex(kb)

	if h.buckets[b] == 0 {
		recid, err := m.store.InsertRaw(encodeBucket([]hashEntry{{key: kb, value: vb}}))
		if err != nil {
			return err
		}
		h.buckets[b] = recid
		h.size++
		return m.saveHeader(h)
	}

	entries, err := m.loadBucket(h.buckets[b])
	if err != nil {
		return err
	}
	replaced := false
	for i := range entries {
		if string(entries[i].key) == string(kb) {
			entries[i].value = vb
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, hashEntry{key: kb, value: vb})
	}
	if err := m.store.UpdateRaw(h.buckets[b], encodeBucket(entries)); err != nil {
		return err
	}
	if !replaced {
		h.size++
		return m.saveHeader(h)
	}
	return nil
}

// Get returns the value stored under key. The second return is false
// when the key is absent.
func (m *HashMap) Get(key any) (any, bool, error) {
	kb, err := encodeValue(m.keySer, key)
	if err != nil {
		return nil, false, err
	}
	h, err := m.loadHeader()
	if err != nil {
		return nil, false, err
	}
	bucket := h.buckets[bucketIndex(kb)]
	if bucket == 0 {
		return nil, false, nil
	}
	entries, err := m.loadBucket(bucket)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if string(e.key) == string(kb) {
			v, err := decodeValue(m.valSer, e.value)
			if err != nil {
				return nil, false, err
			}
			return v, true, nil
		}
	}
	return nil, false, nil
}

// Contains reports whether key is present.
func (m *HashMap) Contains(key any) (bool, error) {
	_, found, err := m.Get(key)
	return found, err
}

// Remove deletes key. Returns false when the key was absent.
func (m *HashMap) Remove(key any) (bool, error) {
	kb, err := encodeValue(m.keySer, key)
	if err != nil {
		return false, err
	}
	h, err := m.loadHeader()
	if err != nil {
		return false, err
	}
	b := bucketIndex(kb)
	if h.buckets[b] == 0 {
		return false, nil
	}
	entries, err := m.loadBucket(h.buckets[b])
	if err != nil {
		return false, err
	}
	for i := range entries {
		if string(entries[i].key) != string(kb) {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			if err := m.store.DeleteRaw(h.buckets[b]); err != nil {
				return false, err
			}
			h.buckets[b] = 0
		} else if err := m.store.UpdateRaw(h.buckets[b], encodeBucket(entries)); err != nil {
			return false, err
		}
		h.size--
		return true, m.saveHeader(h)
	}
	return false, nil
}

// Len returns the number of entries.
func (m *HashMap) Len() (uint64, error) {
	h, err := m.loadHeader()
	if err != nil {
		return 0, err
	}
	return h.size, nil
}

// ForEach visits every entry in unspecified order. Returning an error
// from fn stops the walk and propagates the error.
func (m *HashMap) ForEach(fn func(key, value any) error) error {
	h, err := m.loadHeader()
	if err != nil {
		return err
	}
	for _, bucket := range h.buckets {
		if bucket == 0 {
			continue
		}
		entries, err := m.loadBucket(bucket)
		if err != nil {
			return err
		}
		for _, e := range entries {
			k, err := decodeValue(m.keySer, e.key)
			if err != nil {
				return err
			}
			v, err := decodeValue(m.valSer, e.value)
			if err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clear removes every entry, releasing all bucket records.
func (m *HashMap) Clear() error {
	h, err := m.loadHeader()
	if err != nil {
		return err
	}
	for i, bucket := range h.buckets {
		if bucket == 0 {
			continue
		}
		if err := m.store.DeleteRaw(bucket); err != nil {
			return err
		}
		h.buckets[i] = 0
	}
	h.size = 0
	return m.saveHeader(h)
}

func bucketIndex(keyBytes []byte) int {
	return int(xxhash.Checksum64(keyBytes) % hashBuckets)
}

func (m *HashMap) loadHeader() (*hashHeader, error) {
	data, found, err := m.store.FetchRaw(m.header)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, corrupt("hash map header missing")
	}
	return decodeHashHeader(data)
}

func (m *HashMap) saveHeader(h *hashHeader) error {
	return m.store.UpdateRaw(m.header, encodeHashHeader(h))
}

type hashEntry struct {
	key   []byte
	value []byte
}

func (m *HashMap) loadBucket(recid uint64) ([]hashEntry, error) {
	data, found, err := m.store.FetchRaw(recid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, corrupt("hash bucket missing")
	}
	count, w := encoding.Uvarint(data)
	if w == 0 || count > uint64(len(data)) {
		return nil, corrupt("hash bucket entry count")
	}
	data = data[w:]
	entries := make([]hashEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		key, rest, ok := readBlob(data)
		if !ok {
			return nil, corrupt("hash bucket key")
		}
		value, rest, ok := readBlob(rest)
		if !ok {
			return nil, corrupt("hash bucket value")
		}
		entries = append(entries, hashEntry{key: key, value: value})
		data = rest
	}
	return entries, nil
}

func encodeBucket(entries []hashEntry) []byte {
	buf := encoding.AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = appendBlob(buf, e.key)
		buf = appendBlob(buf, e.value)
	}
	return buf
}

func encodeHashHeader(h *hashHeader) []byte {
	buf := encoding.AppendUvarint(nil, h.size)
	for _, b := range h.buckets {
		buf = encoding.AppendUvarint(buf, b)
	}
	return buf
}

func decodeHashHeader(data []byte) (*hashHeader, error) {
	h := &hashHeader{}
	size, w := encoding.Uvarint(data)
	if w == 0 {
		return nil, corrupt("hash map header size")
	}
	h.size = size
	data = data[w:]
	for i := 0; i < hashBuckets; i++ {
		b, w := encoding.Uvarint(data)
		if w == 0 {
			return nil, corrupt("hash map bucket directory")
		}
		h.buckets[i] = b
		data = data[w:]
	}
	return h, nil
}
