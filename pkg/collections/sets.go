// pkg/collections/sets.go
package collections

import "recdb/pkg/serializer"

// setPresent is the value stored for every set member.
var setPresent = []byte{}

// rawValue passes set marker bytes through unchanged.
type rawValue struct{}

func (rawValue) Encode(any) ([]byte, error) { return setPresent, nil }
func (rawValue) Decode([]byte) (any, error) { return nil, nil }

// HashSet is a persistent unordered set: a HashMap keyed by the members
// with an empty marker value.
type HashSet struct {
	m *HashMap
}

// NewHashSet opens the set registered under name, creating it empty if
// the name is unregistered.
func NewHashSet(store Store, name string, keySer serializer.Serializer) (*HashSet, error) {
	m, err := NewHashMap(store, name, keySer, rawValue{})
	if err != nil {
		return nil, err
	}
	return &HashSet{m: m}, nil
}

// LoadHashSet opens the set registered under name. Unlike NewHashSet
// it never creates: an unregistered name yields an error wrapping
// ErrNoSuchCollection.
func LoadHashSet(store Store, name string, keySer serializer.Serializer) (*HashSet, error) {
	m, err := LoadHashMap(store, name, keySer, rawValue{})
	if err != nil {
		return nil, err
	}
	return &HashSet{m: m}, nil
}

// Add inserts key. Adding a present key is a no-op.
func (s *HashSet) Add(key any) error { return s.m.Put(key, nil) }

// Contains reports whether key is a member.
func (s *HashSet) Contains(key any) (bool, error) { return s.m.Contains(key) }

// Remove deletes key. Returns false when the key was absent.
func (s *HashSet) Remove(key any) (bool, error) { return s.m.Remove(key) }

// Len returns the number of members.
func (s *HashSet) Len() (uint64, error) { return s.m.Len() }

// ForEach visits every member in unspecified order.
func (s *HashSet) ForEach(fn func(key any) error) error {
	return s.m.ForEach(func(key, _ any) error { return fn(key) })
}

// Clear removes every member.
func (s *HashSet) Clear() error { return s.m.Clear() }

// TreeSet is a persistent ordered set: a TreeMap keyed by the members
// with an empty marker value.
type TreeSet struct {
	m *TreeMap
}

// NewTreeSet opens the set registered under name, creating it empty if
// the name is unregistered. A nil cmp selects DefaultCompare.
func NewTreeSet(store Store, name string, keySer serializer.Serializer, cmp Compare) (*TreeSet, error) {
	m, err := NewTreeMap(store, name, keySer, rawValue{}, cmp)
	if err != nil {
		return nil, err
	}
	return &TreeSet{m: m}, nil
}

// LoadTreeSet opens the set registered under name. Unlike NewTreeSet
// it never creates: an unregistered name yields an error wrapping
// ErrNoSuchCollection. A nil cmp selects DefaultCompare.
func LoadTreeSet(store Store, name string, keySer serializer.Serializer, cmp Compare) (*TreeSet, error) {
	m, err := LoadTreeMap(store, name, keySer, rawValue{}, cmp)
	if err != nil {
		return nil, err
	}
	return &TreeSet{m: m}, nil
}

// Add inserts key. Adding a present key is a no-op.
func (s *TreeSet) Add(key any) error { return s.m.Put(key, nil) }

// Contains reports whether key is a member.
func (s *TreeSet) Contains(key any) (bool, error) { return s.m.Contains(key) }

// Remove deletes key. Returns false when the key was absent.
func (s *TreeSet) Remove(key any) (bool, error) { return s.m.Remove(key) }

// Len returns the number of members.
func (s *TreeSet) Len() (uint64, error) { return s.m.Len() }

// Ascend visits every member in key order.
func (s *TreeSet) Ascend(fn func(key any) error) error {
	return s.m.Ascend(func(key, _ any) error { return fn(key) })
}

// Clear removes every member.
func (s *TreeSet) Clear() error { return s.m.Clear() }
