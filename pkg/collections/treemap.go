// pkg/collections/treemap.go
package collections

import (
	"bytes"
	"fmt"

	"recdb/internal/encoding"
	"recdb/pkg/serializer"
)

// Compare orders two decoded keys: negative for a < b, zero for equal,
// positive for a > b. It must be a total order consistent with the key
// serializer's notion of equality.
type Compare func(a, b any) int

// DefaultCompare orders the key types the built-in serializers produce:
// string, int64 and []byte. Other types fall back to comparing their
// fmt representation, which is stable but rarely the order callers
// want; supply a Compare for custom key types.
func DefaultCompare(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return bytes.Compare([]byte(av), []byte(bv))
		}
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case []byte:
		if bv, ok := b.([]byte); ok {
			return bytes.Compare(av, bv)
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return bytes.Compare([]byte(as), []byte(bs))
}

// TreeMap is a persistent ordered map backed by a binary search tree of
// node records. Removal splices nodes without rebalancing, so a tree
// fed sorted keys degrades to a list; defragmentation does not reorder
// it. Use it for ordered iteration, not as a search index under
// adversarial key order.
type TreeMap struct {
	store  Store
	header uint64
	keySer serializer.Serializer
	valSer serializer.Serializer
	cmp    Compare
}

type treeHeader struct {
	root uint64
	size uint64
}

type treeNode struct {
	key   []byte
	value []byte
	left  uint64
	right uint64
}

// NewTreeMap opens the map registered under name, creating it empty if
// the name is unregistered. A nil cmp selects DefaultCompare.
func NewTreeMap(store Store, name string, keySer, valSer serializer.Serializer, cmp Compare) (*TreeMap, error) {
	if cmp == nil {
		cmp = DefaultCompare
	}
	recid, err := headerRecid(store, name, encodeTreeHeader(&treeHeader{}))
	if err != nil {
		return nil, err
	}
	return &TreeMap{store: store, header: recid, keySer: keySer, valSer: valSer, cmp: cmp}, nil
}

// LoadTreeMap opens the map registered under name. Unlike NewTreeMap
// it never creates: an unregistered name yields an error wrapping
// ErrNoSuchCollection. A nil cmp selects DefaultCompare.
func LoadTreeMap(store Store, name string, keySer, valSer serializer.Serializer, cmp Compare) (*TreeMap, error) {
	if cmp == nil {
		cmp = DefaultCompare
	}
	recid, err := loadHeaderRecid(store, name)
	if err != nil {
		return nil, err
	}
	return &TreeMap{store: store, header: recid, keySer: keySer, valSer: valSer, cmp: cmp}, nil
}

// Put sets key to value, replacing any previous value.
func (m *TreeMap) Put(key, value any) error {
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
	if h.root == 0 {
		recid, err := m.store.InsertRaw(encodeTreeNode(&treeNode{key: kb, value: vb}))
		if err != nil {
			return err
		}
		h.root = recid
		h.size++
		return m.saveHeader(h)
	}

	recid := h.root
	for {
		node, err := m.loadNode(recid)
		if err != nil {
			return err
		}
		nodeKey, err := decodeValue(m.keySer, node.key)
		if err != nil {
			return err
		}
		c := m.cmp(key, nodeKey)
		if c == 0 {
			node.value = vb
			return m.saveNode(recid, node)
		}
		child := &node.left
		if c > 0 {
			child = &node.right
		}
		if *child != 0 {
			recid = *child
			continue
		}
		newRecid, err := m.store.InsertRaw(encodeTreeNode(&treeNode{key: kb, value: vb}))
		if err != nil {
			return err
		}
		*child = newRecid
		if err := m.saveNode(recid, node); err != nil {
			return err
		}
		h.size++
		return m.saveHeader(h)
	}
}

// Get returns the value stored under key.
func (m *TreeMap) Get(key any) (any, bool, error) {
	h, err := m.loadHeader()
	if err != nil {
		return nil, false, err
	}
	recid := h.root
	for recid != 0 {
		node, err := m.loadNode(recid)
		if err != nil {
			return nil, false, err
		}
		nodeKey, err := decodeValue(m.keySer, node.key)
		if err != nil {
			return nil, false, err
		}
		c := m.cmp(key, nodeKey)
		if c == 0 {
			v, err := decodeValue(m.valSer, node.value)
			if err != nil {
				return nil, false, err
			}
			return v, true, nil
		}
		if c < 0 {
			recid = node.left
		} else {
			recid = node.right
		}
	}
	return nil, false, nil
}

// Contains reports whether key is present.
func (m *TreeMap) Contains(key any) (bool, error) {
	_, found, err := m.Get(key)
	return found, err
}

// First returns the smallest key and its value. found is false on an
// empty map.
func (m *TreeMap) First() (key, value any, found bool, err error) {
	return m.edge(true)
}

// Last returns the largest key and its value. found is false on an
// empty map.
func (m *TreeMap) Last() (key, value any, found bool, err error) {
	return m.edge(false)
}

func (m *TreeMap) edge(leftmost bool) (any, any, bool, error) {
	h, err := m.loadHeader()
	if err != nil {
		return nil, nil, false, err
	}
	if h.root == 0 {
		return nil, nil, false, nil
	}
	recid := h.root
	var node *treeNode
	for {
		if node, err = m.loadNode(recid); err != nil {
			return nil, nil, false, err
		}
		next := node.left
		if !leftmost {
			next = node.right
		}
		if next == 0 {
			break
		}
		recid = next
	}
	k, err := decodeValue(m.keySer, node.key)
	if err != nil {
		return nil, nil, false, err
	}
	v, err := decodeValue(m.valSer, node.value)
	if err != nil {
		return nil, nil, false, err
	}
	return k, v, true, nil
}

// Remove deletes key. Returns false when the key was absent.
func (m *TreeMap) Remove(key any) (bool, error) {
	h, err := m.loadHeader()
	if err != nil {
		return false, err
	}

	// Locate the node and its parent link
	var parentRecid uint64
	parentLeft := false
	recid := h.root
	var node *treeNode
	for recid != 0 {
		node, err = m.loadNode(recid)
		if err != nil {
			return false, err
		}
		nodeKey, err := decodeValue(m.keySer, node.key)
		if err != nil {
			return false, err
		}
		c := m.cmp(key, nodeKey)
		if c == 0 {
			break
		}
		parentRecid = recid
		parentLeft = c < 0
		if c < 0 {
			recid = node.left
		} else {
			recid = node.right
		}
	}
	if recid == 0 {
		return false, nil
	}

	if node.left != 0 && node.right != 0 {
		// Two children: move the in-order successor's payload here and
		// splice the successor out instead.
		succParent := recid
		succ := node.right
		succNode, err := m.loadNode(succ)
		if err != nil {
			return false, err
		}
		for succNode.left != 0 {
			succParent = succ
			succ = succNode.left
			if succNode, err = m.loadNode(succ); err != nil {
				return false, err
			}
		}
		node.key, node.value = succNode.key, succNode.value
		if err := m.saveNode(recid, node); err != nil {
			return false, err
		}
		if succParent == recid {
			node.right = succNode.right
			if err := m.saveNode(recid, node); err != nil {
				return false, err
			}
		} else {
			sp, err := m.loadNode(succParent)
			if err != nil {
				return false, err
			}
			sp.left = succNode.right
			if err := m.saveNode(succParent, sp); err != nil {
				return false, err
			}
		}
		if err := m.store.DeleteRaw(succ); err != nil {
			return false, err
		}
	} else {
		// At most one child: point the parent past the node
		child := node.left
		if child == 0 {
			child = node.right
		}
		if parentRecid == 0 {
			h.root = child
		} else {
			parent, err := m.loadNode(parentRecid)
			if err != nil {
				return false, err
			}
			if parentLeft {
				parent.left = child
			} else {
				parent.right = child
			}
			if err := m.saveNode(parentRecid, parent); err != nil {
				return false, err
			}
		}
		if err := m.store.DeleteRaw(recid); err != nil {
			return false, err
		}
	}

	h.size--
	return true, m.saveHeader(h)
}

// Len returns the number of entries.
func (m *TreeMap) Len() (uint64, error) {
	h, err := m.loadHeader()
	if err != nil {
		return 0, err
	}
	return h.size, nil
}

// Ascend visits every entry in key order. Returning an error from fn
// stops the walk and propagates the error.
func (m *TreeMap) Ascend(fn func(key, value any) error) error {
	h, err := m.loadHeader()
	if err != nil {
		return err
	}
	return m.ascend(h.root, fn)
}

func (m *TreeMap) ascend(recid uint64, fn func(key, value any) error) error {
	if recid == 0 {
		return nil
	}
	node, err := m.loadNode(recid)
	if err != nil {
		return err
	}
	if err := m.ascend(node.left, fn); err != nil {
		return err
	}
	k, err := decodeValue(m.keySer, node.key)
	if err != nil {
		return err
	}
	v, err := decodeValue(m.valSer, node.value)
	if err != nil {
		return err
	}
	if err := fn(k, v); err != nil {
		return err
	}
	return m.ascend(node.right, fn)
}

// Clear removes every entry, releasing all node records.
func (m *TreeMap) Clear() error {
	h, err := m.loadHeader()
	if err != nil {
		return err
	}
	if err := m.clearSubtree(h.root); err != nil {
		return err
	}
	h.root = 0
	h.size = 0
	return m.saveHeader(h)
}

func (m *TreeMap) clearSubtree(recid uint64) error {
	if recid == 0 {
		return nil
	}
	node, err := m.loadNode(recid)
	if err != nil {
		return err
	}
	if err := m.clearSubtree(node.left); err != nil {
		return err
	}
	if err := m.clearSubtree(node.right); err != nil {
		return err
	}
	return m.store.DeleteRaw(recid)
}

func (m *TreeMap) loadHeader() (*treeHeader, error) {
	data, found, err := m.store.FetchRaw(m.header)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, corrupt("tree map header missing")
	}
	h := &treeHeader{}
	root, w := encoding.Uvarint(data)
	if w == 0 {
		return nil, corrupt("tree map header root")
	}
	data = data[w:]
	size, w := encoding.Uvarint(data)
	if w == 0 {
		return nil, corrupt("tree map header size")
	}
	h.root, h.size = root, size
	return h, nil
}

func (m *TreeMap) saveHeader(h *treeHeader) error {
	return m.store.UpdateRaw(m.header, encodeTreeHeader(h))
}

func encodeTreeHeader(h *treeHeader) []byte {
	buf := encoding.AppendUvarint(nil, h.root)
	return encoding.AppendUvarint(buf, h.size)
}

func (m *TreeMap) loadNode(recid uint64) (*treeNode, error) {
	data, found, err := m.store.FetchRaw(recid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, corrupt("tree node missing")
	}
	node := &treeNode{}
	var ok bool
	if node.key, data, ok = readBlob(data); !ok {
		return nil, corrupt("tree node key")
	}
	if node.value, data, ok = readBlob(data); !ok {
		return nil, corrupt("tree node value")
	}
	left, w := encoding.Uvarint(data)
	if w == 0 {
		return nil, corrupt("tree node left link")
	}
	data = data[w:]
	right, w := encoding.Uvarint(data)
	if w == 0 {
		return nil, corrupt("tree node right link")
	}
	node.left, node.right = left, right
	return node, nil
}

func (m *TreeMap) saveNode(recid uint64, node *treeNode) error {
	return m.store.UpdateRaw(recid, encodeTreeNode(node))
}

func encodeTreeNode(n *treeNode) []byte {
	buf := appendBlob(nil, n.key)
	buf = appendBlob(buf, n.value)
	buf = encoding.AppendUvarint(buf, n.left)
	return encoding.AppendUvarint(buf, n.right)
}
