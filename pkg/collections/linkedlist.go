// pkg/collections/linkedlist.go
package collections

import (
	"recdb/internal/encoding"
	"recdb/pkg/serializer"
)

// LinkedList is a persistent doubly linked list of values. Each element
// is its own record, so pushes and pops touch a constant number of
// records regardless of list length.
type LinkedList struct {
	store  Store
	header uint64
	valSer serializer.Serializer
}

type listHeader struct {
	head uint64
	tail uint64
	size uint64
}

type listNode struct {
	prev  uint64
	next  uint64
	value []byte
}

// NewLinkedList opens the list registered under name, creating it empty
// if the name is unregistered.
func NewLinkedList(store Store, name string, valSer serializer.Serializer) (*LinkedList, error) {
	recid, err := headerRecid(store, name, encodeListHeader(&listHeader{}))
	if err != nil {
		return nil, err
	}
	return &LinkedList{store: store, header: recid, valSer: valSer}, nil
}

// LoadLinkedList opens the list registered under name. Unlike
// NewLinkedList it never creates: an unregistered name yields an error
// wrapping ErrNoSuchCollection.
func LoadLinkedList(store Store, name string, valSer serializer.Serializer) (*LinkedList, error) {
	recid, err := loadHeaderRecid(store, name)
	if err != nil {
		return nil, err
	}
	return &LinkedList{store: store, header: recid, valSer: valSer}, nil
}

// PushBack appends value at the tail.
func (l *LinkedList) PushBack(value any) error {
	return l.push(value, false)
}

// PushFront prepends value at the head.
func (l *LinkedList) PushFront(value any) error {
	return l.push(value, true)
}

func (l *LinkedList) push(value any, front bool) error {
	vb, err := encodeValue(l.valSer, value)
	if err != nil {
		return err
	}
	h, err := l.loadHeader()
	if err != nil {
		return err
	}

	node := &listNode{value: vb}
	if front {
		node.next = h.head
	} else {
		node.prev = h.tail
	}
	recid, err := l.store.InsertRaw(encodeListNode(node))
	if err != nil {
		return err
	}

	if h.head == 0 {
		h.head, h.tail = recid, recid
	} else if front {
		old, err := l.loadNode(h.head)
		if err != nil {
			return err
		}
		old.prev = recid
		if err := l.saveNode(h.head, old); err != nil {
			return err
		}
		h.head = recid
	} else {
		old, err := l.loadNode(h.tail)
		if err != nil {
			return err
		}
		old.next = recid
		if err := l.saveNode(h.tail, old); err != nil {
			return err
		}
		h.tail = recid
	}
	h.size++
	return l.saveHeader(h)
}

// PopFront removes and returns the head value. Returns found=false on
// an empty list.
func (l *LinkedList) PopFront() (any, bool, error) {
	return l.pop(true)
}

// PopBack removes and returns the tail value. Returns found=false on an
// empty list.
func (l *LinkedList) PopBack() (any, bool, error) {
	return l.pop(false)
}

func (l *LinkedList) pop(front bool) (any, bool, error) {
	h, err := l.loadHeader()
	if err != nil {
		return nil, false, err
	}
	if h.head == 0 {
		return nil, false, nil
	}

	recid := h.tail
	if front {
		recid = h.head
	}
	node, err := l.loadNode(recid)
	if err != nil {
		return nil, false, err
	}

	if front {
		h.head = node.next
		if h.head == 0 {
			h.tail = 0
		} else {
			next, err := l.loadNode(h.head)
			if err != nil {
				return nil, false, err
			}
			next.prev = 0
			if err := l.saveNode(h.head, next); err != nil {
				return nil, false, err
			}
		}
	} else {
		h.tail = node.prev
		if h.tail == 0 {
			h.head = 0
		} else {
			prev, err := l.loadNode(h.tail)
			if err != nil {
				return nil, false, err
			}
			prev.next = 0
			if err := l.saveNode(h.tail, prev); err != nil {
				return nil, false, err
			}
		}
	}
	if err := l.store.DeleteRaw(recid); err != nil {
		return nil, false, err
	}
	h.size--
	if err := l.saveHeader(h); err != nil {
		return nil, false, err
	}

	v, err := decodeValue(l.valSer, node.value)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Get returns the value at position i, counting from the head. found
// is false when i is past the end.
func (l *LinkedList) Get(i uint64) (any, bool, error) {
	h, err := l.loadHeader()
	if err != nil {
		return nil, false, err
	}
	if i >= h.size {
		return nil, false, nil
	}
	node, _, err := l.nodeAt(h, i)
	if err != nil {
		return nil, false, err
	}
	v, err := decodeValue(l.valSer, node.value)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Remove deletes the element at position i, counting from the head.
// Returns false when i is past the end.
func (l *LinkedList) Remove(i uint64) (bool, error) {
	h, err := l.loadHeader()
	if err != nil {
		return false, err
	}
	if i >= h.size {
		return false, nil
	}
	node, recid, err := l.nodeAt(h, i)
	if err != nil {
		return false, err
	}

	if node.prev == 0 {
		h.head = node.next
	} else {
		prev, err := l.loadNode(node.prev)
		if err != nil {
			return false, err
		}
		prev.next = node.next
		if err := l.saveNode(node.prev, prev); err != nil {
			return false, err
		}
	}
	if node.next == 0 {
		h.tail = node.prev
	} else {
		next, err := l.loadNode(node.next)
		if err != nil {
			return false, err
		}
		next.prev = node.prev
		if err := l.saveNode(node.next, next); err != nil {
			return false, err
		}
	}
	if err := l.store.DeleteRaw(recid); err != nil {
		return false, err
	}
	h.size--
	return true, l.saveHeader(h)
}

// nodeAt walks i links from the head. The caller has checked i against
// the size, so running off the chain means the list is corrupt.
func (l *LinkedList) nodeAt(h *listHeader, i uint64) (*listNode, uint64, error) {
	recid := h.head
	for {
		node, err := l.loadNode(recid)
		if err != nil {
			return nil, 0, err
		}
		if i == 0 {
			return node, recid, nil
		}
		if node.next == 0 {
			return nil, 0, corrupt("linked list shorter than size")
		}
		recid = node.next
		i--
	}
}

// Len returns the number of elements.
func (l *LinkedList) Len() (uint64, error) {
	h, err := l.loadHeader()
	if err != nil {
		return 0, err
	}
	return h.size, nil
}

// ForEach visits every element from head to tail. Returning an error
// from fn stops the walk and propagates the error.
func (l *LinkedList) ForEach(fn func(value any) error) error {
	h, err := l.loadHeader()
	if err != nil {
		return err
	}
	recid := h.head
	steps := uint64(0)
	for recid != 0 {
		if steps++; steps > h.size {
			return corrupt("linked list cycles")
		}
		node, err := l.loadNode(recid)
		if err != nil {
			return err
		}
		v, err := decodeValue(l.valSer, node.value)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
		recid = node.next
	}
	return nil
}

// Clear removes every element, releasing all node records.
func (l *LinkedList) Clear() error {
	h, err := l.loadHeader()
	if err != nil {
		return err
	}
	recid := h.head
	steps := uint64(0)
	for recid != 0 {
		if steps++; steps > h.size {
			return corrupt("linked list cycles")
		}
		node, err := l.loadNode(recid)
		if err != nil {
			return err
		}
		if err := l.store.DeleteRaw(recid); err != nil {
			return err
		}
		recid = node.next
	}
	h.head, h.tail, h.size = 0, 0, 0
	return l.saveHeader(h)
}

func (l *LinkedList) loadHeader() (*listHeader, error) {
	data, found, err := l.store.FetchRaw(l.header)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, corrupt("linked list header missing")
	}
	h := &listHeader{}
	for _, dst := range []*uint64{&h.head, &h.tail, &h.size} {
		v, w := encoding.Uvarint(data)
		if w == 0 {
			return nil, corrupt("linked list header field")
		}
		*dst = v
		data = data[w:]
	}
	return h, nil
}

func (l *LinkedList) saveHeader(h *listHeader) error {
	return l.store.UpdateRaw(l.header, encodeListHeader(h))
}

func encodeListHeader(h *listHeader) []byte {
	buf := encoding.AppendUvarint(nil, h.head)
	buf = encoding.AppendUvarint(buf, h.tail)
	return encoding.AppendUvarint(buf, h.size)
}

func (l *LinkedList) loadNode(recid uint64) (*listNode, error) {
	data, found, err := l.store.FetchRaw(recid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, corrupt("linked list node missing")
	}
	node := &listNode{}
	prev, w := encoding.Uvarint(data)
	if w == 0 {
		return nil, corrupt("linked list node prev link")
	}
	data = data[w:]
	next, w := encoding.Uvarint(data)
	if w == 0 {
		return nil, corrupt("linked list node next link")
	}
	data = data[w:]
	value, _, ok := readBlob(data)
	if !ok {
		return nil, corrupt("linked list node value")
	}
	node.prev, node.next, node.value = prev, next, value
	return node, nil
}

func (l *LinkedList) saveNode(recid uint64, node *listNode) error {
	return l.store.UpdateRaw(recid, encodeListNode(node))
}

func encodeListNode(n *listNode) []byte {
	buf := encoding.AppendUvarint(nil, n.prev)
	buf = encoding.AppendUvarint(buf, n.next)
	return appendBlob(buf, n.value)
}
