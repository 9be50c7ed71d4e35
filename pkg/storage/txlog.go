// pkg/storage/txlog.go
package storage

// ChangeOp identifies a buffered mutation.
type ChangeOp int

const (
	OpInsert ChangeOp = iota
	OpUpdate
	OpDelete
)

// PendingChange is one buffered mutation. The log keeps at most one per
// recid: operations on the same recid collapse to their net effect.
type PendingChange struct {
	Op    ChangeOp
	Recid uint64
	Data  []byte // encoded payload; nil for deletes
}

// txLog buffers the single global transaction. It is owned by the
// record manager and mutated only under its writer lock. The store is
// idle while the log is empty and active otherwise; commit and rollback
// both return it to idle.
type txLog struct {
	changes  map[uint64]*PendingChange
	order    []uint64 // first-touch order, for deterministic apply
	reserved []uint64 // recids assigned optimistically in this transaction
	canceled []uint64 // reserved recids whose insert was deleted again
}

func newTxLog() *txLog {
	return &txLog{changes: make(map[uint64]*PendingChange)}
}

// Active reports whether the transaction has buffered work.
func (t *txLog) Active() bool {
	return len(t.changes) > 0 || len(t.reserved) > 0
}

// Get returns the buffered change for recid, if any.
func (t *txLog) Get(recid uint64) (*PendingChange, bool) {
	c, ok := t.changes[recid]
	return c, ok
}

// BufferInsert records a fresh insert under a newly reserved recid.
func (t *txLog) BufferInsert(recid uint64, data []byte) {
	t.changes[recid] = &PendingChange{Op: OpInsert, Recid: recid, Data: data}
	t.order = append(t.order, recid)
	t.reserved = append(t.reserved, recid)
}

// BufferUpdate records a payload replacement. An update over a pending
// insert stays an insert with the new payload.
func (t *txLog) BufferUpdate(recid uint64, data []byte) {
	if c, ok := t.changes[recid]; ok {
		c.Data = data // Op stays OpInsert for uncommitted inserts
		return
	}
	t.changes[recid] = &PendingChange{Op: OpUpdate, Recid: recid, Data: data}
	t.order = append(t.order, recid)
}

// BufferDelete records a removal. Deleting a pending insert cancels it
// outright: the payload never reaches durable storage and the recid is
// recycled at commit.
func (t *txLog) BufferDelete(recid uint64) {
	if c, ok := t.changes[recid]; ok && c.Op == OpInsert {
		delete(t.changes, recid)
		t.canceled = append(t.canceled, recid)
		return
	}
	if c, ok := t.changes[recid]; ok {
		c.Op = OpDelete
		c.Data = nil
		return
	}
	t.changes[recid] = &PendingChange{Op: OpDelete, Recid: recid}
	t.order = append(t.order, recid)
}

// Changes returns the net-effect change list in first-touch order.
func (t *txLog) Changes() []*PendingChange {
	out := make([]*PendingChange, 0, len(t.changes))
	for _, recid := range t.order {
		if c, ok := t.changes[recid]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Reserved returns every recid assigned during this transaction,
// canceled inserts included.
func (t *txLog) Reserved() []uint64 {
	return t.reserved
}

// Canceled returns the reserved recids whose insert was deleted again
// within the transaction.
func (t *txLog) Canceled() []uint64 {
	return t.canceled
}

// Reset empties the log, returning the store to idle.
func (t *txLog) Reset() {
	t.changes = make(map[uint64]*PendingChange)
	t.order = t.order[:0]
	t.reserved = t.reserved[:0]
	t.canceled = t.canceled[:0]
}
