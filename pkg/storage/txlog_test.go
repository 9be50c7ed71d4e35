// pkg/storage/txlog_test.go
package storage

import (
	"bytes"
	"testing"
)

func TestTxLogNetEffect(t *testing.T) {
	tx := newTxLog()
	if tx.Active() {
		t.Error("fresh log is active")
	}

	tx.BufferInsert(5, []byte("v1"))
	tx.BufferUpdate(5, []byte("v2"))

	changes := tx.Changes()
	if len(changes) != 1 {
		t.Fatalf("expected 1 collapsed change, got %d", len(changes))
	}
	// Update over a pending insert stays an insert with the new payload
	if changes[0].Op != OpInsert || !bytes.Equal(changes[0].Data, []byte("v2")) {
		t.Errorf("collapsed change: op=%v data=%q", changes[0].Op, changes[0].Data)
	}
}

func TestTxLogDeleteCancelsInsert(t *testing.T) {
	tx := newTxLog()
	tx.BufferInsert(5, []byte("ephemeral"))
	tx.BufferDelete(5)

	if len(tx.Changes()) != 0 {
		t.Error("canceled insert still in change list")
	}
	if got := tx.Canceled(); len(got) != 1 || got[0] != 5 {
		t.Errorf("canceled list: %v", got)
	}
	if got := tx.Reserved(); len(got) != 1 || got[0] != 5 {
		t.Errorf("reserved list: %v", got)
	}
	// Still active: the reservation must resolve at commit or rollback
	if !tx.Active() {
		t.Error("log with a canceled reservation reports idle")
	}
}

func TestTxLogUpdateThenDelete(t *testing.T) {
	tx := newTxLog()
	tx.BufferUpdate(7, []byte("new"))
	tx.BufferDelete(7)

	changes := tx.Changes()
	if len(changes) != 1 || changes[0].Op != OpDelete || changes[0].Data != nil {
		t.Errorf("expected a bare delete, got %+v", changes[0])
	}
}

func TestTxLogFirstTouchOrder(t *testing.T) {
	tx := newTxLog()
	tx.BufferInsert(3, []byte("a"))
	tx.BufferUpdate(9, []byte("b"))
	tx.BufferDelete(6)
	tx.BufferUpdate(3, []byte("a2"))

	var order []uint64
	for _, c := range tx.Changes() {
		order = append(order, c.Recid)
	}
	want := []uint64{3, 9, 6}
	if len(order) != len(want) {
		t.Fatalf("change count: %d", len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("apply order: %v, want %v", order, want)
		}
	}
}

func TestTxLogReset(t *testing.T) {
	tx := newTxLog()
	tx.BufferInsert(1, []byte("x"))
	tx.BufferDelete(1)
	tx.Reset()

	if tx.Active() || len(tx.Reserved()) != 0 || len(tx.Canceled()) != 0 {
		t.Error("reset log retains state")
	}
	if _, ok := tx.Get(1); ok {
		t.Error("reset log still resolves recid 1")
	}
}
