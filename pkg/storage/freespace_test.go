// pkg/storage/freespace_test.go
package storage

import (
	"path/filepath"
	"testing"

	"recdb/pkg/pager"
)

func TestFreeListBestFit(t *testing.T) {
	fl := NewFreeList()
	fl.Release(1000, 50)
	fl.Release(2000, 200)
	fl.Release(3000, 100)

	// Best fit picks the 100-byte slot for an 80-byte request
	off, ok := fl.Allocate(80)
	if !ok || off != 3000 {
		t.Fatalf("Allocate(80): got off=%d ok=%v, want 3000", off, ok)
	}
	// The 20-byte remainder survives
	if fl.FreeBytes() != 50+200+20 {
		t.Errorf("free bytes: %d", fl.FreeBytes())
	}

	if _, ok := fl.Allocate(500); ok {
		t.Error("Allocate(500) succeeded with no slot large enough")
	}
}

func TestFreeListCoalescing(t *testing.T) {
	fl := NewFreeList()
	fl.Release(100, 50)
	fl.Release(200, 50)

	// Filling the gap merges all three into one slot
	fl.Release(150, 50)
	if fl.Count() != 1 {
		t.Fatalf("expected 1 coalesced slot, got %d", fl.Count())
	}
	off, ok := fl.Allocate(150)
	if !ok || off != 100 {
		t.Errorf("coalesced slot: off=%d ok=%v", off, ok)
	}
	if fl.Count() != 0 || fl.FreeBytes() != 0 {
		t.Errorf("leftover state: count=%d bytes=%d", fl.Count(), fl.FreeBytes())
	}
}

func TestFreeListZeroRelease(t *testing.T) {
	fl := NewFreeList()
	fl.Release(100, 0)
	if fl.Count() != 0 {
		t.Errorf("zero-length release created a slot")
	}
}

func TestFreeListPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fl.db")
	pgr, err := pager.Open(path, pager.Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	fl := NewFreeList()
	// Enough slots to need a second freelist page
	perPage := slotsPerPage(4096)
	for i := 0; i < perPage+10; i++ {
		fl.Release(uint64(i)*100, 50)
	}

	pages, err := storeFreeList(pgr, fl, nil)
	if err != nil {
		t.Fatalf("storeFreeList: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 freelist pages, got %d", len(pages))
	}
	if err := pgr.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := pgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pgr2, err := pager.Open(path, pager.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer pgr2.Close()

	fl2, pages2, err := loadFreeList(pgr2)
	if err != nil {
		t.Fatalf("loadFreeList: %v", err)
	}
	if len(pages2) != 2 {
		t.Errorf("reloaded chain length: %d", len(pages2))
	}
	if fl2.Count() != fl.Count() || fl2.FreeBytes() != fl.FreeBytes() {
		t.Errorf("reloaded set mismatch: count %d vs %d, bytes %d vs %d",
			fl2.Count(), fl.Count(), fl2.FreeBytes(), fl.FreeBytes())
	}
}

func TestFreeListShrinkKeepsChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fl.db")
	pgr, err := pager.Open(path, pager.Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pgr.Close()

	fl := NewFreeList()
	perPage := slotsPerPage(4096)
	for i := 0; i < perPage+10; i++ {
		fl.Release(uint64(i)*100, 50)
	}
	pages, err := storeFreeList(pgr, fl, nil)
	if err != nil {
		t.Fatalf("storeFreeList: %v", err)
	}

	// Drain most slots and store again: the chain keeps both pages,
	// the second with a zero count
	for fl.Count() > 3 {
		fl.Allocate(50)
	}
	pages, err = storeFreeList(pgr, fl, pages)
	if err != nil {
		t.Fatalf("storeFreeList after drain: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("chain shrank: %d pages", len(pages))
	}

	fl2, _, err := loadFreeList(pgr)
	if err != nil {
		t.Fatalf("loadFreeList: %v", err)
	}
	if fl2.Count() != 3 {
		t.Errorf("expected 3 slots after drain, got %d", fl2.Count())
	}
}
