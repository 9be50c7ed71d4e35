// pkg/storage/freespace.go
package storage

import (
	"encoding/binary"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"recdb/pkg/pager"
)

// FreeSlot is a reclaimable contiguous byte range not currently holding
// live record data.
type FreeSlot struct {
	Off uint64
	Len uint32
}

// freeSlotSize is the on-disk size of one slot in a freelist page.
const freeSlotSize = 12

func slotsPerPage(pageSize int) int {
	return (pageSize - pager.MetaHeaderSize) / freeSlotSize
}

// FreeList tracks free byte ranges in two orderings: by offset for
// coalescing adjacent ranges, and by (length, offset) for best-fit
// allocation without an unbounded scan.
//
// Invariant: slots never overlap, and no two slots are adjacent (Release
// coalesces eagerly).
type FreeList struct {
	byOff  *btree.BTreeG[FreeSlot]
	bySize *btree.BTreeG[FreeSlot]
	bytes  uint64
}

// NewFreeList creates an empty free list.
func NewFreeList() *FreeList {
	return &FreeList{
		byOff: btree.NewG(16, func(a, b FreeSlot) bool {
			return a.Off < b.Off
		}),
		bySize: btree.NewG(16, func(a, b FreeSlot) bool {
			if a.Len != b.Len {
				return a.Len < b.Len
			}
			return a.Off < b.Off
		}),
	}
}

// Count returns the number of free slots.
func (f *FreeList) Count() int {
	return f.byOff.Len()
}

// FreeBytes returns the total reclaimable bytes.
func (f *FreeList) FreeBytes() uint64 {
	return f.bytes
}

func (f *FreeList) insert(s FreeSlot) {
	f.byOff.ReplaceOrInsert(s)
	f.bySize.ReplaceOrInsert(s)
	f.bytes += uint64(s.Len)
}

func (f *FreeList) remove(s FreeSlot) {
	f.byOff.Delete(s)
	f.bySize.Delete(s)
	f.bytes -= uint64(s.Len)
}

// Allocate finds the smallest slot of at least n bytes (best fit),
// carves n bytes off its front and returns the offset. Returns false if
// no slot fits; the caller then grows the file instead.
// Zero-size requests are handled by the caller and never reach here.
func (f *FreeList) Allocate(n uint32) (uint64, bool) {
	var found FreeSlot
	ok := false
	f.bySize.AscendGreaterOrEqual(FreeSlot{Len: n}, func(s FreeSlot) bool {
		found, ok = s, true
		return false
	})
	if !ok {
		return 0, false
	}

	f.remove(found)
	if found.Len > n {
		f.insert(FreeSlot{Off: found.Off + uint64(n), Len: found.Len - n})
	}
	return found.Off, true
}

// Release returns a byte range to the free set, coalescing with adjacent
// free ranges on both sides.
func (f *FreeList) Release(off uint64, n uint32) {
	if n == 0 {
		return
	}
	slot := FreeSlot{Off: off, Len: n}

	// Predecessor ending exactly at off
	var pred FreeSlot
	hasPred := false
	f.byOff.DescendLessOrEqual(FreeSlot{Off: off}, func(s FreeSlot) bool {
		pred, hasPred = s, true
		return false
	})
	if hasPred && pred.Off+uint64(pred.Len) == off {
		f.remove(pred)
		slot = FreeSlot{Off: pred.Off, Len: pred.Len + slot.Len}
	}

	// Successor starting exactly at the end of the merged range
	end := slot.Off + uint64(slot.Len)
	var succ FreeSlot
	hasSucc := false
	f.byOff.AscendGreaterOrEqual(FreeSlot{Off: end}, func(s FreeSlot) bool {
		succ, hasSucc = s, true
		return false
	})
	if hasSucc && succ.Off == end {
		f.remove(succ)
		slot = FreeSlot{Off: slot.Off, Len: slot.Len + succ.Len}
	}

	f.insert(slot)
}

// Ascend visits every slot in offset order.
func (f *FreeList) Ascend(fn func(FreeSlot) bool) {
	f.byOff.Ascend(fn)
}

// loadFreeList reads the free slot set from the freelist page chain.
// Returns the list and the chain's page numbers in order.
func loadFreeList(pgr *pager.Pager) (*FreeList, []uint32, error) {
	fl := NewFreeList()
	var pages []uint32

	pageNo := pgr.Header().FreelistHead
	for pageNo != 0 {
		if uint32(len(pages)) >= pgr.Header().FreelistPages {
			return nil, nil, &pager.CorruptionError{PageNo: pageNo, Message: "freelist chain longer than header count"}
		}
		data, err := pgr.Page(pageNo)
		if err != nil {
			return nil, nil, errors.Wrap(err, "freelist: read page")
		}
		if cerr := pager.VerifyMetaChecksum(pageNo, data, pager.PageTypeFreelist); cerr != nil {
			return nil, nil, cerr
		}

		count := int(pager.MetaCount(data))
		if count > slotsPerPage(pgr.PageSize()) {
			return nil, nil, &pager.CorruptionError{PageNo: pageNo, Message: "freelist slot count exceeds page capacity"}
		}
		for i := 0; i < count; i++ {
			p := pager.MetaHeaderSize + i*freeSlotSize
			off := binary.LittleEndian.Uint64(data[p:])
			n := binary.LittleEndian.Uint32(data[p+8:])
			fl.insert(FreeSlot{Off: off, Len: n})
		}

		pages = append(pages, pageNo)
		pageNo = pager.MetaNext(data)
	}

	return fl, pages, nil
}

// storeFreeList writes the free slot set into the freelist page chain,
// appending pages when the set outgrows it. Extra pages at the tail of
// the chain stay linked with a zero count; defragmentation reclaims
// them. Updates the header's freelist fields; durability comes from the
// caller's sync.
func storeFreeList(pgr *pager.Pager, fl *FreeList, pages []uint32) ([]uint32, error) {
	perPage := slotsPerPage(pgr.PageSize())
	needed := (fl.Count() + perPage - 1) / perPage

	for len(pages) < needed {
		pageNo, err := pgr.AllocatePages(1)
		if err != nil {
			return pages, errors.Wrap(err, "freelist: grow chain")
		}
		data, err := pgr.Page(pageNo)
		if err != nil {
			return pages, err
		}
		pager.InitMetaPage(data, pager.PageTypeFreelist)
		if len(pages) > 0 {
			prev, err := pgr.Page(pages[len(pages)-1])
			if err != nil {
				return pages, err
			}
			pager.SetMetaNext(prev, pageNo)
		}
		pages = append(pages, pageNo)
	}

	// Distribute slots across the chain in offset order
	slots := make([]FreeSlot, 0, fl.Count())
	fl.Ascend(func(s FreeSlot) bool {
		slots = append(slots, s)
		return true
	})

	for i, pageNo := range pages {
		data, err := pgr.Page(pageNo)
		if err != nil {
			return pages, err
		}
		start := i * perPage
		count := 0
		if start < len(slots) {
			count = len(slots) - start
			if count > perPage {
				count = perPage
			}
			for j := 0; j < count; j++ {
				p := pager.MetaHeaderSize + j*freeSlotSize
				binary.LittleEndian.PutUint64(data[p:], slots[start+j].Off)
				binary.LittleEndian.PutUint32(data[p+8:], slots[start+j].Len)
			}
		}
		pager.SetMetaCount(data, uint32(count))
		pager.UpdateMetaChecksum(data)
	}

	h := pgr.Header()
	if len(pages) > 0 {
		h.FreelistHead = pages[0]
	} else {
		h.FreelistHead = 0
	}
	h.FreelistPages = uint32(len(pages))

	return pages, nil
}
