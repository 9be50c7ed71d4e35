// pkg/storage/index.go
package storage

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"recdb/pkg/pager"
)

// The record index maps recids to Locations. It is stored in a chain of
// index pages so it bootstraps from the same file it indexes: the header
// names the first page, each page names the next.
//
// Entry format (16 bytes):
//
//	Offset 0: 8-byte payload offset; for dead entries, the next recid in
//	          the recycling chain (0 terminates it)
//	Offset 8: 4-byte payload length
//	Offset 12: 4-byte flags (bit 0 = live)
//
// recid = pageOrdinal*entriesPerPage + slot + 1, so recid 0 stays the
// null sentinel and entries never move: a recid resolves with pure
// arithmetic for as long as it lives.
const (
	indexEntrySize = 16
	flagLive       = 1
)

func entriesPerPage(pageSize int) int {
	return (pageSize - pager.MetaHeaderSize) / indexEntrySize
}

// Index is the recid -> Location mapping plus the in-memory mirrors of
// the recid watermark and recycling chain. Mirrors are advanced by
// insert/delete but only persisted at commit, so rollback simply
// restores them.
type Index struct {
	pgr     *pager.Pager
	pages   []uint32 // index page numbers in chain order
	perPage int

	maxRecid   uint64              // highest recid handed out (in-memory watermark)
	freeRecids []uint64            // recycled recids available for reuse (LIFO)
	freeSet    map[uint64]struct{} // membership mirror of freeRecids
}

// openIndex loads the index page chain and the recid recycling chain.
func openIndex(pgr *pager.Pager) (*Index, error) {
	idx := &Index{
		pgr:      pgr,
		perPage:  entriesPerPage(pgr.PageSize()),
		maxRecid: pgr.Header().MaxRecid,
		freeSet:  make(map[uint64]struct{}),
	}

	pageNo := pgr.Header().IndexHead
	for pageNo != 0 {
		if uint32(len(idx.pages)) >= pgr.Header().IndexPages {
			return nil, &pager.CorruptionError{PageNo: pageNo, Message: "index chain longer than header count"}
		}
		data, err := pgr.Page(pageNo)
		if err != nil {
			return nil, errors.Wrap(err, "index: read page")
		}
		if cerr := pager.VerifyMetaChecksum(pageNo, data, pager.PageTypeIndex); cerr != nil {
			return nil, cerr
		}
		idx.pages = append(idx.pages, pageNo)
		pageNo = pager.MetaNext(data)
	}

	// Rebuild the free-recid mirror from the on-disk chain
	seen := uint64(0)
	recid := pgr.Header().FreeRecidHead
	for recid != 0 {
		if seen++; seen > idx.maxRecid {
			return nil, &pager.CorruptionError{Message: "free recid chain cycles"}
		}
		entry, err := idx.entry(recid)
		if err != nil {
			return nil, err
		}
		if binary.LittleEndian.Uint32(entry[12:])&flagLive != 0 {
			return nil, &pager.CorruptionError{Message: "live entry on free recid chain"}
		}
		idx.freeRecids = append(idx.freeRecids, recid)
		idx.freeSet[recid] = struct{}{}
		recid = binary.LittleEndian.Uint64(entry[0:])
	}

	return idx, nil
}

// entry returns the 16-byte entry slice for recid. The slice aliases the
// page mapping; callers must not retain it across page allocation.
func (idx *Index) entry(recid uint64) ([]byte, error) {
	i := recid - 1
	pageIdx := int(i / uint64(idx.perPage))
	slot := int(i % uint64(idx.perPage))
	if pageIdx >= len(idx.pages) {
		return nil, errors.Errorf("index: recid %d beyond index capacity", recid)
	}
	data, err := idx.pgr.Page(idx.pages[pageIdx])
	if err != nil {
		return nil, err
	}
	p := pager.MetaHeaderSize + slot*indexEntrySize
	return data[p : p+indexEntrySize], nil
}

// Resolve looks up the Location of a recid. Dead and never-assigned
// recids are both reported as not found; callers cannot tell them apart.
func (idx *Index) Resolve(recid uint64) (Location, bool) {
	if recid == 0 || recid > idx.maxRecid {
		return Location{}, false
	}
	entry, err := idx.entry(recid)
	if err != nil {
		return Location{}, false
	}
	if binary.LittleEndian.Uint32(entry[12:])&flagLive == 0 {
		return Location{}, false
	}
	return Location{
		Off: binary.LittleEndian.Uint64(entry[0:]),
		Len: binary.LittleEndian.Uint32(entry[8:]),
	}, true
}

// AllocRecid reserves a recid: a recycled one if available, else the
// next watermark value. The reservation is in-memory only until commit.
func (idx *Index) AllocRecid() uint64 {
	if n := len(idx.freeRecids); n > 0 {
		recid := idx.freeRecids[n-1]
		idx.freeRecids = idx.freeRecids[:n-1]
		delete(idx.freeSet, recid)
		return recid
	}
	idx.maxRecid++
	return idx.maxRecid
}

// UnallocRecids returns reserved recids on rollback. Watermark recids
// roll the watermark back; recycled ones rejoin the mirror.
func (idx *Index) UnallocRecids(recids []uint64) {
	// Highest first so consecutive watermark reservations unwind fully
	sorted := make([]uint64, len(recids))
	copy(sorted, recids)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] > sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	for _, recid := range sorted {
		if recid == idx.maxRecid {
			idx.maxRecid--
		} else {
			idx.freeRecids = append(idx.freeRecids, recid)
			idx.freeSet[recid] = struct{}{}
		}
	}
}

// Reserve re-applies recid reservations after the in-memory mirrors
// were rebuilt from durable state: a failed commit reloads the index,
// but the transaction's buffered changes still hold their recids.
func (idx *Index) Reserve(recids []uint64) {
	for _, recid := range recids {
		if _, ok := idx.freeSet[recid]; ok {
			delete(idx.freeSet, recid)
			for i, r := range idx.freeRecids {
				if r == recid {
					idx.freeRecids = append(idx.freeRecids[:i], idx.freeRecids[i+1:]...)
					break
				}
			}
		} else if recid > idx.maxRecid {
			idx.maxRecid = recid
		}
	}
}

// EnsureCapacity extends the index page chain until recid maxRecid has
// an entry slot. New pages arrive zeroed (every entry dead), so a crash
// between chaining and the commit sync leaves harmless empty pages.
func (idx *Index) EnsureCapacity(maxRecid uint64) error {
	for uint64(len(idx.pages))*uint64(idx.perPage) < maxRecid {
		pageNo, err := idx.pgr.AllocatePages(1)
		if err != nil {
			return errors.Wrap(err, "index: grow chain")
		}
		data, err := idx.pgr.Page(pageNo)
		if err != nil {
			return err
		}
		pager.InitMetaPage(data, pager.PageTypeIndex)
		pager.UpdateMetaChecksum(data)

		h := idx.pgr.Header()
		if len(idx.pages) == 0 {
			h.IndexHead = pageNo
		} else {
			prev, err := idx.pgr.Page(idx.pages[len(idx.pages)-1])
			if err != nil {
				return err
			}
			pager.SetMetaNext(prev, pageNo)
			pager.UpdateMetaChecksum(prev)
		}
		h.IndexPages++
		idx.pages = append(idx.pages, pageNo)
	}
	return nil
}

// Bind points a recid at a Location and marks it live. Commit-time only:
// the payload bytes at loc must already be durable.
func (idx *Index) Bind(recid uint64, loc Location) error {
	entry, err := idx.entry(recid)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(entry[0:], loc.Off)
	binary.LittleEndian.PutUint32(entry[8:], loc.Len)
	binary.LittleEndian.PutUint32(entry[12:], flagLive)
	return nil
}

// Free kills a recid's entry and adds it to the recycling mirror. The
// on-disk chain is rewritten by PersistFreeChain. Freeing a recid that
// is already on the mirror is a no-op, so a retried commit phase never
// double-recycles. Commit-time only.
func (idx *Index) Free(recid uint64) error {
	if _, ok := idx.freeSet[recid]; ok {
		return nil
	}
	entry, err := idx.entry(recid)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(entry[0:], 0)
	binary.LittleEndian.PutUint32(entry[8:], 0)
	binary.LittleEndian.PutUint32(entry[12:], 0)
	idx.freeRecids = append(idx.freeRecids, recid)
	idx.freeSet[recid] = struct{}{}
	return nil
}

// pageFor returns the index page holding recid's entry, if the chain
// already reaches it.
func (idx *Index) pageFor(recid uint64) (uint32, bool) {
	if recid == 0 {
		return 0, false
	}
	i := int((recid - 1) / uint64(idx.perPage))
	if i >= len(idx.pages) {
		return 0, false
	}
	return idx.pages[i], true
}

// PersistFreeChain rewrites the on-disk recycling chain to match the
// in-memory mirror. Reservations pop from the mirror without touching
// disk, so the chain must be rebuilt whenever entry state is flushed.
// Commit-time only, before checksum sealing.
func (idx *Index) PersistFreeChain() error {
	next := uint64(0)
	for _, recid := range idx.freeRecids {
		entry, err := idx.entry(recid)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(entry[0:], next)
		binary.LittleEndian.PutUint32(entry[8:], 0)
		binary.LittleEndian.PutUint32(entry[12:], 0)
		next = recid
	}
	idx.pgr.Header().FreeRecidHead = next
	return nil
}

// SealChecksums restamps the checksum of every index page. Called at
// commit after all entry writes.
func (idx *Index) SealChecksums() error {
	for _, pageNo := range idx.pages {
		data, err := idx.pgr.Page(pageNo)
		if err != nil {
			return err
		}
		pager.UpdateMetaChecksum(data)
	}
	return nil
}

// AscendLive visits every live recid in ascending order.
func (idx *Index) AscendLive(fn func(recid uint64, loc Location) error) error {
	for recid := uint64(1); recid <= idx.maxRecid; recid++ {
		loc, ok := idx.Resolve(recid)
		if !ok {
			continue
		}
		if err := fn(recid, loc); err != nil {
			return err
		}
	}
	return nil
}

// LiveCount returns the number of live records and their total payload
// bytes.
func (idx *Index) LiveCount() (uint64, uint64) {
	var count, bytes uint64
	idx.AscendLive(func(_ uint64, loc Location) error {
		count++
		bytes += uint64(loc.Len)
		return nil
	})
	return count, bytes
}
