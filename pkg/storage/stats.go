// pkg/storage/stats.go
package storage

import (
	"fmt"
	"strings"
)

// Statistics is a point-in-time report over the store layout.
type Statistics struct {
	PageSize      int
	PageCount     uint32
	FileBytes     uint64
	ChangeCounter uint32

	RecordCount uint64
	RecordBytes uint64
	MaxRecid    uint64
	FreeRecids  int

	IndexPages    uint32
	FreelistPages uint32
	FreeSlots     int
	FreeBytes     uint64

	CachedRecords int
	TxPending     int
}

// CalculateStatistics scans the store and returns layout statistics.
// The scan walks the whole index, so cost grows with the recid
// watermark.
func (rm *RecordManager) CalculateStatistics() (Statistics, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return Statistics{}, ErrClosed
	}

	h := rm.pgr.Header()
	count, bytes := rm.idx.LiveCount()

	return Statistics{
		PageSize:      rm.pgr.PageSize(),
		PageCount:     h.PageCount,
		FileBytes:     uint64(h.PageCount) * uint64(rm.pgr.PageSize()),
		ChangeCounter: h.ChangeCounter,
		RecordCount:   count,
		RecordBytes:   bytes,
		MaxRecid:      rm.idx.maxRecid,
		FreeRecids:    len(rm.idx.freeRecids),
		IndexPages:    h.IndexPages,
		FreelistPages: h.FreelistPages,
		FreeSlots:     rm.free.Count(),
		FreeBytes:     rm.free.FreeBytes(),
		CachedRecords: rm.cache.Len(),
		TxPending:     len(rm.tx.changes),
	}, nil
}

// String renders the report as a human-readable block, one figure per
// line.
func (s Statistics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "store: %d pages of %d bytes (%d bytes total), change counter %d\n",
		s.PageCount, s.PageSize, s.FileBytes, s.ChangeCounter)
	fmt.Fprintf(&b, "records: %d live holding %d bytes, recid watermark %d, %d recids free\n",
		s.RecordCount, s.RecordBytes, s.MaxRecid, s.FreeRecids)
	fmt.Fprintf(&b, "index: %d pages; freelist: %d pages, %d slots, %d reclaimable bytes\n",
		s.IndexPages, s.FreelistPages, s.FreeSlots, s.FreeBytes)
	fmt.Fprintf(&b, "memory: %d cached records, %d pending transaction changes",
		s.CachedRecords, s.TxPending)
	return b.String()
}
