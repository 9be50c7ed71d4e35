// pkg/storage/recman.go
package storage

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"recdb/internal/encoding"
	"recdb/pkg/pager"
	"recdb/pkg/serializer"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("storage: record manager is closed")

	// ErrRecordNotFound is returned by Update and Delete when the recid
	// does not name a live record.
	ErrRecordNotFound = errors.New("storage: record not found")
)

// DefaultCacheSize is the record cache capacity used when Options does
// not set one.
const DefaultCacheSize = 1024

// Options configures a RecordManager.
type Options struct {
	// PageSize is the store page size for fresh files. Ignored when the
	// file already exists. Zero selects the pager default.
	PageSize int

	// CacheSize caps the number of decoded records kept in memory.
	// Zero selects DefaultCacheSize.
	CacheSize int

	// Log receives structured diagnostics. Nil selects the standard
	// logger.
	Log *logrus.Logger
}

// RecordManager is the storage core: it stores variable-length byte
// records under stable 64-bit recids, buffers all mutations in a single
// global transaction, and makes them durable atomically at Commit.
//
// Recid 0 is never assigned; it is the null sentinel throughout.
//
// All methods are safe for concurrent use. Operations serialize on one
// store-wide lock, so readers see either the full effect of a commit or
// none of it.
type RecordManager struct {
	mu        sync.Mutex
	path      string
	opts      Options
	log       *logrus.Entry
	pgr       *pager.Pager
	idx       *Index
	free      *FreeList
	freePages []uint32
	tx        *txLog
	cache     *recordCache
	closed    bool
}

// Open opens or creates the store at path. A fresh store gets an empty
// named-root directory committed before Open returns.
func Open(path string, opts Options) (*RecordManager, error) {
	return openStore(path, opts, true)
}

func openStore(path string, opts Options, bootstrap bool) (*RecordManager, error) {
	logger := opts.Log
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	// A leftover journal means a commit was interrupted after its
	// metadata pages started changing; restore them before mapping.
	if err := replayJournal(path); err != nil {
		return nil, err
	}

	pgr, err := pager.Open(path, pager.Options{PageSize: opts.PageSize})
	if err != nil {
		return nil, err
	}

	idx, err := openIndex(pgr)
	if err != nil {
		pgr.Close()
		return nil, err
	}
	free, freePages, err := loadFreeList(pgr)
	if err != nil {
		pgr.Close()
		return nil, err
	}

	rm := &RecordManager{
		path:      path,
		opts:      opts,
		log:       logger.WithField("store", path),
		pgr:       pgr,
		idx:       idx,
		free:      free,
		freePages: freePages,
		tx:        newTxLog(),
		cache:     newRecordCache(cacheSize),
	}

	if bootstrap && pgr.Header().RootDirRecid == 0 {
		recid := rm.insertRawLocked(encodeRootDir(nil))
		pgr.Header().RootDirRecid = recid
		if err := rm.commitLocked(); err != nil {
			pgr.Close()
			return nil, errors.Wrap(err, "storage: bootstrap root directory")
		}
	}

	rm.log.WithFields(logrus.Fields{
		"pages":     pgr.Header().PageCount,
		"max_recid": idx.maxRecid,
	}).Info("store opened")
	return rm, nil
}

// Insert stores a new record and returns its recid. The recid is valid
// immediately but the record only becomes durable at Commit. A nil
// serializer selects serializer.Default.
func (rm *RecordManager) Insert(value any, ser serializer.Serializer) (uint64, error) {
	if ser == nil {
		ser = serializer.Default
	}
	data, err := ser.Encode(value)
	if err != nil {
		return 0, err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return 0, ErrClosed
	}
	recid := rm.insertRawLocked(data)
	rm.cache.PutDirty(recid, value)
	return recid, nil
}

// Fetch retrieves a record. A recid that names no live record yields
// (nil, false, nil): absence is an answer, not an error. Uncommitted
// changes of the open transaction are visible.
func (rm *RecordManager) Fetch(recid uint64, ser serializer.Serializer) (any, bool, error) {
	return rm.fetch(recid, ser, true)
}

// FetchUncached is Fetch without the decoded-value cache: the value is
// decoded from the pending buffer or from storage on every call. Useful
// for records whose decoded form must not be shared.
func (rm *RecordManager) FetchUncached(recid uint64, ser serializer.Serializer) (any, bool, error) {
	return rm.fetch(recid, ser, false)
}

func (rm *RecordManager) fetch(recid uint64, ser serializer.Serializer, useCache bool) (any, bool, error) {
	if ser == nil {
		ser = serializer.Default
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil, false, ErrClosed
	}
	if recid == 0 {
		return nil, false, nil
	}

	if useCache {
		switch v, state := rm.cache.Get(recid); state {
		case CacheHit:
			return v, true, nil
		case CacheDeleted:
			return nil, false, nil
		}
	}

	data, found, err := rm.fetchRawLocked(recid)
	if err != nil || !found {
		return nil, false, err
	}
	value, err := ser.Decode(data)
	if err != nil {
		return nil, false, err
	}
	if useCache {
		if _, pending := rm.tx.Get(recid); pending {
			rm.cache.PutDirty(recid, value)
		} else {
			rm.cache.PutClean(recid, value)
		}
	}
	return value, true, nil
}

// Update replaces a record's value. The recid must name a live record,
// checked eagerly against the transaction's view. The new value becomes
// durable at Commit.
func (rm *RecordManager) Update(recid uint64, value any, ser serializer.Serializer) error {
	if ser == nil {
		ser = serializer.Default
	}
	data, err := ser.Encode(value)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrClosed
	}
	if err := rm.updateRawLocked(recid, data); err != nil {
		return err
	}
	rm.cache.PutDirty(recid, value)
	return nil
}

// Delete removes a record. The recid must name a live record, checked
// eagerly against the transaction's view. The recid becomes reusable
// after Commit.
func (rm *RecordManager) Delete(recid uint64) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrClosed
	}
	if err := rm.deleteRawLocked(recid); err != nil {
		return err
	}
	rm.cache.MarkDeleted(recid)
	return nil
}

// InsertRaw stores pre-encoded bytes and returns the new recid. Raw
// records bypass the decoded-value cache.
func (rm *RecordManager) InsertRaw(data []byte) (uint64, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return 0, ErrClosed
	}
	return rm.insertRawLocked(data), nil
}

// FetchRaw retrieves a record's encoded bytes. The returned slice is a
// copy the caller owns.
func (rm *RecordManager) FetchRaw(recid uint64) ([]byte, bool, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil, false, ErrClosed
	}
	if recid == 0 {
		return nil, false, nil
	}
	return rm.fetchRawLocked(recid)
}

// UpdateRaw replaces a record's encoded bytes.
func (rm *RecordManager) UpdateRaw(recid uint64, data []byte) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrClosed
	}
	if err := rm.updateRawLocked(recid, data); err != nil {
		return err
	}
	rm.cache.Invalidate(recid) // stale decoded value must not survive
	return nil
}

// DeleteRaw removes a record addressed by raw recid.
func (rm *RecordManager) DeleteRaw(recid uint64) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrClosed
	}
	if err := rm.deleteRawLocked(recid); err != nil {
		return err
	}
	rm.cache.MarkDeleted(recid)
	return nil
}

func (rm *RecordManager) insertRawLocked(data []byte) uint64 {
	recid := rm.idx.AllocRecid()
	rm.tx.BufferInsert(recid, data)
	return recid
}

func (rm *RecordManager) fetchRawLocked(recid uint64) ([]byte, bool, error) {
	if c, ok := rm.tx.Get(recid); ok {
		if c.Op == OpDelete {
			return nil, false, nil
		}
		out := make([]byte, len(c.Data))
		copy(out, c.Data)
		return out, true, nil
	}
	loc, ok := rm.idx.Resolve(recid)
	if !ok {
		return nil, false, nil
	}
	if loc.Len == 0 {
		return []byte{}, true, nil
	}
	src, err := rm.pgr.Slice(int64(loc.Off), int(loc.Len))
	if err != nil {
		return nil, false, errors.Wrapf(err, "storage: read record %d", recid)
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out, true, nil
}

func (rm *RecordManager) updateRawLocked(recid uint64, data []byte) error {
	if !rm.liveLocked(recid) {
		return errors.Wrapf(ErrRecordNotFound, "update recid %d", recid)
	}
	rm.tx.BufferUpdate(recid, data)
	return nil
}

func (rm *RecordManager) deleteRawLocked(recid uint64) error {
	if !rm.liveLocked(recid) {
		return errors.Wrapf(ErrRecordNotFound, "delete recid %d", recid)
	}
	rm.tx.BufferDelete(recid)
	return nil
}

// liveLocked reports whether recid names a live record in the
// transaction's view of the store.
func (rm *RecordManager) liveLocked(recid uint64) bool {
	if recid == 0 {
		return false
	}
	if c, ok := rm.tx.Get(recid); ok {
		return c.Op != OpDelete
	}
	_, ok := rm.idx.Resolve(recid)
	return ok
}

// Commit makes every buffered mutation durable atomically. Payload
// bytes are written and synced before any index entry points at them,
// and metadata pages are journaled before they change in place, so a
// crash at any point leaves the previous committed state reachable.
// Commit with no buffered work is a no-op. A failed Commit rewinds to
// the last committed state with the buffered work intact, so the
// caller may retry or roll back.
func (rm *RecordManager) Commit() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrClosed
	}
	return rm.commitLocked()
}

func (rm *RecordManager) commitLocked() error {
	if !rm.tx.Active() {
		return nil
	}
	changes := rm.tx.Changes()

	// Phase 1: payloads into free or appended ranges, then sync. The
	// durable index references none of these bytes yet, so a crash or
	// failure here costs nothing but scratch space.
	newLocs := make(map[uint64]Location, len(changes))
	for _, c := range changes {
		if c.Op == OpDelete {
			continue
		}
		loc, err := rm.placeLocked(c.Data)
		if err != nil {
			return rm.recoverLocked(nil, err)
		}
		newLocs[c.Recid] = loc
	}
	if err := rm.pgr.SyncData(); err != nil {
		return rm.recoverLocked(nil, errors.Wrap(err, "storage: commit payload sync"))
	}

	// Journal the pre-image of every metadata page phase 2 will touch.
	// Once the journal is durable, in-place writes are safe: if the
	// publish sync never lands, the next open restores the images.
	images, err := rm.journalImagesLocked(changes)
	if err != nil {
		return rm.recoverLocked(nil, err)
	}
	if err := writeJournal(journalPath(rm.path), rm.pgr.PageSize(), images); err != nil {
		return rm.recoverLocked(nil, err)
	}

	// Phase 2: extend the index, repoint entries, recycle recids and
	// space, persist the free list, then publish with a second sync.
	if err := rm.phase2Locked(changes, newLocs); err != nil {
		return rm.recoverLocked(images, err)
	}
	removeJournal(journalPath(rm.path))

	rm.log.WithFields(logrus.Fields{
		"changes": len(changes),
		"counter": rm.pgr.Header().ChangeCounter,
	}).Debug("transaction committed")
	rm.tx.Reset()
	rm.cache.MarkClean()
	return nil
}

func (rm *RecordManager) phase2Locked(changes []*PendingChange, newLocs map[uint64]Location) error {
	if err := rm.idx.EnsureCapacity(rm.idx.maxRecid); err != nil {
		return err
	}
	for _, c := range changes {
		switch c.Op {
		case OpInsert:
			if err := rm.idx.Bind(c.Recid, newLocs[c.Recid]); err != nil {
				return err
			}
		case OpUpdate:
			old, _ := rm.idx.Resolve(c.Recid)
			if err := rm.idx.Bind(c.Recid, newLocs[c.Recid]); err != nil {
				return err
			}
			rm.free.Release(old.Off, old.Len)
		case OpDelete:
			old, _ := rm.idx.Resolve(c.Recid)
			if err := rm.idx.Free(c.Recid); err != nil {
				return err
			}
			rm.free.Release(old.Off, old.Len)
		}
	}
	for _, recid := range rm.tx.Canceled() {
		if err := rm.idx.Free(recid); err != nil {
			return err
		}
	}

	pages, err := storeFreeList(rm.pgr, rm.free, rm.freePages)
	rm.freePages = pages
	if err != nil {
		return err
	}
	if err := rm.idx.PersistFreeChain(); err != nil {
		return err
	}
	if err := rm.idx.SealChecksums(); err != nil {
		return err
	}

	h := rm.pgr.Header()
	h.MaxRecid = rm.idx.maxRecid
	h.ChangeCounter++
	if err := rm.pgr.Sync(); err != nil {
		return errors.Wrap(err, "storage: commit publish sync")
	}
	return nil
}

// journalImagesLocked collects the pre-image of every metadata page the
// second commit phase can modify: the header page, the index pages of
// every recid whose entry will change (bound, freed or relinked on the
// recycling chain), the chain tail that a capacity extension links
// forward, and the whole freelist chain, which is rewritten wholesale.
// Pages the extension allocates are fresh and need no pre-image; the
// restored header does not reach them.
func (rm *RecordManager) journalImagesLocked(changes []*PendingChange) ([]journalPage, error) {
	seen := make(map[uint32]struct{})
	var images []journalPage
	addPage := func(pageNo uint32) error {
		if _, ok := seen[pageNo]; ok {
			return nil
		}
		seen[pageNo] = struct{}{}
		data, err := rm.pgr.Page(pageNo)
		if err != nil {
			return err
		}
		img := make([]byte, len(data))
		copy(img, data)
		images = append(images, journalPage{No: pageNo, Data: img})
		return nil
	}
	addRecid := func(recid uint64) error {
		if pageNo, ok := rm.idx.pageFor(recid); ok {
			return addPage(pageNo)
		}
		return nil
	}

	if err := addPage(0); err != nil {
		return nil, err
	}
	for _, c := range changes {
		if err := addRecid(c.Recid); err != nil {
			return nil, err
		}
	}
	for _, recid := range rm.tx.Canceled() {
		if err := addRecid(recid); err != nil {
			return nil, err
		}
	}
	for _, recid := range rm.idx.freeRecids {
		if err := addRecid(recid); err != nil {
			return nil, err
		}
	}
	if n := len(rm.idx.pages); n > 0 {
		if err := addPage(rm.idx.pages[n-1]); err != nil {
			return nil, err
		}
	}
	for _, pageNo := range rm.freePages {
		if err := addPage(pageNo); err != nil {
			return nil, err
		}
	}
	return images, nil
}

// recoverLocked rewinds a failed commit attempt: journaled pre-images
// are copied back over the mapping, the header and metadata mirrors are
// reloaded from it, and the transaction's recid reservations are
// re-applied so the still-buffered work can be retried or rolled back.
// Returns cause, or marks the store closed when the rewind itself
// fails.
func (rm *RecordManager) recoverLocked(images []journalPage, cause error) error {
	for _, img := range images {
		if dst, err := rm.pgr.Page(img.No); err == nil {
			copy(dst, img.Data)
		}
	}
	removeJournal(journalPath(rm.path))

	err := rm.pgr.ReloadHeader()
	if err == nil {
		var idx *Index
		if idx, err = openIndex(rm.pgr); err == nil {
			var free *FreeList
			var freePages []uint32
			if free, freePages, err = loadFreeList(rm.pgr); err == nil {
				rm.idx, rm.free, rm.freePages = idx, free, freePages
				rm.idx.Reserve(rm.tx.Reserved())
			}
		}
	}
	if err != nil {
		rm.log.WithError(err).Error("commit recovery failed, store closed")
		rm.closed = true
		rm.pgr.Close()
	}
	return cause
}

// placeLocked finds a home for data: best fit from the free list, else
// appended pages with the tail of the last page returned to the free
// list. Zero-length payloads occupy no storage.
func (rm *RecordManager) placeLocked(data []byte) (Location, error) {
	n := uint32(len(data))
	if n == 0 {
		return zeroLocation, nil
	}
	off, ok := rm.free.Allocate(n)
	if !ok {
		pageSize := uint64(rm.pgr.PageSize())
		pagesNeeded := (uint64(n) + pageSize - 1) / pageSize
		first, err := rm.pgr.AllocatePages(int(pagesNeeded))
		if err != nil {
			return Location{}, errors.Wrap(err, "storage: grow data region")
		}
		off = uint64(first) * pageSize
		if tail := pagesNeeded*pageSize - uint64(n); tail > 0 {
			rm.free.Release(off+uint64(n), uint32(tail))
		}
	}
	dst, err := rm.pgr.Slice(int64(off), int(n))
	if err != nil {
		return Location{}, err
	}
	copy(dst, data)
	return Location{Off: off, Len: n}, nil
}

// Rollback discards every buffered mutation and returns reserved recids.
// Durable state is untouched; rolling back an idle transaction is a
// no-op, so Rollback is idempotent.
func (rm *RecordManager) Rollback() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrClosed
	}
	if !rm.tx.Active() {
		return nil
	}
	rm.idx.UnallocRecids(rm.tx.Reserved())
	rm.tx.Reset()
	rm.cache.DropDirty()
	rm.log.Debug("transaction rolled back")
	return nil
}

// ClearCache drops clean cached values. Dirty entries stay pinned until
// the transaction resolves.
func (rm *RecordManager) ClearCache() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.cache.ClearClean()
}

// GetRoot returns the recid registered under name, or 0 when the name
// is unregistered.
func (rm *RecordManager) GetRoot(name string) (uint64, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return 0, ErrClosed
	}
	roots, err := rm.loadRootsLocked()
	if err != nil {
		return 0, err
	}
	return roots[name], nil
}

// SetRoot registers name -> recid in the named-root directory. A zero
// recid removes the name. The change commits with the transaction.
func (rm *RecordManager) SetRoot(name string, recid uint64) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrClosed
	}
	roots, err := rm.loadRootsLocked()
	if err != nil {
		return err
	}
	if recid == 0 {
		delete(roots, name)
	} else {
		roots[name] = recid
	}
	return rm.updateRawLocked(rm.pgr.Header().RootDirRecid, encodeRootDir(roots))
}

// Roots returns a snapshot of the named-root directory.
func (rm *RecordManager) Roots() (map[string]uint64, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil, ErrClosed
	}
	return rm.loadRootsLocked()
}

func (rm *RecordManager) loadRootsLocked() (map[string]uint64, error) {
	dirRecid := rm.pgr.Header().RootDirRecid
	data, found, err := rm.fetchRawLocked(dirRecid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &pager.CorruptionError{Message: "root directory record missing"}
	}
	return decodeRootDir(data)
}

// Path returns the store file path.
func (rm *RecordManager) Path() string {
	return rm.path
}

// Close syncs committed state and releases the store. Buffered
// uncommitted work is discarded, as a rollback would. Close is
// idempotent.
func (rm *RecordManager) Close() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil
	}
	rm.closed = true
	if err := rm.pgr.Sync(); err != nil {
		rm.pgr.Close()
		return err
	}
	return rm.pgr.Close()
}

// encodeRootDir serializes the named-root directory record.
func encodeRootDir(roots map[string]uint64) []byte {
	buf := encoding.AppendUvarint(nil, uint64(len(roots)))
	for name, recid := range roots {
		buf = encoding.AppendUvarint(buf, uint64(len(name)))
		buf = append(buf, name...)
		buf = encoding.AppendUvarint(buf, recid)
	}
	return buf
}

func decodeRootDir(data []byte) (map[string]uint64, error) {
	bad := &pager.CorruptionError{Message: "root directory record malformed"}

	count, n := encoding.Uvarint(data)
	if n == 0 || count > uint64(len(data)) {
		return nil, bad
	}
	data = data[n:]
	roots := make(map[string]uint64, count)
	for i := uint64(0); i < count; i++ {
		nameLen, n := encoding.Uvarint(data)
		if n == 0 || uint64(len(data)-n) < nameLen {
			return nil, bad
		}
		name := string(data[n : n+int(nameLen)])
		data = data[n+int(nameLen):]
		recid, n := encoding.Uvarint(data)
		if n == 0 {
			return nil, bad
		}
		data = data[n:]
		roots[name] = recid
	}
	return roots, nil
}
