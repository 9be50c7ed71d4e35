// pkg/storage/defrag.go
package storage

import (
	"os"

	"github.com/pkg/errors"
)

// Defrag rewrites the store into its minimal layout: live records are
// packed contiguously and pages held by stale index, freelist and data
// ranges are reclaimed. Recids, named roots and the store identity are
// preserved exactly, so handles held by callers stay valid.
//
// Any buffered transaction is committed first. The rewrite happens in a
// temporary file next to the store, swapped in with an atomic rename;
// a crash mid-defrag leaves either the old or the new file, never a
// mix.
func (rm *RecordManager) Defrag() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrClosed
	}
	if err := rm.commitLocked(); err != nil {
		return err
	}

	tmpPath := rm.path + ".defrag"
	os.Remove(tmpPath)

	dst, err := openStore(tmpPath, Options{
		PageSize:  rm.pgr.PageSize(),
		CacheSize: rm.opts.CacheSize,
		Log:       rm.opts.Log,
	}, false)
	if err != nil {
		return errors.Wrap(err, "storage: defrag open temp store")
	}

	if err := rm.copyInto(dst); err != nil {
		dst.pgr.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "storage: defrag rebuild")
	}
	if err := dst.pgr.Sync(); err != nil {
		dst.pgr.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := dst.pgr.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Swap the rebuilt file in and reopen it in place.
	if err := rm.pgr.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, rm.path); err != nil {
		// The original file is intact; reopen it so the handle survives.
		rerr := rm.reopenLocked()
		if rerr != nil {
			rm.closed = true
			return rerr
		}
		return errors.Wrap(err, "storage: defrag swap")
	}
	if err := rm.reopenLocked(); err != nil {
		rm.closed = true
		return err
	}

	rm.log.WithField("pages", rm.pgr.Header().PageCount).Info("store defragmented")
	return nil
}

// copyInto rebuilds this store's committed contents inside dst,
// preserving every recid and the header identity. dst must be fresh.
func (rm *RecordManager) copyInto(dst *RecordManager) error {
	maxRecid := rm.idx.maxRecid
	if err := dst.idx.EnsureCapacity(maxRecid); err != nil {
		return err
	}

	for recid := uint64(1); recid <= maxRecid; recid++ {
		loc, live := rm.idx.Resolve(recid)
		if !live {
			// Dead slot: rebuild the recycling chain entry.
			if err := dst.idx.Free(recid); err != nil {
				return err
			}
			continue
		}
		data := []byte{}
		if loc.Len > 0 {
			src, err := rm.pgr.Slice(int64(loc.Off), int(loc.Len))
			if err != nil {
				return errors.Wrapf(err, "read record %d", recid)
			}
			data = src
		}
		newLoc, err := dst.placeLocked(data)
		if err != nil {
			return err
		}
		if err := dst.idx.Bind(recid, newLoc); err != nil {
			return err
		}
	}
	dst.idx.maxRecid = maxRecid

	pages, err := storeFreeList(dst.pgr, dst.free, dst.freePages)
	dst.freePages = pages
	if err != nil {
		return err
	}
	if err := dst.idx.PersistFreeChain(); err != nil {
		return err
	}
	if err := dst.idx.SealChecksums(); err != nil {
		return err
	}

	srcH, dstH := rm.pgr.Header(), dst.pgr.Header()
	dstH.StoreID = srcH.StoreID
	dstH.RootDirRecid = srcH.RootDirRecid
	dstH.MaxRecid = maxRecid
	dstH.ChangeCounter = srcH.ChangeCounter + 1
	return nil
}

// reopenLocked rebuilds the in-memory state from the file at rm.path.
// The decoded-value cache is dropped along with the rest; values reload
// lazily from the rewritten file.
func (rm *RecordManager) reopenLocked() error {
	reopened, err := openStore(rm.path, Options{
		PageSize:  rm.opts.PageSize,
		CacheSize: rm.opts.CacheSize,
		Log:       rm.opts.Log,
	}, false)
	if err != nil {
		return err
	}
	rm.pgr = reopened.pgr
	rm.idx = reopened.idx
	rm.free = reopened.free
	rm.freePages = reopened.freePages
	rm.tx = newTxLog()
	rm.cache = newRecordCache(rm.cache.maxSize)
	return nil
}
