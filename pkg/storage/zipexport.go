// pkg/storage/zipexport.go
package storage

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// zipManifest describes an exported store: the header identity and the
// named-root directory, stored as roots.json inside the archive.
type zipManifest struct {
	StoreID  string            `json:"store_id"`
	MaxRecid uint64            `json:"max_recid"`
	Roots    map[string]uint64 `json:"roots"`
}

// CopyToZipStore exports the committed contents of the store into a zip
// archive at path. Each live record becomes an entry records/<recid>
// with its raw encoded bytes; roots.json carries the named roots and
// store identity. The export is a backup format, not an alternative
// store: records come out byte-exact but only a full store rebuild
// reads them back.
//
// Uncommitted buffered changes are not exported.
func (rm *RecordManager) CopyToZipStore(path string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrClosed
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "storage: create zip export")
	}
	zw := zip.NewWriter(f)

	export := func() error {
		roots, err := rm.committedRootsLocked()
		if err != nil {
			return err
		}
		manifest, err := json.MarshalIndent(zipManifest{
			StoreID:  rm.pgr.Header().StoreID.String(),
			MaxRecid: rm.idx.maxRecid,
			Roots:    roots,
		}, "", "  ")
		if err != nil {
			return err
		}
		w, err := zw.Create("roots.json")
		if err != nil {
			return err
		}
		if _, err := w.Write(manifest); err != nil {
			return err
		}

		return rm.idx.AscendLive(func(recid uint64, loc Location) error {
			w, err := zw.Create(fmt.Sprintf("records/%d", recid))
			if err != nil {
				return err
			}
			if loc.Len == 0 {
				return nil
			}
			data, err := rm.pgr.Slice(int64(loc.Off), int(loc.Len))
			if err != nil {
				return errors.Wrapf(err, "storage: export record %d", recid)
			}
			_, err = w.Write(data)
			return err
		})
	}

	if err := export(); err != nil {
		zw.Close()
		f.Close()
		os.Remove(path)
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// committedRootsLocked reads the named-root directory as last committed,
// ignoring the transaction buffer: the export only carries durable
// state.
func (rm *RecordManager) committedRootsLocked() (map[string]uint64, error) {
	loc, ok := rm.idx.Resolve(rm.pgr.Header().RootDirRecid)
	if !ok {
		return map[string]uint64{}, nil
	}
	data := []byte{}
	if loc.Len > 0 {
		src, err := rm.pgr.Slice(int64(loc.Off), int(loc.Len))
		if err != nil {
			return nil, err
		}
		data = src
	}
	return decodeRootDir(data)
}
