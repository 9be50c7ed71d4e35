// pkg/recdb/db.go
// Package recdb is the embedded object store entry point: a DB handle
// owning the record manager, a process-exclusive lock on the store
// file, and factories for the persistent collections.
package recdb

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"recdb/pkg/collections"
	"recdb/pkg/serializer"
	"recdb/pkg/storage"
)

var (
	// ErrStoreLocked is returned when another process holds the store.
	ErrStoreLocked = errors.New("recdb: store is locked by another process")
)

// Options configures a DB.
type Options struct {
	// PageSize is the page size for fresh store files (default 4096).
	PageSize int

	// CacheSize caps the number of decoded records held in memory.
	CacheSize int

	// Log receives structured diagnostics. Nil selects the standard
	// logger.
	Log *logrus.Logger
}

// DB is an open store. One process opens a store at a time; a lock file
// next to the store enforces that. All methods are safe for concurrent
// use within the process.
type DB struct {
	rm       *storage.RecordManager
	lockFile *os.File
	lockPath string
}

// Open opens or creates the store at path with default options.
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions opens or creates the store at path.
func OpenWithOptions(path string, opts Options) (*DB, error) {
	lockPath := path + ".lock"
	lf, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "recdb: open lock file")
	}
	if err := lockFile(lf); err != nil {
		lf.Close()
		return nil, err
	}

	rm, err := storage.Open(path, storage.Options{
		PageSize:  opts.PageSize,
		CacheSize: opts.CacheSize,
		Log:       opts.Log,
	})
	if err != nil {
		unlockFile(lf)
		lf.Close()
		return nil, err
	}

	return &DB{rm: rm, lockFile: lf, lockPath: lockPath}, nil
}

// Insert stores a new record, returning its recid. See
// storage.RecordManager.Insert.
func (db *DB) Insert(value any, ser serializer.Serializer) (uint64, error) {
	return db.rm.Insert(value, ser)
}

// Fetch retrieves a record; absence yields (nil, false, nil).
func (db *DB) Fetch(recid uint64, ser serializer.Serializer) (any, bool, error) {
	return db.rm.Fetch(recid, ser)
}

// FetchUncached retrieves a record bypassing the decoded-value cache.
func (db *DB) FetchUncached(recid uint64, ser serializer.Serializer) (any, bool, error) {
	return db.rm.FetchUncached(recid, ser)
}

// Update replaces a record's value.
func (db *DB) Update(recid uint64, value any, ser serializer.Serializer) error {
	return db.rm.Update(recid, value, ser)
}

// Delete removes a record.
func (db *DB) Delete(recid uint64) error {
	return db.rm.Delete(recid)
}

// Commit makes all buffered changes durable atomically.
func (db *DB) Commit() error {
	return db.rm.Commit()
}

// Rollback discards all buffered changes.
func (db *DB) Rollback() error {
	return db.rm.Rollback()
}

// GetRoot resolves a named root recid; 0 when unregistered.
func (db *DB) GetRoot(name string) (uint64, error) {
	return db.rm.GetRoot(name)
}

// SetRoot registers a named root recid; 0 removes the name.
func (db *DB) SetRoot(name string, recid uint64) error {
	return db.rm.SetRoot(name, recid)
}

// ClearCache drops clean cached record values.
func (db *DB) ClearCache() {
	db.rm.ClearCache()
}

// Defrag rewrites the store into its minimal layout. See
// storage.RecordManager.Defrag.
func (db *DB) Defrag() error {
	return db.rm.Defrag()
}

// CalculateStatistics scans the store and reports layout statistics.
func (db *DB) CalculateStatistics() (storage.Statistics, error) {
	return db.rm.CalculateStatistics()
}

// CopyToZipStore exports the committed store contents to a zip archive.
func (db *DB) CopyToZipStore(path string) error {
	return db.rm.CopyToZipStore(path)
}

// HashMap opens or creates the named persistent hash map.
func (db *DB) HashMap(name string, keySer, valSer serializer.Serializer) (*collections.HashMap, error) {
	return collections.NewHashMap(db.rm, name, keySer, valSer)
}

// HashSet opens or creates the named persistent hash set.
func (db *DB) HashSet(name string, keySer serializer.Serializer) (*collections.HashSet, error) {
	return collections.NewHashSet(db.rm, name, keySer)
}

// TreeMap opens or creates the named persistent ordered map. A nil cmp
// selects collections.DefaultCompare.
func (db *DB) TreeMap(name string, keySer, valSer serializer.Serializer, cmp collections.Compare) (*collections.TreeMap, error) {
	return collections.NewTreeMap(db.rm, name, keySer, valSer, cmp)
}

// TreeSet opens or creates the named persistent ordered set.
func (db *DB) TreeSet(name string, keySer serializer.Serializer, cmp collections.Compare) (*collections.TreeSet, error) {
	return collections.NewTreeSet(db.rm, name, keySer, cmp)
}

// LinkedList opens or creates the named persistent linked list.
func (db *DB) LinkedList(name string, valSer serializer.Serializer) (*collections.LinkedList, error) {
	return collections.NewLinkedList(db.rm, name, valSer)
}

// LoadHashMap opens the named hash map without creating it. An
// unregistered name yields an error wrapping
// collections.ErrNoSuchCollection.
func (db *DB) LoadHashMap(name string, keySer, valSer serializer.Serializer) (*collections.HashMap, error) {
	return collections.LoadHashMap(db.rm, name, keySer, valSer)
}

// LoadHashSet opens the named hash set without creating it.
func (db *DB) LoadHashSet(name string, keySer serializer.Serializer) (*collections.HashSet, error) {
	return collections.LoadHashSet(db.rm, name, keySer)
}

// LoadTreeMap opens the named ordered map without creating it.
func (db *DB) LoadTreeMap(name string, keySer, valSer serializer.Serializer, cmp collections.Compare) (*collections.TreeMap, error) {
	return collections.LoadTreeMap(db.rm, name, keySer, valSer, cmp)
}

// LoadTreeSet opens the named ordered set without creating it.
func (db *DB) LoadTreeSet(name string, keySer serializer.Serializer, cmp collections.Compare) (*collections.TreeSet, error) {
	return collections.LoadTreeSet(db.rm, name, keySer, cmp)
}

// LoadLinkedList opens the named linked list without creating it.
func (db *DB) LoadLinkedList(name string, valSer serializer.Serializer) (*collections.LinkedList, error) {
	return collections.LoadLinkedList(db.rm, name, valSer)
}

// Path returns the store file path.
func (db *DB) Path() string {
	return db.rm.Path()
}

// Close syncs committed state, releases the store and drops the lock.
// Uncommitted buffered work is discarded. Close is idempotent.
func (db *DB) Close() error {
	err := db.rm.Close()
	if db.lockFile != nil {
		unlockFile(db.lockFile)
		db.lockFile.Close()
		db.lockFile = nil
		os.Remove(db.lockPath)
	}
	return err
}
