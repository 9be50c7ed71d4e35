// pkg/pager/pager.go
package pager

import (
	"sync"

	"github.com/pkg/errors"

	"recdb/pkg/dbfile"
)

var (
	ErrPageOutOfRange = errors.New("page number out of range")
	ErrRangeOutOfFile = errors.New("byte range outside allocated pages")
)

// Options configures the pager.
type Options struct {
	// PageSize is the page size in bytes for a newly created store
	// (default 4096). An existing store keeps the size it was created
	// with regardless of this setting.
	PageSize int
}

// Pager manages the store file as an array of fixed-size pages backed by
// a shared memory mapping. All space enters the store as whole pages
// appended at the end of the file; record payloads are addressed as byte
// ranges that may span page boundaries.
//
// The pager does not lock: callers serialize access (the record manager
// holds its writer lock across every mutation).
type Pager struct {
	mu       sync.Mutex // guards grow/sync/close only
	mmap     *MmapFile
	header   *dbfile.Header
	pageSize int
	path     string
	closed   bool
}

// Open opens or creates a store file.
func Open(path string, opts Options) (*Pager, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = dbfile.DefaultPageSize
	}
	if !dbfile.ValidPageSize(pageSize) {
		return nil, dbfile.ErrInvalidPageSize
	}

	mf, err := OpenMmapFile(path, int64(pageSize))
	if err != nil {
		return nil, errors.Wrapf(err, "pager: open %s", path)
	}

	p := &Pager{
		mmap:     mf,
		pageSize: pageSize,
		path:     path,
	}

	head := mf.Slice(0, dbfile.HeaderSize)
	if string(head[:len(dbfile.MagicString)]) == dbfile.MagicString {
		// Existing store: the on-disk header is authoritative.
		h, err := dbfile.DecodeHeader(head)
		if err != nil {
			mf.Close()
			return nil, err
		}
		p.header = h
		p.pageSize = int(h.PageSize)
	} else {
		// Fresh store: page 0 becomes the header page.
		p.header = dbfile.NewHeader(pageSize)
		copy(head, p.header.Encode())
		if err := mf.Sync(); err != nil {
			mf.Close()
			return nil, errors.Wrap(err, "pager: init header")
		}
	}

	return p, nil
}

// Path returns the store file path.
func (p *Pager) Path() string {
	return p.path
}

// Header returns the in-memory file header. Mutations become durable on
// the next Sync.
func (p *Pager) Header() *dbfile.Header {
	return p.header
}

// PageSize returns the page size in bytes.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// PageCount returns the number of allocated pages.
func (p *Pager) PageCount() uint32 {
	return p.header.PageCount
}

// FileSize returns the size in bytes of the allocated page range.
// The underlying file may be larger (growth happens in bulk).
func (p *Pager) FileSize() int64 {
	return int64(p.header.PageCount) * int64(p.pageSize)
}

// AllocatePages appends n pages to the store and returns the number of
// the first. Newly appended pages are zeroed. The header update becomes
// durable on the next Sync.
func (p *Pager) AllocatePages(n int) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	first := p.header.PageCount
	p.header.PageCount += uint32(n)

	required := int64(p.header.PageCount) * int64(p.pageSize)
	if required > p.mmap.Size() {
		// Grow by at least 10% to amortize remapping.
		newSize := p.mmap.Size() + p.mmap.Size()/10
		if newSize < required {
			newSize = required
		}
		if err := p.mmap.Grow(newSize); err != nil {
			p.header.PageCount = first
			return 0, errors.Wrap(err, "pager: grow")
		}
	}

	return first, nil
}

// Page returns the raw bytes of a page. The slice aliases the mapping and
// is invalidated by AllocatePages; callers must not retain it.
func (p *Pager) Page(pageNo uint32) ([]byte, error) {
	if pageNo >= p.header.PageCount {
		return nil, errors.Wrapf(ErrPageOutOfRange, "page %d of %d", pageNo, p.header.PageCount)
	}
	return p.mmap.Slice(int64(pageNo)*int64(p.pageSize), p.pageSize), nil
}

// Slice returns the raw bytes of an arbitrary range within the allocated
// pages. Ranges may span page boundaries. The slice aliases the mapping
// and is invalidated by AllocatePages.
func (p *Pager) Slice(off int64, length int) ([]byte, error) {
	if off < 0 || off+int64(length) > p.FileSize() {
		return nil, errors.Wrapf(ErrRangeOutOfFile, "range [%d,%d)", off, off+int64(length))
	}
	return p.mmap.Slice(off, length), nil
}

// ReloadHeader discards in-memory header changes and re-decodes the
// header from page 0 of the mapping.
func (p *Pager) ReloadHeader() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, err := dbfile.DecodeHeader(p.mmap.Slice(0, dbfile.HeaderSize))
	if err != nil {
		return err
	}
	p.header = h
	p.pageSize = int(h.PageSize)
	return nil
}

// SyncData flushes the mapping without writing the in-memory header to
// page 0. Commit uses it as the payload barrier so header changes are
// published only by the full Sync that ends the commit.
func (p *Pager) SyncData() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.mmap.Sync(); err != nil {
		return errors.Wrap(err, "pager: sync data")
	}
	return nil
}

// Sync writes the header to page 0 and flushes the mapping to disk.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copy(p.mmap.Slice(0, dbfile.HeaderSize), p.header.Encode())
	if err := p.mmap.Sync(); err != nil {
		return errors.Wrap(err, "pager: sync")
	}
	return nil
}

// Close flushes and closes the store file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	copy(p.mmap.Slice(0, dbfile.HeaderSize), p.header.Encode())
	if err := p.mmap.Sync(); err != nil {
		p.mmap.Close()
		return errors.Wrap(err, "pager: close sync")
	}
	return p.mmap.Close()
}
