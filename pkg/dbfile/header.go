// pkg/dbfile/header.go
// Package dbfile implements the recdb store file format.
// A store is a single file of fixed-size pages; the first 100 bytes of
// page 0 hold the file header described here.
package dbfile

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/google/uuid"
)

const (
	// HeaderSize is the size of the store file header in bytes.
	HeaderSize = 100

	// MagicString identifies a valid recdb store file.
	// It must be exactly 16 bytes.
	MagicString = "RecDB format 1\x00\x00"

	// DefaultPageSize is the default page size in bytes.
	DefaultPageSize = 4096

	// MinPageSize and MaxPageSize bound the configurable page size.
	MinPageSize = 512
	MaxPageSize = 65536

	// Version is the store format version written by this package.
	Version = 1
)

// Header field offsets
const (
	offsetMagic              = 0  // 16 bytes: magic string
	offsetPageSize           = 16 // 2 bytes: page size in bytes
	offsetFormatWriteVersion = 18 // 1 byte: file format write version
	offsetFormatReadVersion  = 19 // 1 byte: file format read version
	offsetChangeCounter      = 20 // 4 bytes: incremented on every commit
	offsetPageCount          = 24 // 4 bytes: size of store in pages
	offsetFreelistHead       = 28 // 4 bytes: first freelist page (0 if none)
	offsetFreelistPages      = 32 // 4 bytes: number of freelist pages
	offsetIndexHead          = 36 // 4 bytes: first record index page (0 if none)
	offsetIndexPages         = 40 // 4 bytes: number of record index pages
	offsetFreeRecidHead      = 44 // 8 bytes: head of the recycled recid chain (0 if none)
	offsetMaxRecid           = 52 // 8 bytes: highest recid ever assigned
	offsetRootDirRecid       = 60 // 8 bytes: recid of the named-root directory (0 if none)
	offsetStoreID            = 68 // 16 bytes: store UUID, assigned at creation
	offsetReserved1          = 84 // 4 bytes: reserved
	offsetChecksum           = 88 // 4 bytes: CRC32 of bytes [0,88)
	offsetReserved2          = 92 // 4 bytes: reserved
	offsetVersion            = 96 // 4 bytes: recdb format version
)

var (
	ErrInvalidMagic    = errors.New("invalid magic string: not a recdb store")
	ErrHeaderTooShort  = errors.New("header data too short")
	ErrInvalidPageSize = errors.New("invalid page size")
	ErrHeaderChecksum  = errors.New("header checksum mismatch")
)

// Header represents the store file header.
type Header struct {
	PageSize           uint16    // Page size in bytes (power of two, 512..65536)
	FormatWriteVersion uint8     // File format write version
	FormatReadVersion  uint8     // File format read version
	ChangeCounter      uint32    // Incremented on every committed transaction
	PageCount          uint32    // Total number of pages in the store
	FreelistHead       uint32    // Page number of the first freelist page (0 if none)
	FreelistPages      uint32    // Number of freelist pages
	IndexHead          uint32    // Page number of the first record index page (0 if none)
	IndexPages         uint32    // Number of record index pages
	FreeRecidHead      uint64    // Head of the recycled recid chain (0 if none)
	MaxRecid           uint64    // Highest recid ever assigned
	RootDirRecid       uint64    // Recid of the named-root directory record (0 if none)
	StoreID            uuid.UUID // Store identity, assigned once at creation
	RecDBVersion       uint32    // Format version that created this store
}

// NewHeader creates a header for a fresh store with the given page size.
func NewHeader(pageSize int) *Header {
	return &Header{
		PageSize:           uint16(pageSize),
		FormatWriteVersion: 1,
		FormatReadVersion:  1,
		PageCount:          1, // page 0 is the header page
		StoreID:            uuid.New(),
		RecDBVersion:       Version,
	}
}

// ValidPageSize reports whether n is a legal page size.
func ValidPageSize(n int) bool {
	if n < MinPageSize || n > MaxPageSize {
		return false
	}
	return n&(n-1) == 0
}

// Encode serializes the header to a 100-byte slice, including the checksum.
func (h *Header) Encode() []byte {
	data := make([]byte, HeaderSize)

	copy(data[offsetMagic:], MagicString)
	binary.LittleEndian.PutUint16(data[offsetPageSize:], h.PageSize)
	data[offsetFormatWriteVersion] = h.FormatWriteVersion
	data[offsetFormatReadVersion] = h.FormatReadVersion
	binary.LittleEndian.PutUint32(data[offsetChangeCounter:], h.ChangeCounter)
	binary.LittleEndian.PutUint32(data[offsetPageCount:], h.PageCount)
	binary.LittleEndian.PutUint32(data[offsetFreelistHead:], h.FreelistHead)
	binary.LittleEndian.PutUint32(data[offsetFreelistPages:], h.FreelistPages)
	binary.LittleEndian.PutUint32(data[offsetIndexHead:], h.IndexHead)
	binary.LittleEndian.PutUint32(data[offsetIndexPages:], h.IndexPages)
	binary.LittleEndian.PutUint64(data[offsetFreeRecidHead:], h.FreeRecidHead)
	binary.LittleEndian.PutUint64(data[offsetMaxRecid:], h.MaxRecid)
	binary.LittleEndian.PutUint64(data[offsetRootDirRecid:], h.RootDirRecid)
	copy(data[offsetStoreID:], h.StoreID[:])
	binary.LittleEndian.PutUint32(data[offsetVersion:], h.RecDBVersion)

	cksum := crc32.ChecksumIEEE(data[:offsetChecksum])
	binary.LittleEndian.PutUint32(data[offsetChecksum:], cksum)

	return data
}

// DecodeHeader deserializes and validates a header from a byte slice.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, ErrHeaderTooShort
	}

	if string(data[offsetMagic:offsetMagic+16]) != MagicString {
		return nil, ErrInvalidMagic
	}

	stored := binary.LittleEndian.Uint32(data[offsetChecksum:])
	if stored != crc32.ChecksumIEEE(data[:offsetChecksum]) {
		return nil, ErrHeaderChecksum
	}

	h := &Header{
		PageSize:           binary.LittleEndian.Uint16(data[offsetPageSize:]),
		FormatWriteVersion: data[offsetFormatWriteVersion],
		FormatReadVersion:  data[offsetFormatReadVersion],
		ChangeCounter:      binary.LittleEndian.Uint32(data[offsetChangeCounter:]),
		PageCount:          binary.LittleEndian.Uint32(data[offsetPageCount:]),
		FreelistHead:       binary.LittleEndian.Uint32(data[offsetFreelistHead:]),
		FreelistPages:      binary.LittleEndian.Uint32(data[offsetFreelistPages:]),
		IndexHead:          binary.LittleEndian.Uint32(data[offsetIndexHead:]),
		IndexPages:         binary.LittleEndian.Uint32(data[offsetIndexPages:]),
		FreeRecidHead:      binary.LittleEndian.Uint64(data[offsetFreeRecidHead:]),
		MaxRecid:           binary.LittleEndian.Uint64(data[offsetMaxRecid:]),
		RootDirRecid:       binary.LittleEndian.Uint64(data[offsetRootDirRecid:]),
		RecDBVersion:       binary.LittleEndian.Uint32(data[offsetVersion:]),
	}
	copy(h.StoreID[:], data[offsetStoreID:offsetStoreID+16])

	if !ValidPageSize(int(h.PageSize)) {
		return nil, ErrInvalidPageSize
	}

	return h, nil
}
