// pkg/pager/page.go
package pager

import "encoding/binary"

// PageType identifies the kind of metadata stored in a page.
// Record payload bytes live in untyped ranges and may span pages, so only
// metadata pages carry a type byte.
type PageType byte

const (
	PageTypeHeader   PageType = 0x00 // page 0, holds the dbfile header
	PageTypeIndex    PageType = 0x30 // record index entries
	PageTypeFreelist PageType = 0x31 // free slot table
)

// Metadata pages share a 16-byte page header:
//
//	Offset 0:  1-byte page type
//	Offset 1:  3 bytes padding
//	Offset 4:  4-byte page number of the next page in the chain (0 if last)
//	Offset 8:  4-byte CRC32 of the page (computed with this field zeroed)
//	Offset 12: 4-byte element count (freelist pages; index pages leave it 0)
//
// Page contents follow from offset 16.
const (
	MetaHeaderSize = 16

	offsetMetaType  = 0
	offsetMetaNext  = 4
	offsetMetaCRC   = 8
	offsetMetaCount = 12
)

// MetaType reads the page type byte of a metadata page.
func MetaType(data []byte) PageType {
	return PageType(data[offsetMetaType])
}

// InitMetaPage zeroes a page and stamps its type.
func InitMetaPage(data []byte, t PageType) {
	for i := range data {
		data[i] = 0
	}
	data[offsetMetaType] = byte(t)
}

// MetaNext reads the next-page pointer of a metadata page.
func MetaNext(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[offsetMetaNext:])
}

// SetMetaNext writes the next-page pointer of a metadata page.
func SetMetaNext(data []byte, pageNo uint32) {
	binary.LittleEndian.PutUint32(data[offsetMetaNext:], pageNo)
}

// MetaCount reads the element count of a metadata page.
func MetaCount(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[offsetMetaCount:])
}

// SetMetaCount writes the element count of a metadata page.
func SetMetaCount(data []byte, n uint32) {
	binary.LittleEndian.PutUint32(data[offsetMetaCount:], n)
}
