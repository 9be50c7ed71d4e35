// pkg/storage/location.go
// Package storage implements the recdb record manager: stable 64-bit
// record ids over variable-length byte records, a single global
// transaction with commit/rollback, a record cache, and storage
// defragmentation.
package storage

// Location is the physical placement of a record's encoded bytes: a byte
// range within the store file. Ranges may span page boundaries. Locations
// are internal; callers only ever see record ids.
type Location struct {
	Off uint64 // byte offset in the store file
	Len uint32 // payload length in bytes
}

// zeroLocation is the reserved placement of zero-length records. They
// occupy no storage.
var zeroLocation = Location{}
