// pkg/pager/mmap.go
package pager

// MmapFile provides memory-mapped file access.
// The file field holds platform-specific handle state; see mmap_unix.go
// and mmap_windows.go for the lifecycle operations.
type MmapFile struct {
	file any
	data []byte
	size int64
}

// Size returns the current mapped file size.
func (m *MmapFile) Size() int64 {
	return m.size
}

// Slice returns a window into the mapped memory at the given offset and
// length, or nil if the range falls outside the mapping. The slice is
// invalidated by Grow; callers must not retain it across calls that may
// extend the file.
func (m *MmapFile) Slice(offset int64, length int) []byte {
	if offset < 0 || length < 0 || offset+int64(length) > int64(len(m.data)) {
		return nil
	}
	return m.data[offset : offset+int64(length)]
}
