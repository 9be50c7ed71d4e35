//go:build windows

// pkg/pager/mmap_windows.go
package pager

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mmapHandle stores Windows-specific handles for memory mapping
type mmapHandle struct {
	file      *os.File
	mapHandle windows.Handle
}

// OpenMmapFile opens or creates a memory-mapped file.
// If the file is smaller than initialSize it is extended first.
func OpenMmapFile(path string, initialSize int64) (*MmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := stat.Size()
	if initialSize > size {
		if err := f.Truncate(initialSize); err != nil {
			f.Close()
			return nil, err
		}
		size = initialSize
	}

	if size == 0 {
		// Can't mmap an empty file
		f.Close()
		return nil, errors.New("cannot mmap empty file")
	}

	data, mapHandle, err := mapView(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &MmapFile{
		file: &mmapHandle{file: f, mapHandle: mapHandle},
		data: data,
		size: size,
	}, nil
}

func mapView(f *os.File, size int64) ([]byte, windows.Handle, error) {
	mapHandle, err := windows.CreateFileMapping(
		windows.Handle(f.Fd()),
		nil,
		windows.PAGE_READWRITE,
		uint32(size>>32),
		uint32(size&0xFFFFFFFF),
		nil,
	)
	if err != nil {
		return nil, 0, err
	}

	addr, err := windows.MapViewOfFile(
		mapHandle,
		windows.FILE_MAP_READ|windows.FILE_MAP_WRITE,
		0, 0,
		uintptr(size),
	)
	if err != nil {
		windows.CloseHandle(mapHandle)
		return nil, 0, err
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return data, mapHandle, nil
}

// Sync flushes the mapped region to disk.
func (m *MmapFile) Sync() error {
	if len(m.data) == 0 {
		return nil
	}
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(len(m.data)))
}

// Grow extends the file and remaps it. Any slice previously obtained via
// Slice is invalid after Grow returns.
func (m *MmapFile) Grow(newSize int64) error {
	if newSize <= m.size {
		return nil
	}

	handle := m.file.(*mmapHandle)

	if len(m.data) > 0 {
		if err := windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(len(m.data))); err != nil {
			return err
		}
		if err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m.data[0]))); err != nil {
			return err
		}
	}
	if err := windows.CloseHandle(handle.mapHandle); err != nil {
		return err
	}

	if err := handle.file.Truncate(newSize); err != nil {
		return err
	}

	data, mapHandle, err := mapView(handle.file, newSize)
	if err != nil {
		return err
	}

	handle.mapHandle = mapHandle
	m.data = data
	m.size = newSize
	return nil
}

// Close unmaps and closes the file.
func (m *MmapFile) Close() error {
	var firstErr error

	handle, ok := m.file.(*mmapHandle)
	if !ok || handle == nil {
		return nil
	}

	if len(m.data) > 0 {
		if err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m.data[0]))); err != nil {
			firstErr = err
		}
		m.data = nil
	}

	if handle.mapHandle != 0 {
		if err := windows.CloseHandle(handle.mapHandle); err != nil && firstErr == nil {
			firstErr = err
		}
		handle.mapHandle = 0
	}

	if handle.file != nil {
		if err := handle.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		handle.file = nil
	}

	m.file = nil
	return firstErr
}
