// pkg/pager/checksum.go
package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// CorruptionError reports a metadata page whose stored checksum does not
// match its contents, or a structurally invalid page.
type CorruptionError struct {
	PageNo   uint32
	PageType PageType
	Expected uint32
	Actual   uint32
	Message  string
}

func (e *CorruptionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("page %d corrupt: %s", e.PageNo, e.Message)
	}
	return fmt.Sprintf("page %d corrupt: expected CRC %08x, got %08x",
		e.PageNo, e.Expected, e.Actual)
}

// metaChecksum computes the CRC32 of a metadata page with the checksum
// field itself treated as zero.
func metaChecksum(data []byte) uint32 {
	var zero [4]byte
	c := crc32.ChecksumIEEE(data[:offsetMetaCRC])
	c = crc32.Update(c, crc32.IEEETable, zero[:])
	return crc32.Update(c, crc32.IEEETable, data[offsetMetaCRC+4:])
}

// UpdateMetaChecksum stamps the checksum field of a metadata page.
// Called after the page contents are final, before sync.
func UpdateMetaChecksum(data []byte) {
	binary.LittleEndian.PutUint32(data[offsetMetaCRC:], metaChecksum(data))
}

// VerifyMetaChecksum validates a metadata page against its stored
// checksum and expected type. Returns nil if the page is intact.
func VerifyMetaChecksum(pageNo uint32, data []byte, want PageType) *CorruptionError {
	if MetaType(data) != want {
		return &CorruptionError{
			PageNo:   pageNo,
			PageType: MetaType(data),
			Message:  fmt.Sprintf("expected page type %#02x, found %#02x", byte(want), data[offsetMetaType]),
		}
	}

	stored := binary.LittleEndian.Uint32(data[offsetMetaCRC:])
	actual := metaChecksum(data)
	if stored != actual {
		return &CorruptionError{
			PageNo:   pageNo,
			PageType: want,
			Expected: stored,
			Actual:   actual,
		}
	}

	return nil
}
