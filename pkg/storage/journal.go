// pkg/storage/journal.go
package storage

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/pkg/errors"
)

// Commit writes metadata pages in place through a shared mapping, and
// the kernel may flush any subset of them at any moment. The journal
// closes the hole: before the second commit phase touches a metadata
// page, its pre-image goes into a side file that is synced first. If
// the publish sync never completes, the next open copies the images
// back and the store reads exactly as it did before the commit.
//
// A journal file consists of, little-endian:
//
//	0-7:   Magic "RecDBjnl"
//	8-11:  Page size
//	12-15: Page image count
//	16-:   Count images of 4-byte page number + page-size bytes
//	last 4 bytes: CRC32 of everything before them
//
// A journal whose checksum does not match is a torn write from a crash
// that happened before the in-place phase began; the store is already
// consistent and the file is discarded.

const journalMagic = "RecDBjnl"

// journalPage is the pre-image of one metadata page.
type journalPage struct {
	No   uint32
	Data []byte
}

func journalPath(storePath string) string {
	return storePath + ".journal"
}

// writeJournal writes and syncs the pre-image set. The file is complete
// and durable when writeJournal returns nil; only then may the caller
// start overwriting the journaled pages.
func writeJournal(path string, pageSize int, images []journalPage) error {
	buf := make([]byte, 0, 16+len(images)*(4+pageSize)+4)
	buf = append(buf, journalMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(pageSize))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(images)))
	for _, img := range images {
		buf = binary.LittleEndian.AppendUint32(buf, img.No)
		buf = append(buf, img.Data...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "journal: create")
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return errors.Wrap(err, "journal: write")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "journal: sync")
	}
	return f.Close()
}

func removeJournal(path string) {
	os.Remove(path)
}

// parseJournal validates raw journal bytes and returns the page images.
// ok is false for torn or foreign files.
func parseJournal(raw []byte) (pageSize int, images []journalPage, ok bool) {
	if len(raw) < 20 || string(raw[:8]) != journalMagic {
		return 0, nil, false
	}
	body, tail := raw[:len(raw)-4], raw[len(raw)-4:]
	if binary.LittleEndian.Uint32(tail) != crc32.ChecksumIEEE(body) {
		return 0, nil, false
	}
	pageSize = int(binary.LittleEndian.Uint32(raw[8:]))
	count := int(binary.LittleEndian.Uint32(raw[12:]))
	if pageSize <= 0 || len(body) != 16+count*(4+pageSize) {
		return 0, nil, false
	}
	p := 16
	for i := 0; i < count; i++ {
		images = append(images, journalPage{
			No:   binary.LittleEndian.Uint32(body[p:]),
			Data: body[p+4 : p+4+pageSize],
		})
		p += 4 + pageSize
	}
	return pageSize, images, true
}

// replayJournal restores a store from a leftover journal, if one
// exists. Called before the store file is mapped.
func replayJournal(storePath string) error {
	jpath := journalPath(storePath)
	raw, err := os.ReadFile(jpath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "journal: read")
	}

	pageSize, images, ok := parseJournal(raw)
	if !ok {
		// Torn journal: the interrupted commit never reached the
		// in-place phase, so the store is intact as it stands.
		removeJournal(jpath)
		return nil
	}
	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		removeJournal(jpath)
		return nil
	}

	f, err := os.OpenFile(storePath, os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrap(err, "journal: open store for replay")
	}
	for _, img := range images {
		if _, err := f.WriteAt(img.Data, int64(img.No)*int64(pageSize)); err != nil {
			f.Close()
			return errors.Wrapf(err, "journal: restore page %d", img.No)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "journal: replay sync")
	}
	if err := f.Close(); err != nil {
		return err
	}
	removeJournal(jpath)
	return nil
}
