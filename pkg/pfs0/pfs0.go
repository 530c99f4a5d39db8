// Package pfs0 implements the PartitionFS container format used for both
// PFS0 (NSP payloads) and HFS0 (gamecard partitions): a flat archive of
// named entries over a backing source.
package pfs0

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/hexserval/nxarc/pkg/errs"
	"github.com/hexserval/nxarc/pkg/source"
	"github.com/sirupsen/logrus"
)

// Kind selects the on-disk variant: PFS0 entries are 0x18 bytes and data
// starts immediately after the string table; HFS0 entries are 0x40 bytes,
// carry a hash, and data is aligned up to the next 0x200 boundary.
type Kind int

const (
	PFS0 Kind = iota
	HFS0
)

const (
	headerSize    = 0x10
	entrySizePFS0 = 0x18
	entrySizeHFS0 = 0x40
	alignmentHFS0 = 0x200
)

func (k Kind) magic() string {
	if k == HFS0 {
		return "HFS0"
	}
	return "PFS0"
}

func (k Kind) entrySize() int64 {
	if k == HFS0 {
		return entrySizeHFS0
	}
	return entrySizePFS0
}

// Entry describes one archive member.
type Entry struct {
	Name             string
	Offset           int64
	Size             int64
	HashedRegionSize int64
	Hash             [32]byte // valid only for HFS0
}

// Archive is an opened PFS0/HFS0 container.
type Archive struct {
	kind       Kind
	src        source.Source
	entries    []Entry
	dataOffset int64
	log        *logrus.Logger
}

var defaultLogger = logrus.New()

// Options configures Open.
type Options struct {
	Log *logrus.Logger
}

// Open parses src as a partition filesystem of the given kind.
func Open(src source.Source, kind Kind, opts Options) (*Archive, error) {
	log := opts.Log
	if log == nil {
		log = defaultLogger
	}

	hdr := make([]byte, headerSize)
	if n, err := src.ReadAt(hdr, 0); err != nil || n < headerSize {
		return nil, fmt.Errorf("%w: pfs0 header", errs.ErrTruncated)
	}

	magic := string(hdr[0:4])
	if magic != kind.magic() {
		return nil, fmt.Errorf("%w: expected %q, got %q", errs.ErrBadMagic, kind.magic(), magic)
	}
	numFiles := binary.LittleEndian.Uint32(hdr[4:8])
	stringTableSize := binary.LittleEndian.Uint32(hdr[8:12])
	log.WithFields(logrus.Fields{"kind": kind.magic(), "entries": numFiles}).Trace("pfs0: header parsed")

	entrySize := kind.entrySize()
	tableBytes := int64(numFiles) * entrySize
	table := make([]byte, tableBytes)
	if n, err := src.ReadAt(table, headerSize); err != nil || int64(n) < tableBytes {
		return nil, fmt.Errorf("%w: pfs0 entry table", errs.ErrTruncated)
	}

	stringTableOffset := headerSize + tableBytes
	stringTable := make([]byte, stringTableSize)
	if n, err := src.ReadAt(stringTable, stringTableOffset); err != nil || uint32(n) < stringTableSize {
		return nil, fmt.Errorf("%w: pfs0 string table", errs.ErrTruncated)
	}

	dataOffset := stringTableOffset + int64(stringTableSize)
	if kind == HFS0 {
		if rem := dataOffset % alignmentHFS0; rem != 0 {
			dataOffset += alignmentHFS0 - rem
		}
	}

	entries := make([]Entry, numFiles)
	for i := uint32(0); i < numFiles; i++ {
		off := int64(i) * entrySize
		e := Entry{
			Offset: int64(binary.LittleEndian.Uint64(table[off : off+8])),
			Size:   int64(binary.LittleEndian.Uint64(table[off+8 : off+16])),
		}
		nameOffset := binary.LittleEndian.Uint32(table[off+16 : off+20])

		if kind == HFS0 {
			e.HashedRegionSize = int64(binary.LittleEndian.Uint32(table[off+20 : off+24]))
			copy(e.Hash[:], table[off+32:off+64])
		}

		name, err := readNulTerminated(stringTable, nameOffset)
		if err != nil {
			return nil, err
		}
		e.Name = name

		if e.Offset < 0 || e.Size < 0 || e.Offset+e.Size > src.Len()-dataOffset {
			return nil, fmt.Errorf("%w: entry %q offset=%d size=%d", errs.ErrInvalidOffset, e.Name, e.Offset, e.Size)
		}
		entries[i] = e
	}

	return &Archive{kind: kind, src: src, entries: entries, dataOffset: dataOffset, log: log}, nil
}

func readNulTerminated(table []byte, offset uint32) (string, error) {
	if int64(offset) > int64(len(table)) {
		return "", fmt.Errorf("%w: name offset %d out of bounds", errs.ErrInvalidOffset, offset)
	}
	rest := table[offset:]
	nul := -1
	for i, b := range rest {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", fmt.Errorf("%w: at offset %d", errs.ErrNameNotNulTerminated, offset)
	}
	return string(rest[:nul]), nil
}

// Entries returns the archive's members in on-disk order.
func (a *Archive) Entries() []Entry {
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Open returns a Source over the named entry's data.
func (a *Archive) Open(name string) (source.Source, error) {
	for _, e := range a.entries {
		if e.Name == name {
			return a.src.Sub(a.dataOffset+e.Offset, e.Size), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", errs.ErrNotFound, name)
}

// Verify recomputes SHA-256 over the first HashedRegionSize bytes of the
// named HFS0 entry and compares it to the stored hash. It is only
// meaningful for archives opened as HFS0.
func (a *Archive) Verify(name string) error {
	if a.kind != HFS0 {
		return fmt.Errorf("pfs0: Verify is only valid for HFS0 archives")
	}
	for _, e := range a.entries {
		if e.Name != name {
			continue
		}
		n := e.HashedRegionSize
		if n > e.Size {
			n = e.Size
		}
		buf := make([]byte, n)
		if _, err := a.src.ReadAt(buf, a.dataOffset+e.Offset); err != nil {
			return err
		}
		got := sha256.Sum256(buf)
		if got != e.Hash {
			a.log.WithField("entry", name).Warn("pfs0: hash mismatch")
			return fmt.Errorf("%w: entry %q", errs.ErrHashMismatch, name)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", errs.ErrNotFound, name)
}
