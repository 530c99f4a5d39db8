// Package ncz adapts the teacher's NCZ wire format — originally a
// compress-on-write representation of a decrypted NCA body — into a
// read-only decompressing Source. The format stores the NCA's first
// 0x4000 bytes (the header) uncompressed, followed by a section table
// describing the original encryption parameters and a zstd-compressed,
// fixed-size block stream covering everything after the header.
package ncz

import (
	"encoding/binary"
	"fmt"

	"github.com/hexserval/nxarc/pkg/errs"
	"github.com/hexserval/nxarc/pkg/source"
	"github.com/klauspost/compress/zstd"
)

const (
	ncaFullHeaderSize = 0x4000
	magicNCZSECTN     = "NCZSECTN"
	magicNCZBLOCK     = "NCZBLOCK"
	sectionEntrySize  = 0x40
	blockHeaderSize   = 24
)

// CryptoType mirrors the encryption the original NCA section used before
// the teacher's compressor decrypted it for storage.
type CryptoType uint64

const (
	CryptoNone CryptoType = iota + 1
	CryptoXts
	CryptoCtr
	CryptoBktr
)

// SectionEntry records one plaintext-after-decompression byte range and
// the encryption it replaces.
type SectionEntry struct {
	Offset     uint64
	Size       uint64
	CryptoType CryptoType
}

// PlaintextRange is the [Start, End) byte interval, in the reconstructed
// NCA's own coordinate space, that is already decrypted once read through
// this package — nca.Open's section dispatch must treat it as
// EncryptionNone regardless of what the FsHeader declares.
type PlaintextRange struct {
	Start, End int64
}

// Detect reports whether src looks like an NCZ file: the NCZSECTN magic
// immediately follows the uncompressed header region.
func Detect(src source.Source) bool {
	if src.Len() < ncaFullHeaderSize+8 {
		return false
	}
	magic := make([]byte, 8)
	n, err := src.ReadAt(magic, ncaFullHeaderSize)
	if err != nil || n < 8 {
		return false
	}
	return string(magic) == magicNCZSECTN
}

type blockTable struct {
	blockSize        int64
	blockCount       uint32
	decompressedSize int64
	compressedOffset int64 // absolute offset of the first compressed block byte
	blockStarts      []int64 // compressed-stream absolute offsets, len == blockCount+1
}

// ncz is the decompressing Source: bytes [0, ncaFullHeaderSize) pass
// through to the underlying source unchanged; bytes at or beyond that
// boundary are served by decompressing exactly the blocks a read touches,
// with the single most-recently-decompressed block cached.
type ncz struct {
	raw        source.Source
	sections   []SectionEntry
	blocks     blockTable
	dec        *zstd.Decoder
	base       int64
	length     int64

	cachedBlock   int
	cachedPlain   []byte
	cachedValid   bool
}

// Open parses the NCZ section and block tables and returns a Source
// spanning the reconstructed header + decompressed body.
func Open(src source.Source) (source.Source, error) {
	if !Detect(src) {
		return nil, fmt.Errorf("%w: ncz NCZSECTN magic", errs.ErrBadMagic)
	}

	sectionHdr := make([]byte, 16)
	if n, err := src.ReadAt(sectionHdr, ncaFullHeaderSize); err != nil || n < 16 {
		return nil, fmt.Errorf("%w: ncz section header", errs.ErrTruncated)
	}
	sectionCount := binary.LittleEndian.Uint64(sectionHdr[8:16])

	sectionsOffset := int64(ncaFullHeaderSize) + 16
	sections := make([]SectionEntry, sectionCount)
	for i := uint64(0); i < sectionCount; i++ {
		buf := make([]byte, sectionEntrySize)
		off := sectionsOffset + int64(i)*sectionEntrySize
		if n, err := src.ReadAt(buf, off); err != nil || n < sectionEntrySize {
			return nil, fmt.Errorf("%w: ncz section entry %d", errs.ErrTruncated, i)
		}
		sections[i] = SectionEntry{
			Offset:     binary.LittleEndian.Uint64(buf[0:8]),
			Size:       binary.LittleEndian.Uint64(buf[8:16]),
			CryptoType: CryptoType(binary.LittleEndian.Uint64(buf[16:24])),
		}
	}

	blockHdrOffset := sectionsOffset + int64(sectionCount)*sectionEntrySize
	blockHdr := make([]byte, blockHeaderSize)
	if n, err := src.ReadAt(blockHdr, blockHdrOffset); err != nil || n < blockHeaderSize {
		return nil, fmt.Errorf("%w: ncz block header", errs.ErrTruncated)
	}
	if string(blockHdr[0:8]) != magicNCZBLOCK {
		return nil, fmt.Errorf("%w: ncz block header", errs.ErrBadMagic)
	}
	blockSizeExp := blockHdr[11]
	blockCount := binary.LittleEndian.Uint32(blockHdr[12:16])
	decompressedSize := int64(binary.LittleEndian.Uint64(blockHdr[16:24]))

	sizeTableOffset := blockHdrOffset + blockHeaderSize
	sizeTable := make([]byte, int64(blockCount)*4)
	if n, err := src.ReadAt(sizeTable, sizeTableOffset); err != nil || int64(n) < int64(len(sizeTable)) {
		return nil, fmt.Errorf("%w: ncz block size table", errs.ErrTruncated)
	}

	compressedOffset := sizeTableOffset + int64(len(sizeTable))
	blockStarts := make([]int64, blockCount+1)
	blockStarts[0] = compressedOffset
	for i := uint32(0); i < blockCount; i++ {
		size := binary.LittleEndian.Uint32(sizeTable[i*4 : i*4+4])
		blockStarts[i+1] = blockStarts[i] + int64(size)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	n := &ncz{
		raw:      src,
		sections: sections,
		blocks: blockTable{
			blockSize:        int64(1) << blockSizeExp,
			blockCount:       blockCount,
			decompressedSize: decompressedSize,
			compressedOffset: compressedOffset,
			blockStarts:      blockStarts,
		},
		dec:    dec,
		base:   0,
		length: ncaFullHeaderSize + decompressedSize,
	}
	return n, nil
}

// PlaintextRanges returns the byte intervals (in the reconstructed
// source's own coordinate space, i.e. already including the header
// offset) that are plaintext once decompressed, derived from the section
// table: every section this package decompresses was decrypted before
// being compressed.
func PlaintextRanges(src source.Source) ([]PlaintextRange, error) {
	n, ok, err := openInternal(src)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	out := make([]PlaintextRange, len(n.sections))
	for i, s := range n.sections {
		start := ncaFullHeaderSize + int64(s.Offset)
		out[i] = PlaintextRange{Start: start, End: start + int64(s.Size)}
	}
	return out, nil
}

func openInternal(src source.Source) (*ncz, bool, error) {
	if !Detect(src) {
		return nil, false, nil
	}
	s, err := Open(src)
	if err != nil {
		return nil, false, err
	}
	return s.(*ncz), true, nil
}

func (n *ncz) Len() int64 { return n.length }

func (n *ncz) Sub(off, length int64) source.Source {
	if length < 0 || off < 0 || off > n.length {
		length = 0
	} else if off+length > n.length {
		length = n.length - off
	}
	return &nczView{n: n, base: n.base + off, length: length}
}

func (n *ncz) ReadAt(p []byte, off int64) (int, error) {
	return n.readAtAbs(p, n.base+off)
}

func (n *ncz) readAtAbs(p []byte, off int64) (int, error) {
	if off < 0 || off >= n.length {
		return 0, nil
	}
	want := len(p)
	if int64(want) > n.length-off {
		want = int(n.length - off)
	}

	written := 0
	for written < want {
		cur := off + int64(written)
		if cur < ncaFullHeaderSize {
			n2 := ncaFullHeaderSize - cur
			if n2 > int64(want-written) {
				n2 = int64(want - written)
			}
			got, err := n.raw.ReadAt(p[written:written+int(n2)], cur)
			if err != nil {
				return written, err
			}
			written += got
			if int64(got) < n2 {
				return written, nil
			}
			continue
		}

		bodyOff := cur - ncaFullHeaderSize
		blockIdx := int(bodyOff / n.blocks.blockSize)
		if blockIdx >= int(n.blocks.blockCount) {
			return written, nil
		}
		plain, err := n.decompressBlock(blockIdx)
		if err != nil {
			return written, err
		}
		withinBlock := int(bodyOff % n.blocks.blockSize)
		if withinBlock >= len(plain) {
			return written, nil
		}
		chunk := plain[withinBlock:]
		if len(chunk) > want-written {
			chunk = chunk[:want-written]
		}
		copy(p[written:], chunk)
		written += len(chunk)
	}
	return written, nil
}

func (n *ncz) decompressBlock(idx int) ([]byte, error) {
	if n.cachedValid && n.cachedBlock == idx {
		return n.cachedPlain, nil
	}

	start := n.blocks.blockStarts[idx]
	end := n.blocks.blockStarts[idx+1]
	compressed := make([]byte, end-start)
	if got, err := n.raw.ReadAt(compressed, start); err != nil || int64(got) < end-start {
		return nil, fmt.Errorf("%w: ncz compressed block %d", errs.ErrTruncated, idx)
	}

	plainLen := n.blocks.blockSize
	if idx == int(n.blocks.blockCount)-1 {
		rem := n.blocks.decompressedSize % n.blocks.blockSize
		if rem != 0 {
			plainLen = rem
		}
	}

	var plain []byte
	if int64(len(compressed)) == plainLen {
		// The teacher's writer stores a block uncompressed when
		// compression did not shrink it; detect this by length equality
		// rather than attempting a zstd decode that would fail on raw
		// bytes that happen to look like valid input.
		plain = compressed
	} else {
		out, err := n.dec.DecodeAll(compressed, make([]byte, 0, plainLen))
		if err != nil {
			return nil, fmt.Errorf("ncz: decompressing block %d: %w", idx, err)
		}
		plain = out
	}

	n.cachedBlock = idx
	n.cachedPlain = plain
	n.cachedValid = true
	return plain, nil
}

// nczView is a bounded window over an ncz, matching the Sub contract
// without re-parsing the tables.
type nczView struct {
	n      *ncz
	base   int64
	length int64
}

func (v *nczView) Len() int64 { return v.length }

func (v *nczView) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= v.length {
		return 0, nil
	}
	n := len(p)
	if int64(n) > v.length-off {
		n = int(v.length - off)
	}
	return v.n.readAtAbs(p[:n], v.base+off)
}

func (v *nczView) Sub(off, length int64) source.Source {
	if length < 0 || off < 0 || off > v.length {
		length = 0
	} else if off+length > v.length {
		length = v.length - off
	}
	return &nczView{n: v.n, base: v.base + off, length: length}
}
