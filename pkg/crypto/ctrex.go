package crypto

import (
	"encoding/binary"
	"fmt"
)

// PatchInfo mirrors the two 0x20-byte relocation/subsection descriptors an
// FsHeader carries for AesCtrEx sections (patch RomFS): an offset+size
// locating the bucket-tree data, and an entry count.
type PatchInfo struct {
	Offset     uint64
	Size       uint64
	Magic      [4]byte
	Version    uint32
	EntryCount uint32
}

// ParsePatchInfo parses a PatchInfo descriptor from 0x20 bytes of FsHeader
// data (offsets 0x100-0x120 or 0x120-0x140 in the raw FsHeader).
func ParsePatchInfo(data []byte) (PatchInfo, error) {
	if len(data) < 0x20 {
		return PatchInfo{}, fmt.Errorf("crypto: PatchInfo descriptor too short (%d bytes)", len(data))
	}
	var p PatchInfo
	p.Offset = binary.LittleEndian.Uint64(data[0x00:0x08])
	p.Size = binary.LittleEndian.Uint64(data[0x08:0x10])
	copy(p.Magic[:], data[0x10:0x14])
	p.Version = binary.LittleEndian.Uint32(data[0x14:0x18])
	p.EntryCount = binary.LittleEndian.Uint32(data[0x18:0x1C])
	return p, nil
}

// PatchSubsectionEntry is one leaf of the bucket tree: the virtual offset at
// which a distinct AES-CTR counter value takes effect, and that counter.
type PatchSubsectionEntry struct {
	VirtualOffset uint64
	Size          uint64
	Counter       uint32
}

// PatchBucket groups the subsection entries covering a contiguous span of
// the bucket tree.
type PatchBucket struct {
	EndOffset uint64
	Entries   []PatchSubsectionEntry
}

// bucketTableHeaderSize is the fixed size of the bucket-tree header (magic +
// bucket count + total size) plus its base-offset index, which this
// resolver does not need beyond skipping past it.
const bucketTableHeaderSize = 16 + 0x3FF0

// ResolveSubsections decrypts and parses the AesCtrEx bucket tree located
// at sectionStart+info.Offset, using baseCounter's high 8 bytes as the
// section's secure-value/generation seed. read must supply ciphertext for
// an absolute NCA byte range (the same primitive CTRDecryptRange uses).
func ResolveSubsections(key [16]byte, baseCounter [16]byte, sectionStart int64, info PatchInfo, read func(buf []byte, absOff int64) (int, error)) ([]PatchBucket, error) {
	if info.Size == 0 {
		return nil, nil
	}

	bucketDataOffset := sectionStart + int64(info.Offset)
	plain, err := CTRDecryptRange(key, baseCounter, bucketDataOffset, 0, int(info.Size), read)
	if err != nil {
		return nil, err
	}
	if len(plain) < 16 {
		return nil, fmt.Errorf("crypto: bucket tree data too short (%d bytes)", len(plain))
	}

	bucketCount := binary.LittleEndian.Uint32(plain[4:8])
	if bucketCount == 0 || int(bucketCount) > len(plain) {
		return nil, fmt.Errorf("crypto: implausible bucket count %d", bucketCount)
	}
	if len(plain) < bucketTableHeaderSize {
		return nil, fmt.Errorf("crypto: bucket tree data shorter than its own header")
	}

	buckets := make([]PatchBucket, 0, bucketCount)
	pos := bucketTableHeaderSize

	for i := uint32(0); i < bucketCount; i++ {
		if pos+16 > len(plain) {
			break
		}
		entryCount := binary.LittleEndian.Uint32(plain[pos+4 : pos+8])
		endOffset := binary.LittleEndian.Uint64(plain[pos+8 : pos+16])
		if entryCount > 0xFFFF {
			return nil, fmt.Errorf("crypto: implausible bucket entry count %d", entryCount)
		}

		entriesPos := pos + 16
		entries := make([]PatchSubsectionEntry, 0, entryCount)
		for j := uint32(0); j < entryCount; j++ {
			ep := entriesPos + int(j)*16
			if ep+16 > len(plain) {
				break
			}
			entries = append(entries, PatchSubsectionEntry{
				VirtualOffset: binary.LittleEndian.Uint64(plain[ep : ep+8]),
				Counter:       binary.LittleEndian.Uint32(plain[ep+12 : ep+16]),
			})
		}
		for j := 0; j < len(entries)-1; j++ {
			entries[j].Size = entries[j+1].VirtualOffset - entries[j].VirtualOffset
		}
		if len(entries) > 0 {
			last := len(entries) - 1
			entries[last].Size = endOffset - entries[last].VirtualOffset
		}

		buckets = append(buckets, PatchBucket{EndOffset: endOffset, Entries: entries})
		pos = entriesPos + int(entryCount)*16
	}

	return buckets, nil
}

// CounterForOffset returns the AES-CTR counter value in effect at the given
// virtual (section-relative) offset, per the resolved bucket tree, along
// with the end offset of the run it applies to. It returns ok=false if offset
// falls outside every bucket, in which case the section's base counter
// should be used unchanged.
func CounterForOffset(buckets []PatchBucket, offset uint64) (counter uint32, runEnd uint64, ok bool) {
	for _, b := range buckets {
		for _, e := range b.Entries {
			end := e.VirtualOffset + e.Size
			if offset >= e.VirtualOffset && offset < end {
				return e.Counter, end, true
			}
		}
	}
	return 0, 0, false
}

// WithSubsectionCounter overlays a subsection counter value into bytes 4-7
// of baseCounter, big-endian, matching the layout AesCtrEx uses to key a
// run between two bucket-tree boundaries.
func WithSubsectionCounter(baseCounter [16]byte, ctrValue uint32) [16]byte {
	out := baseCounter
	binary.BigEndian.PutUint32(out[4:8], ctrValue)
	return out
}
