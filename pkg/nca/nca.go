// Package nca implements the Nintendo Content Archive container: header
// decryption, key-area unwrap, and per-section reader construction over
// RomFS and PartitionFS payloads.
package nca

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/hexserval/nxarc/pkg/crypto"
	"github.com/hexserval/nxarc/pkg/errs"
	"github.com/hexserval/nxarc/pkg/keys"
	"github.com/hexserval/nxarc/pkg/source"
	"github.com/sirupsen/logrus"
)

const (
	headerStructSize = 0xC00
	blockSize        = 0x200
	magicNCA3        = "NCA3"
	fsHeaderSize     = 0x200
	fsHeaderBase     = 0x400
)

// EncryptionType is the per-section cipher mode named in the FsHeader.
type EncryptionType byte

const (
	EncryptionNone EncryptionType = iota + 1
	EncryptionAesXts
	EncryptionAesCtr
	EncryptionAesCtrEx
	// EncryptionAesCtrSkipLayerHash and EncryptionAesCtrExSkipLayerHash are
	// observed in later-generation headers but their hash-layer-skipping
	// semantics are undocumented in the pack; rather than guess at a
	// decryption transform we report them as unsupported.
	EncryptionAesCtrSkipLayerHash
	EncryptionAesCtrExSkipLayerHash
)

// HashType names the per-section integrity scheme. The core reads through
// it without verifying beyond the FsHeader hash itself.
type HashType byte

const (
	HashNone HashType = iota
	HashHierarchicalSha256
	HashHierarchicalIntegrity
)

// FsType selects the inner filesystem a section wraps.
type FsType byte

const (
	FsTypeRomFs FsType = iota + 1
	FsTypePartitionFs
)

// ContentType is the NCA's declared payload kind.
type ContentType byte

const (
	ContentProgram ContentType = iota
	ContentMeta
	ContentControl
	ContentManual
	ContentData
	ContentPublicData
)

// SectionKind identifies how a caller should interpret an opened section.
type SectionKind int

const (
	SectionRaw SectionKind = iota
	SectionPartitionFs
	SectionRomFs
)

// FsEntry is one of the four fixed section extents, in 0x200-byte blocks.
type FsEntry struct {
	StartBlock uint32
	EndBlock   uint32
}

func (e FsEntry) empty() bool { return e.EndBlock <= e.StartBlock }

func (e FsEntry) byteRange() (start, size int64) {
	start = int64(e.StartBlock) * blockSize
	size = (int64(e.EndBlock) - int64(e.StartBlock)) * blockSize
	return
}

// FsHeader is the parsed per-section 0x200-byte descriptor.
type FsHeader struct {
	Version        uint16
	FsType         FsType
	HashType       HashType
	EncryptionType EncryptionType
	PatchInfo      crypto.PatchInfo
	SecureValue    uint32
	Generation     uint32
	HasSparseInfo  bool
	HasCompression bool

	raw [fsHeaderSize]byte
}

func parseFsHeader(raw []byte) (FsHeader, error) {
	if len(raw) != fsHeaderSize {
		return FsHeader{}, fmt.Errorf("%w: FsHeader must be 0x200 bytes", errs.ErrInvalidSize)
	}
	var h FsHeader
	copy(h.raw[:], raw)
	h.Version = binary.LittleEndian.Uint16(raw[0x00:0x02])
	h.FsType = FsType(raw[0x02])
	h.HashType = HashType(raw[0x03])
	h.EncryptionType = EncryptionType(raw[0x04])

	subsection, err := crypto.ParsePatchInfo(raw[0x120:0x140])
	if err != nil {
		return FsHeader{}, err
	}
	h.PatchInfo = subsection

	h.Generation = binary.LittleEndian.Uint32(raw[0x140:0x144])
	h.SecureValue = binary.LittleEndian.Uint32(raw[0x144:0x148])

	// SparseInfo begins at 0x148 (0x30 bytes); CompressionInfo at 0x178
	// (0x28 bytes). Detected by a nonzero size field, not interpreted.
	sparseSize := binary.LittleEndian.Uint64(raw[0x158:0x160])
	h.HasSparseInfo = sparseSize != 0
	compressionSize := binary.LittleEndian.Uint32(raw[0x180:0x184])
	h.HasCompression = compressionSize != 0

	return h, nil
}

// baseCounter returns the 16-byte AES-CTR seed: SecureValue (bytes 0-3) and
// Generation (bytes 4-7), each big-endian, in the high 8 bytes, low 8 bytes
// left zero for the caller to fill with the
// section-absolute-offset term.
func (h FsHeader) baseCounter() [16]byte {
	var c [16]byte
	binary.BigEndian.PutUint32(c[0:4], h.SecureValue)
	binary.BigEndian.PutUint32(c[4:8], h.Generation)
	return c
}

// Header is the immutable, parsed fixed 0x400-byte NCA header.
type Header struct {
	Magic           [4]byte
	DistributionType byte
	ContentType     ContentType
	KeyGenerationOld byte
	KeyAreaIndex    byte
	ContentSize     uint64
	ProgramID       uint64
	RightsID        [0x10]byte
	KeyGenerationNew byte
	Sections        [4]FsEntry
	FsHeaderHashes  [4][32]byte
	EncryptedKeyArea [0x40]byte
}

// rightsIDEmpty reports whether RightsID is all-zero, meaning this content
// carries no rights id and its sections are keyed directly from the
// key area rather than a title key.
func (h Header) rightsIDEmpty() bool {
	for _, b := range h.RightsID {
		if b != 0 {
			return false
		}
	}
	return true
}

// TitleKeyStore resolves a RightsId to a 16-byte title key for title-key
// mode content. Implemented by the host program; the core never derives
// title keys itself.
type TitleKeyStore interface {
	TitleKey(rightsID [0x10]byte) ([16]byte, bool)
}

// PlaintextRange marks a byte interval of the NCA's own coordinate space
// that is already decrypted — e.g. reconstructed from an NCZ-compressed
// source, which stores sections decrypted-then-compressed. Any section
// whose extent falls within such a range is dispatched as EncryptionNone
// regardless of what its FsHeader declares.
type PlaintextRange struct {
	Start, End int64
}

// Options configures Open.
type Options struct {
	// Strict makes any FsHeader hash mismatch fatal at open instead of a
	// logged warning.
	Strict          bool
	TitleKeyStore   TitleKeyStore
	PlaintextRanges []PlaintextRange
	Log             *logrus.Logger
}

func (o Options) coveredByPlaintextRange(start, size int64) bool {
	end := start + size
	for _, r := range o.PlaintextRanges {
		if r.Start <= start && end <= r.End {
			return true
		}
	}
	return false
}

var defaultLogger = logrus.New()

// SectionHandle is an opened, decrypted section ready to be wrapped as the
// filesystem its FsHeader declares.
type SectionHandle struct {
	Index    int
	Kind     SectionKind
	FsHeader FsHeader
	Source   source.Source
}

// NCA is an opened, header-decrypted Nintendo Content Archive.
type NCA struct {
	header   Header
	sections []SectionHandle
	src      source.Source
	log      *logrus.Logger
}

// Open decrypts and parses the NCA over src using ks for key derivation.
func Open(src source.Source, ks *keys.Keyset, opts Options) (*NCA, error) {
	log := opts.Log
	if log == nil {
		log = defaultLogger
	}

	ciphertext := make([]byte, headerStructSize)
	if n, err := src.ReadAt(ciphertext, 0); err != nil || n < headerStructSize {
		return nil, fmt.Errorf("%w: nca header", errs.ErrTruncated)
	}

	headerKey, err := ks.HeaderKey()
	if err != nil {
		return nil, err
	}

	plain := make([]byte, headerStructSize)
	for i := 0; i < headerStructSize/blockSize; i++ {
		sector := make([]byte, blockSize)
		copy(sector, ciphertext[i*blockSize:(i+1)*blockSize])
		dec, err := crypto.XTSDecryptSector(sector, headerKey, uint64(i))
		if err != nil {
			return nil, fmt.Errorf("nca: decrypting header sector %d: %w", i, err)
		}
		copy(plain[i*blockSize:(i+1)*blockSize], dec)
	}

	if string(plain[0x200:0x204]) != magicNCA3 {
		return nil, fmt.Errorf("%w: got %q", errs.ErrUnsupportedNcaVersion, plain[0x200:0x204])
	}

	hdr, err := parseHeader(plain)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"contentType": hdr.ContentType, "programID": hdr.ProgramID,
	}).Trace("nca: header parsed")

	generation := keys.EffectiveGeneration(hdr.KeyGenerationOld, hdr.KeyGenerationNew)

	// keyArea holds the NCA's fixed four-key decrypted key area: index 0/1
	// form the AesXts key pair, index 2 keys every AesCtr/AesCtrEx section
	// body. Index 3 is reserved by the format and unused here. Title-key
	// mode has only a single unwrapped content key, which fills all four
	// slots so the same index-based selection below applies unchanged.
	var keyArea [4][16]byte
	if hdr.rightsIDEmpty() {
		kak, err := ks.DeriveKeyAreaKey(generation, keys.KeyAreaFamily(hdr.KeyAreaIndex))
		if err != nil {
			return nil, err
		}
		decrypted, err := crypto.ECBDecrypt(hdr.EncryptedKeyArea[:], kak[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrKeyDerivationFailed, err)
		}
		for i := 0; i < 4; i++ {
			copy(keyArea[i][:], decrypted[i*16:(i+1)*16])
		}
	} else {
		titlekek, err := ks.DeriveTitleKek(generation)
		if err != nil {
			return nil, err
		}
		if opts.TitleKeyStore == nil {
			return nil, fmt.Errorf("%w: %x", errs.ErrMissingTitleKey, hdr.RightsID)
		}
		titleKey, ok := opts.TitleKeyStore.TitleKey(hdr.RightsID)
		if !ok {
			return nil, fmt.Errorf("%w: %x", errs.ErrMissingTitleKey, hdr.RightsID)
		}
		wrapped := make([]byte, 16)
		copy(wrapped, titleKey[:])
		sectionKey, err := crypto.ECBDecrypt(wrapped, titlekek[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrKeyDerivationFailed, err)
		}
		var k [16]byte
		copy(k[:], sectionKey)
		for i := range keyArea {
			keyArea[i] = k
		}
	}

	n := &NCA{header: hdr, src: src, log: log}

	for i, entry := range hdr.Sections {
		if entry.empty() {
			continue
		}
		fsHeaderRaw := plain[fsHeaderBase+i*fsHeaderSize : fsHeaderBase+(i+1)*fsHeaderSize]
		gotHash := sha256.Sum256(fsHeaderRaw)
		if gotHash != hdr.FsHeaderHashes[i] {
			if opts.Strict {
				return nil, fmt.Errorf("%w: section %d FsHeader", errs.ErrHashMismatch, i)
			}
			log.WithField("section", i).Warn("nca: FsHeader hash mismatch")
		}

		fsHeader, err := parseFsHeader(fsHeaderRaw)
		if err != nil {
			return nil, fmt.Errorf("nca: section %d: %w", i, err)
		}

		start, size := entry.byteRange()
		rawSection := src.Sub(start, size)

		effectiveEncryption := fsHeader.EncryptionType
		if opts.coveredByPlaintextRange(start, size) {
			log.WithField("section", i).Trace("nca: section covered by a plaintext range, skipping decryption")
			effectiveEncryption = EncryptionNone
		}

		sectionSrc, err := buildSectionSource(rawSection, start, fsHeader, effectiveEncryption, keyArea, log, i)
		if err != nil {
			return nil, err
		}

		kind := SectionRaw
		switch fsHeader.FsType {
		case FsTypePartitionFs:
			kind = SectionPartitionFs
		case FsTypeRomFs:
			kind = SectionRomFs
		}

		if fsHeader.HasSparseInfo {
			log.WithField("section", i).Warn(errs.ErrSparseSectionNotSupported.Error())
		}
		if fsHeader.HasCompression {
			log.WithField("section", i).Warn(errs.ErrCompressedSectionNotSupported.Error())
		}

		n.sections = append(n.sections, SectionHandle{
			Index: i, Kind: kind, FsHeader: fsHeader, Source: sectionSrc,
		})
	}

	return n, nil
}

func parseHeader(plain []byte) (Header, error) {
	var h Header
	copy(h.Magic[:], plain[0x200:0x204])
	h.DistributionType = plain[0x204]
	h.ContentType = ContentType(plain[0x205])
	h.KeyGenerationOld = plain[0x206]
	h.KeyAreaIndex = plain[0x207]
	h.ContentSize = binary.LittleEndian.Uint64(plain[0x208:0x210])
	h.ProgramID = binary.LittleEndian.Uint64(plain[0x210:0x218])
	h.KeyGenerationNew = plain[0x220]
	copy(h.RightsID[:], plain[0x230:0x240])

	for i := 0; i < 4; i++ {
		off := 0x240 + i*0x10
		h.Sections[i] = FsEntry{
			StartBlock: binary.LittleEndian.Uint32(plain[off : off+4]),
			EndBlock:   binary.LittleEndian.Uint32(plain[off+4 : off+8]),
		}
	}
	prevEnd := uint32(0)
	for i, s := range h.Sections {
		if s.empty() {
			continue
		}
		if s.EndBlock < s.StartBlock || s.StartBlock < prevEnd {
			return Header{}, fmt.Errorf("%w: section %d out of order or overlapping", errs.ErrInvalidOffset, i)
		}
		prevEnd = s.EndBlock
	}

	for i := 0; i < 4; i++ {
		off := 0x280 + i*0x20
		copy(h.FsHeaderHashes[i][:], plain[off:off+0x20])
	}
	copy(h.EncryptedKeyArea[:], plain[0x300:0x340])
	return h, nil
}

// aesCtrBodyKeyIndex is the fixed key-area slot used to key every
// AesCtr/AesCtrEx section body. AesXts sections instead use the pair at
// slots 0 and 1 concatenated into one 32-byte key.
const aesCtrBodyKeyIndex = 2

func buildSectionSource(raw source.Source, sectionStart int64, fh FsHeader, encryption EncryptionType, keyArea [4][16]byte, log *logrus.Logger, index int) (source.Source, error) {
	switch encryption {
	case EncryptionNone:
		return raw, nil
	case EncryptionAesXts:
		return newXtsSource(raw, keyArea[0], keyArea[1]), nil
	case EncryptionAesCtr:
		return newCtrSource(raw, keyArea[aesCtrBodyKeyIndex], sectionStart, fh.baseCounter()), nil
	case EncryptionAesCtrEx:
		key := keyArea[aesCtrBodyKeyIndex]
		buckets, err := crypto.ResolveSubsections(key, fh.baseCounter(), sectionStart, fh.PatchInfo, func(buf []byte, absOff int64) (int, error) {
			return raw.ReadAt(buf, absOff-sectionStart)
		})
		if err != nil {
			log.WithField("section", index).Warn("nca: patched section bucket tree unavailable")
			return nil, fmt.Errorf("%w: %v", errs.ErrPatchedSectionNotSupported, err)
		}
		return newCtrExSource(raw, key, sectionStart, fh.baseCounter(), buckets), nil
	case EncryptionAesCtrSkipLayerHash, EncryptionAesCtrExSkipLayerHash:
		log.WithField("section", index).Warn("nca: skip-layer-hash encryption type not supported")
		return nil, fmt.Errorf("%w: encryption type %d", errs.ErrUnsupportedNcaVersion, encryption)
	default:
		return nil, fmt.Errorf("nca: unknown encryption type %d", encryption)
	}
}

// Header returns a copy of the parsed fixed header.
func (n *NCA) Header() Header { return n.header }

// SectionCount returns how many of the four FsEntries are populated.
func (n *NCA) SectionCount() int { return len(n.sections) }

// Section returns the i'th populated section handle, in FsEntry index
// order, for i in 0..SectionCount()-1. The handle's Index field is the
// FsEntry slot, which differs from i when earlier entries are empty.
func (n *NCA) Section(i int) (SectionHandle, error) {
	if i < 0 || i >= len(n.sections) {
		return SectionHandle{}, fmt.Errorf("%w: section index %d", errs.ErrInvalidOffset, i)
	}
	return n.sections[i], nil
}

func (n *NCA) ContentType() ContentType   { return n.header.ContentType }
func (n *NCA) ProgramID() uint64          { return n.header.ProgramID }
func (n *NCA) RightsID() [0x10]byte       { return n.header.RightsID }
func (n *NCA) DistributionType() byte     { return n.header.DistributionType }
