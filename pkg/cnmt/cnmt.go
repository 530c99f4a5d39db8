// Package cnmt implements the PackagedContentMeta reader: the content
// manifest embedded in every NSP/title, listing the NCAs that make up the
// title and their roles.
package cnmt

import (
	"encoding/binary"
	"fmt"

	"github.com/hexserval/nxarc/pkg/errs"
	"github.com/hexserval/nxarc/pkg/source"
	"github.com/sirupsen/logrus"
)

const (
	headerSize           = 0x20
	packagedContentSize  = 0x38
	contentMetaInfoSize  = 0x10
	digestSize           = 0x20
)

// ContentMetaType selects the extended-header schema.
type ContentMetaType byte

const (
	MetaSystemProgram        ContentMetaType = 0x01
	MetaSystemData           ContentMetaType = 0x02
	MetaSystemUpdate         ContentMetaType = 0x03
	MetaBootImagePackage     ContentMetaType = 0x04
	MetaBootImagePackageSafe ContentMetaType = 0x05
	MetaApplication          ContentMetaType = 0x80
	MetaPatch                ContentMetaType = 0x81
	MetaAddOnContent         ContentMetaType = 0x82
	MetaDelta                ContentMetaType = 0x83
	MetaDataPatch            ContentMetaType = 0x84
)

// ContentType classifies one PackagedContentInfo entry.
type ContentType byte

const (
	ContentMetaOnly ContentType = iota
	ContentProgram
	ContentData
	ContentControl
	ContentHtmlDocument
	ContentLegalInformation
	ContentDeltaFragment
)

// ExtendedHeader variants, sized exactly per spec's dispatch table.
type ApplicationExtendedHeader struct {
	PatchId                  uint64
	RequiredSystemVersion    uint32
	RequiredApplicationVersion uint32
}

const applicationExtendedHeaderSize = 16

type PatchExtendedHeader struct {
	ApplicationId         uint64
	RequiredSystemVersion uint32
	ExtendedDataSize      uint32
}

const patchExtendedHeaderSize = 16

type AddOnContentExtendedHeader struct {
	ApplicationId         uint64
	RequiredApplicationVersion uint32
	Reserved              uint32
}

const addOnContentExtendedHeaderSize = 16

type DeltaExtendedHeader struct {
	ApplicationId    uint64
	ExtendedDataSize uint32
	Reserved         uint32
}

const deltaExtendedHeaderSize = 16

type DataPatchExtendedHeader struct {
	ApplicationId            uint64
	RequiredApplicationVersion uint32
	ExtendedDataSize         uint32
}

const dataPatchExtendedHeaderSize = 16

type SystemUpdateExtendedHeader struct {
	ExtendedDataSize uint32
}

const systemUpdateExtendedHeaderSize = 4

// ExtendedHeader is the variant union, populated per ContentMetaType; only
// the field matching Header.Type is non-nil.
type ExtendedHeader struct {
	Application  *ApplicationExtendedHeader
	Patch        *PatchExtendedHeader
	AddOnContent *AddOnContentExtendedHeader
	Delta        *DeltaExtendedHeader
	DataPatch    *DataPatchExtendedHeader
	SystemUpdate *SystemUpdateExtendedHeader
}

func expectedExtendedHeaderSize(t ContentMetaType) (int, bool) {
	switch t {
	case MetaApplication:
		return applicationExtendedHeaderSize, true
	case MetaPatch:
		return patchExtendedHeaderSize, true
	case MetaAddOnContent:
		return addOnContentExtendedHeaderSize, true
	case MetaDelta:
		return deltaExtendedHeaderSize, true
	case MetaDataPatch:
		return dataPatchExtendedHeaderSize, true
	case MetaSystemUpdate:
		return systemUpdateExtendedHeaderSize, true
	default:
		return 0, false
	}
}

func parseExtendedHeader(t ContentMetaType, raw []byte) ExtendedHeader {
	var eh ExtendedHeader
	switch t {
	case MetaApplication:
		eh.Application = &ApplicationExtendedHeader{
			PatchId:                    binary.LittleEndian.Uint64(raw[0:8]),
			RequiredSystemVersion:      binary.LittleEndian.Uint32(raw[8:12]),
			RequiredApplicationVersion: binary.LittleEndian.Uint32(raw[12:16]),
		}
	case MetaPatch:
		eh.Patch = &PatchExtendedHeader{
			ApplicationId:         binary.LittleEndian.Uint64(raw[0:8]),
			RequiredSystemVersion: binary.LittleEndian.Uint32(raw[8:12]),
			ExtendedDataSize:      binary.LittleEndian.Uint32(raw[12:16]),
		}
	case MetaAddOnContent:
		eh.AddOnContent = &AddOnContentExtendedHeader{
			ApplicationId:              binary.LittleEndian.Uint64(raw[0:8]),
			RequiredApplicationVersion: binary.LittleEndian.Uint32(raw[8:12]),
			Reserved:                   binary.LittleEndian.Uint32(raw[12:16]),
		}
	case MetaDelta:
		eh.Delta = &DeltaExtendedHeader{
			ApplicationId:    binary.LittleEndian.Uint64(raw[0:8]),
			ExtendedDataSize: binary.LittleEndian.Uint32(raw[8:12]),
			Reserved:         binary.LittleEndian.Uint32(raw[12:16]),
		}
	case MetaDataPatch:
		eh.DataPatch = &DataPatchExtendedHeader{
			ApplicationId:              binary.LittleEndian.Uint64(raw[0:8]),
			RequiredApplicationVersion: binary.LittleEndian.Uint32(raw[8:12]),
			ExtendedDataSize:           binary.LittleEndian.Uint32(raw[12:16]),
		}
	case MetaSystemUpdate:
		eh.SystemUpdate = &SystemUpdateExtendedHeader{
			ExtendedDataSize: binary.LittleEndian.Uint32(raw[0:4]),
		}
	}
	return eh
}

// PackagedContentInfo is one 0x38-byte content record: hash, content id,
// a 6-byte size (extended to uint64 with zero high bytes), content type,
// and the raw content attributes byte.
type PackagedContentInfo struct {
	Hash              [32]byte
	ContentId         [16]byte
	Size              uint64
	ContentType       ContentType
	ContentAttributes byte
}

// ContentMetaInfo is one 0x10-byte meta-content record referencing another
// title's content meta.
type ContentMetaInfo struct {
	Id      uint64
	Version uint32
	Type    ContentMetaType
	Attributes byte
}

// Header is the fixed 0x20-byte PackagedContentMetaHeader.
type Header struct {
	Id                            uint64
	Version                       uint32
	Type                          ContentMetaType
	Platform                      byte
	ExtendedHeaderSize            uint16
	ContentCount                  uint16
	ContentMetaCount              uint16
	Attributes                    byte
	RequiredDownloadSystemVersion uint32
}

// Meta is a parsed PackagedContentMeta.
type Meta struct {
	header         Header
	extendedHeader ExtendedHeader
	contents       []PackagedContentInfo
	metaContents   []ContentMetaInfo
	digest         [32]byte
}

var defaultLogger = logrus.New()

// Options configures Parse.
type Options struct {
	Log *logrus.Logger
}

// Parse reads the full CNMT structure from src.
func Parse(src source.Source, opts Options) (*Meta, error) {
	log := opts.Log
	if log == nil {
		log = defaultLogger
	}

	hdrRaw := make([]byte, headerSize)
	if n, err := src.ReadAt(hdrRaw, 0); err != nil || n < headerSize {
		return nil, fmt.Errorf("%w: cnmt header", errs.ErrTruncated)
	}

	h := Header{
		Id:                            binary.LittleEndian.Uint64(hdrRaw[0x00:0x08]),
		Version:                       binary.LittleEndian.Uint32(hdrRaw[0x08:0x0C]),
		Type:                          ContentMetaType(hdrRaw[0x0C]),
		Platform:                      hdrRaw[0x0D],
		ExtendedHeaderSize:            binary.LittleEndian.Uint16(hdrRaw[0x0E:0x10]),
		ContentCount:                  binary.LittleEndian.Uint16(hdrRaw[0x10:0x12]),
		ContentMetaCount:              binary.LittleEndian.Uint16(hdrRaw[0x12:0x14]),
		Attributes:                    hdrRaw[0x14],
		RequiredDownloadSystemVersion: binary.LittleEndian.Uint32(hdrRaw[0x18:0x1C]),
	}

	log.WithFields(logrus.Fields{
		"type": h.Type, "contentCount": h.ContentCount, "metaCount": h.ContentMetaCount,
	}).Trace("cnmt: header parsed")

	var extendedHeader ExtendedHeader
	if want, known := expectedExtendedHeaderSize(h.Type); known {
		if int(h.ExtendedHeaderSize) != want {
			return nil, fmt.Errorf("%w: type %#x expects %d, header declares %d",
				errs.ErrExtendedHeaderSizeMismatch, h.Type, want, h.ExtendedHeaderSize)
		}
		ehRaw := make([]byte, want)
		if n, err := src.ReadAt(ehRaw, headerSize); err != nil || n < want {
			return nil, fmt.Errorf("%w: cnmt extended header", errs.ErrTruncated)
		}
		extendedHeader = parseExtendedHeader(h.Type, ehRaw)
	} else if h.ExtendedHeaderSize != 0 {
		log.WithField("type", h.Type).Warn("cnmt: unknown content meta type with nonzero extended header; leaving empty")
	}

	contentsOffset := int64(headerSize) + int64(h.ExtendedHeaderSize)
	fileLen := src.Len()
	need := contentsOffset + int64(h.ContentCount)*packagedContentSize + int64(h.ContentMetaCount)*contentMetaInfoSize + digestSize
	if need > fileLen {
		return nil, fmt.Errorf("%w: cnmt body shorter than header declares", errs.ErrTruncated)
	}

	contents := make([]PackagedContentInfo, h.ContentCount)
	for i := uint16(0); i < h.ContentCount; i++ {
		off := contentsOffset + int64(i)*packagedContentSize
		buf := make([]byte, packagedContentSize)
		if n, err := src.ReadAt(buf, off); err != nil || n < packagedContentSize {
			return nil, fmt.Errorf("%w: packaged content info %d", errs.ErrTruncated, i)
		}
		var c PackagedContentInfo
		copy(c.Hash[:], buf[0x00:0x20])
		copy(c.ContentId[:], buf[0x20:0x30])
		var sizeBytes [8]byte
		copy(sizeBytes[:6], buf[0x30:0x36])
		c.Size = binary.LittleEndian.Uint64(sizeBytes[:])
		c.ContentType = ContentType(buf[0x36])
		c.ContentAttributes = buf[0x37]
		contents[i] = c
	}

	metaContentsOffset := contentsOffset + int64(h.ContentCount)*packagedContentSize
	metaContents := make([]ContentMetaInfo, h.ContentMetaCount)
	for i := uint16(0); i < h.ContentMetaCount; i++ {
		off := metaContentsOffset + int64(i)*contentMetaInfoSize
		buf := make([]byte, contentMetaInfoSize)
		if n, err := src.ReadAt(buf, off); err != nil || n < contentMetaInfoSize {
			return nil, fmt.Errorf("%w: content meta info %d", errs.ErrTruncated, i)
		}
		metaContents[i] = ContentMetaInfo{
			Id:         binary.LittleEndian.Uint64(buf[0x00:0x08]),
			Version:    binary.LittleEndian.Uint32(buf[0x08:0x0C]),
			Type:       ContentMetaType(buf[0x0C]),
			Attributes: buf[0x0D],
		}
	}

	var digest [32]byte
	digestOffset := fileLen - digestSize
	digestRaw := make([]byte, digestSize)
	if n, err := src.ReadAt(digestRaw, digestOffset); err != nil || n < digestSize {
		return nil, fmt.Errorf("%w: cnmt digest", errs.ErrTruncated)
	}
	copy(digest[:], digestRaw)

	return &Meta{
		header: h, extendedHeader: extendedHeader,
		contents: contents, metaContents: metaContents, digest: digest,
	}, nil
}

func (m *Meta) TitleID() uint64              { return m.header.Id }
func (m *Meta) Version() uint32              { return m.header.Version }
func (m *Meta) ContentMetaType() ContentMetaType { return m.header.Type }
func (m *Meta) Attributes() byte             { return m.header.Attributes }
func (m *Meta) ExtendedHeader() ExtendedHeader { return m.extendedHeader }
func (m *Meta) Digest() [32]byte             { return m.digest }

// Contents returns all content records, or only those matching filter if
// non-nil.
func (m *Meta) Contents(filter *ContentType) []PackagedContentInfo {
	if filter == nil {
		out := make([]PackagedContentInfo, len(m.contents))
		copy(out, m.contents)
		return out
	}
	var out []PackagedContentInfo
	for _, c := range m.contents {
		if c.ContentType == *filter {
			out = append(out, c)
		}
	}
	return out
}

func (m *Meta) MetaContents() []ContentMetaInfo {
	out := make([]ContentMetaInfo, len(m.metaContents))
	copy(out, m.metaContents)
	return out
}
