package cnmt

import (
	"encoding/binary"
	"testing"

	"github.com/hexserval/nxarc/pkg/errs"
	"github.com/hexserval/nxarc/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putContentEntry(buf []byte, contentId byte, contentType ContentType) []byte {
	entry := make([]byte, packagedContentSize)
	for i := 0; i < 16; i++ {
		entry[0x20+i] = contentId
	}
	entry[0x36] = byte(contentType)
	return append(buf, entry...)
}

func TestParse_ApplicationWithTwoContents(t *testing.T) {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(hdr[0x00:], 0x0100ABCD00010000)
	binary.LittleEndian.PutUint32(hdr[0x08:], 1)
	hdr[0x0C] = byte(MetaApplication)
	binary.LittleEndian.PutUint16(hdr[0x0E:], applicationExtendedHeaderSize)
	binary.LittleEndian.PutUint16(hdr[0x10:], 2)
	binary.LittleEndian.PutUint16(hdr[0x12:], 0)

	eh := make([]byte, applicationExtendedHeaderSize)
	binary.LittleEndian.PutUint64(eh[0:8], 0x0100ABCD00020000)

	var body []byte
	body = append(body, hdr...)
	body = append(body, eh...)
	body = putContentEntry(body, 0x01, ContentProgram)
	body = putContentEntry(body, 0x03, ContentControl)
	body = append(body, make([]byte, digestSize)...)

	meta, err := Parse(source.NewMemorySource(body), Options{})
	require.NoError(t, err)

	assert.Equal(t, MetaApplication, meta.ContentMetaType())
	contents := meta.Contents(nil)
	require.Len(t, contents, 2)
	assert.Equal(t, ContentProgram, contents[0].ContentType)
	assert.Equal(t, ContentControl, contents[1].ContentType)
	assert.EqualValues(t, 0x01, contents[0].ContentId[0])
	assert.EqualValues(t, 0x03, contents[1].ContentId[0])

	require.NotNil(t, meta.ExtendedHeader().Application)
	assert.EqualValues(t, 0x0100ABCD00020000, meta.ExtendedHeader().Application.PatchId)
}

func TestParse_ExtendedHeaderSizeMismatchRejected(t *testing.T) {
	hdr := make([]byte, headerSize)
	hdr[0x0C] = byte(MetaApplication)
	binary.LittleEndian.PutUint16(hdr[0x0E:], 4) // wrong: Application wants 16

	_, err := Parse(source.NewMemorySource(hdr), Options{})
	assert.ErrorIs(t, err, errs.ErrExtendedHeaderSizeMismatch)
}

func TestParse_UnknownTypeLeavesExtendedHeaderEmpty(t *testing.T) {
	hdr := make([]byte, headerSize)
	hdr[0x0C] = 0x7F // not in the dispatch table
	body := append(hdr, make([]byte, digestSize)...)

	meta, err := Parse(source.NewMemorySource(body), Options{})
	require.NoError(t, err)
	eh := meta.ExtendedHeader()
	assert.Nil(t, eh.Application)
	assert.Nil(t, eh.Patch)
}

func TestParse_TruncatedBodyRejected(t *testing.T) {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(hdr[0x10:], 5) // claims 5 contents, none present

	_, err := Parse(source.NewMemorySource(hdr), Options{})
	assert.ErrorIs(t, err, errs.ErrTruncated)
}
