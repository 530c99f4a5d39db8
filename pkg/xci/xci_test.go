package xci

import (
	"encoding/binary"
	"testing"

	"github.com/hexserval/nxarc/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alignmentHFS0 = 0x200

// buildHFS0 serializes a minimal HFS0 archive with one entry per name in
// names, each holding the given payload, no hash verification needed.
func buildHFS0(names []string, payload []byte) []byte {
	var stringTable []byte
	nameOffsets := make([]uint32, len(names))
	for i, n := range names {
		nameOffsets[i] = uint32(len(stringTable))
		stringTable = append(stringTable, []byte(n)...)
		stringTable = append(stringTable, 0)
	}

	entries := make([]byte, len(names)*0x40)
	for i := range names {
		off := i * 0x40
		binary.LittleEndian.PutUint64(entries[off:off+8], uint64(i*len(payload)))
		binary.LittleEndian.PutUint64(entries[off+8:off+16], uint64(len(payload)))
		binary.LittleEndian.PutUint32(entries[off+16:off+20], nameOffsets[i])
	}

	hdr := make([]byte, 0x10)
	copy(hdr[0:4], "HFS0")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(names)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(stringTable)))

	out := append([]byte{}, hdr...)
	out = append(out, entries...)
	out = append(out, stringTable...)

	dataOffset := len(out)
	if rem := dataOffset % alignmentHFS0; rem != 0 {
		dataOffset += alignmentHFS0 - rem
	}
	out = append(out, make([]byte, dataOffset-len(out))...)
	for range names {
		out = append(out, payload...)
	}
	return out
}

func TestOpen_SkipsToNormalAreaAndParsesRootPartitions(t *testing.T) {
	payload := make([]byte, 0x200)
	for i := range payload {
		payload[i] = byte(i)
	}
	root := buildHFS0([]string{"update", "normal", "secure"}, payload)

	image := make([]byte, NormalAreaOffset)
	image = append(image, root...)

	img, err := Open(source.NewMemorySource(image), Options{})
	require.NoError(t, err)

	names := img.Partitions()
	assert.ElementsMatch(t, []string{"update", "normal", "secure"}, names)
}

func TestPartition_MissingNameFails(t *testing.T) {
	root := buildHFS0([]string{"update"}, []byte{0x01})
	image := append(make([]byte, NormalAreaOffset), root...)

	img, err := Open(source.NewMemorySource(image), Options{})
	require.NoError(t, err)

	_, err = img.Partition("secure")
	assert.Error(t, err)
}
