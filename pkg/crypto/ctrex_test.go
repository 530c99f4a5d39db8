package crypto

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBucketTreePlain constructs one bucket-tree header followed by a
// single bucket with two subsection entries: [0x1000,0x1800) keyed with
// counter 0xAABBCCDD, [0x1800,0x2000) keyed with counter 0x11223344.
func buildBucketTreePlain(t *testing.T) []byte {
	t.Helper()
	plain := make([]byte, bucketTableHeaderSize+16+32)
	binary.LittleEndian.PutUint32(plain[4:8], 1) // bucketCount

	pos := bucketTableHeaderSize
	binary.LittleEndian.PutUint32(plain[pos+4:pos+8], 2)         // entryCount
	binary.LittleEndian.PutUint64(plain[pos+8:pos+16], 0x2000)   // bucket end offset

	e0 := pos + 16
	binary.LittleEndian.PutUint64(plain[e0:e0+8], 0x1000)
	binary.LittleEndian.PutUint32(plain[e0+12:e0+16], 0xAABBCCDD)

	e1 := e0 + 16
	binary.LittleEndian.PutUint64(plain[e1:e1+8], 0x1800)
	binary.LittleEndian.PutUint32(plain[e1+12:e1+16], 0x11223344)

	return plain
}

func TestResolveSubsections_ParsesBucketsAndComputesRunSizes(t *testing.T) {
	var key [16]byte
	copy(key[:], "0123456789abcdef")
	var baseCounter [16]byte
	copy(baseCounter[:], "fedcba9876543210")

	plain := buildBucketTreePlain(t)
	stream, err := CTRStream(key, baseCounter, 0)
	require.NoError(t, err)
	ciphertext := make([]byte, len(plain))
	stream.XORKeyStream(ciphertext, plain)

	read := func(buf []byte, absOff int64) (int, error) {
		n := copy(buf, ciphertext[absOff:])
		return n, nil
	}

	info := PatchInfo{Offset: 0, Size: uint64(len(plain))}
	buckets, err := ResolveSubsections(key, baseCounter, 0, info, read)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Len(t, buckets[0].Entries, 2)

	assert.EqualValues(t, 0x1000, buckets[0].Entries[0].VirtualOffset)
	assert.EqualValues(t, 0x800, buckets[0].Entries[0].Size)
	assert.EqualValues(t, 0xAABBCCDD, buckets[0].Entries[0].Counter)

	assert.EqualValues(t, 0x1800, buckets[0].Entries[1].VirtualOffset)
	assert.EqualValues(t, 0x800, buckets[0].Entries[1].Size)
	assert.EqualValues(t, 0x11223344, buckets[0].Entries[1].Counter)

	counter, runEnd, ok := CounterForOffset(buckets, 0x1200)
	require.True(t, ok)
	assert.EqualValues(t, 0xAABBCCDD, counter)
	assert.EqualValues(t, 0x1800, runEnd)

	counter, runEnd, ok = CounterForOffset(buckets, 0x1900)
	require.True(t, ok)
	assert.EqualValues(t, 0x11223344, counter)
	assert.EqualValues(t, 0x2000, runEnd)

	_, _, ok = CounterForOffset(buckets, 0x5000)
	assert.False(t, ok)
}

func TestResolveSubsections_ZeroSizeReturnsNoBuckets(t *testing.T) {
	var key [16]byte
	var baseCounter [16]byte
	buckets, err := ResolveSubsections(key, baseCounter, 0, PatchInfo{Size: 0}, nil)
	require.NoError(t, err)
	assert.Nil(t, buckets)
}

func TestWithSubsectionCounter_OverlaysBytes4Through7Only(t *testing.T) {
	var base [16]byte
	for i := range base {
		base[i] = byte(i + 1)
	}

	out := WithSubsectionCounter(base, 0x01020304)

	assert.Equal(t, base[:4], out[:4])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, out[4:8])
	assert.Equal(t, base[8:], out[8:])
}

func TestParsePatchInfo_RejectsShortInput(t *testing.T) {
	_, err := ParsePatchInfo(make([]byte, 10))
	assert.Error(t, err)
}
