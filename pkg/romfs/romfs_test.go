package romfs

import (
	"encoding/binary"
	"testing"

	"github.com/hexserval/nxarc/pkg/errs"
	"github.com/hexserval/nxarc/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invalid = uint32(0xFFFFFFFF)

type dirBuilder struct {
	parent, sibling, childDir, childFile, hashSibling uint32
	name                                              string
}

type fileBuilder struct {
	parent, sibling, hashSibling uint32
	dataOffset, dataSize         int64
	name                         string
}

// buildRomFS serializes a minimal single-bucket RomFS image (bucket count 1
// for both tables) from directory and file record lists, with matching
// hash-table entries pointing at the appropriate chains. Records are placed
// at their index position times a fixed stride to keep offset math simple.
func buildRomFS(t *testing.T, dirs []dirBuilder, dirHashHeads []uint32, files []fileBuilder, fileHashHeads []uint32, data []byte) []byte {
	t.Helper()

	const dirStride = 64
	const fileStride = 64

	dirMeta := make([]byte, len(dirs)*dirStride)
	for i, d := range dirs {
		off := i * dirStride
		binary.LittleEndian.PutUint32(dirMeta[off+0:], d.parent)
		binary.LittleEndian.PutUint32(dirMeta[off+4:], d.sibling)
		binary.LittleEndian.PutUint32(dirMeta[off+8:], d.childDir)
		binary.LittleEndian.PutUint32(dirMeta[off+12:], d.childFile)
		binary.LittleEndian.PutUint32(dirMeta[off+16:], d.hashSibling)
		binary.LittleEndian.PutUint32(dirMeta[off+20:], uint32(len(d.name)))
		copy(dirMeta[off+24:], d.name)
	}

	fileMeta := make([]byte, len(files)*fileStride)
	for i, f := range files {
		off := i * fileStride
		binary.LittleEndian.PutUint32(fileMeta[off+0:], f.parent)
		binary.LittleEndian.PutUint32(fileMeta[off+4:], f.sibling)
		binary.LittleEndian.PutUint64(fileMeta[off+8:], uint64(f.dataOffset))
		binary.LittleEndian.PutUint64(fileMeta[off+16:], uint64(f.dataSize))
		binary.LittleEndian.PutUint32(fileMeta[off+24:], f.hashSibling)
		binary.LittleEndian.PutUint32(fileMeta[off+28:], uint32(len(f.name)))
		copy(fileMeta[off+32:], f.name)
	}

	dirHash := make([]byte, len(dirHashHeads)*4)
	for i, h := range dirHashHeads {
		binary.LittleEndian.PutUint32(dirHash[i*4:], h)
	}
	fileHash := make([]byte, len(fileHashHeads)*4)
	for i, h := range fileHashHeads {
		binary.LittleEndian.PutUint32(fileHash[i*4:], h)
	}

	hdr := make([]byte, headerSize)
	cursor := int64(headerSize)

	dirHashOff := cursor
	cursor += int64(len(dirHash))
	dirMetaOff := cursor
	cursor += int64(len(dirMeta))
	fileHashOff := cursor
	cursor += int64(len(fileHash))
	fileMetaOff := cursor
	cursor += int64(len(fileMeta))
	dataOff := cursor

	binary.LittleEndian.PutUint64(hdr[0x00:], uint64(headerSize))
	binary.LittleEndian.PutUint64(hdr[0x08:], uint64(dirHashOff))
	binary.LittleEndian.PutUint64(hdr[0x10:], uint64(len(dirHash)))
	binary.LittleEndian.PutUint64(hdr[0x18:], uint64(dirMetaOff))
	binary.LittleEndian.PutUint64(hdr[0x20:], uint64(len(dirMeta)))
	binary.LittleEndian.PutUint64(hdr[0x28:], uint64(fileHashOff))
	binary.LittleEndian.PutUint64(hdr[0x30:], uint64(len(fileHash)))
	binary.LittleEndian.PutUint64(hdr[0x38:], uint64(fileMetaOff))
	binary.LittleEndian.PutUint64(hdr[0x40:], uint64(len(fileMeta)))
	binary.LittleEndian.PutUint64(hdr[0x48:], uint64(dataOff))

	out := append([]byte{}, hdr...)
	out = append(out, dirHash...)
	out = append(out, dirMeta...)
	out = append(out, fileHash...)
	out = append(out, fileMeta...)
	out = append(out, data...)
	return out
}

// TestRomFS_SingleFileInSubdirectory builds /dir1/file1 with contents
// "ABCDEFG" (size 7) and exercises Resolve, Open, List and Walk.
func TestRomFS_SingleFileInSubdirectory(t *testing.T) {
	// root dir at offset 0, dir1 at offset 64
	root := dirBuilder{parent: 0, sibling: invalid, childDir: 64, childFile: invalid, hashSibling: invalid, name: ""}
	dir1 := dirBuilder{parent: 0, sibling: invalid, childDir: invalid, childFile: 0, hashSibling: invalid, name: "dir1"}
	file1 := fileBuilder{parent: 64, sibling: invalid, hashSibling: invalid, dataOffset: 0, dataSize: 7, name: "file1"}

	data := []byte("ABCDEFG")

	raw := buildRomFS(t,
		[]dirBuilder{root, dir1}, []uint32{64},
		[]fileBuilder{file1}, []uint32{0},
		data,
	)

	fs, err := Open(source.NewMemorySource(raw), Options{})
	require.NoError(t, err)

	h, err := fs.Resolve("/dir1/file1")
	require.NoError(t, err)
	assert.True(t, h.isFile)

	sub, err := fs.Open(h)
	require.NoError(t, err)
	buf := make([]byte, 7)
	n, err := sub.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFG", string(buf[:n]))

	dirs, files, err := fs.List(Root())
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Empty(t, files)

	var visited []string
	err = fs.Walk(func(path string, h Handle) error {
		visited = append(visited, path)
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, visited, "/dir1/file1")
}

func TestRomFS_ResolveHandlesDotAndDotDot(t *testing.T) {
	root := dirBuilder{parent: 0, sibling: invalid, childDir: 64, childFile: invalid, hashSibling: invalid, name: ""}
	dir1 := dirBuilder{parent: 0, sibling: invalid, childDir: invalid, childFile: 0, hashSibling: invalid, name: "dir1"}
	file1 := fileBuilder{parent: 64, sibling: invalid, hashSibling: invalid, dataOffset: 0, dataSize: 3, name: "file1"}

	raw := buildRomFS(t,
		[]dirBuilder{root, dir1}, []uint32{64},
		[]fileBuilder{file1}, []uint32{0},
		[]byte("xyz"),
	)
	fs, err := Open(source.NewMemorySource(raw), Options{})
	require.NoError(t, err)

	h1, err := fs.Resolve("/dir1/../dir1/./file1")
	require.NoError(t, err)
	h2, err := fs.Resolve("/dir1/file1")
	require.NoError(t, err)
	assert.Equal(t, h2, h1)

	root2, err := fs.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, Root(), root2)
}

func TestRomFS_LookupMissingNameFails(t *testing.T) {
	root := dirBuilder{parent: 0, sibling: invalid, childDir: invalid, childFile: invalid, hashSibling: invalid, name: ""}
	raw := buildRomFS(t, []dirBuilder{root}, []uint32{invalid}, nil, nil, nil)
	fs, err := Open(source.NewMemorySource(raw), Options{})
	require.NoError(t, err)

	_, err = fs.Lookup(Root(), "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRomFS_OpenOnDirectoryFails(t *testing.T) {
	root := dirBuilder{parent: 0, sibling: invalid, childDir: invalid, childFile: invalid, hashSibling: invalid, name: ""}
	raw := buildRomFS(t, []dirBuilder{root}, []uint32{invalid}, nil, nil, nil)
	fs, err := Open(source.NewMemorySource(raw), Options{})
	require.NoError(t, err)

	_, err = fs.Open(Root())
	assert.ErrorIs(t, err, errs.ErrNotAFile)
}

func TestRomFS_TruncatedHeaderRejected(t *testing.T) {
	_, err := Open(source.NewMemorySource(make([]byte, 10)), Options{})
	assert.ErrorIs(t, err, errs.ErrTruncated)
}

func TestHashName_IsDeterministicAndNameSensitive(t *testing.T) {
	a := hashName(0, "file1")
	b := hashName(0, "file1")
	c := hashName(0, "file2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
