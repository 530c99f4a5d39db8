// Package romfs implements the RomFS read-only filesystem: a hash-chained
// directory/file metadata table packed atop a raw byte stream.
package romfs

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/hexserval/nxarc/pkg/errs"
	"github.com/hexserval/nxarc/pkg/source"
	"github.com/sirupsen/logrus"
)

const (
	headerSize  = 0x50
	invalidOff  = 0xFFFFFFFF
	dirEntryMin = 0x18 // parent,sibling,childDir,childFile,hashSibling + nameLen
	fileHdrMin  = 0x20 // parent,sibling,dataOff(8),dataSize(8),hashSibling + nameLen
)

// Handle identifies a directory or file record by its byte offset into the
// directory-metadata or file-metadata table respectively.
type Handle struct {
	offset  uint32
	isFile  bool
}

// Root returns the handle for the root directory, always at offset 0.
func Root() Handle { return Handle{offset: 0, isFile: false} }

// Options bounds in-memory table loading and injects a logging sink.
type Options struct {
	// TableSizeCap is the largest table size (bytes) eagerly loaded into
	// memory; larger tables are read on demand from the backing source
	// instead. Zero selects a default of 16 MiB.
	TableSizeCap int64
	Log          *logrus.Logger
}

const defaultTableSizeCap = 16 << 20

var defaultLogger = logrus.New()

type header struct {
	dirHashOff, dirHashSize   int64
	dirMetaOff, dirMetaSize   int64
	fileHashOff, fileHashSize int64
	fileMetaOff, fileMetaSize int64
	dataOff                   int64
}

// FS is an opened RomFS image.
type FS struct {
	src    source.Source
	hdr    header
	opts   Options
	log    *logrus.Logger

	dirHash  []uint32 // nil if demand-read
	fileHash []uint32

	dirMeta  []byte // nil if demand-read
	fileMeta []byte

	totalEntries int
}

// Open parses src (the RomFS coordinate space — already a window over an
// NCA section) into an FS.
func Open(src source.Source, opts Options) (*FS, error) {
	log := opts.Log
	if log == nil {
		log = defaultLogger
	}
	cap := opts.TableSizeCap
	if cap <= 0 {
		cap = defaultTableSizeCap
	}

	raw := make([]byte, headerSize)
	if n, err := src.ReadAt(raw, 0); err != nil || n < headerSize {
		return nil, fmt.Errorf("%w: romfs header", errs.ErrTruncated)
	}

	h := header{
		dirHashOff:   int64(binary.LittleEndian.Uint64(raw[0x08:0x10])),
		dirHashSize:  int64(binary.LittleEndian.Uint64(raw[0x10:0x18])),
		dirMetaOff:   int64(binary.LittleEndian.Uint64(raw[0x18:0x20])),
		dirMetaSize:  int64(binary.LittleEndian.Uint64(raw[0x20:0x28])),
		fileHashOff:  int64(binary.LittleEndian.Uint64(raw[0x28:0x30])),
		fileHashSize: int64(binary.LittleEndian.Uint64(raw[0x30:0x38])),
		fileMetaOff:  int64(binary.LittleEndian.Uint64(raw[0x38:0x40])),
		fileMetaSize: int64(binary.LittleEndian.Uint64(raw[0x40:0x48])),
		dataOff:      int64(binary.LittleEndian.Uint64(raw[0x48:0x50])),
	}

	f := &FS{src: src, hdr: h, opts: Options{TableSizeCap: cap, Log: log}, log: log}

	if h.dirHashSize <= cap {
		f.dirHash = make([]uint32, h.dirHashSize/4)
		if err := f.readUint32Table(h.dirHashOff, f.dirHash); err != nil {
			return nil, err
		}
	}
	if h.fileHashSize <= cap {
		f.fileHash = make([]uint32, h.fileHashSize/4)
		if err := f.readUint32Table(h.fileHashOff, f.fileHash); err != nil {
			return nil, err
		}
	}
	if h.dirMetaSize <= cap {
		f.dirMeta = make([]byte, h.dirMetaSize)
		if n, err := src.ReadAt(f.dirMeta, h.dirMetaOff); err != nil || int64(n) < h.dirMetaSize {
			return nil, fmt.Errorf("%w: romfs directory metadata table", errs.ErrTruncated)
		}
	}
	if h.fileMetaSize <= cap {
		f.fileMeta = make([]byte, h.fileMetaSize)
		if n, err := src.ReadAt(f.fileMeta, h.fileMetaOff); err != nil || int64(n) < h.fileMetaSize {
			return nil, fmt.Errorf("%w: romfs file metadata table", errs.ErrTruncated)
		}
	}

	f.totalEntries = int(h.dirMetaSize/4+1) + int(h.fileMetaSize/4+1)
	log.WithFields(logrus.Fields{
		"dirHashSize": h.dirHashSize, "fileHashSize": h.fileHashSize,
	}).Trace("romfs: header parsed")

	return f, nil
}

func (f *FS) readUint32Table(off int64, out []uint32) error {
	buf := make([]byte, len(out)*4)
	n, err := f.src.ReadAt(buf, off)
	if err != nil || n < len(buf) {
		return fmt.Errorf("%w: romfs hash table", errs.ErrTruncated)
	}
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return nil
}

func (f *FS) hashTableEntry(hashTable []uint32, off, size int64, idx uint32) (uint32, error) {
	if hashTable != nil {
		if int(idx) >= len(hashTable) {
			return 0, fmt.Errorf("%w: hash bucket %d", errs.ErrInvalidOffset, idx)
		}
		return hashTable[idx], nil
	}
	var buf [4]byte
	n, err := f.src.ReadAt(buf[:], off+int64(idx)*4)
	if err != nil || n < 4 {
		return 0, fmt.Errorf("%w: hash bucket %d", errs.ErrTruncated, idx)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

type dirRecord struct {
	parent, sibling, childDir, childFile, hashSibling uint32
	name                                              string
}

type fileRecord struct {
	parent, sibling, hashSibling uint32
	dataOffset, dataSize         int64
	name                         string
}

func (f *FS) readDirRecord(off uint32) (dirRecord, error) {
	var buf []byte
	if f.dirMeta != nil {
		if int64(off)+dirEntryMin > int64(len(f.dirMeta)) {
			return dirRecord{}, fmt.Errorf("%w: dir record at %d", errs.ErrInvalidOffset, off)
		}
		buf = f.dirMeta[off:]
	} else {
		tmp := make([]byte, dirEntryMin+256)
		n, err := f.src.ReadAt(tmp, f.hdr.dirMetaOff+int64(off))
		if err != nil || n < dirEntryMin {
			return dirRecord{}, fmt.Errorf("%w: dir record at %d", errs.ErrTruncated, off)
		}
		buf = tmp[:n]
	}

	r := dirRecord{
		parent:       binary.LittleEndian.Uint32(buf[0:4]),
		sibling:      binary.LittleEndian.Uint32(buf[4:8]),
		childDir:     binary.LittleEndian.Uint32(buf[8:12]),
		childFile:    binary.LittleEndian.Uint32(buf[12:16]),
		hashSibling:  binary.LittleEndian.Uint32(buf[16:20]),
	}
	nameLen := binary.LittleEndian.Uint32(buf[20:24])
	if int64(24+nameLen) > int64(len(buf)) {
		return dirRecord{}, fmt.Errorf("%w: dir record name at %d", errs.ErrTruncated, off)
	}
	r.name = string(buf[24 : 24+nameLen])
	return r, nil
}

func (f *FS) readFileRecord(off uint32) (fileRecord, error) {
	var buf []byte
	if f.fileMeta != nil {
		if int64(off)+fileHdrMin > int64(len(f.fileMeta)) {
			return fileRecord{}, fmt.Errorf("%w: file record at %d", errs.ErrInvalidOffset, off)
		}
		buf = f.fileMeta[off:]
	} else {
		tmp := make([]byte, fileHdrMin+256)
		n, err := f.src.ReadAt(tmp, f.hdr.fileMetaOff+int64(off))
		if err != nil || n < fileHdrMin {
			return fileRecord{}, fmt.Errorf("%w: file record at %d", errs.ErrTruncated, off)
		}
		buf = tmp[:n]
	}

	r := fileRecord{
		parent:      binary.LittleEndian.Uint32(buf[0:4]),
		sibling:     binary.LittleEndian.Uint32(buf[4:8]),
		dataOffset:  int64(binary.LittleEndian.Uint64(buf[8:16])),
		dataSize:    int64(binary.LittleEndian.Uint64(buf[16:24])),
		hashSibling: binary.LittleEndian.Uint32(buf[24:28]),
	}
	nameLen := binary.LittleEndian.Uint32(buf[28:32])
	if int64(32+nameLen) > int64(len(buf)) {
		return fileRecord{}, fmt.Errorf("%w: file record name at %d", errs.ErrTruncated, off)
	}
	r.name = string(buf[32 : 32+nameLen])
	return r, nil
}

// hashName implements the spec's byte-at-a-time rotate/xor hash over the
// serialized (parentOffset:u32 LE, nameLen:u32 LE, name) triple.
func hashName(parentOffset uint32, name string) uint32 {
	h := uint32(123456789)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], parentOffset)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(name)))
	for _, b := range hdr {
		h = (h>>5 | h<<27) ^ uint32(b)
	}
	for i := 0; i < len(name); i++ {
		h = (h>>5 | h<<27) ^ uint32(name[i])
	}
	return h
}

// List returns the immediate child directories and files of dir.
func (f *FS) List(dir Handle) (dirs, files []Handle, err error) {
	if dir.isFile {
		return nil, nil, errs.ErrNotADirectory
	}
	rec, err := f.readDirRecord(dir.offset)
	if err != nil {
		return nil, nil, err
	}

	steps := 0
	for cur := rec.childDir; cur != invalidOff; {
		if steps > f.totalEntries+1 {
			return nil, nil, errs.ErrHashChainCycle
		}
		steps++
		dirs = append(dirs, Handle{offset: cur})
		child, err := f.readDirRecord(cur)
		if err != nil {
			return nil, nil, err
		}
		cur = child.sibling
	}

	steps = 0
	for cur := rec.childFile; cur != invalidOff; {
		if steps > f.totalEntries+1 {
			return nil, nil, errs.ErrHashChainCycle
		}
		steps++
		files = append(files, Handle{offset: cur, isFile: true})
		child, err := f.readFileRecord(cur)
		if err != nil {
			return nil, nil, err
		}
		cur = child.sibling
	}
	return dirs, files, nil
}

// Lookup finds name within dir via the hash table, verifying parent and
// name equality to defend against hash collisions.
func (f *FS) Lookup(dir Handle, name string) (Handle, error) {
	if dir.isFile {
		return Handle{}, errs.ErrNotADirectory
	}

	// Try as a directory first, then as a file: both tables share a
	// namespace conceptually but are hashed independently.
	if h, err := f.lookupDir(dir.offset, name); err == nil {
		return h, nil
	}
	if h, err := f.lookupFile(dir.offset, name); err == nil {
		return h, nil
	}
	return Handle{}, fmt.Errorf("%w: %q", errs.ErrNotFound, name)
}

func (f *FS) lookupDir(parent uint32, name string) (Handle, error) {
	bucketCount := uint32(f.hdr.dirHashSize / 4)
	if bucketCount == 0 {
		return Handle{}, errs.ErrNotFound
	}
	hash := hashName(parent, name) % bucketCount
	cur, err := f.hashTableEntry(f.dirHash, f.hdr.dirHashOff, f.hdr.dirHashSize, hash)
	if err != nil {
		return Handle{}, err
	}
	steps := 0
	for cur != invalidOff {
		if steps > f.totalEntries+1 {
			return Handle{}, errs.ErrHashChainCycle
		}
		steps++
		rec, err := f.readDirRecord(cur)
		if err != nil {
			return Handle{}, err
		}
		if rec.parent == parent && rec.name == name {
			return Handle{offset: cur}, nil
		}
		cur = rec.hashSibling
	}
	return Handle{}, errs.ErrNotFound
}

func (f *FS) lookupFile(parent uint32, name string) (Handle, error) {
	bucketCount := uint32(f.hdr.fileHashSize / 4)
	if bucketCount == 0 {
		return Handle{}, errs.ErrNotFound
	}
	hash := hashName(parent, name) % bucketCount
	cur, err := f.hashTableEntry(f.fileHash, f.hdr.fileHashOff, f.hdr.fileHashSize, hash)
	if err != nil {
		return Handle{}, err
	}
	steps := 0
	for cur != invalidOff {
		if steps > f.totalEntries+1 {
			return Handle{}, errs.ErrHashChainCycle
		}
		steps++
		rec, err := f.readFileRecord(cur)
		if err != nil {
			return Handle{}, err
		}
		if rec.parent == parent && rec.name == name {
			return Handle{offset: cur, isFile: true}, nil
		}
		cur = rec.hashSibling
	}
	return Handle{}, errs.ErrNotFound
}

// Open returns a Source spanning the file's data within the RomFS
// coordinate space.
func (f *FS) Open(file Handle) (source.Source, error) {
	if !file.isFile {
		return nil, errs.ErrNotAFile
	}
	rec, err := f.readFileRecord(file.offset)
	if err != nil {
		return nil, err
	}
	return f.src.Sub(f.hdr.dataOff+rec.dataOffset, rec.dataSize), nil
}

// Resolve walks an absolute path ("/a/b/c"), textually resolving "." and
// ".." before lookup. An empty path, "/", or a path with only "." segments
// resolves to the root directory.
func (f *FS) Resolve(path string) (Handle, error) {
	segments := normalizePath(path)
	cur := Root()
	for _, seg := range segments {
		next, err := f.Lookup(cur, seg)
		if err != nil {
			return Handle{}, err
		}
		cur = next
	}
	return cur, nil
}

func normalizePath(path string) []string {
	raw := strings.Split(path, "/")
	var stack []string
	for _, seg := range raw {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, seg)
		}
	}
	return stack
}

// Walk visits every directory and file depth-first, calling visitor with
// each entry's full path.
func (f *FS) Walk(visitor func(path string, h Handle) error) error {
	return f.walk("/", Root(), visitor)
}

func (f *FS) walk(path string, dir Handle, visitor func(string, Handle) error) error {
	if err := visitor(path, dir); err != nil {
		return err
	}
	dirs, files, err := f.List(dir)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		rec, err := f.readDirRecord(d.offset)
		if err != nil {
			return err
		}
		if err := f.walk(joinPath(path, rec.name), d, visitor); err != nil {
			return err
		}
	}
	for _, fh := range files {
		rec, err := f.readFileRecord(fh.offset)
		if err != nil {
			return err
		}
		if err := visitor(joinPath(path, rec.name), fh); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(base, name string) string {
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}
