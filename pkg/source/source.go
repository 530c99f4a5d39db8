// Package source provides the Readable Source abstraction that every other
// package in this module builds on: a finite, randomly addressable byte
// sequence with a known length.
package source

import (
	"io"
	"os"
)

// Source is a finite byte sequence of known length supporting random access.
// Implementations must allow independent Sub-sources to be read concurrently
// without corrupting each other's logical position: reads are always
// addressed by absolute offset, never by a shared cursor.
type Source interface {
	io.ReaderAt

	// Len reports the total number of bytes available through this source.
	Len() int64

	// Sub returns a bounded window over this source. The returned Source has
	// length min(length, Len()-off) and address 0 at offset off of the
	// parent. Reads past the end of the window return a short count and a
	// nil error, never io.EOF.
	Sub(off, length int64) Source
}

// FileSource is a Source backed by an *os.File, using positional reads so
// concurrent sub-sources never race on a shared seek cursor.
type FileSource struct {
	f    *os.File
	size int64
}

// NewFileSource wraps f as a Source spanning its entire current size.
func NewFileSource(f *os.File) (*FileSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &FileSource{f: f, size: info.Size()}, nil
}

func (s *FileSource) Len() int64 { return s.size }

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return readAtBounded(s.f, p, off, s.size)
}

func (s *FileSource) Sub(off, length int64) Source {
	return newSub(s, off, length, s.size)
}

// MemorySource is a Source backed by an in-memory byte slice.
type MemorySource struct {
	data []byte
}

// NewMemorySource wraps data as a Source. The slice is not copied; callers
// must not mutate it while the Source is in use.
func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{data: data}
}

func (s *MemorySource) Len() int64 { return int64(len(s.data)) }

func (s *MemorySource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.data)) {
		return 0, nil
	}
	n := copy(p, s.data[off:])
	return n, nil
}

func (s *MemorySource) Sub(off, length int64) Source {
	return newSub(s, off, length, int64(len(s.data)))
}

// subSource composes by addition of offsets: parent.Sub(a,b).Sub(c,d) reads
// identically to parent.Sub(a+c, min(d, b-c)).
type subSource struct {
	parent io.ReaderAt
	base   int64
	length int64
}

func newSub(parent io.ReaderAt, off, length, parentLen int64) Source {
	if off < 0 {
		off = 0
	}
	if off > parentLen {
		off = parentLen
	}
	maxLen := parentLen - off
	if length < 0 || length > maxLen {
		length = maxLen
	}
	return &subSource{parent: parent, base: off, length: length}
}

func (s *subSource) Len() int64 { return s.length }

func (s *subSource) ReadAt(p []byte, off int64) (int, error) {
	return readAtBounded(s.parent, p, s.base+off, s.base+s.length)
}

func (s *subSource) Sub(off, length int64) Source {
	return newSub(s.parent, s.base+off, length, s.base+s.length)
}

// readAtBounded reads from r at absolute offset off, clamping the read so it
// never crosses limit (the absolute end-of-window offset). Short reads past
// the window return (n, nil), matching the Source contract.
func readAtBounded(r io.ReaderAt, p []byte, off, limit int64) (int, error) {
	if off >= limit || len(p) == 0 {
		return 0, nil
	}
	avail := limit - off
	want := p
	if int64(len(want)) > avail {
		want = want[:avail]
	}
	n, err := r.ReadAt(want, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}
