package nca

import (
	"github.com/hexserval/nxarc/pkg/crypto"
	"github.com/hexserval/nxarc/pkg/source"
)

// xtsSource decrypts an AES-XTS-keyed section, sector 0 at the section's
// own base, independent of the NCA's absolute offset.
type xtsSource struct {
	raw    source.Source
	key    [32]byte
	base   int64 // absolute offset of this window's start within raw's own coordinate space
	length int64
}

// newXtsSource builds an AES-XTS source from the key-area's slot-0/slot-1
// pair, concatenated into the single 32-byte tweak+data key XTS expects.
func newXtsSource(raw source.Source, key0, key1 [16]byte) source.Source {
	var k [32]byte
	copy(k[:16], key0[:])
	copy(k[16:], key1[:])
	return &xtsSource{raw: raw, key: k, base: 0, length: raw.Len()}
}

func (x *xtsSource) Len() int64 { return x.length }

func (x *xtsSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= x.length {
		return 0, nil
	}
	n := len(p)
	if int64(n) > x.length-off {
		n = int(x.length - off)
	}

	abs := x.base + off
	sectorStart := abs - (abs % 0x200)
	sectorEnd := abs + int64(n)
	if rem := sectorEnd % 0x200; rem != 0 {
		sectorEnd += 0x200 - rem
	}

	cipherText := make([]byte, sectorEnd-sectorStart)
	got, err := x.raw.ReadAt(cipherText, sectorStart)
	if err != nil {
		return 0, err
	}
	cipherText = cipherText[:got]

	plain := make([]byte, len(cipherText))
	for s := 0; s*0x200 < len(cipherText); s++ {
		lo, hi := s*0x200, (s+1)*0x200
		if hi > len(cipherText) {
			break
		}
		sector := uint64(sectorStart)/0x200 + uint64(s)
		dec, err := crypto.XTSDecryptSector(cipherText[lo:hi], x.key, sector)
		if err != nil {
			return 0, err
		}
		copy(plain[lo:hi], dec)
	}

	lead := int(abs - sectorStart)
	if lead > len(plain) {
		return 0, nil
	}
	out := plain[lead:]
	if len(out) > n {
		out = out[:n]
	}
	copy(p, out)
	return len(out), nil
}

func (x *xtsSource) Sub(off, length int64) source.Source {
	if length < 0 || off < 0 || off > x.length {
		length = 0
	} else if off+length > x.length {
		length = x.length - off
	}
	return &xtsSource{raw: x.raw, key: x.key, base: x.base + off, length: length}
}

// ctrSource decrypts an AES-CTR-keyed section using the section's absolute
// NCA byte offset to seed the counter, per the fixed AES-CTR construction.
type ctrSource struct {
	raw          source.Source
	key          [16]byte
	sectionStart int64
	baseCounter  [16]byte
	base         int64
	length       int64
}

func newCtrSource(raw source.Source, key [16]byte, sectionStart int64, baseCounter [16]byte) source.Source {
	return &ctrSource{raw: raw, key: key, sectionStart: sectionStart, baseCounter: baseCounter, base: 0, length: raw.Len()}
}

func (c *ctrSource) Len() int64 { return c.length }

func (c *ctrSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= c.length {
		return 0, nil
	}
	n := len(p)
	if int64(n) > c.length-off {
		n = int(c.length - off)
	}

	plain, err := crypto.CTRDecryptRange(c.key, c.baseCounter, c.sectionStart, c.base+off, n, func(buf []byte, absOff int64) (int, error) {
		return c.raw.ReadAt(buf, absOff-c.sectionStart)
	})
	if err != nil {
		return 0, err
	}
	copy(p, plain)
	return len(plain), nil
}

func (c *ctrSource) Sub(off, length int64) source.Source {
	if length < 0 || off < 0 || off > c.length {
		length = 0
	} else if off+length > c.length {
		length = c.length - off
	}
	return &ctrSource{raw: c.raw, key: c.key, sectionStart: c.sectionStart, baseCounter: c.baseCounter, base: c.base + off, length: length}
}

// ctrExSource is an AES-CTR section whose counter is overlaid per byte
// range by a resolved patch bucket tree (AesCtrEx / BKTR).
type ctrExSource struct {
	raw          source.Source
	key          [16]byte
	sectionStart int64
	baseCounter  [16]byte
	buckets      []crypto.PatchBucket
	base         int64
	length       int64
}

func newCtrExSource(raw source.Source, key [16]byte, sectionStart int64, baseCounter [16]byte, buckets []crypto.PatchBucket) source.Source {
	return &ctrExSource{raw: raw, key: key, sectionStart: sectionStart, baseCounter: baseCounter, buckets: buckets, base: 0, length: raw.Len()}
}

func (c *ctrExSource) Len() int64 { return c.length }

func (c *ctrExSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= c.length {
		return 0, nil
	}
	n := len(p)
	if int64(n) > c.length-off {
		n = int(c.length - off)
	}

	virtualOff := uint64(c.base + off)
	written := 0
	for written < n {
		cur := virtualOff + uint64(written)
		counter := c.baseCounter
		runEnd := c.length
		if ctr, end, ok := crypto.CounterForOffset(c.buckets, cur); ok {
			counter = crypto.WithSubsectionCounter(c.baseCounter, ctr)
			runEnd = int64(end)
		}
		runLen := n - written
		if runEnd > int64(cur) && runEnd-int64(cur) < int64(runLen) {
			runLen = int(runEnd - int64(cur))
		}
		if runLen <= 0 {
			runLen = n - written
		}

		plain, err := crypto.CTRDecryptRange(c.key, counter, c.sectionStart, c.base+off+int64(written), runLen, func(buf []byte, absOff int64) (int, error) {
			return c.raw.ReadAt(buf, absOff-c.sectionStart)
		})
		if err != nil {
			return written, err
		}
		copy(p[written:written+len(plain)], plain)
		written += len(plain)
		if len(plain) < runLen {
			break
		}
	}
	return written, nil
}

func (c *ctrExSource) Sub(off, length int64) source.Source {
	if length < 0 || off < 0 || off > c.length {
		length = 0
	} else if off+length > c.length {
		length = c.length - off
	}
	return &ctrExSource{raw: c.raw, key: c.key, sectionStart: c.sectionStart, baseCounter: c.baseCounter, buckets: c.buckets, base: c.base + off, length: length}
}
