// Package crypto implements the cipher layers NCA containers are built on:
// a reversed-tweak AES-XTS used for the header and for AesXts section
// bodies, an AES-CTR stream whose counter is seeded from the FS header's
// Generation/SecureValue pair, and the AES-ECB primitive used to unwrap
// key-area and title keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

const blockSize = aes.BlockSize // 16

// ECBDecrypt decrypts data (a multiple of the AES block size) under key
// using AES in ECB mode. Switch key-unwrap formats rely on this even though
// ECB is not safe for general-purpose use.
func ECBDecrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("crypto: ECB input length %d not a multiple of block size", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// ECBEncrypt is the encrypting counterpart of ECBDecrypt.
func ECBEncrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("crypto: ECB input length %d not a multiple of block size", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// XTSDecryptSector decrypts exactly one 0x200-byte sector (of the NCA
// header, or of an AesXts section) under a 32-byte key. Unlike standard XTS, the tweak is the sector
// index serialized big-endian, not assembled little-endian from a u128 —
// this must not be replaced with a stock XTS routine without reproducing
// that reversal.
func XTSDecryptSector(data []byte, key [32]byte, sector uint64) ([]byte, error) {
	if len(data) != 0x200 {
		return nil, fmt.Errorf("crypto: XTS sector must be 0x200 bytes, got %d", len(data))
	}
	c1, err := aes.NewCipher(key[:16]) // data unit key
	if err != nil {
		return nil, err
	}
	c2, err := aes.NewCipher(key[16:]) // tweak key
	if err != nil {
		return nil, err
	}

	tweak := make([]byte, blockSize)
	binary.BigEndian.PutUint64(tweak[8:], sector)
	tweakEnc := make([]byte, blockSize)
	c2.Encrypt(tweakEnc, tweak)
	tweak = tweakEnc

	out := make([]byte, len(data))
	xored := make([]byte, blockSize)
	decrypted := make([]byte, blockSize)
	for i := 0; i < len(data); i += blockSize {
		chunk := data[i : i+blockSize]
		xorBlock(xored, chunk, tweak)
		c1.Decrypt(decrypted, xored)
		xorBlock(out[i:i+blockSize], decrypted, tweak)
		gfMul2(tweak)
	}
	return out, nil
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < blockSize; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// gfMul2 doubles tweak in GF(2^128) with the standard XTS reduction
// polynomial, in place.
func gfMul2(tweak []byte) {
	var carry byte
	for i := 0; i < blockSize; i++ {
		b := tweak[i]
		next := b >> 7
		tweak[i] = (b << 1) | carry
		carry = next
	}
	if carry != 0 {
		tweak[0] ^= 0x87
	}
}

// CTRStream builds an AES-CTR keystream that starts at absoluteOffset, the
// block-aligned absolute NCA byte offset of the first byte to decrypt
// (CTRDecryptRange passes the read's start rounded down to a block).
// baseCounter carries the FsHeader's SecureValue:Generation high bytes in
// its first 8 bytes; the low 8 bytes are overwritten here with
// be64(absoluteOffset/16). The
// returned stream has no state shared across calls, so callers may build a
// fresh one per read for true random access.
func CTRStream(key [16]byte, baseCounter [16]byte, absoluteOffset int64) (cipher.Stream, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	counter := baseCounter
	binary.BigEndian.PutUint64(counter[8:], uint64(absoluteOffset)>>4)
	return cipher.NewCTR(block, counter[:]), nil
}

// CTRDecryptRange decrypts the n bytes of section-relative range [o, o+n)
// given the section's absolute NCA start offset, reading through read (which
// must supply ciphertext for the requested absolute range). It implements
// the full block-alignment dance from the spec: the underlying ciphertext
// is fetched block-aligned, decrypted, then sliced back down to the
// requested unaligned range.
func CTRDecryptRange(key [16]byte, baseCounter [16]byte, sectionStart, o int64, n int, read func(buf []byte, absOff int64) (int, error)) ([]byte, error) {
	abs := sectionStart + o
	alignedStart := abs - (abs % blockSize)
	alignedEnd := abs + int64(n)
	if rem := alignedEnd % blockSize; rem != 0 {
		alignedEnd += blockSize - rem
	}

	cipherText := make([]byte, alignedEnd-alignedStart)
	got, err := read(cipherText, alignedStart)
	if err != nil {
		return nil, err
	}
	cipherText = cipherText[:got]

	stream, err := CTRStream(key, baseCounter, alignedStart)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(cipherText))
	stream.XORKeyStream(plain, cipherText)

	lead := int(abs - alignedStart)
	if lead > len(plain) {
		return nil, nil
	}
	plain = plain[lead:]
	if len(plain) > n {
		plain = plain[:n]
	}
	return plain, nil
}
