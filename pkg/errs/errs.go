// Package errs defines the typed error kinds shared by every format reader
// in this module. Every exported sentinel is meant to be matched with
// errors.Is against a wrapped, context-bearing error returned by the
// package that raised it.
package errs

import "errors"

var (
	// Input
	ErrIO        = errors.New("io error")
	ErrTruncated = errors.New("truncated data")

	// Format
	ErrBadMagic                   = errors.New("bad magic")
	ErrUnsupportedVersion         = errors.New("unsupported version")
	ErrInvalidOffset              = errors.New("invalid offset")
	ErrInvalidSize                = errors.New("invalid size")
	ErrNameNotNulTerminated       = errors.New("name not nul-terminated")
	ErrExtendedHeaderSizeMismatch = errors.New("extended header size mismatch")

	// Integrity
	ErrHashMismatch   = errors.New("hash mismatch")
	ErrHashChainCycle = errors.New("hash chain cycle")

	// Crypto
	ErrMissingKey          = errors.New("missing key")
	ErrMissingTitleKey     = errors.New("missing title key")
	ErrKeyDerivationFailed = errors.New("key derivation failed")

	// Unsupported
	ErrPatchedSectionNotSupported    = errors.New("patched section not supported")
	ErrSparseSectionNotSupported     = errors.New("sparse section not supported")
	ErrCompressedSectionNotSupported = errors.New("compressed section not supported")
	ErrUnsupportedNcaVersion         = errors.New("unsupported NCA version")

	// Lookup
	ErrNotFound      = errors.New("not found")
	ErrNotADirectory = errors.New("not a directory")
	ErrNotAFile      = errors.New("not a file")
)
