// Package keys implements the Keyset: a named-key registry loaded from a
// host-supplied text file (or populated programmatically) and the
// derivation helpers built on top of it. A Keyset is a plain value, never a
// package-level singleton, so its lifetime is whatever the caller gives it
// and it is safe to share read-only across every reader derived from it.
package keys

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hexserval/nxarc/pkg/crypto"
	"github.com/hexserval/nxarc/pkg/errs"
	"github.com/sirupsen/logrus"
)

// KeyAreaFamily selects which of the three key-area-key families a section
// key was wrapped under.
type KeyAreaFamily int

const (
	Application KeyAreaFamily = iota
	Ocean
	System
)

func (f KeyAreaFamily) String() string {
	switch f {
	case Application:
		return "application"
	case Ocean:
		return "ocean"
	case System:
		return "system"
	default:
		return "unknown"
	}
}

// LoadFailureKind classifies a rejected line during Load; only
// UnknownNameRejected is limited to strict mode.
type LoadFailureKind int

const (
	MalformedLine LoadFailureKind = iota
	OddHex
	UnknownNameRejected
)

// LoadError reports one rejected line during Load.
type LoadError struct {
	Kind LoadFailureKind
	Line int
	Text string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("keys: line %d: %s (%q)", e.Line, e.kindString(), e.Text)
}

func (e *LoadError) kindString() string {
	switch e.Kind {
	case MalformedLine:
		return "malformed line"
	case OddHex:
		return "odd/invalid hex"
	case UnknownNameRejected:
		return "unknown key name rejected in strict mode"
	default:
		return "unknown load failure"
	}
}

// Keyset is a mapping from key names to 16-byte keys (32 bytes for the
// header key), safe for concurrent Get calls. Values are copied on the way
// in and out, so callers never share a stored key's bytes; Set and a
// duplicate name in Load replace an existing entry.
type Keyset struct {
	mu   sync.RWMutex
	keys map[string][]byte
	log  *logrus.Logger

	knownNames map[string]struct{}
}

// New returns an empty Keyset. log may be nil, in which case a
// package-default logrus.Logger is used.
func New(log *logrus.Logger) *Keyset {
	if log == nil {
		log = defaultLogger
	}
	return &Keyset{keys: make(map[string][]byte), log: log}
}

var defaultLogger = logrus.New()

// LoadOptions controls Load's strictness.
type LoadOptions struct {
	// Strict rejects lines naming a key not in KnownNames (when KnownNames
	// is non-nil) instead of silently accepting arbitrary names.
	Strict     bool
	KnownNames map[string]struct{}
}

// Load parses `name = hexbytes` lines from r into the Keyset. Names are
// lowercased; whitespace around '=' is trimmed; '#' begins a
// trailing comment; blank lines are ignored. Duplicate names overwrite the
// previous value and emit a warning through the injected logger.
func (k *Keyset) Load(r io.Reader, opts LoadOptions) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return &LoadError{Kind: MalformedLine, Line: lineNo, Text: line}
		}
		name := strings.ToLower(strings.TrimSpace(line[:eq]))
		hexVal := strings.TrimSpace(line[eq+1:])
		if name == "" || hexVal == "" {
			return &LoadError{Kind: MalformedLine, Line: lineNo, Text: line}
		}

		val, err := hex.DecodeString(hexVal)
		if err != nil {
			return &LoadError{Kind: OddHex, Line: lineNo, Text: line}
		}

		if opts.Strict && opts.KnownNames != nil {
			if _, known := opts.KnownNames[name]; !known {
				return &LoadError{Kind: UnknownNameRejected, Line: lineNo, Text: name}
			}
		}

		k.mu.Lock()
		if _, exists := k.keys[name]; exists {
			k.log.WithField("name", name).Warn("keys: duplicate key name overwritten")
		}
		k.keys[name] = val
		k.mu.Unlock()
		k.log.WithFields(logrus.Fields{"name": name, "bytes": len(val)}).Trace("keys: loaded key")
	}
	return scanner.Err()
}

// LoadFile opens path and loads it via Load.
func (k *Keyset) LoadFile(path string, opts LoadOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return k.Load(f, opts)
}

// Get returns a copy of the named key, or ok=false if it is absent.
func (k *Keyset) Get(name string) (key []byte, ok bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.keys[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	dst := make([]byte, len(v))
	copy(dst, v)
	return dst, true
}

// Set installs or overwrites a key programmatically.
func (k *Keyset) Set(name string, key []byte) {
	dst := make([]byte, len(key))
	copy(dst, key)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[strings.ToLower(name)] = dst
}

// EffectiveGeneration applies the generation-decoding rule: the maximum of
// the two raw generation fields, then subtract one unless that maximum is 0
// or 1, in which case the effective generation is 0.
func EffectiveGeneration(old, current byte) int {
	gen := int(old)
	if int(current) > gen {
		gen = int(current)
	}
	if gen <= 1 {
		return 0
	}
	return gen - 1
}

// HeaderKey returns the 32-byte AES-XTS key used to decrypt NCA headers:
// the concatenation of the "header_key" entry, which must already be
// 32 bytes.
func (k *Keyset) HeaderKey() ([32]byte, error) {
	var out [32]byte
	v, ok := k.Get("header_key")
	if !ok {
		return out, fmt.Errorf("%w: header_key", errs.ErrMissingKey)
	}
	if len(v) != 32 {
		return out, fmt.Errorf("keys: header_key must be 32 bytes, got %d", len(v))
	}
	copy(out[:], v)
	return out, nil
}

// DeriveKeyAreaKey unwraps key_area_key_<family>_<gen:02x> using the
// generation sources and the matching master key, memoizing nothing: each
// call re-derives from the raw keyset entries, matching the spec's
// "keys are immutable once inserted" model with no separate derived cache
// invalidation to reason about.
func (k *Keyset) DeriveKeyAreaKey(generation int, family KeyAreaFamily) ([16]byte, error) {
	var out [16]byte
	name := fmt.Sprintf("key_area_key_%s_%02x", family, generation)
	if v, ok := k.Get(name); ok {
		if len(v) != 16 {
			return out, fmt.Errorf("keys: %s must be 16 bytes, got %d", name, len(v))
		}
		copy(out[:], v)
		return out, nil
	}

	masterKey, ok := k.Get(fmt.Sprintf("master_key_%02x", generation))
	if !ok {
		return out, fmt.Errorf("%w: %s", errs.ErrMissingKey, name)
	}
	kekGen, ok := k.Get("aes_kek_generation_source")
	if !ok {
		return out, fmt.Errorf("%w: %s", errs.ErrMissingKey, name)
	}
	keyGen, ok := k.Get("aes_key_generation_source")
	if !ok {
		return out, fmt.Errorf("%w: %s", errs.ErrMissingKey, name)
	}
	var familySourceName string
	switch family {
	case Application:
		familySourceName = "key_area_key_application_source"
	case Ocean:
		familySourceName = "key_area_key_ocean_source"
	case System:
		familySourceName = "key_area_key_system_source"
	}
	familySource, ok := k.Get(familySourceName)
	if !ok {
		return out, fmt.Errorf("%w: %s", errs.ErrMissingKey, name)
	}

	derived, err := generateKek(familySource, masterKey, kekGen, keyGen)
	if err != nil {
		return out, fmt.Errorf("%w: %v", errs.ErrKeyDerivationFailed, err)
	}
	if len(derived) != 16 {
		return out, fmt.Errorf("%w: derived key area key wrong length", errs.ErrKeyDerivationFailed)
	}
	copy(out[:], derived)
	return out, nil
}

// DeriveTitleKek unwraps titlekek_<gen:02x> directly if present, otherwise
// derives it as Decrypt(titlekek_source, master_key_<gen>).
func (k *Keyset) DeriveTitleKek(generation int) ([16]byte, error) {
	var out [16]byte
	name := fmt.Sprintf("titlekek_%02x", generation)
	if v, ok := k.Get(name); ok {
		if len(v) != 16 {
			return out, fmt.Errorf("keys: %s must be 16 bytes, got %d", name, len(v))
		}
		copy(out[:], v)
		return out, nil
	}

	masterKey, ok := k.Get(fmt.Sprintf("master_key_%02x", generation))
	if !ok {
		return out, fmt.Errorf("%w: master_key_%02x", errs.ErrMissingKey, generation)
	}
	titlekekSource, ok := k.Get("titlekek_source")
	if !ok {
		return out, fmt.Errorf("%w: titlekek_source", errs.ErrMissingKey)
	}
	derived, err := crypto.ECBDecrypt(titlekekSource, masterKey)
	if err != nil {
		return out, fmt.Errorf("%w: %v", errs.ErrKeyDerivationFailed, err)
	}
	if len(derived) != 16 {
		return out, fmt.Errorf("%w: derived titlekek wrong length", errs.ErrKeyDerivationFailed)
	}
	copy(out[:], derived)
	return out, nil
}

// generateKek reproduces the standard Switch KEK-generation chain:
// srcKek = Decrypt(src, Decrypt(kekSeed, masterKey)); if keySeed is
// non-nil, the result is Decrypt(keySeed, srcKek) instead.
func generateKek(src, masterKey, kekSeed, keySeed []byte) ([]byte, error) {
	kek, err := crypto.ECBDecrypt(kekSeed, masterKey)
	if err != nil {
		return nil, err
	}
	srcKek, err := crypto.ECBDecrypt(src, kek)
	if err != nil {
		return nil, err
	}
	if keySeed != nil {
		return crypto.ECBDecrypt(keySeed, srcKek)
	}
	return srcKek, nil
}
