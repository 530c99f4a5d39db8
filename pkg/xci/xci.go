// Package xci implements the gamecard container: an outer HFS0 wrapping
// one PartitionFS per logical card area.
package xci

import (
	"fmt"

	"github.com/hexserval/nxarc/pkg/ncz"
	"github.com/hexserval/nxarc/pkg/pfs0"
	"github.com/hexserval/nxarc/pkg/source"
	"github.com/sirupsen/logrus"
)

// NormalAreaOffset is the fixed byte offset of the card's normal data
// area, where the root HFS0 begins.
const NormalAreaOffset = 0x10000

// Options configures Open.
type Options struct {
	Log *logrus.Logger
}

// Image is an opened gamecard image: the root HFS0 and its named
// partitions (each itself an HFS0 archive).
type Image struct {
	root *pfs0.Archive
}

// Open parses src as an XCI, skipping to NormalAreaOffset before parsing
// the root HFS0.
func Open(src source.Source, opts Options) (*Image, error) {
	pfs0Opts := pfs0.Options{Log: opts.Log}
	windowed := src.Sub(NormalAreaOffset, src.Len()-NormalAreaOffset)
	root, err := pfs0.Open(windowed, pfs0.HFS0, pfs0Opts)
	if err != nil {
		return nil, fmt.Errorf("xci: root HFS0: %w", err)
	}
	return &Image{root: root}, nil
}

// Partitions returns the names of the root HFS0's entries (typically
// "update", "logo", "normal", "secure").
func (img *Image) Partitions() []string {
	entries := img.root.Entries()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// Partition opens the named top-level area as its own HFS0 archive.
func (img *Image) Partition(name string) (*pfs0.Archive, error) {
	sub, err := img.root.Open(name)
	if err != nil {
		return nil, fmt.Errorf("xci: partition %q: %w", name, err)
	}
	return pfs0.Open(sub, pfs0.HFS0, pfs0.Options{})
}

// OpenContent opens the named entry within partition, transparently
// decompressing it if stored as NCZ.
func OpenContent(partition *pfs0.Archive, name string) (source.Source, error) {
	sub, err := partition.Open(name)
	if err != nil {
		return nil, err
	}
	if ncz.Detect(sub) {
		return ncz.Open(sub)
	}
	return sub, nil
}
