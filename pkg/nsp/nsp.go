// Package nsp adapts the PartitionFS reader to the NSP container: a bare
// PFS0 archive at the top of a file.
package nsp

import (
	"github.com/hexserval/nxarc/pkg/ncz"
	"github.com/hexserval/nxarc/pkg/pfs0"
	"github.com/hexserval/nxarc/pkg/source"
)

// Open parses src as an NSP, requiring PFS0 magic.
func Open(src source.Source, opts pfs0.Options) (*pfs0.Archive, error) {
	return pfs0.Open(src, pfs0.PFS0, opts)
}

// OpenContent opens the named entry, transparently decompressing it if it
// is stored as NCZ (detected by content, not by the ".ncz" suffix alone,
// though entries are conventionally named that way). The returned Source
// is laid out as nca.Open expects an NCA: the entry's own bytes, or for an
// NCZ entry its stored header followed by the decompressed body.
func OpenContent(arc *pfs0.Archive, name string) (source.Source, error) {
	sub, err := arc.Open(name)
	if err != nil {
		return nil, err
	}
	if ncz.Detect(sub) {
		return ncz.Open(sub)
	}
	return sub, nil
}
