// Command nxarc is a thin, read-only front end over the container readers
// in this module: point it at an NSP, XCI, or bare NCA file and it prints
// what it finds (partitions, contents, a RomFS listing, CNMT metadata).
// It has no write path, matching the library it drives.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hexserval/nxarc/pkg/cnmt"
	"github.com/hexserval/nxarc/pkg/keys"
	"github.com/hexserval/nxarc/pkg/nca"
	"github.com/hexserval/nxarc/pkg/nsp"
	"github.com/hexserval/nxarc/pkg/pfs0"
	"github.com/hexserval/nxarc/pkg/romfs"
	"github.com/hexserval/nxarc/pkg/source"
	"github.com/hexserval/nxarc/pkg/xci"
	"github.com/sirupsen/logrus"
)

func main() {
	keysPath := flag.String("k", "", "Path to prod.keys (defaults to ~/.switch/prod.keys)")
	titleKeysPath := flag.String("tk", "", "Path to a title.keys file (rightsid_hex = titlekey_hex lines)")
	strict := flag.Bool("strict", false, "Treat FsHeader hash mismatches as fatal")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("Usage: nxarc [options] <file.nsp|file.xci|file.nca>")
		return
	}

	fmt.Println("nxarc - Switch container inspector")

	ks := keys.New(log)
	if err := loadKeys(ks, *keysPath); err != nil {
		fmt.Printf("Warning: could not load keys: %v\n", err)
		fmt.Println("Provide a prod.keys path with -k or place one at ~/.switch/prod.keys")
	}

	var tks nca.TitleKeyStore
	if *titleKeysPath != "" {
		tkSet := keys.New(log)
		if err := tkSet.LoadFile(*titleKeysPath, keys.LoadOptions{}); err != nil {
			fmt.Printf("Warning: could not load title keys: %v\n", err)
		} else {
			tks = titleKeyStore{tkSet}
		}
	}

	inputPath := args[0]
	f, err := os.Open(inputPath)
	if err != nil {
		fmt.Printf("Error opening file: %v\n", err)
		return
	}
	defer f.Close()

	src, err := source.NewFileSource(f)
	if err != nil {
		fmt.Printf("Error reading file: %v\n", err)
		return
	}

	ncaOpts := nca.Options{Strict: *strict, TitleKeyStore: tks, Log: log}

	switch strings.ToLower(filepath.Ext(inputPath)) {
	case ".xci":
		inspectXCI(src, ks, ncaOpts, log)
	case ".nsp":
		inspectNSP(src, ks, ncaOpts, log)
	case ".nca":
		inspectNCA("(root)", src, ks, ncaOpts)
	default:
		// Fall back to content sniffing, mirroring the teacher's
		// try-PFS0-then-NCA dispatch for files without a recognized
		// extension.
		if arc, err := nsp.Open(src, pfs0.Options{Log: log}); err == nil {
			inspectArchive(arc, ks, ncaOpts)
			return
		}
		inspectNCA("(root)", src, ks, ncaOpts)
	}
}

func loadKeys(ks *keys.Keyset, path string) error {
	if path != "" {
		return ks.LoadFile(path, keys.LoadOptions{})
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	return ks.LoadFile(filepath.Join(home, ".switch", "prod.keys"), keys.LoadOptions{})
}

// titleKeyStore adapts a Keyset loaded with `rightsid_hex = titlekey_hex`
// lines into an nca.TitleKeyStore.
type titleKeyStore struct {
	ks *keys.Keyset
}

func (t titleKeyStore) TitleKey(rightsID [0x10]byte) ([16]byte, bool) {
	var out [16]byte
	v, ok := t.ks.Get(hex.EncodeToString(rightsID[:]))
	if !ok || len(v) != 16 {
		return out, false
	}
	copy(out[:], v)
	return out, true
}

func inspectXCI(src source.Source, ks *keys.Keyset, ncaOpts nca.Options, log *logrus.Logger) {
	img, err := xci.Open(src, xci.Options{Log: log})
	if err != nil {
		fmt.Printf("Not a valid XCI: %v\n", err)
		return
	}
	fmt.Printf("XCI image, partitions: %v\n", img.Partitions())
	for _, name := range img.Partitions() {
		part, err := img.Partition(name)
		if err != nil {
			fmt.Printf("  %s: %v\n", name, err)
			continue
		}
		fmt.Printf("Partition %q:\n", name)
		inspectArchive(part, ks, ncaOpts)
	}
}

func inspectNSP(src source.Source, ks *keys.Keyset, ncaOpts nca.Options, log *logrus.Logger) {
	arc, err := nsp.Open(src, pfs0.Options{Log: log})
	if err != nil {
		fmt.Printf("Not a valid NSP: %v\n", err)
		return
	}
	inspectArchive(arc, ks, ncaOpts)
}

func inspectArchive(arc *pfs0.Archive, ks *keys.Keyset, ncaOpts nca.Options) {
	entries := arc.Entries()
	fmt.Printf("  %d entries\n", len(entries))
	for _, e := range entries {
		fmt.Printf("    %-40s  %10d bytes\n", e.Name, e.Size)
	}

	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name))
		if ext != ".nca" {
			continue
		}
		content, err := nsp.OpenContent(arc, e.Name)
		if err != nil {
			fmt.Printf("    %s: %v\n", e.Name, err)
			continue
		}
		inspectNCA(e.Name, content, ks, ncaOpts)
	}
}

func inspectNCA(label string, src source.Source, ks *keys.Keyset, opts nca.Options) {
	n, err := nca.Open(src, ks, opts)
	if err != nil {
		fmt.Printf("  %s: not a valid NCA: %v\n", label, err)
		return
	}
	h := n.Header()
	fmt.Printf("  NCA %s: type=%v programID=%016x sections=%d\n", label, h.ContentType, h.ProgramID, n.SectionCount())

	for i := 0; i < n.SectionCount(); i++ {
		sec, err := n.Section(i)
		if err != nil {
			fmt.Printf("    section %d: %v\n", i, err)
			continue
		}
		switch sec.Kind {
		case nca.SectionPartitionFs:
			inspectPartitionSection(i, sec)
		case nca.SectionRomFs:
			inspectRomFSSection(i, sec)
		default:
			fmt.Printf("    section %d: raw, %d bytes\n", i, sec.Source.Len())
		}
	}
}

func inspectPartitionSection(index int, sec nca.SectionHandle) {
	arc, err := pfs0.Open(sec.Source, pfs0.PFS0, pfs0.Options{})
	if err != nil {
		fmt.Printf("    section %d: partitionfs parse failed: %v\n", index, err)
		return
	}
	entries := arc.Entries()
	fmt.Printf("    section %d: partitionfs, %d entries\n", index, len(entries))
	for _, e := range entries {
		fmt.Printf("      %-40s  %10d bytes\n", e.Name, e.Size)
		if strings.HasSuffix(e.Name, ".cnmt") {
			printCnmt(arc, e.Name)
		}
	}
}

func printCnmt(arc *pfs0.Archive, name string) {
	sub, err := arc.Open(name)
	if err != nil {
		fmt.Printf("        cnmt: %v\n", err)
		return
	}
	meta, err := cnmt.Parse(sub, cnmt.Options{})
	if err != nil {
		fmt.Printf("        cnmt: %v\n", err)
		return
	}
	fmt.Printf("        titleID=%016x version=%d type=%v\n", meta.TitleID(), meta.Version(), meta.ContentMetaType())
	for _, c := range meta.Contents(nil) {
		fmt.Printf("          content %x type=%v size=%d\n", c.ContentId, c.ContentType, c.Size)
	}
}

func inspectRomFSSection(index int, sec nca.SectionHandle) {
	fs, err := romfs.Open(sec.Source, romfs.Options{})
	if err != nil {
		fmt.Printf("    section %d: romfs parse failed: %v\n", index, err)
		return
	}
	fmt.Printf("    section %d: romfs\n", index)
	err = fs.Walk(func(path string, h romfs.Handle) error {
		fmt.Printf("      %s\n", path)
		return nil
	})
	if err != nil {
		fmt.Printf("      walk error: %v\n", err)
	}
}
