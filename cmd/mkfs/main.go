// cmd/mkfs formats FerrousFS disk images and imports host files into them.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/freddiehaddad/ferrous/internal/ffs"
)

func main() {
	var (
		disk   = flag.String("disk", "", "`path` of the disk image to create")
		blocks = flag.Uint("blocks", 2048, "image size in 512-byte `blocks`")
		inodes = flag.Uint("inodes", 128, "number of `inodes`")
	)

	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(),
			"usage: mkfs --disk image [options] [file]...\n\n"+
				"Formats a FerrousFS image. Each file argument is imported into the\n"+
				"root directory under its base name.")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *disk == "" {
		flag.Usage()
		os.Exit(2)
	}

	img, err := ffs.NewImage(uint32(*blocks), uint32(*inodes))
	if err != nil {
		fmt.Fprintln(os.Stderr, "mkfs:", err)
		os.Exit(1)
	}

	for _, path := range flag.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "mkfs:", err)
			os.Exit(1)
		}

		name := filepath.Base(path)
		if err := img.AddFile(name, data); err != nil {
			fmt.Fprintln(os.Stderr, "mkfs:", err)
			os.Exit(1)
		}

		fmt.Printf("  /%s (%d bytes)\n", name, len(data))
	}

	if err := os.WriteFile(*disk, img.Bytes(), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "mkfs:", err)
		os.Exit(1)
	}

	sb := img.SuperBlock()
	fmt.Printf("%s: %d blocks, %d inodes (%d free)\n",
		*disk, sb.TotalBlocks, sb.TotalInodes, sb.FreeInodes)
}
