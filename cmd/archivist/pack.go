package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meigma/archivist/archive/stargz"
)

func newPackCmd(a *app) *cobra.Command {
	var (
		compression string
		chunkSize   int
	)
	cmd := &cobra.Command{
		Use:   "pack <dir> <output>",
		Short: "Pack a directory of articles into an archive",
		Long: `Pack every regular file under dir into a seekable archive.

Files whose extension maps to text/html become articles titled by their
base name without extension.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := stargz.ParseCompression(compression)
			if err != nil {
				return err
			}
			return a.pack(args[0], args[1], stargz.PackWithCompression(c), stargz.PackWithChunkSize(chunkSize))
		},
	}
	cmd.Flags().StringVar(&compression, "compression", "gzip", "compression: gzip|zstd")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "chunk size in bytes (0 = library default)")
	return cmd
}

func (a *app) pack(dir, out string, opts ...stargz.PackOption) (err error) {
	f, err := os.Create(out) //nolint:gosec // output path is supplied by the operator
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(out)
		}
	}()

	w := bufio.NewWriter(f)
	if err := stargz.PackDir(w, dir, opts...); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	a.logger.Info("packed archive", "dir", dir, "output", out)
	return nil
}
