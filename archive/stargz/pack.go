package stargz

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/containerd/stargz-snapshotter/estargz"
	"github.com/containerd/stargz-snapshotter/estargz/zstdchunked"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how packed archives are compressed.
type Compression uint8

const (
	CompressionGzip Compression = iota
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression parses the names returned by Compression.String.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("stargz: unknown compression %q", s)
	}
}

// ErrNoFiles is returned when packing an empty file set.
var ErrNoFiles = errors.New("stargz: no files to pack")

type packConfig struct {
	compression Compression
	chunkSize   int
}

// PackOption configures Pack and PackDir.
type PackOption func(*packConfig)

// PackWithCompression sets the compression algorithm. Defaults to gzip.
func PackWithCompression(c Compression) PackOption {
	return func(cfg *packConfig) {
		cfg.compression = c
	}
}

// PackWithChunkSize sets the eStargz chunk size in bytes.
func PackWithChunkSize(n int) PackOption {
	return func(cfg *packConfig) {
		cfg.chunkSize = n
	}
}

type zstdChunkedCompression struct {
	*zstdchunked.Compressor
	*zstdchunked.Decompressor
}

// Pack writes an eStargz archive holding files to w. Keys are slash
// separated entry paths; entries are written in sorted order.
func Pack(w io.Writer, files map[string][]byte, opts ...PackOption) error {
	if len(files) == 0 {
		return ErrNoFiles
	}
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, name := range slices.Sorted(maps.Keys(files)) {
		content := files[name]
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Clean(strings.TrimPrefix(name, "/")),
			Mode:     0o644,
			Size:     int64(len(content)),
			ModTime:  time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("stargz: write header %s: %w", name, err)
		}
		if _, err := tw.Write(content); err != nil {
			return fmt.Errorf("stargz: write %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("stargz: close tar: %w", err)
	}
	return build(w, tarBuf.Bytes(), opts...)
}

// PackDir writes an eStargz archive of every regular file under dir to w.
func PackDir(w io.Writer, dir string, opts ...PackOption) error {
	files := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p) //nolint:gosec // walking a caller supplied tree
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return fmt.Errorf("stargz: walk %s: %w", dir, err)
	}
	return Pack(w, files, opts...)
}

func build(w io.Writer, tarData []byte, opts ...PackOption) error {
	var cfg packConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	var buildOpts []estargz.Option
	if cfg.compression == CompressionZstd {
		buildOpts = append(buildOpts, estargz.WithCompression(&zstdChunkedCompression{
			Compressor:   &zstdchunked.Compressor{CompressionLevel: zstd.SpeedDefault},
			Decompressor: &zstdchunked.Decompressor{},
		}))
	}
	if cfg.chunkSize > 0 {
		buildOpts = append(buildOpts, estargz.WithChunkSize(cfg.chunkSize))
	}

	sr := io.NewSectionReader(bytes.NewReader(tarData), 0, int64(len(tarData)))
	blob, err := estargz.Build(sr, buildOpts...)
	if err != nil {
		return fmt.Errorf("stargz: build: %w", err)
	}
	defer blob.Close()
	if _, err := io.Copy(w, blob); err != nil {
		return fmt.Errorf("stargz: write archive: %w", err)
	}
	return nil
}
