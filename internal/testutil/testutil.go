// Package testutil provides fakes and fixtures shared by package tests.
package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/meigma/archivist/archive"
	"github.com/meigma/archivist/archive/stargz"
)

// MockArchive is an in-memory archive. Titles map to bodies; titles listed
// in Broken are enumerated and searchable but fail to read.
type MockArchive struct {
	Titles []string
	Bodies map[string]string
	Broken map[string]bool

	// SearchFunc overrides Search when set.
	SearchFunc func(query string, limit int) ([]archive.Lookup, error)

	closed atomic.Bool
}

// NewMockArchive returns an archive whose articles are titles with
// bodies "<p>title</p>".
func NewMockArchive(titles ...string) *MockArchive {
	m := &MockArchive{Titles: titles, Bodies: make(map[string]string), Broken: make(map[string]bool)}
	for _, t := range titles {
		m.Bodies[t] = "<p>" + t + "</p>"
	}
	return m
}

// ArticleCount implements archive.Archive.
func (m *MockArchive) ArticleCount() uint64 {
	return uint64(len(m.Titles))
}

// Article implements archive.Archive.
func (m *MockArchive) Article(title string) (archive.Article, error) {
	body, ok := m.Bodies[title]
	if !ok {
		return archive.Article{}, fmt.Errorf("%w: %q", archive.ErrNotFound, title)
	}
	if m.Broken[title] {
		return archive.Article{}, fmt.Errorf("%w: %q", archive.ErrUnreadable, title)
	}
	return archive.Article{Title: title, Path: "A/" + title, MIMEType: "text/html; charset=utf-8", Body: []byte(body)}, nil
}

func (m *MockArchive) lookup(title string) archive.Lookup {
	if m.Broken[title] {
		return archive.Lookup{Status: archive.Failed, Title: title, Err: archive.ErrUnreadable}
	}
	return archive.Lookup{Status: archive.Found, Title: title, Path: "A/" + title}
}

// Articles implements archive.Archive.
func (m *MockArchive) Articles() iter.Seq[archive.Lookup] {
	return func(yield func(archive.Lookup) bool) {
		for _, t := range m.Titles {
			if !yield(m.lookup(t)) {
				return
			}
		}
	}
}

// Search implements archive.Archive with case-sensitive substring matching.
func (m *MockArchive) Search(query string, limit int) ([]archive.Lookup, error) {
	if m.SearchFunc != nil {
		return m.SearchFunc(query, limit)
	}
	if strings.TrimSpace(query) == "" {
		return nil, archive.ErrInvalidQuery
	}
	var out []archive.Lookup
	for _, t := range m.Titles {
		if strings.Contains(t, query) {
			out = append(out, m.lookup(t))
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close implements archive.Archive.
func (m *MockArchive) Close() error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (m *MockArchive) Closed() bool {
	return m.closed.Load()
}

// MockOpener serves MockArchives by path and counts opens.
type MockOpener struct {
	mu       sync.Mutex
	archives map[string]*MockArchive
	opens    map[string]int

	// Fallback, when set, serves paths without a registered archive.
	Fallback *MockArchive
}

// NewMockOpener returns an opener with no archives.
func NewMockOpener() *MockOpener {
	return &MockOpener{archives: make(map[string]*MockArchive), opens: make(map[string]int)}
}

// Set registers a for path.
func (o *MockOpener) Set(path string, a *MockArchive) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.archives[path] = a
}

// Open implements archive.Opener.
func (o *MockOpener) Open(path string) (archive.Archive, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens[path]++
	if a, ok := o.archives[path]; ok {
		return a, nil
	}
	if o.Fallback != nil {
		return o.Fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", archive.ErrOpen, path)
}

// Opens returns how many times path was opened.
func (o *MockOpener) Opens(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[path]
}

// ArticleFiles returns archive contents with one HTML entry per title.
func ArticleFiles(titles ...string) map[string][]byte {
	files := make(map[string][]byte, len(titles))
	for _, t := range titles {
		files["A/"+t+".html"] = []byte("<html><body><h1>" + t + "</h1></body></html>")
	}
	return files
}

// PackArticles returns the bytes of an eStargz archive holding titles.
func PackArticles(tb testing.TB, titles ...string) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := stargz.Pack(&buf, ArticleFiles(titles...)); err != nil {
		tb.Fatalf("Pack() error = %v", err)
	}
	return buf.Bytes()
}

// WriteArchive writes an eStargz archive holding titles under dir and
// returns its path.
func WriteArchive(tb testing.TB, dir, name string, titles ...string) string {
	tb.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, PackArticles(tb, titles...), 0o644); err != nil {
		tb.Fatalf("WriteFile() error = %v", err)
	}
	return p
}

// ChunkReader delivers data in chunks of the given sizes, cycling through
// them, one chunk per Read call.
type ChunkReader struct {
	data  []byte
	sizes []int
	i     int
}

// NewChunkReader returns a reader over data split by sizes.
func NewChunkReader(data []byte, sizes ...int) *ChunkReader {
	if len(sizes) == 0 {
		sizes = []int{len(data)}
	}
	return &ChunkReader{data: data, sizes: sizes}
}

// Read implements io.Reader.
func (r *ChunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := max(r.sizes[r.i%len(r.sizes)], 1)
	r.i++
	n = min(n, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// ErrAborted is returned by FailingReader after its data is exhausted.
var ErrAborted = errors.New("testutil: connection aborted")

// FailingReader yields data and then fails instead of returning io.EOF.
type FailingReader struct {
	R io.Reader
}

// Read implements io.Reader.
func (r *FailingReader) Read(p []byte) (int, error) {
	n, err := r.R.Read(p)
	if err == io.EOF {
		return n, ErrAborted
	}
	return n, err
}
