// Package stargz reads article archives stored as eStargz blobs.
//
// eStargz is a seekable tar format with a table of contents, so entries can
// be listed and read without decompressing the whole archive. Both gzip and
// zstd:chunked compressed blobs are accepted.
//
// An article is any regular entry whose MIME type, derived from its file
// extension, is text/html. Its title is the base name without extension.
package stargz

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/containerd/stargz-snapshotter/estargz"
	"github.com/containerd/stargz-snapshotter/estargz/zstdchunked"

	"github.com/meigma/archivist/archive"
)

const (
	typeDir = "dir"
	typeReg = "reg"

	htmlMIME        = "text/html"
	defaultMIMEType = "application/octet-stream"

	// DefaultMaxArticleSize bounds the body size returned by Article.
	DefaultMaxArticleSize = 64 << 20
)

// Interface compliance.
var (
	_ archive.Archive = (*Archive)(nil)
	_ archive.Opener  = (*Opener)(nil)
)

// Opener opens eStargz archives from the local filesystem.
type Opener struct {
	maxArticleSize int64
	logger         *slog.Logger
}

// Option configures an Opener.
type Option func(*Opener)

// WithMaxArticleSize limits the size of article bodies. Larger entries are
// reported as unreadable. Zero disables the limit.
func WithMaxArticleSize(n int64) Option {
	return func(o *Opener) {
		o.maxArticleSize = n
	}
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opener) {
		o.logger = logger
	}
}

// NewOpener returns an Opener.
func NewOpener(opts ...Option) *Opener {
	o := &Opener{maxArticleSize: DefaultMaxArticleSize}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// log returns the logger, falling back to a discard logger if nil.
func (o *Opener) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

// Open implements archive.Opener.
func (o *Opener) Open(p string) (archive.Archive, error) {
	f, err := os.Open(p) //nolint:gosec // paths come from the storage root or the caller
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", archive.ErrOpen, p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %w", archive.ErrOpen, p, err)
	}
	a, err := newArchive(io.NewSectionReader(f, 0, info.Size()), o.maxArticleSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %w", archive.ErrOpen, p, err)
	}
	a.closer = f
	o.log().Debug("opened stargz archive", "path", p, "articles", len(a.articles))
	return a, nil
}

// Archive is an opened eStargz archive. It is safe for concurrent use.
type Archive struct {
	r              *estargz.Reader
	closer         io.Closer
	maxArticleSize int64
	articles       []entry        // sorted by path
	byTitle        map[string]int // first article with a title
}

type entry struct {
	title string
	path  string
	mime  string
}

// NewArchive reads the archive held by sr. The caller keeps ownership of
// the underlying reader; Close on the returned archive is a no-op for it.
func NewArchive(sr *io.SectionReader) (*Archive, error) {
	a, err := newArchive(sr, DefaultMaxArticleSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", archive.ErrOpen, err)
	}
	return a, nil
}

func newArchive(sr *io.SectionReader, maxArticleSize int64) (*Archive, error) {
	r, err := estargz.Open(sr, estargz.WithDecompressors(new(zstdchunked.Decompressor)))
	if err != nil {
		return nil, err
	}
	a := &Archive{
		r:              r,
		maxArticleSize: maxArticleSize,
		byTitle:        make(map[string]int),
	}
	root, ok := r.Lookup("")
	if !ok {
		return nil, errors.New("stargz: missing root entry")
	}
	a.collect(root)
	slices.SortFunc(a.articles, func(x, y entry) int {
		return strings.Compare(x.path, y.path)
	})
	for i, e := range a.articles {
		if _, dup := a.byTitle[e.title]; !dup {
			a.byTitle[e.title] = i
		}
	}
	return a, nil
}

func (a *Archive) collect(dir *estargz.TOCEntry) {
	dir.ForeachChild(func(_ string, ent *estargz.TOCEntry) bool {
		switch ent.Type {
		case typeDir:
			a.collect(ent)
		case typeReg:
			if e, ok := articleEntry(ent.Name); ok {
				a.articles = append(a.articles, e)
			}
		}
		return true
	})
}

func articleEntry(name string) (entry, bool) {
	name = strings.TrimPrefix(name, "./")
	ext := path.Ext(name)
	mt := mime.TypeByExtension(ext)
	if !strings.HasPrefix(mt, htmlMIME) {
		return entry{}, false
	}
	return entry{
		title: strings.TrimSuffix(path.Base(name), ext),
		path:  name,
		mime:  mt,
	}, true
}

// ArticleCount implements archive.Archive.
func (a *Archive) ArticleCount() uint64 {
	return uint64(len(a.articles))
}

// Article implements archive.Archive.
func (a *Archive) Article(title string) (archive.Article, error) {
	i, ok := a.byTitle[title]
	if !ok {
		return archive.Article{}, fmt.Errorf("%w: %q", archive.ErrNotFound, title)
	}
	e := a.articles[i]
	body, err := a.read(e)
	if err != nil {
		return archive.Article{}, err
	}
	mt := e.mime
	if mt == "" {
		mt = defaultMIMEType
	}
	return archive.Article{Title: e.title, Path: e.path, MIMEType: mt, Body: body}, nil
}

func (a *Archive) read(e entry) ([]byte, error) {
	ent, ok := a.r.Lookup(e.path)
	if !ok {
		return nil, fmt.Errorf("%w: %q", archive.ErrNotFound, e.title)
	}
	if a.maxArticleSize > 0 && ent.Size > a.maxArticleSize {
		return nil, fmt.Errorf("%w: %q is %d bytes", archive.ErrUnreadable, e.title, ent.Size)
	}
	sr, err := a.r.OpenFile(e.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", archive.ErrUnreadable, e.title, err)
	}
	body, err := io.ReadAll(sr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", archive.ErrUnreadable, e.title, err)
	}
	return body, nil
}

// Articles implements archive.Archive.
func (a *Archive) Articles() iter.Seq[archive.Lookup] {
	return func(yield func(archive.Lookup) bool) {
		for _, e := range a.articles {
			if !yield(a.resolve(e)) {
				return
			}
		}
	}
}

func (a *Archive) resolve(e entry) archive.Lookup {
	ent, ok := a.r.Lookup(e.path)
	switch {
	case !ok:
		return archive.Lookup{
			Status: archive.Missing,
			Title:  e.title,
			Path:   e.path,
			Err:    fmt.Errorf("%w: %q", archive.ErrNotFound, e.path),
		}
	case ent.Type != typeReg:
		return archive.Lookup{
			Status: archive.Failed,
			Title:  e.title,
			Path:   e.path,
			Err:    fmt.Errorf("%w: %q has type %s", archive.ErrUnreadable, e.path, ent.Type),
		}
	default:
		return archive.Lookup{Status: archive.Found, Title: e.title, Path: e.path}
	}
}

// Search implements archive.Archive.
//
// Titles are matched case-sensitively. Exact matches rank first, then
// prefix matches, then other substring matches; ties keep enumeration
// order.
func (a *Archive) Search(query string, limit int) ([]archive.Lookup, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, fmt.Errorf("%w: empty query", archive.ErrInvalidQuery)
	}
	var exact, prefix, substr []entry
	for _, e := range a.articles {
		switch {
		case e.title == q:
			exact = append(exact, e)
		case strings.HasPrefix(e.title, q):
			prefix = append(prefix, e)
		case strings.Contains(e.title, q):
			substr = append(substr, e)
		}
	}
	ranked := slices.Concat(exact, prefix, substr)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]archive.Lookup, 0, len(ranked))
	for _, e := range ranked {
		out = append(out, a.resolve(e))
	}
	return out, nil
}

// Close implements archive.Archive.
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
