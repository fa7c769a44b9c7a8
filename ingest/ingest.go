// Package ingest turns an uploaded byte stream into a stored, deduplicated
// archive and makes it the active dataset.
//
// Bytes are written to a staging file, hashed and counted as they arrive,
// so an upload of any size is processed in constant memory. The stored
// archive only appears under its content hash once fully written and
// synced, and the shared state is updated only after that.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/meigma/archivist/internal/fileops"
	"github.com/meigma/archivist/internal/metrics"
	"github.com/meigma/archivist/progress"
	"github.com/meigma/archivist/state"
	"github.com/meigma/archivist/storage"
)

const (
	// DefaultName is used when the client does not supply a file name.
	DefaultName = "unknown.zim"

	// DefaultChunkSize is the read buffer size used while streaming.
	DefaultChunkSize = 64 << 10
)

var (
	// ErrTransport is returned when reading the upload fails before the
	// end of the stream, for example on a client disconnect.
	ErrTransport = errors.New("ingest: upload interrupted")

	// ErrStorage is returned when the upload cannot be written durably.
	ErrStorage = errors.New("ingest: storage failure")

	// ErrCleaned is returned when the cache was cleaned while the upload
	// was being registered. The archive is gone and nothing was recorded.
	ErrCleaned = errors.New("ingest: cache cleaned during upload")
)

// Status is the result of an ingestion.
type Status uint8

const (
	// Uploaded means the content was new and has been stored.
	Uploaded Status = iota

	// Cached means identical content was already stored.
	Cached
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case Uploaded:
		return "uploaded"
	case Cached:
		return "cached"
	default:
		return "unknown"
	}
}

// Message returns the client facing description of the status.
func (s Status) Message() string {
	if s == Cached {
		return "File found in cache, no re-upload needed."
	}
	return "File uploaded successfully"
}

// Outcome describes a completed ingestion.
type Outcome struct {
	Status       Status
	Name         string
	Path         string
	Hash         string
	Size         int64
	ArticleCount uint64
}

// ArticleCounter reports how many articles the archive at path holds.
type ArticleCounter interface {
	CountArticles(ctx context.Context, path string) (uint64, error)
}

// ArticleCounterFunc adapts a function to ArticleCounter.
type ArticleCounterFunc func(ctx context.Context, path string) (uint64, error)

// CountArticles implements ArticleCounter.
func (f ArticleCounterFunc) CountArticles(ctx context.Context, path string) (uint64, error) {
	return f(ctx, path)
}

// Pipeline ingests uploads into a storage root and shared state.
// Pipeline is safe for concurrent use; concurrent ingestions share the
// progress counter.
type Pipeline struct {
	root      *storage.Root
	state     *state.State
	progress  *progress.Counter
	counter   ArticleCounter
	chunkSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithArticleCounter sets the collaborator used to derive the article
// count reported in outcomes. Without one the count is always zero.
func WithArticleCounter(c ArticleCounter) Option {
	return func(p *Pipeline) {
		p.counter = c
	}
}

// WithChunkSize sets the read buffer size.
func WithChunkSize(n int) Option {
	return func(p *Pipeline) {
		p.chunkSize = n
	}
}

// WithMetrics records ingestion counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates a pipeline writing to root and recording into st, counting
// processed bytes in counter.
func New(root *storage.Root, st *state.State, counter *progress.Counter, opts ...Option) *Pipeline {
	p := &Pipeline{
		root:      root,
		state:     st,
		progress:  counter,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.chunkSize <= 0 {
		p.chunkSize = DefaultChunkSize
	}
	return p
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Pipeline) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Ingest consumes r until io.EOF and stores its content under name.
//
// If identical content is already stored, the new bytes are dropped and
// the existing archive becomes active. Otherwise the content is stored,
// indexed, recorded under name and made active. Errors wrap ErrTransport,
// ErrStorage or ErrCleaned; on error no shared state has been modified
// and no file is left behind.
func (p *Pipeline) Ingest(ctx context.Context, name string, r io.Reader) (Outcome, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	p.progress.Reset()

	staged, err := p.root.Stage()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	hash, err := p.receive(ctx, staged, r)
	if err != nil {
		if discardErr := staged.Discard(); discardErr != nil {
			p.log().Warn("discarding failed upload", "name", name, "error", discardErr)
		}
		return Outcome{}, err
	}

	out := Outcome{Name: name, Hash: hash, Size: staged.Size()}
	var (
		created bool
		epoch   uint64
	)
	err = p.state.Index.Update(func(tx *state.IndexTx) error {
		epoch = p.state.Epoch.Load()
		if existing, ok := tx.Get(hash); ok {
			if storage.Exists(existing) {
				out.Path = existing
				if err := staged.Discard(); err != nil {
					p.log().Warn("discarding duplicate upload", "name", name, "error", err)
				}
				return nil
			}
			p.log().Warn("dropping index entry for missing archive", "hash", hash, "path", existing)
			tx.Delete(hash)
		}
		path, c, err := staged.Commit(hash)
		if err != nil {
			return err
		}
		tx.Put(hash, path)
		out.Path, created = path, c
		return nil
	})
	if err != nil {
		_ = staged.Discard()
		return Outcome{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	out.Status = Cached
	if created {
		out.Status = Uploaded
		if !p.state.Uploads.AddIf(p.state.Epoch, epoch, name, out.Path) {
			return Outcome{}, ErrCleaned
		}
	}
	if !p.state.Active.SetIf(p.state.Epoch, epoch, out.Path) {
		return Outcome{}, ErrCleaned
	}
	p.log().Info("ingested upload",
		"name", name,
		"status", out.Status.String(),
		"hash", hash,
		"path", out.Path,
		"bytes", out.Size,
	)
	p.metrics.Ingested(out.Status.String(), out.Size)

	out.ArticleCount = p.articleCount(ctx, out.Path)
	return out, nil
}

// receive streams r into staged, hashing and counting each chunk in
// arrival order, then syncs the staged file.
func (p *Pipeline) receive(ctx context.Context, staged *storage.Staged, r io.Reader) (string, error) {
	hr := fileops.NewHashingReader(r)
	buf := make([]byte, p.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %w", ErrTransport, err)
		}
		n, readErr := hr.Read(buf)
		if n > 0 {
			if _, err := staged.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("%w: %w", ErrStorage, err)
			}
			p.progress.Add(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("%w: %w", ErrTransport, readErr)
		}
	}
	if got, want := staged.Size(), hr.Size(); got < 0 || uint64(got) != want {
		return "", fmt.Errorf("%w: staged %d of %d bytes", ErrStorage, got, want)
	}
	if err := staged.Sync(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return hr.Sum(), nil
}

func (p *Pipeline) articleCount(ctx context.Context, path string) uint64 {
	if p.counter == nil {
		return 0
	}
	n, err := p.counter.CountArticles(ctx, path)
	if err != nil {
		p.log().Warn("reading archive metadata", "path", path, "error", err)
		return 0
	}
	return n
}
