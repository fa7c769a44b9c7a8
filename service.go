package archivist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/meigma/archivist/archive"
	"github.com/meigma/archivist/archive/stargz"
	"github.com/meigma/archivist/dispatch"
	"github.com/meigma/archivist/ingest"
	"github.com/meigma/archivist/internal/metrics"
	"github.com/meigma/archivist/progress"
	"github.com/meigma/archivist/state"
	"github.com/meigma/archivist/storage"
)

// Service stores uploaded archives and serves their contents.
// Service is safe for concurrent use.
type Service struct {
	// Configuration
	ext              string
	processLock      bool
	opener           archive.Opener
	openArchives     int
	workers          int
	progressInterval time.Duration
	storageOpts      []storage.Option
	metrics          *metrics.Metrics
	logger           *slog.Logger

	// Components
	root     *storage.Root
	state    *state.State
	progress progress.Counter
	pipeline *ingest.Pipeline
	archives *archive.Cache
	pool     *dispatch.Pool

	// maintenance excludes archive reads while the cache is being cleaned.
	maintenance sync.RWMutex
}

// New opens the storage root at dir and rebuilds the cache index from the
// archives found there. File contents are not re-hashed.
func New(dir string, opts ...Option) (*Service, error) {
	s := &Service{
		ext:              storage.DefaultExt,
		processLock:      true,
		openArchives:     DefaultOpenArchives,
		progressInterval: progress.DefaultInterval,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.opener == nil {
		s.opener = stargz.NewOpener(stargz.WithLogger(s.log()))
	}

	storageOpts := append([]storage.Option{
		storage.WithExt(s.ext),
		storage.WithProcessLock(s.processLock),
		storage.WithLogger(s.log()),
	}, s.storageOpts...)
	root, err := storage.Open(dir, storageOpts...)
	if err != nil {
		return nil, err
	}
	entries, err := root.Scan()
	if err != nil {
		_ = root.Close()
		return nil, err
	}
	archives, err := archive.NewCache(s.opener, s.openArchives, archive.WithCacheLogger(s.log()))
	if err != nil {
		_ = root.Close()
		return nil, err
	}

	s.root = root
	s.state = state.New(entries)
	s.archives = archives
	s.pool = dispatch.New(
		dispatch.WithSize(s.workers),
		dispatch.WithMetrics(s.metrics),
		dispatch.WithLogger(s.log()),
	)
	s.pipeline = ingest.New(root, s.state, &s.progress,
		ingest.WithArticleCounter(s),
		ingest.WithMetrics(s.metrics),
		ingest.WithLogger(s.log()),
	)
	s.log().Info("recovered cache index",
		"dir", root.Dir(),
		"archives", len(entries),
		"bytes", root.SizeBytes(),
	)
	return s, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Service) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Close waits for running archive operations until ctx is done, closes
// open archives and releases the storage root.
func (s *Service) Close(ctx context.Context) error {
	poolErr := s.pool.Close(ctx)
	s.archives.Purge()
	return errors.Join(poolErr, s.root.Close())
}

// Dir returns the storage root directory.
func (s *Service) Dir() string {
	return s.root.Dir()
}

// Upload stores the content read from r under the original file name name
// and makes it the active dataset. See [ingest.Pipeline.Ingest].
func (s *Service) Upload(ctx context.Context, name string, r io.Reader) (ingest.Outcome, error) {
	return s.pipeline.Ingest(ctx, name, r)
}

// Progress returns the bytes processed by the most recent upload.
func (s *Service) Progress() progress.Event {
	return s.progress.Snapshot()
}

// Watch streams progress snapshots at the configured interval until ctx is
// done.
func (s *Service) Watch(ctx context.Context) <-chan progress.Event {
	return s.progress.Watch(ctx, s.progressInterval)
}

// Files describes the uploaded files registry and the active dataset.
type Files struct {
	Uploads  []state.Upload `json:"uploads"`
	Active   string         `json:"active_dataset,omitempty"`
	Archives int            `json:"stored_archives"`
	Bytes    int64          `json:"stored_bytes"`
}

// Files returns a snapshot of the registries. Each registry is read under
// its own lock, so the parts may reflect slightly different moments.
func (s *Service) Files() Files {
	active, _ := s.state.Active.Get()
	return Files{
		Uploads:  s.state.Uploads.List(),
		Active:   active,
		Archives: s.state.Index.Len(),
		Bytes:    s.root.SizeBytes(),
	}
}

// ActiveDataset returns the path of the active dataset, if any.
func (s *Service) ActiveDataset() (string, bool) {
	return s.state.Active.Get()
}

// dataset returns path when set and the active dataset otherwise.
func (s *Service) dataset(path string) (string, error) {
	if path == "" {
		active, ok := s.state.Active.Get()
		if !ok {
			return "", ErrNoActiveDataset
		}
		return active, nil
	}
	clean := filepath.Clean(path)
	if filepath.Dir(clean) != filepath.Clean(s.root.Dir()) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return clean, nil
}
