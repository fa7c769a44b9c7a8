package archivist

import (
	"errors"
	"log/slog"
	"time"

	"github.com/meigma/archivist/archive"
	"github.com/meigma/archivist/internal/metrics"
)

// Option configures a Service.
type Option func(*Service) error

// Default limits.
const (
	// MaxSearchResults caps the number of titles returned by Search.
	MaxSearchResults = 50

	// DefaultOpenArchives is the number of archives kept open between requests.
	DefaultOpenArchives = archive.DefaultCacheSize
)

// --- Storage Options ---

// WithArchiveExt sets the extension of stored archive file names.
// Defaults to ".zim".
func WithArchiveExt(ext string) Option {
	return func(s *Service) error {
		if ext == "" {
			return errors.New("archive extension must not be empty")
		}
		s.ext = ext
		return nil
	}
}

// WithProcessLock controls whether the storage root is locked against
// other processes. Enabled by default.
func WithProcessLock(enabled bool) Option {
	return func(s *Service) error {
		s.processLock = enabled
		return nil
	}
}

// --- Archive Options ---

// WithOpener sets how stored archives are opened. Defaults to the eStargz
// reader in archive/stargz.
func WithOpener(o archive.Opener) Option {
	return func(s *Service) error {
		if o == nil {
			return errors.New("opener must not be nil")
		}
		s.opener = o
		return nil
	}
}

// WithOpenArchives sets how many archives stay open between requests.
func WithOpenArchives(n int) Option {
	return func(s *Service) error {
		if n < 0 {
			return errors.New("open archives must be non-negative")
		}
		s.openArchives = n
		return nil
	}
}

// WithBlockingWorkers sets how many archive operations may run at once.
// Zero selects twice GOMAXPROCS.
func WithBlockingWorkers(n int) Option {
	return func(s *Service) error {
		if n < 0 {
			return errors.New("blocking workers must be non-negative")
		}
		s.workers = n
		return nil
	}
}

// --- Progress Options ---

// WithProgressInterval sets how often Watch emits progress snapshots.
func WithProgressInterval(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return errors.New("progress interval must be positive")
		}
		s.progressInterval = d
		return nil
	}
}

// --- Observability Options ---

// WithMetrics records service metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithLogger sets a logger for the service.
// The logger is propagated to every component.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}
