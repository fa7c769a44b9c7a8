package archivist

import (
	"context"
	"fmt"
)

// CleanCache deletes every stored archive and clears the cache index, the
// uploaded files registry and the active dataset. It returns the number of
// files removed.
//
// CleanCache excludes archive reads and registry updates for its duration.
// Uploads still streaming to the staging area are not affected; if one
// completes its registration after the clean started, it reports
// ErrCleaned.
//
// If any file cannot be deleted the error wraps ErrMaintenance and the
// in-memory state is left untouched, so the call can be retried.
func (s *Service) CleanCache(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.maintenance.Lock()
	defer s.maintenance.Unlock()

	locked := s.state.LockAll()
	defer locked.Unlock()

	indexed := len(locked.Paths())
	removed, err := s.root.RemoveAll()
	// Handles on deleted files are useless either way.
	s.archives.Purge()
	s.metrics.CacheCleaned(err)
	if err != nil {
		s.log().Error("cache clean failed",
			"removed", removed,
			"indexed", indexed,
			"error", err,
		)
		return removed, fmt.Errorf("%w: %w", ErrMaintenance, err)
	}
	locked.Reset()
	s.log().Info("cache cleaned", "removed", removed, "indexed", indexed)
	return removed, nil
}
