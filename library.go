package archivist

import (
	"context"
	"strings"

	"github.com/meigma/archivist/archive"
	"github.com/meigma/archivist/dispatch"
)

// Entry is one article title returned by Search or Browse.
type Entry struct {
	Title string `json:"title"`
}

// withArchive runs fn against the archive at path on the blocking pool.
func withArchive[T any](ctx context.Context, s *Service, op, path string, fn func(archive.Archive) (T, error)) (T, error) {
	s.maintenance.RLock()
	defer s.maintenance.RUnlock()
	return dispatch.Do(ctx, s.pool, op, func() (T, error) {
		a, err := s.archives.Open(path)
		if err != nil {
			var zero T
			return zero, err
		}
		defer a.Close()
		return fn(a)
	})
}

// CountArticles returns the number of articles in the archive at path.
func (s *Service) CountArticles(ctx context.Context, path string) (uint64, error) {
	return withArchive(ctx, s, "count", path, func(a archive.Archive) (uint64, error) {
		return a.ArticleCount(), nil
	})
}

// Article returns the article titled title from the active dataset.
//
// Returns ErrNoActiveDataset when nothing has been uploaded, ErrOpen when
// the dataset is not a readable archive, and ErrNotFound or ErrUnreadable
// for the article itself.
func (s *Service) Article(ctx context.Context, title string) (archive.Article, error) {
	path, ok := s.state.Active.Get()
	if !ok {
		return archive.Article{}, ErrNoActiveDataset
	}
	return withArchive(ctx, s, "article", path, func(a archive.Archive) (archive.Article, error) {
		return a.Article(title)
	})
}

// Search returns up to MaxSearchResults titles matching query in the
// archive at path, or in the active dataset when path is empty.
//
// If the query matches nothing it is retried once in lower case. Entries
// the archive reports as unreadable are logged and left out.
func (s *Service) Search(ctx context.Context, query, path string) ([]Entry, error) {
	path, err := s.dataset(path)
	if err != nil {
		return nil, err
	}
	return withArchive(ctx, s, "search", path, func(a archive.Archive) ([]Entry, error) {
		found, err := a.Search(query, MaxSearchResults)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			s.metrics.SearchRetried()
			found, err = a.Search(strings.ToLower(query), MaxSearchResults)
			if err != nil {
				return nil, err
			}
		}
		if len(found) > MaxSearchResults {
			found = found[:MaxSearchResults]
		}
		return s.entries("search", path, found), nil
	})
}

// Browse returns every article title in the archive at path, or in the
// active dataset when path is empty, in archive order.
func (s *Service) Browse(ctx context.Context, path string) ([]Entry, error) {
	path, err := s.dataset(path)
	if err != nil {
		return nil, err
	}
	return withArchive(ctx, s, "browse", path, func(a archive.Archive) ([]Entry, error) {
		var lookups []archive.Lookup
		for l := range a.Articles() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			lookups = append(lookups, l)
		}
		return s.entries("browse", path, lookups), nil
	})
}

func (s *Service) entries(op, path string, lookups []archive.Lookup) []Entry {
	out := make([]Entry, 0, len(lookups))
	skipped := 0
	for _, l := range lookups {
		if !l.OK() {
			skipped++
			s.log().Warn("skipping unreadable entry",
				"op", op,
				"path", path,
				"title", l.Title,
				"status", l.Status.String(),
				"error", l.Err,
			)
			continue
		}
		out = append(out, Entry{Title: l.Title})
	}
	s.metrics.Unreadable(op, skipped)
	return out
}
