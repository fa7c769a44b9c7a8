package archivist

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/archivist/archive"
	"github.com/meigma/archivist/ingest"
	"github.com/meigma/archivist/internal/fileops"
	"github.com/meigma/archivist/internal/testutil"
	"github.com/meigma/archivist/storage"
)

func newService(t *testing.T, dir string, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithProcessLock(false)}, opts...)
	s, err := New(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func upload(t *testing.T, s *Service, name string, data []byte) ingest.Outcome {
	t.Helper()
	out, err := s.Upload(context.Background(), name, bytes.NewReader(data))
	require.NoError(t, err)
	return out
}

func storedFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestNewRejectsBadOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opt  Option
	}{
		{"empty ext", WithArchiveExt("")},
		{"nil opener", WithOpener(nil)},
		{"negative open archives", WithOpenArchives(-1)},
		{"negative workers", WithBlockingWorkers(-1)},
		{"zero interval", WithProgressInterval(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(t.TempDir(), WithProcessLock(false), tt.opt)
			require.Error(t, err)
		})
	}
}

func TestUploadTwiceIsCached(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newService(t, dir)
	data := testutil.PackArticles(t, "Go", "Rust")

	first := upload(t, s, "wiki.zim", data)
	second := upload(t, s, "wiki.zim", data)

	assert.Equal(t, ingest.Uploaded, first.Status)
	assert.Equal(t, ingest.Cached, second.Status)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, uint64(2), first.ArticleCount)
	assert.Equal(t, uint64(2), second.ArticleCount)
	assert.Len(t, storedFiles(t, dir), 1)

	active, ok := s.ActiveDataset()
	require.True(t, ok)
	assert.Equal(t, first.Path, active)
}

func TestUploadSameNameDifferentContent(t *testing.T) {
	t.Parallel()

	s := newService(t, t.TempDir())
	a := upload(t, s, "same.zim", []byte("first content"))
	b := upload(t, s, "same.zim", []byte("second content"))

	require.NotEqual(t, a.Path, b.Path)
	files := s.Files()
	assert.Equal(t, 2, files.Archives)
	assert.Len(t, files.Uploads, 2)
	for _, u := range files.Uploads {
		assert.Equal(t, "same.zim", u.Name)
	}
	assert.Equal(t, b.Path, files.Active)
}

func TestUploadNonArchiveHasZeroArticles(t *testing.T) {
	t.Parallel()

	s := newService(t, t.TempDir())
	out := upload(t, s, "notes.zim", []byte("plain text, not an archive"))
	assert.Equal(t, ingest.Uploaded, out.Status)
	assert.Equal(t, uint64(0), out.ArticleCount)

	_, err := s.Article(context.Background(), "anything")
	require.ErrorIs(t, err, ErrOpen)
}

func TestProgressReachesTotal(t *testing.T) {
	t.Parallel()

	s := newService(t, t.TempDir())
	assert.Equal(t, uint64(0), s.Progress().ProcessedBytes)

	data := bytes.Repeat([]byte("abcdef"), 50_000)
	_, err := s.Upload(context.Background(), "p.zim", testutil.NewChunkReader(data, 1000, 17))
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), s.Progress().ProcessedBytes)
}

func TestWatchStreamsProgress(t *testing.T) {
	t.Parallel()

	s := newService(t, t.TempDir(), WithProgressInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	events := s.Watch(ctx)

	first := <-events
	assert.Equal(t, uint64(0), first.ProcessedBytes)

	upload(t, s, "w.zim", []byte("0123456789"))
	require.Eventually(t, func() bool {
		return (<-events).ProcessedBytes == 10
	}, time.Second, time.Millisecond)

	cancel()
	for range events {
	}
}

func TestRestartRecoversIndex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, WithProcessLock(false))
	require.NoError(t, err)
	a := upload(t, s, "a.zim", []byte("alpha"))
	b := upload(t, s, "b.zim", []byte("beta"))
	require.NoError(t, s.Close(context.Background()))

	// A file whose name carries a hash that does not match its content is
	// trusted as is.
	bogusHash := fileops.HashBytes([]byte("something else"))
	bogus := filepath.Join(dir, bogusHash+".zim")
	require.NoError(t, os.WriteFile(bogus, []byte("gamma"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("ignored"), 0o644))

	s2 := newService(t, dir)
	got := s2.state.Index.Snapshot()
	assert.Equal(t, map[string]string{
		a.Hash:    a.Path,
		b.Hash:    b.Path,
		bogusHash: bogus,
	}, got)

	_, ok := s2.ActiveDataset()
	assert.False(t, ok, "active dataset is not persisted")
	assert.Empty(t, s2.Files().Uploads, "uploads registry is not persisted")

	again := upload(t, s2, "a-again.zim", []byte("alpha"))
	assert.Equal(t, ingest.Cached, again.Status)
	assert.Equal(t, a.Path, again.Path)
}

func TestCleanCache(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newService(t, dir)
	a := upload(t, s, "a.zim", testutil.PackArticles(t, "Go"))
	upload(t, s, "b.zim", []byte("beta"))
	_, err := s.Browse(context.Background(), a.Path)
	require.NoError(t, err)
	require.Equal(t, 1, s.archives.Len())

	removed, err := s.CleanCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.Empty(t, storedFiles(t, dir))
	assert.Equal(t, 0, s.state.Index.Len())
	assert.Equal(t, 0, s.state.Uploads.Len())
	_, ok := s.ActiveDataset()
	assert.False(t, ok)
	assert.Equal(t, 0, s.archives.Len())

	_, err = s.Article(context.Background(), "Go")
	require.ErrorIs(t, err, ErrNoActiveDataset)

	// Behaves like a fresh process afterwards.
	out := upload(t, s, "a.zim", testutil.PackArticles(t, "Go"))
	assert.Equal(t, ingest.Uploaded, out.Status)
	assert.Equal(t, uint64(1), out.ArticleCount)
}

func TestCleanCacheEmpty(t *testing.T) {
	t.Parallel()

	s := newService(t, t.TempDir())
	removed, err := s.CleanCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

// withStorageOptions passes opts through to the storage root.
func withStorageOptions(opts ...storage.Option) Option {
	return func(s *Service) error {
		s.storageOpts = append(s.storageOpts, opts...)
		return nil
	}
}

func TestCleanCachePartialFailure(t *testing.T) {
	t.Parallel()

	var failing atomic.Bool
	failing.Store(true)
	remove := func(path string) error {
		if failing.Load() {
			return errors.New("device busy")
		}
		return os.Remove(path)
	}

	dir := t.TempDir()
	s := newService(t, dir, withStorageOptions(storage.WithRemoveFunc(remove)))
	a := upload(t, s, "a.zim", []byte("alpha"))
	b := upload(t, s, "b.zim", []byte("beta"))

	_, err := s.CleanCache(context.Background())
	require.ErrorIs(t, err, ErrMaintenance)

	assert.Len(t, storedFiles(t, dir), 2)
	assert.Equal(t, 2, s.state.Index.Len())
	assert.Equal(t, 2, s.state.Uploads.Len())
	active, ok := s.ActiveDataset()
	require.True(t, ok)
	assert.Equal(t, b.Path, active)

	again := upload(t, s, "a.zim", []byte("alpha"))
	assert.Equal(t, ingest.Cached, again.Status)
	assert.Equal(t, a.Path, again.Path)

	failing.Store(false)
	removed, err := s.CleanCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, storedFiles(t, dir))
	assert.Equal(t, 0, s.state.Index.Len())
}

func TestCleanCacheConcurrentWithUploads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newService(t, dir)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			_, err := s.Upload(context.Background(), "c.zim", bytes.NewReader(bytes.Repeat([]byte{byte(i)}, 4096)))
			if err != nil {
				assert.ErrorIs(t, err, ErrCleaned)
			}
		})
	}
	wg.Go(func() {
		_, err := s.CleanCache(context.Background())
		assert.NoError(t, err)
	})
	wg.Wait()

	// Every indexed entry and the active dataset reference existing files.
	for _, p := range s.state.Index.Snapshot() {
		assert.FileExists(t, p)
	}
	if active, ok := s.ActiveDataset(); ok {
		assert.FileExists(t, active)
	}
	for _, u := range s.Files().Uploads {
		assert.FileExists(t, u.Path)
	}
}

func TestArticleWithoutActiveDataset(t *testing.T) {
	t.Parallel()

	s := newService(t, t.TempDir())
	_, err := s.Article(context.Background(), "Go")
	require.ErrorIs(t, err, ErrNoActiveDataset)

	_, err = s.Search(context.Background(), "Go", "")
	require.ErrorIs(t, err, ErrNoActiveDataset)

	_, err = s.Browse(context.Background(), "")
	require.ErrorIs(t, err, ErrNoActiveDataset)
}

func TestArticleFromStoredArchive(t *testing.T) {
	t.Parallel()

	s := newService(t, t.TempDir())
	upload(t, s, "wiki.zim", testutil.PackArticles(t, "Go", "Gopher"))

	art, err := s.Article(context.Background(), "Gopher")
	require.NoError(t, err)
	assert.Contains(t, string(art.Body), "Gopher")
	assert.Contains(t, art.MIMEType, "text/html")

	_, err = s.Article(context.Background(), "Python")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBrowseAndSearchStoredArchive(t *testing.T) {
	t.Parallel()

	s := newService(t, t.TempDir())
	first := upload(t, s, "first.zim", testutil.PackArticles(t, "Go", "Gopher", "Rust"))
	upload(t, s, "second.zim", testutil.PackArticles(t, "Zig"))

	entries, err := s.Browse(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Title: "Zig"}}, entries)

	entries, err = s.Browse(context.Background(), first.Path)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Title: "Go"}, {Title: "Gopher"}, {Title: "Rust"}}, entries)

	entries, err = s.Search(context.Background(), "Go", first.Path)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Title: "Go"}, {Title: "Gopher"}}, entries)

	_, err = s.Search(context.Background(), "  ", first.Path)
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestExplicitPathOutsideRoot(t *testing.T) {
	t.Parallel()

	s := newService(t, t.TempDir())
	outside := testutil.WriteArchive(t, t.TempDir(), "x.zim", "Go")

	_, err := s.Browse(context.Background(), outside)
	require.ErrorIs(t, err, ErrInvalidPath)
	_, err = s.Search(context.Background(), "Go", filepath.Join(s.Dir(), "..", "x.zim"))
	require.ErrorIs(t, err, ErrInvalidPath)
}

// recordingArchive returns a mock archive that records search queries and
// answers them with results.
func recordingArchive(results func(query string) []archive.Lookup) (*testutil.MockArchive, func() []string) {
	var (
		mu      sync.Mutex
		queries []string
	)
	m := testutil.NewMockArchive()
	m.SearchFunc = func(query string, _ int) ([]archive.Lookup, error) {
		mu.Lock()
		queries = append(queries, query)
		mu.Unlock()
		return results(query), nil
	}
	return m, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(queries)
	}
}

func mockService(t *testing.T, m *testutil.MockArchive) *Service {
	t.Helper()
	opener := testutil.NewMockOpener()
	opener.Fallback = m
	s := newService(t, t.TempDir(), WithOpener(opener))
	upload(t, s, "mock.zim", []byte("mock"))
	return s
}

func TestSearchRetriesLowercaseOnce(t *testing.T) {
	t.Parallel()

	m, queries := recordingArchive(func(string) []archive.Lookup { return nil })
	s := mockService(t, m)

	got, err := s.Search(context.Background(), "Nothing Matches", "")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, []string{"Nothing Matches", "nothing matches"}, queries())
}

func TestSearchLowercaseRetryFinds(t *testing.T) {
	t.Parallel()

	m, queries := recordingArchive(func(q string) []archive.Lookup {
		if q == "gopher" {
			return []archive.Lookup{{Status: archive.Found, Title: "gopher"}}
		}
		return nil
	})
	s := mockService(t, m)

	got, err := s.Search(context.Background(), "GOPHER", "")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Title: "gopher"}}, got)
	assert.Len(t, queries(), 2)
}

func TestSearchNoRetryWhenFound(t *testing.T) {
	t.Parallel()

	m, queries := recordingArchive(func(q string) []archive.Lookup {
		return []archive.Lookup{{Status: archive.Found, Title: q}}
	})
	s := mockService(t, m)

	_, err := s.Search(context.Background(), "Go", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Go"}, queries())
}

func TestSearchCapsResults(t *testing.T) {
	t.Parallel()

	m, _ := recordingArchive(func(string) []archive.Lookup {
		out := make([]archive.Lookup, 80)
		for i := range out {
			out[i] = archive.Lookup{Status: archive.Found, Title: strings.Repeat("x", i+1)}
		}
		return out
	})
	s := mockService(t, m)

	got, err := s.Search(context.Background(), "x", "")
	require.NoError(t, err)
	require.Len(t, got, MaxSearchResults)
	for i, e := range got {
		assert.Len(t, e.Title, i+1, "collaborator order is preserved")
	}
}

func TestBrowseSkipsUnreadableEntries(t *testing.T) {
	t.Parallel()

	m := testutil.NewMockArchive("A", "B", "C")
	m.Broken["B"] = true
	s := mockService(t, m)

	got, err := s.Browse(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Title: "A"}, {Title: "C"}}, got)

	_, err = s.Article(context.Background(), "B")
	require.ErrorIs(t, err, ErrUnreadable)
}
