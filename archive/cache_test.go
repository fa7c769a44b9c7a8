package archive_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/archivist/archive"
	"github.com/meigma/archivist/internal/testutil"
)

func TestCacheReusesOpenArchive(t *testing.T) {
	t.Parallel()

	opener := testutil.NewMockOpener()
	opener.Set("/a.zim", testutil.NewMockArchive("Go", "Rust"))
	c, err := archive.NewCache(opener, 2)
	require.NoError(t, err)

	for range 3 {
		a, err := c.Open("/a.zim")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), a.ArticleCount())
		require.NoError(t, a.Close())
	}
	assert.Equal(t, 1, opener.Opens("/a.zim"))
	assert.Equal(t, 1, c.Len())
}

func TestCacheLeaseCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	m := testutil.NewMockArchive("Go")
	opener := testutil.NewMockOpener()
	opener.Set("/a.zim", m)
	c, err := archive.NewCache(opener, 1)
	require.NoError(t, err)

	a, err := c.Open("/a.zim")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.False(t, m.Closed(), "cached archive stays open after lease close")
}

func TestCacheEvictionWaitsForLeases(t *testing.T) {
	t.Parallel()

	first := testutil.NewMockArchive("Go")
	second := testutil.NewMockArchive("Rust")
	opener := testutil.NewMockOpener()
	opener.Set("/first.zim", first)
	opener.Set("/second.zim", second)
	c, err := archive.NewCache(opener, 1)
	require.NoError(t, err)

	held, err := c.Open("/first.zim")
	require.NoError(t, err)

	other, err := c.Open("/second.zim")
	require.NoError(t, err)
	require.NoError(t, other.Close())

	assert.False(t, first.Closed(), "evicted archive must stay open while leased")
	_, err = held.Article("Go")
	require.NoError(t, err)

	require.NoError(t, held.Close())
	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
}

func TestCachePurge(t *testing.T) {
	t.Parallel()

	m := testutil.NewMockArchive("Go")
	opener := testutil.NewMockOpener()
	opener.Set("/a.zim", m)
	c, err := archive.NewCache(opener, 4)
	require.NoError(t, err)

	a, err := c.Open("/a.zim")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	c.Purge()
	assert.True(t, m.Closed())
	assert.Equal(t, 0, c.Len())

	// Reopened after purge.
	opener.Set("/a.zim", testutil.NewMockArchive("Go"))
	a, err = c.Open("/a.zim")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Equal(t, 2, opener.Opens("/a.zim"))
}

func TestCacheOpenError(t *testing.T) {
	t.Parallel()

	opener := testutil.NewMockOpener()
	c, err := archive.NewCache(opener, 4)
	require.NoError(t, err)

	_, err = c.Open("/missing.zim")
	require.ErrorIs(t, err, archive.ErrOpen)
	assert.Equal(t, 0, c.Len(), "failed opens are not cached")

	_, err = c.Open("/missing.zim")
	require.ErrorIs(t, err, archive.ErrOpen)
	assert.Equal(t, 2, opener.Opens("/missing.zim"))
}

func TestCacheConcurrentOpen(t *testing.T) {
	t.Parallel()

	opener := testutil.NewMockOpener()
	opener.Set("/a.zim", testutil.NewMockArchive("Go"))
	c, err := archive.NewCache(opener, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for range 32 {
		wg.Go(func() {
			a, err := c.Open("/a.zim")
			if err != nil {
				errs <- err
				return
			}
			if _, err := a.Article("Go"); err != nil {
				errs <- err
			}
			errs <- a.Close()
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, opener.Opens("/a.zim"))
}

func TestNewCacheNilOpener(t *testing.T) {
	t.Parallel()

	_, err := archive.NewCache(nil, 1)
	require.Error(t, err)
}

func TestOpenerFunc(t *testing.T) {
	t.Parallel()

	want := errors.New("boom")
	var o archive.Opener = archive.OpenerFunc(func(string) (archive.Archive, error) {
		return nil, want
	})
	_, err := o.Open("x")
	require.ErrorIs(t, err, want)
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status archive.Status
		want   string
	}{
		{archive.Found, "found"},
		{archive.Missing, "missing"},
		{archive.Failed, "failed"},
		{archive.Status(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
	assert.True(t, archive.Lookup{Status: archive.Found}.OK())
	assert.False(t, archive.Lookup{Status: archive.Failed}.OK())
}
