package archive

import (
	"errors"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the number of open archives kept by a Cache.
const DefaultCacheSize = 8

// Cache keeps recently used archives open so that repeated searches and
// article fetches against the same dataset do not reopen it.
//
// Archives returned by Open are leases: each must be closed by the caller,
// and the underlying archive is closed once it has been evicted and every
// lease on it is closed. Concurrent opens of the same path share one
// underlying open.
type Cache struct {
	opener Opener
	lru    *lru.Cache
	group  singleflight.Group // zero value is valid
	logger *slog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger. If not set, logging is disabled.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache wraps opener with an LRU of up to size open archives.
func NewCache(opener Opener, size int, opts ...CacheOption) (*Cache, error) {
	if opener == nil {
		return nil, errors.New("archive: nil opener")
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	c := &Cache{opener: opener}
	for _, opt := range opts {
		opt(c)
	}
	l, err := lru.NewWithEvict(size, func(key, value interface{}) {
		if err := value.(*handle).evict(); err != nil {
			c.log().Warn("closing evicted archive", "path", key, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Open implements Opener.
func (c *Cache) Open(path string) (Archive, error) {
	for {
		if v, ok := c.lru.Get(path); ok {
			if l, ok := v.(*handle).lease(); ok {
				return l, nil
			}
		}
		v, err, _ := c.group.Do(path, func() (any, error) {
			if v, ok := c.lru.Peek(path); ok {
				return v, nil
			}
			a, err := c.opener.Open(path)
			if err != nil {
				return nil, err
			}
			h := &handle{Archive: a}
			c.lru.Add(path, h)
			c.log().Debug("opened archive", "path", path)
			return h, nil
		})
		if err != nil {
			return nil, err
		}
		if l, ok := v.(*handle).lease(); ok {
			return l, nil
		}
		// Evicted between open and lease; retry.
	}
}

// Purge drops every cached archive.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached archives.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// handle is a shared open archive with a lease count.
type handle struct {
	Archive

	mu      sync.Mutex
	refs    int
	evicted bool
}

func (h *handle) lease() (*lease, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.evicted {
		return nil, false
	}
	h.refs++
	return &lease{handle: h}, true
}

func (h *handle) release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
	if h.refs == 0 && h.evicted {
		return h.Archive.Close()
	}
	return nil
}

func (h *handle) evict() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.evicted {
		return nil
	}
	h.evicted = true
	if h.refs == 0 {
		return h.Archive.Close()
	}
	return nil
}

// lease is one caller's reference to a cached archive.
type lease struct {
	*handle
	once sync.Once
	err  error
}

// Close releases the lease. The archive stays open while cached.
func (l *lease) Close() error {
	l.once.Do(func() {
		l.err = l.handle.release()
	})
	return l.err
}
