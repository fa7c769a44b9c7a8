// Package state holds the process-wide mutable state shared by every
// request: the cache index, the uploaded files registry and the active
// dataset.
//
// Each object has its own mutex and none of the exported methods take more
// than one lock. The only multi-lock path is [LockAll], used by cache
// maintenance, which always acquires the locks in the order
// index, uploads, active.
package state

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// Epoch counts cache resets. Maintenance advances it while holding every
// lock; writers that update several objects in separate critical sections
// capture it first and skip later steps once it has moved.
type Epoch struct {
	n atomic.Uint64
}

// Load returns the current epoch.
func (e *Epoch) Load() uint64 {
	return e.n.Load()
}

func (e *Epoch) advance() {
	e.n.Add(1)
}

// CacheIndex maps content hashes to stored archive paths.
type CacheIndex struct {
	mu    sync.Mutex
	paths map[string]string
}

// NewCacheIndex returns an index seeded with entries. The map is copied.
func NewCacheIndex(entries map[string]string) *CacheIndex {
	paths := make(map[string]string, len(entries))
	maps.Copy(paths, entries)
	return &CacheIndex{paths: paths}
}

// Get returns the path stored for hash.
func (c *CacheIndex) Get(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.paths[hash]
	return p, ok
}

// Len returns the number of entries.
func (c *CacheIndex) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

// Snapshot returns a copy of the index.
func (c *CacheIndex) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.paths)
}

// Update runs fn with exclusive access to the index. fn may read and modify
// the entries through tx; tx must not be retained after fn returns.
func (c *CacheIndex) Update(fn func(tx *IndexTx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(&IndexTx{paths: c.paths})
}

// IndexTx is the view of a locked CacheIndex handed to Update callbacks.
type IndexTx struct {
	paths map[string]string
}

// Get returns the path stored for hash.
func (tx *IndexTx) Get(hash string) (string, bool) {
	p, ok := tx.paths[hash]
	return p, ok
}

// Put records path for hash, replacing any previous entry.
func (tx *IndexTx) Put(hash, path string) {
	tx.paths[hash] = path
}

// Delete removes the entry for hash.
func (tx *IndexTx) Delete(hash string) {
	delete(tx.paths, hash)
}

// Upload is one uploaded files registry entry.
type Upload struct {
	Name string `json:"original_file_name"`
	Path string `json:"persisted_file_path"`
}

// Uploads records which original file names were uploaded and where their
// content is stored. It plays no part in deduplication.
type Uploads struct {
	mu     sync.Mutex
	byName map[string][]string
}

// NewUploads returns an empty registry.
func NewUploads() *Uploads {
	return &Uploads{byName: make(map[string][]string)}
}

// AddIf records that name was uploaded and stored at path, but only while
// epoch still equals at. Recording the same pair twice is a no-op;
// different paths under one name are all kept.
func (u *Uploads) AddIf(e *Epoch, at uint64, name, path string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if e.Load() != at {
		return false
	}
	u.add(name, path)
	return true
}

func (u *Uploads) add(name, path string) {
	if slices.Contains(u.byName[name], path) {
		return
	}
	u.byName[name] = append(u.byName[name], path)
}

// Paths returns the stored paths recorded under name.
func (u *Uploads) Paths(name string) []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.byName[name])
}

// Len returns the number of recorded name/path pairs.
func (u *Uploads) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, paths := range u.byName {
		n += len(paths)
	}
	return n
}

// List returns every entry, sorted by name and then by upload order.
func (u *Uploads) List() []Upload {
	u.mu.Lock()
	defer u.mu.Unlock()
	names := slices.Sorted(maps.Keys(u.byName))
	out := make([]Upload, 0, len(names))
	for _, name := range names {
		for _, p := range u.byName[name] {
			out = append(out, Upload{Name: name, Path: p})
		}
	}
	return out
}

// Active holds the dataset path targeted by operations that do not name
// one explicitly.
type Active struct {
	mu   sync.Mutex
	path string
	ok   bool
}

// Get returns the active path, if any.
func (a *Active) Get() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path, a.ok
}

// SetIf makes path the active dataset only while epoch still equals at.
func (a *Active) SetIf(e *Epoch, at uint64, path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e.Load() != at {
		return false
	}
	a.path, a.ok = path, true
	return true
}

// State bundles the shared objects owned by one service instance.
type State struct {
	Index   *CacheIndex
	Uploads *Uploads
	Active  *Active
	Epoch   *Epoch
}

// New returns state with the index seeded from entries.
func New(entries map[string]string) *State {
	return &State{
		Index:   NewCacheIndex(entries),
		Uploads: NewUploads(),
		Active:  &Active{},
		Epoch:   &Epoch{},
	}
}

// Locked is exclusive access to every state object, obtained by LockAll.
type Locked struct {
	s        *State
	released bool
}

// LockAll acquires every lock in the fixed order index, uploads, active.
// The caller must call Unlock.
func (s *State) LockAll() *Locked {
	s.Index.mu.Lock()
	s.Uploads.mu.Lock()
	s.Active.mu.Lock()
	return &Locked{s: s}
}

// Paths returns the archive paths referenced by the index.
func (l *Locked) Paths() []string {
	return slices.Sorted(maps.Values(l.s.Index.paths))
}

// Reset empties every object and advances the epoch.
func (l *Locked) Reset() {
	clear(l.s.Index.paths)
	clear(l.s.Uploads.byName)
	l.s.Active.path, l.s.Active.ok = "", false
	l.s.Epoch.advance()
}

// Unlock releases the locks in reverse order. It is safe to call twice.
func (l *Locked) Unlock() {
	if l.released {
		return
	}
	l.released = true
	l.s.Active.mu.Unlock()
	l.s.Uploads.mu.Unlock()
	l.s.Index.mu.Unlock()
}
