// Package storage manages the directory of stored archives.
//
// Every archive lives directly under the root and is named by the content
// hash of its bytes plus a fixed extension. Uploads are first written to a
// staging directory inside the root and only become visible under their
// final name once complete, so a reader of the root never observes a
// partially written archive. Placement never overwrites an existing file.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/bobg/flock"
	"github.com/google/uuid"

	"github.com/meigma/archivist/internal/fileops"
)

const (
	// DefaultExt is appended to the content hash to form archive file names.
	DefaultExt = ".zim"

	stagingDirName = ".staging"
	lockFileName   = "LOCK"
	stagePrefix    = "upload-"

	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

var (
	// ErrEmptyDir is returned when the storage root is not configured.
	ErrEmptyDir = errors.New("storage: root dir is empty")

	// ErrCommitted is returned when a staged upload is used after Commit or Discard.
	ErrCommitted = errors.New("storage: staged upload already finished")
)

// Root is a directory of content-addressed archive files.
// Root is safe for concurrent use.
type Root struct {
	dir      string
	staging  string
	ext      string
	dirPerm  os.FileMode
	filePerm os.FileMode
	locking  bool
	locker   flock.Locker
	bytes    atomic.Int64 // total size of stored archives
	remove   func(string) error
	logger   *slog.Logger
}

// Option configures a Root.
type Option func(*Root)

// WithExt sets the extension appended to archive file names.
func WithExt(ext string) Option {
	return func(r *Root) {
		r.ext = ext
	}
}

// WithRemoveFunc sets the function RemoveAll deletes archive files with.
// Defaults to os.Remove.
func WithRemoveFunc(fn func(path string) error) Option {
	return func(r *Root) {
		r.remove = fn
	}
}

// WithDirPerm sets the permissions used when creating directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(r *Root) {
		r.dirPerm = mode
	}
}

// WithFilePerm sets the permissions of stored archive files.
func WithFilePerm(mode os.FileMode) Option {
	return func(r *Root) {
		r.filePerm = mode
	}
}

// WithProcessLock controls whether Open takes an exclusive file lock on the
// root, waiting for any other holder to release it. Enabled by default.
func WithProcessLock(enabled bool) Option {
	return func(r *Root) {
		r.locking = enabled
	}
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Root) {
		r.logger = logger
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Root) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Open prepares dir as a storage root, creating it if needed.
//
// Leftover staged uploads from a previous process are removed. Existing
// archives are left untouched; use Scan to enumerate them.
func Open(dir string, opts ...Option) (*Root, error) {
	if dir == "" {
		return nil, ErrEmptyDir
	}
	r := &Root{
		dir:      dir,
		staging:  filepath.Join(dir, stagingDirName),
		ext:      DefaultExt,
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
		locking:  true,
		remove:   os.Remove,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.remove == nil {
		r.remove = os.Remove
	}
	if err := os.MkdirAll(r.staging, r.dirPerm); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	if r.locking {
		if err := r.lock(); err != nil {
			return nil, err
		}
	}
	if err := r.cleanStaging(); err != nil {
		_ = r.unlock()
		return nil, err
	}
	size, err := r.archiveBytes()
	if err != nil {
		_ = r.unlock()
		return nil, err
	}
	r.bytes.Store(size)
	return r, nil
}

// Close releases the process lock.
func (r *Root) Close() error {
	return r.unlock()
}

// Dir returns the root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Ext returns the archive file name extension.
func (r *Root) Ext() string {
	return r.ext
}

// SizeBytes returns the total size of stored archives.
func (r *Root) SizeBytes() int64 {
	return r.bytes.Load()
}

// PathFor returns the path an archive with the given content hash is stored at.
func (r *Root) PathFor(hash string) string {
	return filepath.Join(r.dir, hash+r.ext)
}

// HashOf extracts the content hash from an archive file name.
func (r *Root) HashOf(name string) (string, bool) {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, r.ext)
	if stem == base {
		stem = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if fileops.ValidateHash(stem) != nil {
		return "", false
	}
	return stem, true
}

// Scan lists the archives present under the root, keyed by the content
// hash embedded in each file name. File contents are not read.
//
// Regular files whose names do not carry a content hash are skipped.
func (r *Root) Scan() (map[string]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("storage: scan %s: %w", r.dir, err)
	}
	found := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		hash, ok := r.HashOf(e.Name())
		if !ok {
			r.log().Warn("skipping file without content hash name", "name", e.Name())
			continue
		}
		if prev, dup := found[hash]; dup {
			r.log().Warn("duplicate archive for content hash", "hash", hash, "kept", prev, "skipped", e.Name())
			continue
		}
		found[hash] = filepath.Join(r.dir, e.Name())
	}
	return found, nil
}

// Stage starts a new upload in the staging directory.
func (r *Root) Stage() (*Staged, error) {
	f, err := os.OpenFile(
		filepath.Join(r.staging, stagePrefix+uuid.NewString()),
		os.O_WRONLY|os.O_CREATE|os.O_EXCL,
		r.filePerm,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stage upload: %w", err)
	}
	return &Staged{root: r, f: f, path: f.Name()}, nil
}

// RemoveAll deletes every archive under the root and returns how many
// files were removed. Deletion continues past individual failures; all
// failures are reported together. In-flight staged uploads are not touched.
func (r *Root) RemoveAll() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("storage: list %s: %w", r.dir, err)
	}
	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		var size int64
		if info, infoErr := e.Info(); infoErr == nil {
			size = info.Size()
		}
		if err := r.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
		r.bytes.Add(-size)
	}
	if len(errs) > 0 {
		return removed, errors.Join(errs...)
	}
	return removed, nil
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (r *Root) lockPath() string {
	return filepath.Join(r.staging, lockFileName)
}

func (r *Root) lock() error {
	f, err := os.OpenFile(r.lockPath(), os.O_RDWR|os.O_CREATE, r.filePerm)
	if err != nil {
		return fmt.Errorf("storage: create lock file: %w", err)
	}
	_ = f.Close()
	if err := r.locker.Lock(r.lockPath()); err != nil {
		return fmt.Errorf("storage: lock root: %w", err)
	}
	return nil
}

func (r *Root) unlock() error {
	if !r.locking {
		return nil
	}
	return r.locker.Unlock(r.lockPath())
}

func (r *Root) cleanStaging() error {
	entries, err := os.ReadDir(r.staging)
	if err != nil {
		return fmt.Errorf("storage: list staging: %w", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), stagePrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(r.staging, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storage: remove stale upload: %w", err)
		}
		r.log().Info("removed stale staged upload", "name", e.Name())
	}
	return nil
}

func (r *Root) archiveBytes() (int64, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("storage: list %s: %w", r.dir, err)
	}
	var total int64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// Staged is an upload being written to the staging directory.
// A Staged is not safe for concurrent use.
type Staged struct {
	root *Root
	f    *os.File
	path string
	n    int64
	done bool
}

// Write implements io.Writer.
func (s *Staged) Write(p []byte) (int, error) {
	if s.done {
		return 0, ErrCommitted
	}
	n, err := s.f.Write(p)
	s.n += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (s *Staged) Size() int64 {
	return s.n
}

// Sync flushes the staged bytes to stable storage and closes the file.
// It must be called before Commit.
func (s *Staged) Sync() error {
	if s.done {
		return ErrCommitted
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("storage: sync upload: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("storage: close upload: %w", err)
	}
	return nil
}

// Commit places the staged bytes at the archive path for hash. If an
// archive with that name already exists it is kept as is, the staged copy
// is dropped and created is false.
//
// Callers must have called Sync and must serialize Commit against other
// placements of the same hash.
func (s *Staged) Commit(hash string) (path string, created bool, err error) {
	if s.done {
		return "", false, ErrCommitted
	}
	s.done = true
	defer os.Remove(s.path) //nolint:errcheck // staging copy is always dropped

	path = s.root.PathFor(hash)
	err = os.Link(s.path, path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrExist):
		return path, false, nil
	default:
		// Filesystems without hard links fall back to an exclusive copy.
		if created, err = s.copyExclusive(path); err != nil || !created {
			return path, created, err
		}
	}
	s.root.bytes.Add(s.n)
	return path, true, nil
}

// Discard drops the staged upload.
func (s *Staged) Discard() error {
	if s.done {
		return nil
	}
	s.done = true
	_ = s.f.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: discard upload: %w", err)
	}
	return nil
}

func (s *Staged) copyExclusive(path string) (bool, error) {
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, s.root.filePerm)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: create %s: %w", path, err)
	}
	src, err := os.Open(s.path)
	if err != nil {
		dst.Close()
		_ = os.Remove(path)
		return false, fmt.Errorf("storage: reopen upload: %w", err)
	}
	defer src.Close()

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(path)
		return false, fmt.Errorf("storage: write %s: %w", path, err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		_ = os.Remove(path)
		return false, fmt.Errorf("storage: sync %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("storage: close %s: %w", path, err)
	}
	return true, nil
}
