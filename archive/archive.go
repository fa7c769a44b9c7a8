// Package archive defines the narrow interface through which the service
// reads uploaded archives: article count, single article retrieval,
// enumeration and title search.
//
// Failures are reported with distinct sentinel errors so callers can tell
// an archive that cannot be opened apart from a missing entry or a
// malformed query. Per-entry results of enumeration and search are tagged
// with a [Status] instead of being silently dropped.
package archive

import (
	"errors"
	"iter"
)

// Sentinel errors.
var (
	// ErrOpen is returned when an archive cannot be opened or parsed.
	ErrOpen = errors.New("archive: open failed")

	// ErrNotFound is returned when no entry matches the requested title.
	ErrNotFound = errors.New("archive: entry not found")

	// ErrUnreadable is returned when an entry exists but its content cannot be read.
	ErrUnreadable = errors.New("archive: entry unreadable")

	// ErrInvalidQuery is returned when a search query cannot be executed.
	ErrInvalidQuery = errors.New("archive: invalid query")
)

// Status classifies a single entry lookup.
type Status uint8

const (
	// Found means the entry was resolved.
	Found Status = iota

	// Missing means the entry referenced by the index does not exist.
	Missing

	// Failed means the entry exists but could not be read.
	Failed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Missing:
		return "missing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Lookup is the tagged result of resolving one entry.
type Lookup struct {
	Status Status

	// Title is the human readable article title. It is set for Found results
	// and, when known, for the others.
	Title string

	// Path is the entry path inside the archive.
	Path string

	// Err describes why the lookup did not succeed. Nil for Found.
	Err error
}

// OK reports whether the lookup resolved.
func (l Lookup) OK() bool {
	return l.Status == Found
}

// Article is the content of a single entry.
type Article struct {
	Title    string
	Path     string
	MIMEType string
	Body     []byte
}

// Archive is an opened archive. Implementations must be safe for
// concurrent use.
type Archive interface {
	// ArticleCount returns the number of article entries.
	ArticleCount() uint64

	// Article returns the article with the given title.
	// Returns ErrNotFound or ErrUnreadable.
	Article(title string) (Article, error)

	// Articles yields every article entry in enumeration order.
	Articles() iter.Seq[Lookup]

	// Search returns entries matching query in ranked order, at most limit
	// results when limit > 0. Returns ErrInvalidQuery for unusable queries.
	Search(query string, limit int) ([]Lookup, error)

	// Close releases resources held by the archive.
	Close() error
}

// Opener opens archives stored at a path.
type Opener interface {
	// Open returns the archive at path. Errors wrap ErrOpen.
	Open(path string) (Archive, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string) (Archive, error)

// Open implements Opener.
func (f OpenerFunc) Open(path string) (Archive, error) {
	return f(path)
}
