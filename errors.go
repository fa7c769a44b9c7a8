package archivist

import (
	"errors"

	"github.com/meigma/archivist/archive"
	"github.com/meigma/archivist/ingest"
)

var (
	// ErrNoActiveDataset is returned when an operation needs a dataset and
	// none was named or uploaded.
	ErrNoActiveDataset = errors.New("archivist: no active dataset")

	// ErrInvalidPath is returned when an explicit dataset path does not
	// name an archive in the storage root.
	ErrInvalidPath = errors.New("archivist: dataset path outside storage root")

	// ErrMaintenance is returned when cache maintenance could not delete
	// every stored archive. In-memory state is left as it was.
	ErrMaintenance = errors.New("archivist: cache maintenance failed")
)

// Errors re-exported from archive.
var (
	// ErrOpen is returned when a dataset cannot be opened as an archive.
	ErrOpen = archive.ErrOpen

	// ErrNotFound is returned when no article has the requested title.
	ErrNotFound = archive.ErrNotFound

	// ErrUnreadable is returned when an article exists but cannot be read.
	ErrUnreadable = archive.ErrUnreadable

	// ErrInvalidQuery is returned for search queries that cannot be run.
	ErrInvalidQuery = archive.ErrInvalidQuery
)

// Errors re-exported from ingest.
var (
	// ErrTransport is returned when an upload stream fails before its end.
	ErrTransport = ingest.ErrTransport

	// ErrStorage is returned when an upload cannot be stored.
	ErrStorage = ingest.ErrStorage

	// ErrCleaned is returned when the cache was cleaned during an upload.
	ErrCleaned = ingest.ErrCleaned
)
