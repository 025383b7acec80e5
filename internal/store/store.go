// Package store persists upload jobs and per-part receipts in an embedded
// BadgerDB so a killed agent can resume where it stopped. All writes are
// synchronous: once an operation returns, the row survives process death.
package store

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/lanlift/lanlift/internal/logging"
)

var (
	// ErrJobExists is returned by CreateUpload for a duplicate upload_id.
	ErrJobExists = errors.New("upload job already exists")

	// ErrJobNotFound is returned when an upload_id has no job row.
	ErrJobNotFound = errors.New("upload job not found")

	// ErrPartNotFound is returned when a (upload_id, part_number) has no row.
	ErrPartNotFound = errors.New("part row not found")

	// ErrReceiptConflict is returned when a completed part is marked
	// completed again with a different etag.
	ErrReceiptConflict = errors.New("part already completed with different etag")
)

// Store wraps the Badger handle. It is the exclusive owner of the database;
// callers may invoke operations concurrently, Badger serializes row access.
type Store struct {
	db  *badger.DB
	log *logging.Logger
}

// Open opens (or creates) the state database in dir.
func Open(dir string, log *logging.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state database at %s: %w", dir, err)
	}

	return &Store{db: db, log: log}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
