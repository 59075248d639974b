package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/lampwatch/lampwatch/pkg/types"
)

// StorageError is returned when a record could not be filed. The record is
// dropped; nothing else is affected.
type StorageError struct {
	Serial string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storing record for %s: %v", e.Serial, e.Err)
}
func (e *StorageError) Unwrap() error { return e.Err }

// ErrInvalidRecord is wrapped when a record cannot be stored as given.
var ErrInvalidRecord = errors.New("invalid record")

// PointResolver resolves a device serial to its point code.
type PointResolver interface {
	PointCode(serial string) (string, error)
}

// Query selects stored rows.
type Query struct {
	// Start and End bound the row timestamps, inclusive.
	Start time.Time
	End   time.Time
	// PointCode limits the result to one partition per month when set.
	PointCode string
}

// Row is a stored record along with the point it was filed under.
type Row struct {
	PointCode string `json:"pointCode"`
	types.Record
}

// Database persists telemetry records and reads them back.
type Database interface {
	// Store appends rec to its partition.
	Store(ctx context.Context, rec types.Record) error
	// Query returns stored rows ordered by timestamp.
	Query(ctx context.Context, q Query) ([]Row, error)
}

// Configured sets up the CSV store rooted at --data-directory.
func Configured(points PointResolver) *CSVStore {
	dir := lflag.String("data-directory", "./data_directory", "Directory partition files are written to")

	s := &CSVStore{points: points}
	lflag.Do(func() {
		s.root = *dir
	})
	return s
}
