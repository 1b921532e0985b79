// Package storage defines the persistence boundary for download
// records. The engine is the single writer; the sweeper deletes.
package storage

import (
	"context"
	"errors"

	"github.com/ripqueue/ripqueue/internal/download"
)

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("storage: record not found")

	// ErrTerminalRecord is returned when an update targets a record
	// already stored in a terminal state. Terminal records never change.
	ErrTerminalRecord = errors.New("storage: record is terminal")
)

// ItemRepository durably stores download items keyed by id.
type ItemRepository interface {
	// Insert persists a newly submitted item.
	Insert(ctx context.Context, item *download.Item) error

	// Update replaces the stored record for item.ID. Updating a record
	// already stored in a terminal state returns ErrTerminalRecord.
	Update(ctx context.Context, item *download.Item) error

	// Delete removes the record. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id string) error

	// List returns every stored record, across all owners.
	List(ctx context.Context) ([]*download.Item, error)
}
