package sqlite

import (
	"context"
	"database/sql"

	"github.com/ripqueue/ripqueue/internal/download"
	"github.com/ripqueue/ripqueue/internal/telemetry"
)

// InstrumentedItemRepository wraps ItemRepository with telemetry.
type InstrumentedItemRepository struct {
	repo      *ItemRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedItemRepository creates a new instrumented item repository.
func NewInstrumentedItemRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedItemRepository {
	return &InstrumentedItemRepository{
		repo:      NewItemRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedItemRepository) Insert(ctx context.Context, item *download.Item) error {
	return r.telemetry.InstrumentDBOperation(ctx, "insert_item", func(ctx context.Context) error {
		return r.repo.Insert(ctx, item)
	})
}

func (r *InstrumentedItemRepository) Update(ctx context.Context, item *download.Item) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_item", func(ctx context.Context) error {
		return r.repo.Update(ctx, item)
	})
}

func (r *InstrumentedItemRepository) Delete(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_item", func(ctx context.Context) error {
		return r.repo.Delete(ctx, id)
	})
}

func (r *InstrumentedItemRepository) List(ctx context.Context) ([]*download.Item, error) {
	var result []*download.Item

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_items", func(ctx context.Context) error {
		result, err = r.repo.List(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
