package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ripqueue/ripqueue/internal/download"
	"github.com/ripqueue/ripqueue/internal/storage"
)

// ItemRepository implements storage.ItemRepository on SQLite.
type ItemRepository struct {
	db *sql.DB
}

func NewItemRepository(db *sql.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

func (r *ItemRepository) Insert(ctx context.Context, item *download.Item) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO items (
			id, owner, source_url, title, priority, state, progress,
			error, error_category, created_at, started_at, finished_at, output_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.Owner,
		item.SourceURL,
		item.Title,
		item.Priority,
		string(item.State),
		item.Progress,
		item.Error,
		string(item.ErrorCategory),
		formatTime(item.CreatedAt),
		nullTime(item.StartedAt),
		nullTime(item.FinishedAt),
		item.OutputPath,
	)
	if err != nil {
		return fmt.Errorf("failed to insert item %s: %w", item.ID, err)
	}

	return nil
}

// Update replaces the stored record. Records already stored in a
// terminal state are never touched.
func (r *ItemRepository) Update(ctx context.Context, item *download.Item) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE items SET
			title = ?, priority = ?, state = ?, progress = ?,
			error = ?, error_category = ?, started_at = ?, finished_at = ?, output_path = ?
		WHERE id = ? AND state NOT IN ('completed', 'failed', 'canceled')`,
		item.Title,
		item.Priority,
		string(item.State),
		item.Progress,
		item.Error,
		string(item.ErrorCategory),
		nullTime(item.StartedAt),
		nullTime(item.FinishedAt),
		item.OutputPath,
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update item %s: %w", item.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected > 0 {
		return nil
	}

	var state string

	err = r.db.QueryRowContext(ctx, `SELECT state FROM items WHERE id = ?`, item.ID).Scan(&state)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}

	if err != nil {
		return err
	}

	if download.State(state).Terminal() {
		return storage.ErrTerminalRecord
	}

	return nil
}

func (r *ItemRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete item %s: %w", id, err)
	}

	return nil
}

func (r *ItemRepository) List(ctx context.Context) ([]*download.Item, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT
			id, owner, source_url, title, priority, state, progress,
			error, error_category, created_at, started_at, finished_at, output_path
		FROM items`)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*download.Item

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	return items, rows.Err()
}

func scanItem(rows *sql.Rows) (*download.Item, error) {
	var (
		item                                download.Item
		state                               string
		title, errMsg, errCategory, outPath sql.NullString
		createdAt, startedAt, finishedAt    sql.NullString
	)

	err := rows.Scan(
		&item.ID, &item.Owner, &item.SourceURL, &title, &item.Priority,
		&state, &item.Progress, &errMsg, &errCategory,
		&createdAt, &startedAt, &finishedAt, &outPath,
	)
	if err != nil {
		return nil, err
	}

	item.State = download.State(state)
	item.Title = title.String
	item.Error = errMsg.String
	item.ErrorCategory = download.ErrorCategory(errCategory.String)
	item.OutputPath = outPath.String

	if item.CreatedAt, err = parseTime(createdAt.String); err != nil {
		return nil, fmt.Errorf("bad created_at for item %s: %w", item.ID, err)
	}

	if startedAt.Valid && startedAt.String != "" {
		if item.StartedAt, err = parseTime(startedAt.String); err != nil {
			return nil, fmt.Errorf("bad started_at for item %s: %w", item.ID, err)
		}
	}

	if finishedAt.Valid && finishedAt.String != "" {
		if item.FinishedAt, err = parseTime(finishedAt.String); err != nil {
			return nil, fmt.Errorf("bad finished_at for item %s: %w", item.ID, err)
		}
	}

	return &item, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}

	return formatTime(t)
}
