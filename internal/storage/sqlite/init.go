package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the items table
// if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		source_url TEXT NOT NULL,
		title TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'queued',
		progress REAL NOT NULL DEFAULT 0,
		error TEXT,
		error_category TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		output_path TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_items_owner ON items(owner);
	CREATE INDEX IF NOT EXISTS idx_items_state ON items(state)`)

	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
