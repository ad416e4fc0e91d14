// Package metadata writes the public-facing catalog database. This is a
// separate database from the sync progress store: progress tracking stays in
// internal/state, while this catalog is what downstream readers query.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/vodsync/vodsync/internal/model"
)

// DB is the catalog database handle. Safe for concurrent use; database/sql
// pools connections and every write runs in its own transaction.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog database at path.
func Open(path, passphrase string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("metadata: create db directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", path)
	if passphrase != "" {
		dsn += "&_pragma_key=" + url.QueryEscape(passphrase)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("metadata: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: ping db: %w", err)
	}
	return &DB{db: db}, nil
}

// Initialize creates the catalog schema if it does not exist.
func (d *DB) Initialize(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS catalog (
	video_id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	episode_count INTEGER NOT NULL DEFAULT 0,
	cover_key TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
`
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("metadata: create schema: %w", err)
	}
	return nil
}

// Upsert writes one catalog row. Re-running with the same record is a no-op
// apart from the updated_at column; the call returns only after the
// transaction commits.
func (d *DB) Upsert(ctx context.Context, rec *model.VideoRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("metadata: marshal metadata for %s: %w", rec.ID, err)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metadata: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO catalog (video_id, title, metadata, episode_count, cover_key, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(video_id) DO UPDATE SET
	title = excluded.title,
	metadata = excluded.metadata,
	episode_count = excluded.episode_count,
	cover_key = excluded.cover_key,
	updated_at = excluded.updated_at`,
		rec.ID, rec.Title, string(meta), len(rec.Episodes), rec.EncryptedPath,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("metadata: upsert %s: %w", rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metadata: commit %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes one catalog row. Deleting an absent row is not an error.
func (d *DB) Delete(ctx context.Context, videoID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM catalog WHERE video_id = ?`, videoID); err != nil {
		return fmt.Errorf("metadata: delete %s: %w", videoID, err)
	}
	return nil
}

// Has reports whether a catalog row exists for videoID.
func (d *DB) Has(ctx context.Context, videoID string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM catalog WHERE video_id = ?`, videoID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("metadata: check %s: %w", videoID, err)
	}
	return true, nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.db.Close()
}
