// Package state implements the durable progress store for the pipeline.
// One row per video id plus one row per (video, stage); this store is the
// single source of truth for what has already succeeded. Everything left
// pending or failed at process start is eligible for replay, which is what
// makes the pipeline crash-resumable.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/vodsync/vodsync/internal/model"
)

// ErrNotFound is returned by Get for unknown video ids.
var ErrNotFound = errors.New("state: record not found")

// Well-known sync_meta keys.
const (
	MetaLastSyncedPage = "last_synced_page"
	MetaAPIToken       = "api_token"
)

// Store is the SQLite-backed state store. The database may be encrypted at
// rest via SQLCipher when a passphrase is configured.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open opens (creating if needed) the state database. An empty passphrase
// opens without encryption; a wrong passphrase on an encrypted database
// surfaces as an open error, not silent corruption.
func Open(dbPath, passphrase string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("state: create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	if passphrase != "" {
		// The passphrase travels in the DSN query string, so reserved
		// characters must be escaped or the key silently truncates.
		dsn = fmt.Sprintf("file:%s?_pragma_key=%s&_journal_mode=WAL&_synchronous=NORMAL", dbPath, url.QueryEscape(passphrase))
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open database: %w", err)
	}
	if passphrase != "" {
		// Fails here if the key is wrong.
		var version string
		if err := db.QueryRow("SELECT sqlite_version()").Scan(&version); err != nil {
			db.Close()
			return nil, fmt.Errorf("state: invalid passphrase or corrupted database: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: connect: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Initialize creates the schema if it does not exist.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema := `
CREATE TABLE IF NOT EXISTS videos (
    id              TEXT PRIMARY KEY,
    title           TEXT NOT NULL,
    metadata        TEXT NOT NULL DEFAULT '{}',
    episodes        TEXT NOT NULL DEFAULT '[]',
    cover           TEXT NOT NULL DEFAULT '',
    raw_path        TEXT NOT NULL DEFAULT '',
    encrypted_path  TEXT NOT NULL DEFAULT '',
    pending_remove  INTEGER NOT NULL DEFAULT 0,
    deleted         INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS video_stages (
    video_id        TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
    stage           TEXT NOT NULL
                    CHECK(stage IN ('fetch', 'persist_metadata', 'upload_primary', 'upload_secondary', 'site_sync')),
    state           TEXT NOT NULL DEFAULT 'pending'
                    CHECK(state IN ('pending', 'success', 'failed', 'skipped')),
    reason          TEXT NOT NULL DEFAULT '',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    last_attempt_at TEXT,
    PRIMARY KEY (video_id, stage)
);
CREATE INDEX IF NOT EXISTS idx_video_stages_state ON video_stages(stage, state);

CREATE TABLE IF NOT EXISTS sync_meta (
    key             TEXT PRIMARY KEY,
    value           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    kind            TEXT NOT NULL,
    started_at      TEXT NOT NULL,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    processed       INTEGER NOT NULL DEFAULT 0,
    succeeded       INTEGER NOT NULL DEFAULT 0,
    skipped         INTEGER NOT NULL DEFAULT 0,
    failed_by_stage TEXT NOT NULL DEFAULT '{}'
);

INSERT OR IGNORE INTO sync_meta (key, value) VALUES ('schema_version', '1');
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("state: initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Exists reports whether a record for the id is already stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM videos WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: exists %s: %w", id, err)
	}
	return true, nil
}

// Get loads one record with all its stage progress.
func (s *Store) Get(ctx context.Context, id string) (*model.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (*model.VideoRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, metadata, episodes, cover, raw_path, encrypted_path,
		       pending_remove, deleted, created_at, updated_at
		FROM videos WHERE id = ?`, id)

	rec := &model.VideoRecord{Stages: make(map[model.Stage]*model.StageProgress)}
	var metadataJSON, episodesJSON, createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.Title, &metadataJSON, &episodesJSON, &rec.Cover,
		&rec.RawPath, &rec.EncryptedPath, &rec.PendingRemove, &rec.Deleted,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("state: metadata for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(episodesJSON), &rec.Episodes); err != nil {
		return nil, fmt.Errorf("state: episodes for %s: %w", id, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, state, reason, retry_count, last_attempt_at
		FROM video_stages WHERE video_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("state: stages for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var stage, st, reason string
		var retries int
		var lastAttempt sql.NullString
		if err := rows.Scan(&stage, &st, &reason, &retries, &lastAttempt); err != nil {
			return nil, fmt.Errorf("state: scan stage for %s: %w", id, err)
		}
		p := &model.StageProgress{
			State:      model.StageState(st),
			Reason:     reason,
			RetryCount: retries,
		}
		if lastAttempt.Valid {
			if t, err := time.Parse(time.RFC3339, lastAttempt.String); err == nil {
				p.LastAttemptAt = &t
			}
		}
		rec.Stages[model.Stage(stage)] = p
	}
	return rec, rows.Err()
}

// Upsert writes a record and all its stage rows in one transaction. A crash
// between computing a stage result and calling Upsert leaves the previous
// committed state intact.
func (s *Store) Upsert(ctx context.Context, rec *model.VideoRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("state: marshal metadata: %w", err)
	}
	episodesJSON, err := json.Marshal(rec.Episodes)
	if err != nil {
		return fmt.Errorf("state: marshal episodes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO videos (id, title, metadata, episodes, cover, raw_path, encrypted_path,
		                    pending_remove, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			metadata = excluded.metadata,
			episodes = excluded.episodes,
			cover = excluded.cover,
			raw_path = excluded.raw_path,
			encrypted_path = excluded.encrypted_path,
			pending_remove = excluded.pending_remove,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Title, string(metadataJSON), string(episodesJSON), rec.Cover,
		rec.RawPath, rec.EncryptedPath, rec.PendingRemove, rec.Deleted,
		rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("state: upsert video %s: %w", rec.ID, err)
	}

	for stage, p := range rec.Stages {
		var lastAttempt interface{}
		if p.LastAttemptAt != nil {
			lastAttempt = p.LastAttemptAt.UTC().Format(time.RFC3339)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO video_stages (video_id, stage, state, reason, retry_count, last_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(video_id, stage) DO UPDATE SET
				state = excluded.state,
				reason = excluded.reason,
				retry_count = excluded.retry_count,
				last_attempt_at = excluded.last_attempt_at`,
			rec.ID, string(stage), string(p.State), p.Reason, p.RetryCount, lastAttempt)
		if err != nil {
			return fmt.Errorf("state: upsert stage %s/%s: %w", rec.ID, stage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit upsert %s: %w", rec.ID, err)
	}
	return nil
}

// QueryByStageStatus returns every record whose given stage is in the given
// state, as a consistent snapshot at call time. Used by fix runs to find
// exactly the items needing repair.
func (s *Store) QueryByStageStatus(ctx context.Context, stage model.Stage, st model.StageState) ([]*model.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT video_id FROM video_stages
		WHERE stage = ? AND state = ?
		ORDER BY video_id ASC`, string(stage), string(st))
	if err != nil {
		return nil, fmt.Errorf("state: query %s=%s: %w", stage, st, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("state: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]*model.VideoRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// QueryUnfinished returns records that still have at least one non-success
// stage, excluding records flagged for removal or already deleted. This is
// the scraper's resumption worklist.
func (s *Store) QueryUnfinished(ctx context.Context) ([]*model.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT v.id FROM videos v
		JOIN video_stages vs ON vs.video_id = v.id
		WHERE vs.state != 'success' AND v.pending_remove = 0 AND v.deleted = 0
		ORDER BY v.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("state: query unfinished: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]*model.VideoRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// QueryPendingRemoval returns records flagged for site removal that have
// not yet reached the terminal deleted state.
func (s *Store) QueryPendingRemoval(ctx context.Context) ([]*model.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM videos WHERE pending_remove = 1 AND deleted = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("state: query pending removal: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]*model.VideoRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// MarkPendingRemoval flags a record for site removal by a later site_clean.
func (s *Store) MarkPendingRemoval(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE videos SET pending_remove = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("state: mark removal %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMeta returns a sync metadata value (cursor, cached token). Missing keys
// return an empty string.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state: get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a sync metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("state: set meta %s: %w", key, err)
	}
	return nil
}

// SaveRun persists a run summary for audit.
func (s *Store) SaveRun(ctx context.Context, sum *model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	failedJSON, err := json.Marshal(sum.FailedByStage)
	if err != nil {
		return fmt.Errorf("state: marshal run summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, kind, started_at, duration_ms, processed, succeeded, skipped, failed_by_stage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID, string(sum.Kind), sum.StartedAt.Format(time.RFC3339),
		sum.Duration.Milliseconds(), sum.Processed, sum.Succeeded, sum.Skipped, string(failedJSON))
	if err != nil {
		return fmt.Errorf("state: save run %s: %w", sum.RunID, err)
	}
	return nil
}

// StageCounts returns per-stage counts grouped by state, for the status
// command.
func (s *Store) StageCounts(ctx context.Context) (map[model.Stage]map[model.StageState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, state, COUNT(*) FROM video_stages GROUP BY stage, state`)
	if err != nil {
		return nil, fmt.Errorf("state: stage counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Stage]map[model.StageState]int)
	for rows.Next() {
		var stage, st string
		var n int
		if err := rows.Scan(&stage, &st, &n); err != nil {
			return nil, err
		}
		m, ok := counts[model.Stage(stage)]
		if !ok {
			m = make(map[model.StageState]int)
			counts[model.Stage(stage)] = m
		}
		m[model.StageState(st)] = n
	}
	return counts, rows.Err()
}
