package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/sweeplog/sweeplog/internal/vacuum"
)

// Open opens (creating if needed) the local state database and brings
// its schema up to date.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := NewMigrationRunner(db).Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// CursorStore persists the sync cursor. The cursor is a single row,
// written only after a session is fully persisted remotely.
type CursorStore struct {
	db *sql.DB
}

func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Load returns the stored cursor, or nil when none has been written
// yet. A nil cursor means cold start.
func (c *CursorStore) Load(ctx context.Context) (*vacuum.SyncCursor, error) {
	var id, at string
	err := c.db.QueryRowContext(ctx,
		"SELECT last_synced_session_id, last_synced_at FROM sync_cursor WHERE id = 1",
	).Scan(&id, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, fmt.Errorf("load cursor: bad timestamp %q: %w", at, err)
	}
	return &vacuum.SyncCursor{LastSyncedSessionID: id, LastSyncedAt: ts}, nil
}

// Save overwrites the cursor row.
func (c *CursorStore) Save(ctx context.Context, cursor vacuum.SyncCursor) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sync_cursor (id, last_synced_session_id, last_synced_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_synced_session_id = excluded.last_synced_session_id,
			last_synced_at = excluded.last_synced_at`,
		cursor.LastSyncedSessionID,
		cursor.LastSyncedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Journal remembers which sessions were already appended to the remote
// store. Membership checks hit an in-memory LRU sized to the dedup
// window; the database backs it across restarts.
type Journal struct {
	db    *sql.DB
	cache *lru.Cache[string, struct{}]
}

// NewJournal builds a journal with the given window and warms the
// cache with the most recently appended session ids.
func NewJournal(db *sql.DB, window int) (*Journal, error) {
	cache, err := lru.New[string, struct{}](window)
	if err != nil {
		return nil, fmt.Errorf("create journal cache: %w", err)
	}
	j := &Journal{db: db, cache: cache}

	ids, err := j.RecentIDs(context.Background(), window)
	if err != nil {
		return nil, err
	}
	// RecentIDs returns newest first; insert oldest first so eviction
	// keeps the newest entries.
	for i := len(ids) - 1; i >= 0; i-- {
		cache.Add(ids[i], struct{}{})
	}
	return j, nil
}

// Seen reports whether the session id is inside the dedup window.
func (j *Journal) Seen(sessionID string) bool {
	return j.cache.Contains(sessionID)
}

// MarkAppended records a session as appended, durably and in the cache.
func (j *Journal) MarkAppended(ctx context.Context, session vacuum.CompletedSession) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO session_journal (session_id, ended_at, appended_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		session.ID,
		session.EndedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal session %s: %w", session.ID, err)
	}
	j.cache.Add(session.ID, struct{}{})
	return nil
}

// Seed loads session ids into the cache without touching the database.
// Used on cold start, when the window is reconstructed from the remote
// store instead of local history.
func (j *Journal) Seed(ids []string) {
	for _, id := range ids {
		j.cache.Add(id, struct{}{})
	}
}

// RecentIDs returns up to n appended session ids, newest first.
func (j *Journal) RecentIDs(ctx context.Context, n int) ([]string, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT session_id FROM session_journal ORDER BY rowid DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("read journal: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return ids, nil
}
