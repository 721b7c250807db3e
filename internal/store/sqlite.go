package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS envelopes (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	url        TEXT NOT NULL DEFAULT '',
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_envelopes_kind_created ON envelopes (kind, created_at);
CREATE INDEX IF NOT EXISTS idx_envelopes_created ON envelopes (created_at);
`

// SQLiteStore persists envelopes in a single SQLite database file.
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
	stopChan  chan struct{}
}

// NewSQLiteStore opens (creating if needed) the database at path, applies the
// schema, and starts the retention sweep. WAL keeps appends from blocking
// reads.
func NewSQLiteStore(path string, retention, cleanupInterval time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// modernc.org/sqlite connections do not share an in-process page cache.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		retention: retention,
		stopChan:  make(chan struct{}),
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	go s.cleanup(cleanupInterval)

	log.Info().Str("path", path).Dur("retention", retention).Msg("sqlite store opened")
	return s, nil
}

func (s *SQLiteStore) Append(ctx context.Context, env Envelope) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO envelopes (id, kind, url, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		env.ID, env.Kind, env.URL, []byte(env.Payload), env.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append envelope: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, kind string, n int) ([]Envelope, error) {
	query := `SELECT id, kind, url, payload, created_at FROM envelopes`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent envelopes: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var env Envelope
		var payload []byte
		var createdNanos int64
		if err := rows.Scan(&env.ID, &env.Kind, &env.URL, &payload, &createdNanos); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		env.Payload = payload
		env.CreatedAt = time.Unix(0, createdNanos)
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM envelopes WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired envelopes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) PurgeAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM envelopes`); err != nil {
		return fmt.Errorf("purge all envelopes: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM envelopes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count envelopes: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	return s.db.Close()
}

func (s *SQLiteStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if s.retention <= 0 {
				continue
			}
			n, err := s.PurgeOlderThan(context.Background(), time.Now().Add(-s.retention))
			if err != nil {
				log.Warn().Err(err).Msg("retention sweep failed")
			} else if n > 0 {
				log.Debug().Int("removed", n).Msg("retention sweep")
			}
		}
	}
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
