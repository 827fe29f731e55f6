// Package history persists surfaced matches in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/christian-lee/radiotap/internal/fingerprint"
)

// Detection is one surfaced match heard on a stream.
type Detection struct {
	ID        int64             `json:"id"`
	Match     fingerprint.Match `json:"match"`
	StreamURL string            `json:"stream_url"`
	HeardAt   time.Time         `json:"heard_at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			match_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			info TEXT NOT NULL DEFAULT '',
			confidence INTEGER NOT NULL,
			stream_url TEXT NOT NULL,
			heard_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_detections_heard ON detections(heard_at DESC);
	`)
	return err
}

// Record stores d and returns its row id.
func (s *Store) Record(ctx context.Context, d Detection) (int64, error) {
	if d.HeardAt.IsZero() {
		d.HeardAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (match_id, name, description, type, info, confidence, stream_url, heard_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Match.ID, d.Match.Name, d.Match.Description, d.Match.Type, d.Match.Info,
		d.Match.Confidence, d.StreamURL, d.HeardAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert detection: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit detections, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Detection, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, match_id, name, description, type, info, confidence, stream_url, heard_at
		 FROM detections ORDER BY heard_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var d Detection
		var heard string
		if err := rows.Scan(&d.ID, &d.Match.ID, &d.Match.Name, &d.Match.Description,
			&d.Match.Type, &d.Match.Info, &d.Match.Confidence, &d.StreamURL, &heard); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		d.HeardAt, _ = time.Parse(time.RFC3339Nano, heard)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Count returns the number of stored detections.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM detections").Scan(&n); err != nil {
		return 0, fmt.Errorf("count detections: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
