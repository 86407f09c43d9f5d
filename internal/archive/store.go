// Package archive provides a persistent, append-only record of every
// generated thought. The in-memory thought ring only keeps the last
// hundred entries for display; the archive keeps everything, with
// timing and token metadata, for post-hoc analysis across sessions.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one archived thought.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	N          int       `json:"n"`
	Content    string    `json:"content"`
	Tokens     int       `json:"tokens"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is an append-only SQLite store for thought records. SQLite
// serializes writes, so all methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the archive database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS thoughts (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		n           INTEGER NOT NULL,
		content     TEXT NOT NULL,
		tokens      INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_thoughts_session ON thoughts(session_id, n);
	CREATE INDEX IF NOT EXISTS idx_thoughts_created ON thoughts(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Add appends one thought record. The record ID is generated here.
func (s *Store) Add(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thoughts (id, session_id, n, content, tokens, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.SessionID, rec.N, rec.Content, rec.Tokens,
		rec.DurationMS, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert thought record: %w", err)
	}
	return nil
}

// Recent returns the newest limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, n, content, tokens, duration_ms, created_at
		FROM thoughts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent thoughts: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var created string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.N, &rec.Content,
			&rec.Tokens, &rec.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("scan thought record: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountBySession returns how many thoughts a session produced.
func (s *Store) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM thoughts WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session thoughts: %w", err)
	}
	return n, nil
}
