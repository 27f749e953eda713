package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DeadLetter is a task that failed and is held for inspection or replay.
type DeadLetter struct {
	ID       int64           `json:"id"`
	TaskID   string          `json:"taskId"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failedAt"`
}

// DeadLetterStore persists failed tasks.
type DeadLetterStore interface {
	Add(ctx context.Context, dl *DeadLetter) error
	Get(ctx context.Context, id int64) (*DeadLetter, error)
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	// Delete reports whether a row was removed.
	Delete(ctx context.Context, id int64) (bool, error)
	Count(ctx context.Context) (int64, error)
}

// Spool is a SQLite-backed DeadLetterStore kept under the data directory so
// failed tasks survive restarts without touching the main database.
type Spool struct {
	db *sql.DB
}

// OpenSpool creates or opens the spool database in dataDir.
func OpenSpool(dataDir string) (*Spool, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "deadletters.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging spool: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS dead_letters (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id   TEXT NOT NULL,
		kind      TEXT NOT NULL,
		payload   BLOB NOT NULL,
		error     TEXT NOT NULL,
		failed_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dead_letters table: %w", err)
	}

	slog.Info("dead letter spool opened", "path", dbPath)
	return &Spool{db: db}, nil
}

// Close closes the spool database.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Add stores dl and fills its ID.
func (s *Spool) Add(ctx context.Context, dl *DeadLetter) error {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (task_id, kind, payload, error, failed_at) VALUES (?, ?, ?, ?, ?)`,
		dl.TaskID, dl.Kind, []byte(dl.Payload), dl.Error, dl.FailedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	dl.ID = id
	return nil
}

func scanDeadLetter(row interface{ Scan(...any) error }) (*DeadLetter, error) {
	var dl DeadLetter
	var payload []byte
	var failedAt int64
	if err := row.Scan(&dl.ID, &dl.TaskID, &dl.Kind, &payload, &dl.Error, &failedAt); err != nil {
		return nil, err
	}
	dl.Payload = payload
	dl.FailedAt = time.UnixMilli(failedAt)
	return &dl, nil
}

// Get returns a dead letter by ID. Returns nil, nil if not found.
func (s *Spool) Get(ctx context.Context, id int64) (*DeadLetter, error) {
	dl, err := scanDeadLetter(s.db.QueryRowContext(ctx,
		`SELECT id, task_id, kind, payload, error, failed_at FROM dead_letters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying dead letter: %w", err)
	}
	return dl, nil
}

// List returns the most recent dead letters first.
func (s *Spool) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, kind, payload, error, failed_at
		 FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter row: %w", err)
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}

// Delete removes a dead letter and reports whether it existed.
func (s *Spool) Delete(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting dead letter: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of stored dead letters.
func (s *Spool) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return n, nil
}
