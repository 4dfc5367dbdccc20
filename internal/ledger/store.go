package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome values stored in transfers.outcome.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
)

// Store wraps the ledger database.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the ledger at path and verifies its schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Transfer is one sync attempt for a device folder.
type Transfer struct {
	ID         int64
	Backend    string
	Device     string
	Folder     string
	Files      int
	Bytes      int64
	Outcome    string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration reports how long the attempt ran.
func (t Transfer) Duration() time.Duration {
	if t.FinishedAt.Before(t.StartedAt) {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// RecordTransfer appends an attempt to the history. A zero FinishedAt is
// filled with the current time.
func (s *Store) RecordTransfer(ctx context.Context, t Transfer) (int64, error) {
	if t.Backend == "" || t.Device == "" || t.Outcome == "" {
		return 0, errors.New("record transfer: backend, device and outcome are required")
	}
	if t.FinishedAt.IsZero() {
		t.FinishedAt = s.now()
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = t.FinishedAt
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (
            backend, device, folder, files, bytes, outcome, error_message, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Backend,
		t.Device,
		nullableString(t.Folder),
		t.Files,
		t.Bytes,
		t.Outcome,
		nullableString(t.Error),
		formatTime(t.StartedAt),
		formatTime(t.FinishedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert transfer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// RecentTransfers returns up to limit attempts, newest first. An empty
// device returns every device.
func (s *Store) RecentTransfers(ctx context.Context, device string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + transferColumns + ` FROM transfers`
	args := []any{}
	if device != "" {
		query += ` WHERE device = ?`
		args = append(args, device)
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// OutcomeCounts returns the number of recorded attempts per outcome.
func (s *Store) OutcomeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(1) FROM transfers GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		counts[outcome] = count
	}
	return counts, rows.Err()
}

// PruneTransfers removes history finished before cutoff.
func (s *Store) PruneTransfers(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transfers WHERE finished_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	return res.RowsAffected()
}
