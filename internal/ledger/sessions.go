package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RemoteSession links a staged session folder to its remote session.
type RemoteSession struct {
	Device        string
	Folder        string
	SessionID     int64
	EventsCreated bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SessionFor returns the recorded session for folder, or nil when none exists.
func (s *Store) SessionFor(ctx context.Context, device, folder string) (*RemoteSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device, folder, session_id, events_created, created_at, updated_at
         FROM remote_sessions WHERE device = ? AND folder = ?`,
		device, folder,
	)
	var (
		rs         RemoteSession
		events     int
		createdRaw string
		updatedRaw string
	)
	err := row.Scan(&rs.Device, &rs.Folder, &rs.SessionID, &events, &createdRaw, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remote session: %w", err)
	}
	rs.EventsCreated = events != 0
	rs.CreatedAt, _ = parseTime(createdRaw)
	rs.UpdatedAt, _ = parseTime(updatedRaw)
	return &rs, nil
}

// SaveSession records the remote session created for folder. Saving again
// replaces the id and clears the events flag.
func (s *Store) SaveSession(ctx context.Context, device, folder string, sessionID int64) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO remote_sessions (device, folder, session_id, events_created, created_at, updated_at)
         VALUES (?, ?, ?, 0, ?, ?)
         ON CONFLICT(device, folder) DO UPDATE SET
             session_id = excluded.session_id,
             events_created = 0,
             updated_at = excluded.updated_at`,
		device, folder, sessionID, now, now,
	)
	if err != nil {
		return fmt.Errorf("save remote session: %w", err)
	}
	return nil
}

// MarkEventsCreated records that the log events of folder were sent.
func (s *Store) MarkEventsCreated(ctx context.Context, device, folder string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE remote_sessions SET events_created = 1, updated_at = ? WHERE device = ? AND folder = ?`,
		formatTime(s.now()), device, folder,
	)
	if err != nil {
		return fmt.Errorf("mark events created: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark events created: no session recorded for %s/%s", device, folder)
	}
	return nil
}

// ForgetSession drops the mapping once the folder has left ToProcess.
func (s *Store) ForgetSession(ctx context.Context, device, folder string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM remote_sessions WHERE device = ? AND folder = ?`, device, folder,
	); err != nil {
		return fmt.Errorf("forget remote session: %w", err)
	}
	return nil
}

// OpenSessions lists sessions still awaiting completion, oldest first.
func (s *Store) OpenSessions(ctx context.Context) ([]RemoteSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device, folder, session_id, events_created, created_at, updated_at
         FROM remote_sessions ORDER BY created_at, device, folder`,
	)
	if err != nil {
		return nil, fmt.Errorf("list remote sessions: %w", err)
	}
	defer rows.Close()
	var out []RemoteSession
	for rows.Next() {
		var (
			rs                     RemoteSession
			events                 int
			createdRaw, updatedRaw string
		)
		if err := rows.Scan(&rs.Device, &rs.Folder, &rs.SessionID, &events, &createdRaw, &updatedRaw); err != nil {
			return nil, fmt.Errorf("scan remote session: %w", err)
		}
		rs.EventsCreated = events != 0
		rs.CreatedAt, _ = parseTime(createdRaw)
		rs.UpdatedAt, _ = parseTime(updatedRaw)
		out = append(out, rs)
	}
	return out, rows.Err()
}
