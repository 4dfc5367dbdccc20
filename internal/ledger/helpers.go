package ledger

import (
	"database/sql"
	"errors"
	"time"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const transferColumns = "id, backend, device, folder, files, bytes, outcome, error_message, started_at, finished_at"

func scanTransfer(scanner interface{ Scan(dest ...any) error }) (Transfer, error) {
	var (
		t           Transfer
		folder      sql.NullString
		errorMsg    sql.NullString
		startedRaw  string
		finishedRaw string
	)
	if err := scanner.Scan(
		&t.ID,
		&t.Backend,
		&t.Device,
		&folder,
		&t.Files,
		&t.Bytes,
		&t.Outcome,
		&errorMsg,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return Transfer{}, err
	}
	t.Folder = folder.String
	t.Error = errorMsg.String
	if started, err := parseTime(startedRaw); err == nil {
		t.StartedAt = started
	}
	if finished, err := parseTime(finishedRaw); err == nil {
		t.FinishedAt = finished
	}
	return t, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(timeLayout, value)
}
