package staging

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"pihub/internal/logging"
)

// LogFileName is the per-session log written by the wearable.
const LogFileName = "watch_logs.txt"

// LogRecord is one tab-separated line of the session log:
// unix seconds, type code, context, time string, text.
type LogRecord struct {
	Seconds float64
	Fields  []string
}

// Complete reports whether the record carries all five fields.
func (r LogRecord) Complete() bool { return len(r.Fields) == 5 }

// SessionLog is a parsed session log.
type SessionLog struct {
	Records []LogRecord
}

// Duration is the elapsed seconds between the first and last record.
func (l *SessionLog) Duration() float64 {
	if l == nil || len(l.Records) < 2 {
		return 0
	}
	return l.Records[len(l.Records)-1].Seconds - l.Records[0].Seconds
}

// Last returns the timestamp of the final record.
func (l *SessionLog) Last() float64 {
	if l == nil || len(l.Records) == 0 {
		return 0
	}
	return l.Records[len(l.Records)-1].Seconds
}

// First returns the timestamp of the first record.
func (l *SessionLog) First() float64 {
	if l == nil || len(l.Records) == 0 {
		return 0
	}
	return l.Records[0].Seconds
}

// ErrBadTimestamp marks a log line whose first field is not a number.
var ErrBadTimestamp = errors.New("log timestamp is not numeric")

// ReadLog parses a session log, skipping blank lines.
func ReadLog(path string) (*SessionLog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var log SessionLog
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		seconds, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, ErrBadTimestamp)
		}
		log.Records = append(log.Records, LogRecord{Seconds: seconds, Fields: fields})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return &log, nil
}

// Verdict is the outcome of checking a session folder.
type Verdict struct {
	Accepted bool
	Duration float64
	Reason   string
	Log      *SessionLog
}

// Check applies the dataset rule to a parsed log: at least two records and a
// duration strictly greater than minSeconds.
func Check(log *SessionLog, minSeconds float64) Verdict {
	if log == nil || len(log.Records) < 2 {
		return Verdict{Reason: "log has fewer than two records", Log: log}
	}
	duration := log.Duration()
	if duration <= minSeconds {
		return Verdict{Duration: duration, Reason: fmt.Sprintf("dataset too short (%.1fs <= %.1fs)", duration, minSeconds), Log: log}
	}
	return Verdict{Accepted: true, Duration: duration, Log: log}
}

// Validate reads the folder's session log and moves the folder to Rejected
// when the dataset rule fails. A missing log is reported as fs.ErrNotExist
// and leaves the folder untouched.
func (m *Manager) Validate(folder string, minSeconds float64) (Verdict, error) {
	log, err := ReadLog(filepath.Join(folder, LogFileName))
	var verdict Verdict
	switch {
	case err == nil:
		verdict = Check(log, minSeconds)
	case errors.Is(err, ErrBadTimestamp):
		verdict = Verdict{Reason: err.Error()}
	default:
		return Verdict{}, err
	}
	if verdict.Accepted {
		return verdict, nil
	}
	if _, moveErr := m.Move(folder, Rejected); moveErr != nil {
		return verdict, moveErr
	}
	m.logger.Info("session folder rejected",
		logging.String("folder", folder),
		logging.String("reason", verdict.Reason),
		logging.String(logging.FieldEventType, "session_rejected"),
	)
	return verdict, nil
}
