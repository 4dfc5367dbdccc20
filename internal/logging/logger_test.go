package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pihub/internal/config"
	"pihub/internal/logging"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(data)
}

func TestConsoleLoggerRendersComponentAndDevice(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger = logging.NewComponentLogger(logger, "watch")
	logger.Info("file received", logging.Device("Watch12"), logging.String("file", "a b.txt"), logging.Int("bytes", 42))

	content := readLog(t, logPath)
	if !strings.Contains(content, "INFO  watch[Watch12]: file received") {
		t.Fatalf("unexpected console prefix: %q", content)
	}
	if !strings.Contains(content, `file="a b.txt"`) || !strings.Contains(content, "bytes=42") {
		t.Fatalf("expected quoted attributes, got %q", content)
	}
	if strings.Contains(content, ".go:") {
		t.Fatalf("expected no source at info level, got %q", content)
	}
}

func TestConsoleLoggerIncludesSourceForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "debug.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("with source")
	if !strings.Contains(readLog(t, logPath), "logger_test.go:") {
		t.Fatal("expected source location in debug output")
	}
}

func TestJSONLoggerRenamesKeys(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("sync deferred", logging.Error(errors.New("offline")))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace([]byte(readLog(t, logPath))), &entry); err != nil {
		t.Fatalf("decode json line: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "sync deferred" || entry["error"] != "offline" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", entry)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "console", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "upload failed", "upload_failed", logging.String(logging.FieldImpact, "file stays pending"))

	content := readLog(t, logPath)
	for _, want := range []string{"event_type=upload_failed", `error_hint="check logs for details"`, `impact="file stays pending"`} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected %q in %q", want, content)
		}
	}
}

func TestWithContextAddsDeviceAndCorrelation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctx.log")
	base, err := logging.New(logging.Options{Format: "console", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := logging.WithCorrelationID(logging.WithDevice(context.Background(), "bed-01"), "req-1")
	logging.WithContext(ctx, base).Info("connected")

	content := readLog(t, logPath)
	if !strings.Contains(content, "device=bed-01") || !strings.Contains(content, "correlation_id=req-1") {
		t.Fatalf("expected context fields, got %q", content)
	}
}

func TestNewFromConfigWritesRunLog(t *testing.T) {
	cfg := config.Default()
	logPath := filepath.Join(t.TempDir(), "nested", "pihubd.log")
	logger, err := logging.NewFromConfig(&cfg, logPath)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("started")
	if !strings.Contains(readLog(t, logPath), "started") {
		t.Fatal("expected message in run log")
	}
}

func TestProgressSamplerBuckets(t *testing.T) {
	sampler := logging.NewProgressSampler(25)
	steps := []struct {
		file    string
		percent float64
		want    bool
	}{
		{"a.txt", 0, true},
		{"a.txt", 10, false},
		{"a.txt", 26, true},
		{"a.txt", 49, false},
		{"a.txt", 100, true},
		{"b.txt", 100, true},
	}
	for i, step := range steps {
		if got := sampler.ShouldLog(step.file, step.percent); got != step.want {
			t.Fatalf("step %d: ShouldLog(%q, %v) = %v, want %v", i, step.file, step.percent, got, step.want)
		}
	}
}

func TestCleanupOldLogsKeepsCurrentRun(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "pihubd-old.log")
	current := filepath.Join(dir, "pihubd-current.log")
	for _, path := range []string{old, current} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		past := time.Now().AddDate(0, 0, -40)
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed := logging.CleanupOldLogs(logging.NewNop(), dir, "pihubd-*.log", 30, current)
	if removed != 1 {
		t.Fatalf("expected one removal, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("expected old log removed")
	}
	if _, err := os.Stat(current); err != nil {
		t.Fatal("expected current log kept")
	}
}
