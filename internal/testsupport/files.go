package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	for i := range buf {
		buf[i] = 0x42
	}

	remaining := size
	for remaining > 0 {
		toWrite := int64(chunkSize)
		if remaining < toWrite {
			toWrite = remaining
		}
		if _, err := f.Write(buf[:toWrite]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= toWrite
	}
}

// WriteText writes content to path, creating parent directories.
func WriteText(t testing.TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// LogLine is one record of a wearable session log.
type LogLine struct {
	Seconds int64
	Code    int
	Text    string
}

// SessionLog renders lines in the tab-separated session log format.
func SessionLog(lines ...LogLine) string {
	var b strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&b, "%d\t%d\tMainActivity\t00:00:00\t%s\n", line.Seconds, line.Code, line.Text)
	}
	return b.String()
}

// SessionFolder describes a staged wearable session for fixtures.
type SessionFolder struct {
	// Start is the first log timestamp in unix seconds.
	Start int64
	// Seconds is the span between first and last log record.
	Seconds int64
	// Descriptor replaces the default session.oimi body when set.
	Descriptor string
	// Assets maps extra file names to their contents.
	Assets map[string]string
}

// WriteSessionFolder writes a log, descriptor and assets into dir.
func WriteSessionFolder(t testing.TB, dir string, s SessionFolder) {
	t.Helper()
	start := s.Start
	if start == 0 {
		start = 1_700_000_000
	}
	WriteText(t, filepath.Join(dir, "watch_logs.txt"), SessionLog(
		LogLine{Seconds: start, Code: 4, Text: "Recording started"},
		LogLine{Seconds: start + s.Seconds, Code: 5, Text: "Recording stopped"},
	))
	descriptor := s.Descriptor
	if descriptor == "" {
		descriptor = `{"description":"Settings: {\"rate\": 50}","appVersion":"2.1.0","timestamp":"2026-01-01_10:00:00"}`
	}
	WriteText(t, filepath.Join(dir, "session.oimi"), descriptor)
	for name, content := range s.Assets {
		WriteText(t, filepath.Join(dir, name), content)
	}
}
