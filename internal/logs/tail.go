package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Filter selects which log lines are emitted.
type Filter struct {
	Device string
}

// Match reports whether line passes the filter.
func (f Filter) Match(line string) bool {
	device := strings.TrimSpace(f.Device)
	if device == "" {
		return true
	}
	if strings.Contains(line, `"device":"`+device+`"`) || strings.Contains(line, "["+device+"]: ") {
		return true
	}
	needle := "device=" + device
	for rest := line; ; {
		idx := strings.Index(rest, needle)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(needle):]
		if rest == "" || rest[0] == ' ' || rest[0] == '\t' {
			return true
		}
	}
}

// Last returns up to limit trailing lines of path that pass filter, plus the
// file size at the time of reading. A missing file yields no lines.
func Last(path string, limit int, filter Filter) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("log path %q is a directory", path)
	}
	if limit <= 0 {
		return nil, info.Size(), nil
	}

	ring := make([]string, 0, limit)
	start := 0
	offset, err := scanLines(file, func(line string) {
		if !filter.Match(line) {
			return
		}
		if len(ring) < limit {
			ring = append(ring, line)
			return
		}
		ring[start] = line
		start = (start + 1) % limit
	})
	if err != nil {
		return nil, 0, err
	}
	lines := append(ring[start:len(ring):len(ring)], ring[:start]...)
	return lines, offset, nil
}

// Follow emits every complete line written to path after offset until ctx is
// cancelled. Partial trailing lines are held back until their newline lands.
func Follow(ctx context.Context, path string, offset int64, filter Filter, emit func(string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create log watcher: %w", err)
	}
	defer watcher.Close()
	// The current log is a link that is replaced on each daemon start, so
	// watch the directory rather than the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch log dir: %w", err)
	}

	offset, err = readFrom(path, offset, filter, emit)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("log watcher: %w", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event, path) {
				continue
			}
			offset, err = readFrom(path, offset, filter, emit)
			if err != nil {
				return err
			}
		}
	}
}

func relevant(event fsnotify.Event, path string) bool {
	if filepath.Base(event.Name) != filepath.Base(path) &&
		!strings.HasPrefix(filepath.Base(event.Name), "pihub-") {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}

func readFrom(path string, offset int64, filter Filter, emit func(string)) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return offset, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return offset, fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek log file: %w", err)
	}
	read, err := scanLines(file, func(line string) {
		if filter.Match(line) {
			emit(line)
		}
	})
	if err != nil {
		return offset, err
	}
	return offset + read, nil
}

// scanLines calls fn for each newline-terminated line and returns the number
// of bytes consumed. An unterminated final line is not consumed.
func scanLines(r io.Reader, fn func(string)) (int64, error) {
	reader := bufio.NewReader(r)
	var consumed int64
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return consumed, nil
		}
		if err != nil {
			return consumed, fmt.Errorf("read log file: %w", err)
		}
		consumed += int64(len(line))
		fn(strings.TrimRight(line, "\r\n"))
	}
}
