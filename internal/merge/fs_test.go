package merge

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// dirFS serves a remote filesystem from a local directory.
type dirFS struct {
	root string

	mu      sync.Mutex
	creates []string
	closed  int
}

func (d *dirFS) path(name string) string { return filepath.Join(d.root, filepath.FromSlash(name)) }

func (d *dirFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(d.path(name)) }

func (d *dirFS) Mkdir(name string) error { return os.Mkdir(d.path(name), 0o755) }

func (d *dirFS) Create(name string) (io.WriteCloser, error) {
	d.mu.Lock()
	d.creates = append(d.creates, name)
	d.mu.Unlock()
	return os.Create(d.path(name))
}

func (d *dirFS) Open(name string) (io.ReadCloser, error) { return os.Open(d.path(name)) }

func (d *dirFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(d.path(name), atime, mtime)
}

func (d *dirFS) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *dirFS) read(name string) (string, error) {
	data, err := os.ReadFile(d.path(name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var errDialRefused = errors.New("connection refused")
