package sftpsync

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// localFS serves RemoteFS from a directory on disk.
type localFS struct {
	root string

	mu       sync.Mutex
	creates  []string
	failAt   string
	closed   bool
	mkdirErr error
}

func newLocalFS(root string) *localFS { return &localFS{root: root} }

func (l *localFS) path(name string) string { return filepath.Join(l.root, filepath.FromSlash(name)) }

func (l *localFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(l.path(name)) }

func (l *localFS) Mkdir(name string) error {
	if l.mkdirErr != nil {
		return l.mkdirErr
	}
	return os.Mkdir(l.path(name), 0o755)
}

func (l *localFS) Create(name string) (io.WriteCloser, error) {
	l.mu.Lock()
	l.creates = append(l.creates, name)
	fail := l.failAt != "" && l.failAt == name
	l.mu.Unlock()
	if fail {
		return nil, errors.New("connection lost")
	}
	return os.Create(l.path(name))
}

func (l *localFS) Open(name string) (io.ReadCloser, error) { return os.Open(l.path(name)) }

func (l *localFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(l.path(name), atime, mtime)
}

func (l *localFS) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *localFS) createdFiles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.creates...)
}
