package sftpsync

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// ErrNotDirectory reports a remote path component that exists as a file.
var ErrNotDirectory = errors.New("remote path exists and is not a directory")

// RemoteFS is the subset of a remote filesystem the transfer engine needs.
// Paths use forward slashes.
type RemoteFS interface {
	Stat(name string) (fs.FileInfo, error)
	Mkdir(name string) error
	Create(name string) (io.WriteCloser, error)
	Open(name string) (io.ReadCloser, error)
	Chtimes(name string, atime, mtime time.Time) error
}

// Session is a RemoteFS bound to a live connection.
type Session interface {
	RemoteFS
	Close() error
}

// MkdirAll creates dir and any missing parents. Existing directories are
// accepted; an existing file anywhere on the path yields ErrNotDirectory.
func MkdirAll(rfs RemoteFS, dir string) error {
	dir = path.Clean(dir)
	if dir == "." || dir == "/" {
		return nil
	}
	prefix := ""
	if strings.HasPrefix(dir, "/") {
		prefix = "/"
	}
	current := ""
	for _, part := range strings.Split(strings.TrimPrefix(dir, "/"), "/") {
		if current == "" {
			current = prefix + part
		} else {
			current = current + "/" + part
		}
		info, err := rfs.Stat(current)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%w: %s", ErrNotDirectory, current)
			}
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", current, err)
		}
		if err := rfs.Mkdir(current); err != nil {
			// Another client may have created it meanwhile.
			if info, statErr := rfs.Stat(current); statErr == nil && info.IsDir() {
				continue
			}
			return fmt.Errorf("mkdir %s: %w", current, err)
		}
	}
	return nil
}

// clientFS adapts *sftp.Client to Session.
type clientFS struct {
	client  *sftp.Client
	onClose func() error
}

// NewClientFS wraps an established SFTP client. onClose, when set, runs
// after the client is closed to release the underlying transport.
func NewClientFS(client *sftp.Client, onClose func() error) Session {
	return &clientFS{client: client, onClose: onClose}
}

func (c *clientFS) Stat(name string) (fs.FileInfo, error) { return c.client.Stat(name) }

func (c *clientFS) Mkdir(name string) error { return c.client.Mkdir(name) }

func (c *clientFS) Create(name string) (io.WriteCloser, error) { return c.client.Create(name) }

func (c *clientFS) Open(name string) (io.ReadCloser, error) { return c.client.Open(name) }

func (c *clientFS) Chtimes(name string, atime, mtime time.Time) error {
	return c.client.Chtimes(name, atime, mtime)
}

func (c *clientFS) Close() error {
	err := c.client.Close()
	if c.onClose != nil {
		err = errors.Join(err, c.onClose())
	}
	return err
}
