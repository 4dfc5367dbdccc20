package merge

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"pihub/internal/fileutil"
	"pihub/internal/logging"
	"pihub/internal/sftpsync"
	"pihub/internal/staging"
)

// Outcome describes what Prepare did to the local file.
type Outcome struct {
	Merged      bool
	RemoteLines int
	LocalLines  int
	Dropped     int
}

// Resolver merges local files with their remote copies and archives them
// once uploaded.
type Resolver struct {
	marker string
	stage  *staging.Manager
	logger *slog.Logger
}

// NewResolver builds a Resolver. An empty marker uses DefaultMarker.
func NewResolver(marker string, stage *staging.Manager, logger *slog.Logger) *Resolver {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Resolver{marker: marker, stage: stage, logger: logging.NewComponentLogger(logger, "merge")}
}

// Prepare fetches remotePath when it exists and rewrites localPath with the
// merged content. A missing remote file leaves the local file untouched.
func (r *Resolver) Prepare(rfs sftpsync.RemoteFS, localPath, remotePath string) (Outcome, error) {
	info, err := rfs.Stat(remotePath)
	if errors.Is(err, fs.ErrNotExist) {
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("stat remote %s: %w", remotePath, err)
	}
	if info.IsDir() {
		return Outcome{}, fmt.Errorf("%w: %s", sftpsync.ErrNotDirectory, remotePath)
	}

	src, err := rfs.Open(remotePath)
	if err != nil {
		return Outcome{}, fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	remote, err := ReadLines(src)
	_ = src.Close()
	if err != nil {
		return Outcome{}, fmt.Errorf("read remote %s: %w", remotePath, err)
	}

	localInfo, err := os.Stat(localPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("stat local: %w", err)
	}
	file, err := os.Open(localPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("open local: %w", err)
	}
	local, err := ReadLines(file)
	_ = file.Close()
	if err != nil {
		return Outcome{}, fmt.Errorf("read local: %w", err)
	}

	merged := Merge(remote, local, r.marker)
	if err := fileutil.WriteFileAtomic(localPath, JoinLines(merged), localInfo.Mode().Perm()); err != nil {
		return Outcome{}, fmt.Errorf("write merged file: %w", err)
	}
	out := Outcome{
		Merged:      true,
		RemoteLines: len(remote),
		LocalLines:  len(local),
		Dropped:     len(remote) + len(local) - len(merged),
	}
	r.logger.Info("local file merged with remote copy",
		logging.String("file", localPath),
		logging.Int("remote_lines", out.RemoteLines),
		logging.Int("local_lines", out.LocalLines),
		logging.Int("dropped", out.Dropped),
		logging.String(logging.FieldEventType, "merge_applied"),
	)
	return out, nil
}

// Archive moves an uploaded working file to the transferred stage so it is
// not scanned again.
func (r *Resolver) Archive(localPath string) (string, error) {
	return r.stage.Move(localPath, staging.Transferred)
}
