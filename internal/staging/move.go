package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"pihub/internal/fileutil"
	"pihub/internal/logging"
)

// Move relocates a staged file or folder to the same relative path under
// target. An existing target folder is replaced; an existing target file is
// overwritten. On failure the source is left in place and the error is
// returned for the caller to log; the next sync cycle retries.
func (m *Manager) Move(path string, target Stage) (string, error) {
	from, rel, err := m.Locate(path)
	if err != nil {
		return "", err
	}
	if from == target {
		return path, nil
	}
	if from != ToProcess && from != LocalOnly {
		return "", fmt.Errorf("move %s: stage %s is terminal", rel, from)
	}
	dest := filepath.Join(m.StageDir(target), rel)

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("move %s: %w", rel, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		m.logMoveFailure(rel, target, err)
		return "", fmt.Errorf("move %s: create parent: %w", rel, err)
	}

	if info.IsDir() {
		if existing, statErr := os.Stat(dest); statErr == nil && existing.IsDir() {
			if err := os.RemoveAll(dest); err != nil {
				m.logMoveFailure(rel, target, err)
				return "", fmt.Errorf("move %s: replace target: %w", rel, err)
			}
		}
		err = os.Rename(path, dest)
	} else {
		err = fileutil.MoveFile(path, dest)
	}
	if err != nil {
		m.logMoveFailure(rel, target, err)
		return "", fmt.Errorf("move %s to %s: %w", rel, target, err)
	}

	m.logger.Debug("staged data moved",
		logging.String("path", rel),
		logging.String("stage", string(target)),
		logging.String(logging.FieldEventType, "stage_move"),
	)
	return dest, nil
}

func (m *Manager) logMoveFailure(rel string, target Stage, err error) {
	logging.WarnWithContext(m.logger, "staged data move failed; source left in place", "stage_move_failed",
		logging.String("path", rel),
		logging.String("stage", string(target)),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check data_root permissions and free space"),
		logging.String(logging.FieldImpact, "data is retried on the next sync cycle"),
	)
}

// PruneEmptyDirs removes directories under root that are empty, deepest
// first. root itself is kept. It returns how many directories were removed.
func (m *Manager) PruneEmptyDirs(root string) (int, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	removed := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			removed++
		}
	}
	return removed, nil
}
