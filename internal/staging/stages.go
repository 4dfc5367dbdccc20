// Package staging owns the directory-based lifecycle of received data.
//
// Every file lands under {data_root}/ToProcess/{device}/... and leaves it
// exactly once, either to Rejected (dataset too short) or to Processed once a
// backend confirms the upload. The merge resolver archives into transferred.
// Moves never run in reverse.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pihub/internal/logging"
)

// Stage names a directory under the data root.
type Stage string

const (
	ToProcess   Stage = "ToProcess"
	Rejected    Stage = "Rejected"
	Processed   Stage = "Processed"
	Transferred Stage = "transferred"
	LocalOnly   Stage = "local_only"
)

// AllStages lists the stage directories Ensure creates.
var AllStages = []Stage{ToProcess, Rejected, Processed, Transferred, LocalOnly}

// Manager moves staged data between stages under one data root.
type Manager struct {
	root   string
	logger *slog.Logger
}

// New returns a Manager rooted at dataRoot.
func New(dataRoot string, logger *slog.Logger) *Manager {
	return &Manager{
		root:   filepath.Clean(dataRoot),
		logger: logging.NewComponentLogger(logger, "staging"),
	}
}

// Root returns the data root.
func (m *Manager) Root() string { return m.root }

// Ensure creates every stage directory.
func (m *Manager) Ensure() error {
	for _, stage := range AllStages {
		if err := os.MkdirAll(m.StageDir(stage), 0o755); err != nil {
			return fmt.Errorf("create stage %s: %w", stage, err)
		}
	}
	return nil
}

// StageDir returns the root directory of stage.
func (m *Manager) StageDir(stage Stage) string {
	return filepath.Join(m.root, string(stage))
}

// DeviceDir returns the folder of device inside stage.
func (m *Manager) DeviceDir(stage Stage, device string) string {
	return filepath.Join(m.StageDir(stage), device)
}

// Locate splits an absolute path into its stage and the path relative to
// that stage root.
func (m *Manager) Locate(path string) (Stage, string, error) {
	rel, err := filepath.Rel(m.root, filepath.Clean(path))
	if err != nil {
		return "", "", fmt.Errorf("locate %s: %w", path, err)
	}
	head, tail, _ := strings.Cut(filepath.ToSlash(rel), "/")
	for _, stage := range AllStages {
		if head == string(stage) {
			if tail == "" {
				return "", "", fmt.Errorf("locate %s: path is a stage root", path)
			}
			return stage, filepath.FromSlash(tail), nil
		}
	}
	return "", "", fmt.Errorf("locate %s: not under a stage of %s", path, m.root)
}

// Devices lists the device folders present in stage, sorted.
func (m *Manager) Devices(stage Stage) ([]string, error) {
	entries, err := os.ReadDir(m.StageDir(stage))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var devices []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			devices = append(devices, entry.Name())
		}
	}
	sort.Strings(devices)
	return devices, nil
}

// SessionFolders returns every directory below the device's ToProcess folder
// that directly holds at least one regular file, in walk order. The device
// folder itself is never a session.
func (m *Manager) SessionFolders(device string) ([]string, error) {
	base := m.DeviceDir(ToProcess, device)
	var folders []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == base {
			return nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Type().IsRegular() {
				folders = append(folders, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return folders, nil
}
