package staging

import (
	"io/fs"
	"path/filepath"
	"time"
)

// DeviceUsage summarizes one device folder in a stage.
type DeviceUsage struct {
	Device  string
	Files   int
	Bytes   int64
	Newest  time.Time
	Folders int
}

// Usage reports per-device totals for stage, used by the status API.
func (m *Manager) Usage(stage Stage) ([]DeviceUsage, error) {
	devices, err := m.Devices(stage)
	if err != nil {
		return nil, err
	}
	usage := make([]DeviceUsage, 0, len(devices))
	for _, device := range devices {
		entry := DeviceUsage{Device: device}
		root := m.DeviceDir(stage, device)
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if path != root {
					entry.Folders++
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			entry.Files++
			entry.Bytes += info.Size()
			if info.ModTime().After(entry.Newest) {
				entry.Newest = info.ModTime()
			}
			return nil
		})
		usage = append(usage, entry)
	}
	return usage, nil
}
