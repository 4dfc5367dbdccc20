package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// LockDevice takes the advisory write lock for device, waiting until ctx is
// done. The returned function releases it.
func (m *Manager) LockDevice(ctx context.Context, device string) (func(), error) {
	dir := filepath.Join(m.root, ".locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, device+".lock"))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock device %s: %w", device, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock device %s: not acquired", device)
	}
	return func() { _ = lock.Unlock() }, nil
}

// DeviceBusy reports whether another holder has device's write lock.
func (m *Manager) DeviceBusy(device string) (bool, error) {
	path := filepath.Join(m.root, ".locks", device+".lock")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe device lock %s: %w", device, err)
	}
	if !locked {
		return true, nil
	}
	_ = lock.Unlock()
	return false, nil
}
