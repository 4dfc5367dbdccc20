// Package scheduler tracks which devices are connected and coalesces their
// activity into debounced sync triggers.
//
// A sync never starts while any device is connected. A disconnect that
// leaves the set empty arms the debounce timer; each received file rearms
// it; a connect cancels it. At most one timer is pending at any time.
package scheduler

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"pihub/internal/clock"
	"pihub/internal/logging"
)

// Backend receives forwarded device events and debounced sync requests.
type Backend interface {
	OnConnect(device, token string)
	OnDisconnect(device string)
	OnFileReceived(device, name string)
	Sync(devices []string)
}

// DefaultDelay is the quiet period used when none is configured.
const DefaultDelay = 30 * time.Second

// Tracker is the shared connection set and debounce timer for all ingest
// front ends.
type Tracker struct {
	mu        sync.Mutex
	clock     clock.Clock
	delay     time.Duration
	backend   Backend
	logger    *slog.Logger
	connected map[string]struct{}
	pending   map[string]struct{}
	timer     *clock.Timer
	gen       uint64
	stopped   bool
	syncs     int
}

// NewTracker builds a Tracker that forwards events to backend and debounces
// Sync calls by delay.
func NewTracker(clk clock.Clock, delay time.Duration, backend Backend, logger *slog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Tracker{
		clock:     clk,
		delay:     delay,
		backend:   backend,
		logger:    logging.NewComponentLogger(logger, "scheduler"),
		connected: make(map[string]struct{}),
		pending:   make(map[string]struct{}),
	}
}

// DeviceConnected adds device to the connected set and cancels any pending
// sync decision. Connecting an already connected device is idempotent; the
// result reports whether device joined the set.
func (t *Tracker) DeviceConnected(device, token string) bool {
	t.mu.Lock()
	_, already := t.connected[device]
	t.connected[device] = struct{}{}
	cancelled := t.cancelLocked()
	t.mu.Unlock()

	t.logger.Info("device connected",
		logging.Device(device),
		logging.Bool("already_connected", already),
		logging.Bool("sync_cancelled", cancelled),
		logging.String(logging.FieldEventType, "device_connected"),
	)
	t.backend.OnConnect(device, token)
	return !already
}

// DeviceDisconnected removes device from the connected set and arms the
// debounce timer when no device remains connected. The result reports
// whether device was in the set.
func (t *Tracker) DeviceDisconnected(device string) bool {
	t.mu.Lock()
	_, was := t.connected[device]
	delete(t.connected, device)
	t.pending[device] = struct{}{}
	armed := false
	if len(t.connected) == 0 {
		armed = t.armLocked()
	}
	remaining := len(t.connected)
	t.mu.Unlock()

	t.logger.Info("device disconnected",
		logging.Device(device),
		logging.Int("still_connected", remaining),
		logging.Bool("sync_armed", armed),
		logging.String(logging.FieldEventType, "device_disconnected"),
	)
	t.backend.OnDisconnect(device)
	return was
}

// FileReceived marks device as having new data and restarts the debounce
// window.
func (t *Tracker) FileReceived(device, name string) {
	t.mu.Lock()
	t.pending[device] = struct{}{}
	t.armLocked()
	t.mu.Unlock()

	t.logger.Debug("file received",
		logging.Device(device),
		logging.String("file", name),
		logging.String(logging.FieldEventType, "file_received"),
	)
	t.backend.OnFileReceived(device, name)
}

// Trigger marks devices pending and arms the timer as if they had just
// disconnected. Used for startup, network recovery, and operator requests.
func (t *Tracker) Trigger(devices []string) {
	t.mu.Lock()
	for _, device := range devices {
		t.pending[device] = struct{}{}
	}
	t.armLocked()
	t.mu.Unlock()
}

// Request asks for an immediate sync of devices. With no device connected
// the backend runs now; otherwise devices stay pending and sync after the
// last disconnect. Backends route their own retries through here.
func (t *Tracker) Request(devices []string) {
	t.mu.Lock()
	for _, device := range devices {
		t.pending[device] = struct{}{}
	}
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if len(t.connected) > 0 {
		connected := sortedKeys(t.connected)
		t.mu.Unlock()
		t.logger.Info("sync request deferred; device connected",
			logging.Any("devices", devices),
			logging.Any("connected", connected),
			logging.String(logging.FieldEventType, "sync_deferred"),
		)
		return
	}
	t.cancelLocked()
	t.runLocked()
}

// Connected returns the connected devices, sorted.
func (t *Tracker) Connected() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.connected)
}

// Pending returns devices awaiting a sync, sorted.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.pending)
}

// Armed reports whether a debounce timer is pending.
func (t *Tracker) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Syncs returns how many times the backend's Sync has been invoked.
func (t *Tracker) Syncs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncs
}

// Stop cancels the pending timer and refuses further arming.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
	t.stopped = true
}

func (t *Tracker) armLocked() bool {
	if t.stopped {
		return false
	}
	t.cancelLocked()
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.delay, func() { t.fire(gen) })
	return true
}

func (t *Tracker) cancelLocked() bool {
	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	t.gen++
	return true
}

func (t *Tracker) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	if len(t.connected) > 0 {
		t.mu.Unlock()
		t.logger.Debug("sync skipped; device connected", logging.String(logging.FieldEventType, "sync_skipped"))
		return
	}
	t.runLocked()
}

// runLocked is entered with t.mu held and releases it before calling the
// backend.
func (t *Tracker) runLocked() {
	devices := sortedKeys(t.pending)
	t.pending = make(map[string]struct{})
	t.syncs++
	t.mu.Unlock()

	t.logger.Info("sync triggered",
		logging.Any("devices", devices),
		logging.String(logging.FieldEventType, "sync_triggered"),
	)
	t.backend.Sync(devices)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
