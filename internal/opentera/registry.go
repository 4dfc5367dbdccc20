package opentera

import (
	"sort"
	"sync"
	"time"

	"pihub/internal/clock"
)

// DeviceState is a snapshot of one device as the backend sees it.
type DeviceState struct {
	Device       string
	Connected    bool
	HasToken     bool
	Attempts     int
	RetryArmed   bool
	TimeoutArmed bool
}

type deviceEntry struct {
	connected bool
	attempts  int
	retry     *clock.Timer
	timeout   *clock.Timer
}

// Registry holds per-device retry counters and timers. It is owned by a
// Backend; all timers run on the injected clock.
type Registry struct {
	mu      sync.Mutex
	clock   clock.Clock
	devices map[string]*deviceEntry
	closed  bool
}

// NewRegistry builds an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{clock: clk, devices: make(map[string]*deviceEntry)}
}

func (r *Registry) entryLocked(device string) *deviceEntry {
	entry, ok := r.devices[device]
	if !ok {
		entry = &deviceEntry{}
		r.devices[device] = entry
	}
	return entry
}

// SetConnected records the device's connection state.
func (r *Registry) SetConnected(device string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryLocked(device).connected = connected
}

// RetryPlan is the planner's decision after a failed transfer.
type RetryPlan struct {
	Attempt   int
	Exhausted bool
}

// PlanRetry increments the device's attempt counter. Past max the counter is
// cleared and no timer is armed; otherwise fn is scheduled after delay,
// replacing any pending retry.
func (r *Registry) PlanRetry(device string, max int, delay time.Duration, fn func()) RetryPlan {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entryLocked(device)
	entry.retry.Stop()
	entry.retry = nil
	entry.attempts++
	if entry.attempts > max {
		plan := RetryPlan{Attempt: entry.attempts, Exhausted: true}
		entry.attempts = 0
		return plan
	}
	if !r.closed {
		entry.retry = r.clock.AfterFunc(delay, fn)
	}
	return RetryPlan{Attempt: entry.attempts}
}

// ClearRetry drops the device's retry state and pending retry timer.
func (r *Registry) ClearRetry(device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.devices[device]; ok {
		entry.retry.Stop()
		entry.retry = nil
		entry.attempts = 0
	}
}

// Attempts returns the device's retry counter; zero means no pending retry.
func (r *Registry) Attempts(device string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.devices[device]; ok {
		return entry.attempts
	}
	return 0
}

// PendingRetries counts devices with a non-zero retry counter.
func (r *Registry) PendingRetries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entry := range r.devices {
		if entry.attempts > 0 {
			n++
		}
	}
	return n
}

// ArmTimeout (re)starts the device's inactivity timer.
func (r *Registry) ArmTimeout(device string, delay time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || delay <= 0 {
		return
	}
	entry := r.entryLocked(device)
	entry.timeout.Stop()
	entry.timeout = r.clock.AfterFunc(delay, fn)
}

// CancelTimeout stops the device's inactivity timer.
func (r *Registry) CancelTimeout(device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.devices[device]; ok {
		entry.timeout.Stop()
		entry.timeout = nil
	}
}

// Snapshot returns every known device, sorted by name. hasToken reports
// token presence.
func (r *Registry) Snapshot(hasToken func(string) bool) []DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceState, 0, len(r.devices))
	for device, entry := range r.devices {
		state := DeviceState{
			Device:       device,
			Connected:    entry.connected,
			Attempts:     entry.attempts,
			RetryArmed:   entry.retry != nil,
			TimeoutArmed: entry.timeout != nil,
		}
		if hasToken != nil {
			state.HasToken = hasToken(device)
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// Close cancels every timer and refuses further arming.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, entry := range r.devices {
		entry.retry.Stop()
		entry.retry = nil
		entry.timeout.Stop()
		entry.timeout = nil
	}
}
