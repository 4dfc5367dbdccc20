package api

import (
	"sort"
	"time"

	"pihub/internal/ledger"
	"pihub/internal/opentera"
	"pihub/internal/staging"
)

// FormatTime renders t for API payloads. The zero time renders as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateTimeFormat, value)
}

// FromTransfer converts a ledger row.
func FromTransfer(t ledger.Transfer) Transfer {
	return Transfer{
		ID:         t.ID,
		Backend:    t.Backend,
		Device:     t.Device,
		Folder:     t.Folder,
		Files:      t.Files,
		Bytes:      t.Bytes,
		Outcome:    t.Outcome,
		Error:      t.Error,
		StartedAt:  FormatTime(t.StartedAt),
		FinishedAt: FormatTime(t.FinishedAt),
	}
}

// FromTransfers converts ledger rows preserving order.
func FromTransfers(rows []ledger.Transfer) []Transfer {
	out := make([]Transfer, 0, len(rows))
	for _, row := range rows {
		out = append(out, FromTransfer(row))
	}
	return out
}

// DeviceInputs collects the per-device sources merged by MergeDevices.
type DeviceInputs struct {
	Connected []string
	Pending   []string
	Staged    []staging.DeviceUsage
	Sessions  []opentera.DeviceState
}

// MergeDevices folds tracker, staging and registry views into one sorted
// list with a row per device name seen in any of them.
func MergeDevices(in DeviceInputs) []DeviceStatus {
	byName := make(map[string]*DeviceStatus)
	get := func(name string) *DeviceStatus {
		d, ok := byName[name]
		if !ok {
			d = &DeviceStatus{Name: name}
			byName[name] = d
		}
		return d
	}
	for _, name := range in.Connected {
		get(name).Connected = true
	}
	for _, name := range in.Pending {
		get(name).Pending = true
	}
	for _, usage := range in.Staged {
		d := get(usage.Device)
		d.StagedFiles = usage.Files
		d.StagedBytes = usage.Bytes
		d.NewestFile = FormatTime(usage.Newest)
	}
	for _, state := range in.Sessions {
		d := get(state.Device)
		d.Connected = d.Connected || state.Connected
		d.HasToken = state.HasToken
		d.Attempts = state.Attempts
		d.RetryArmed = state.RetryArmed
		d.TimeoutArmed = state.TimeoutArmed
	}

	out := make([]DeviceStatus, 0, len(byName))
	for _, d := range byName {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
