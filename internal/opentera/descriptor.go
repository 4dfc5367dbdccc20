package opentera

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"
)

// DescriptorFileName is the per-session descriptor written by the wearable.
const DescriptorFileName = "session.oimi"

// Descriptor is the decoded session.oimi file.
type Descriptor struct {
	Description   string   `json:"description"`
	AppVersion    string   `json:"appVersion"`
	Timestamp     string   `json:"timestamp,omitempty"`
	RequiredFiles []string `json:"required_files,omitempty"`
}

// ReadDescriptor decodes the descriptor in folder.
func ReadDescriptor(folder string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(folder, DescriptorFileName))
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", DescriptorFileName, err)
	}
	return &d, nil
}

// MissingFiles returns the required files absent from folder.
func (d *Descriptor) MissingFiles(folder string) []string {
	var missing []string
	for _, name := range d.RequiredFiles {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if info, err := os.Stat(filepath.Join(folder, filepath.Base(name))); err != nil || !info.Mode().IsRegular() {
			missing = append(missing, name)
		}
	}
	return missing
}

// Parameters returns the normalized settings text: everything after the last
// "Settings:" marker with whitespace removed and empty list slots collapsed.
func (d *Descriptor) Parameters() string {
	text := d.Description
	if idx := strings.LastIndex(text, "Settings:"); idx >= 0 {
		text = text[idx+len("Settings:"):]
	}
	text = strings.NewReplacer("\n", "", "\t", "", " ", "").Replace(text)
	text = strings.ReplaceAll(text, ",,", ",")
	text = strings.ReplaceAll(text, "{,", "{")
	text = strings.ReplaceAll(text, ",}", "}")
	return norm.NFC.String(text)
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// StartTime parses the descriptor timestamp ('_' separates date and time).
// ok is false when the timestamp is absent or unparseable.
func (d *Descriptor) StartTime() (time.Time, bool) {
	raw := strings.TrimSpace(strings.ReplaceAll(d.Timestamp, "_", " "))
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// isoLayout mirrors the server's naive ISO 8601 datetime format.
const isoLayout = "2006-01-02T15:04:05.999999"

// SessionName is the display name of a device session started at start.
func SessionName(device string, start time.Time) string {
	return norm.NFC.String(device) + " (PiHub) " + start.Format("2006-01-02")
}

// SessionComments credits the device and its logger version.
func SessionComments(device, appVersion string) string {
	return "Created by " + norm.NFC.String(device) + ", SensorLogger v" + appVersion
}

// Session event types understood by the server.
const (
	EventGeneralError      = 1
	EventGeneralInfo       = 2
	EventGeneralWarning    = 3
	EventSessionStart      = 4
	EventSessionStop       = 5
	EventDeviceOnCharge    = 6
	EventDeviceOffCharge   = 7
	EventDeviceLowBatt     = 8
	EventDeviceStorageLow  = 9
	EventDeviceStorageFull = 10
	EventDeviceEvent       = 11
	EventUserEvent         = 12
)

// logEventTypes maps wearable log codes to session event types.
var logEventTypes = map[int]int{
	0:  EventGeneralError,
	1:  EventGeneralInfo,
	2:  EventGeneralWarning,
	3:  EventSessionStart,
	4:  EventSessionStop,
	5:  EventDeviceOnCharge,
	6:  EventDeviceOffCharge,
	7:  EventDeviceLowBatt,
	8:  EventDeviceStorageLow,
	9:  EventDeviceStorageFull,
	10: EventDeviceEvent,
	11: EventUserEvent,
}

// EventConversion is the result of translating a session log.
type EventConversion struct {
	Events    []Event
	Skipped   int
	Unmapped  int
	Truncated int
}

// EventsFromLog translates log lines into session events. Lines without
// exactly five fields, or with a non-numeric timestamp or code, are skipped.
// Unknown codes become device events. At most max events are returned when
// max > 0.
func EventsFromLog(lines [][]string, max int) EventConversion {
	var out EventConversion
	for _, fields := range lines {
		if len(fields) != 5 {
			out.Skipped++
			continue
		}
		seconds, err := parseSeconds(fields[0])
		if err != nil {
			out.Skipped++
			continue
		}
		code, err := parseCode(fields[1])
		if err != nil {
			out.Skipped++
			continue
		}
		eventType, ok := logEventTypes[code]
		if !ok {
			out.Unmapped++
			eventType = EventDeviceEvent
		}
		if max > 0 && len(out.Events) >= max {
			out.Truncated++
			continue
		}
		out.Events = append(out.Events, Event{
			Type:     eventType,
			Datetime: seconds.Local().Format(isoLayout),
			Text:     norm.NFC.String(fields[4]),
			Context:  fields[2],
		})
	}
	return out
}

func parseSeconds(raw string) (time.Time, error) {
	intPart, fracPart, _ := strings.Cut(strings.TrimSpace(raw), ".")
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nanos int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		nanos, err = strconv.ParseInt(fracPart+strings.Repeat("0", 9-len(fracPart)), 10, 64)
		if err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(whole, nanos), nil
}

func parseCode(raw string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(raw))
}

// ErrBatteryTooShort marks a battery file smaller than the timestamp offset.
var ErrBatteryTooShort = errors.New("battery file shorter than timestamp offset")

// BatteryTimestamp reads the little-endian millisecond timestamp located
// offset bytes before the end of the battery file.
func BatteryTimestamp(path string, offset int) (time.Time, error) {
	if offset < 8 {
		offset = 8
	}
	file, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return time.Time{}, err
	}
	if info.Size() < int64(offset) {
		return time.Time{}, ErrBatteryTooShort
	}
	buf := make([]byte, 8)
	if _, err := file.ReadAt(buf, info.Size()-int64(offset)); err != nil && !errors.Is(err, io.EOF) {
		return time.Time{}, fmt.Errorf("read battery timestamp: %w", err)
	}
	return time.UnixMilli(int64(binary.LittleEndian.Uint64(buf))), nil
}

// ExtendDuration returns the larger of duration and the span from the first
// log record to the battery timestamp.
func ExtendDuration(duration, firstSeconds float64, battery time.Time) float64 {
	span := float64(battery.UnixMilli())/1000 - firstSeconds
	if span > duration {
		return span
	}
	return duration
}
