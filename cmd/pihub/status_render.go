package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"pihub/internal/api"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 18
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := fmt.Sprintf("[%s]", statusKindLabel(kind))
	if message != "" {
		statusText += " " + message
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindFromSeverity(severity string) statusKind {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "ok":
		return statusOK
	case "warn", "warning":
		return statusWarn
	case "error":
		return statusError
	default:
		return statusInfo
	}
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// deviceRows renders one row per device: name, link state, staged data and
// backend bookkeeping.
func deviceRows(devices []api.DeviceStatus, now time.Time) [][]string {
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		state := "idle"
		switch {
		case d.Connected:
			state = "connected"
		case d.Pending:
			state = "pending"
		}
		retry := "-"
		if d.RetryArmed {
			retry = fmt.Sprintf("armed (%d)", d.Attempts)
		} else if d.Attempts > 0 {
			retry = strconv.Itoa(d.Attempts)
		}
		rows = append(rows, []string{
			d.Name,
			state,
			strconv.Itoa(d.StagedFiles),
			humanize.IBytes(uint64(max(d.StagedBytes, 0))),
			relativeTime(d.NewestFile, now),
			yesNo(d.HasToken),
			retry,
		})
	}
	return rows
}

// countRows renders a map of counters sorted by key, skipping zero entries.
func countRows(counts map[string]int) [][]string {
	keys := make([]string, 0, len(counts))
	for key, count := range counts {
		if count > 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{key, strconv.Itoa(counts[key])})
	}
	return rows
}

func transferRows(transfers []api.Transfer) [][]string {
	rows := make([][]string, 0, len(transfers))
	for _, t := range transfers {
		folder := t.Folder
		if folder == "" {
			folder = "-"
		}
		detail := t.Error
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		rows = append(rows, []string{
			strconv.FormatInt(t.ID, 10),
			displayTime(t.FinishedAt),
			t.Backend,
			t.Device,
			folder,
			strconv.Itoa(t.Files),
			humanize.IBytes(uint64(max(t.Bytes, 0))),
			t.Outcome,
			detail,
		})
	}
	return rows
}

func relativeTime(value string, now time.Time) string {
	if value == "" {
		return "-"
	}
	parsed, err := api.ParseTime(value)
	if err != nil || parsed.IsZero() {
		return value
	}
	return humanize.RelTime(parsed, now, "ago", "from now")
}

func displayTime(value string) string {
	if value == "" {
		return "-"
	}
	parsed, err := api.ParseTime(value)
	if err != nil || parsed.IsZero() {
		return value
	}
	return parsed.Local().Format("2006-01-02 15:04:05")
}
