// Package merge reconciles local line-oriented logs with the copy already on
// the archive server before they are uploaded again, and watches the
// local-only folder that feeds it.
package merge

import (
	"bufio"
	"io"
	"strings"
)

// DefaultMarker is the mount point that prefixes paths inside sensor logs.
const DefaultMarker = "/mnt/app"

// Suffix returns line from the first occurrence of marker, or the whole line
// when marker is absent.
func Suffix(line, marker string) string {
	if marker == "" {
		return line
	}
	if idx := strings.Index(line, marker); idx >= 0 {
		return line[idx:]
	}
	return line
}

// Merge returns the remote lines followed by every local line whose suffix
// does not already appear among the remote suffixes.
func Merge(remote, local []string, marker string) []string {
	seen := make(map[string]struct{}, len(remote))
	for _, line := range remote {
		seen[Suffix(line, marker)] = struct{}{}
	}
	merged := make([]string, 0, len(remote)+len(local))
	merged = append(merged, remote...)
	for _, line := range local {
		if _, dup := seen[Suffix(line, marker)]; dup {
			continue
		}
		merged = append(merged, line)
	}
	return merged
}

// ReadLines splits r into lines without their terminators.
func ReadLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	return lines, scanner.Err()
}

// JoinLines renders lines with a trailing newline after each.
func JoinLines(lines []string) []byte {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
