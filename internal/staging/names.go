package staging

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidName marks a device name or relative path that cannot be staged.
var ErrInvalidName = errors.New("invalid staging name")

// CleanDevice trims NUL padding and whitespace from a device identifier and
// normalizes it to NFC so the same device always maps to one folder.
func CleanDevice(raw string) (string, error) {
	name := norm.NFC.String(strings.Trim(raw, "\x00 \t\r\n"))
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: device %q", ErrInvalidName, raw)
	}
	return name, nil
}

// JoinUnder joins relative components onto base and refuses results that
// escape base.
func JoinUnder(base string, parts ...string) (string, error) {
	joined := filepath.Join(append([]string{base}, parts...)...)
	rel, err := filepath.Rel(base, joined)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrInvalidName, filepath.Join(parts...), base)
	}
	return joined, nil
}
