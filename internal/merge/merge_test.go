package merge

import (
	"reflect"
	"strings"
	"testing"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name   string
		remote []string
		local  []string
		want   []string
	}{
		{
			name:   "drops lines already remote",
			remote: []string{"10:00 /mnt/app/data/a.bin", "10:01 /mnt/app/data/b.bin"},
			local:  []string{"10:05 /mnt/app/data/b.bin", "10:06 /mnt/app/data/c.bin"},
			want:   []string{"10:00 /mnt/app/data/a.bin", "10:01 /mnt/app/data/b.bin", "10:06 /mnt/app/data/c.bin"},
		},
		{
			name:   "lines without marker compare whole",
			remote: []string{"header", "x"},
			local:  []string{"header", "y"},
			want:   []string{"header", "x", "y"},
		},
		{
			name:   "empty remote keeps local",
			remote: nil,
			local:  []string{"a", "b"},
			want:   []string{"a", "b"},
		},
		{
			name:   "remote duplicates preserved",
			remote: []string{"a", "a"},
			local:  []string{"a"},
			want:   []string{"a", "a"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Merge(tc.remote, tc.local, DefaultMarker)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Merge = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSuffixUsesFirstMarker(t *testing.T) {
	if got := Suffix("host1:/mnt/app/x/mnt/app/y", "/mnt/app"); got != "/mnt/app/x/mnt/app/y" {
		t.Fatalf("Suffix = %q", got)
	}
	if got := Suffix("plain", ""); got != "plain" {
		t.Fatalf("empty marker must keep the line, got %q", got)
	}
}

func TestReadAndJoinLines(t *testing.T) {
	lines, err := ReadLines(strings.NewReader("a\r\nb\n\nc"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(lines, []string{"a", "b", "", "c"}) {
		t.Fatalf("lines = %q", lines)
	}
	if got := string(JoinLines(lines)); got != "a\nb\n\nc\n" {
		t.Fatalf("JoinLines = %q", got)
	}
}
