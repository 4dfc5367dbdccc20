package sftpsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pihub/internal/testsupport"
)

func TestMkdirAllCreatesAndAcceptsExisting(t *testing.T) {
	rfs := newLocalFS(t.TempDir())
	if err := MkdirAll(rfs, "study/Watch12/2026-01-01"); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := MkdirAll(rfs, "study/Watch12/2026-01-01"); err != nil {
		t.Fatalf("MkdirAll on existing path: %v", err)
	}
	if info, err := os.Stat(filepath.Join(rfs.root, "study", "Watch12", "2026-01-01")); err != nil || !info.IsDir() {
		t.Fatalf("expected directory tree, err=%v", err)
	}
}

func TestMkdirAllRejectsFileComponent(t *testing.T) {
	rfs := newLocalFS(t.TempDir())
	testsupport.WriteText(t, filepath.Join(rfs.root, "study", "Watch12"), "not a dir")
	err := MkdirAll(rfs, "study/Watch12/2026-01-01")
	if !errors.Is(err, ErrNotDirectory) {
		t.Fatalf("expected ErrNotDirectory, got %v", err)
	}
}

func TestMkdirAllReportsMkdirFailure(t *testing.T) {
	rfs := newLocalFS(t.TempDir())
	rfs.mkdirErr = errors.New("permission denied")
	if err := MkdirAll(rfs, "a/b"); err == nil {
		t.Fatal("expected mkdir error")
	}
}

func TestUploadSkipsEqualSizeAndCallsSuccessOnce(t *testing.T) {
	local := t.TempDir()
	rfs := newLocalFS(t.TempDir())
	src := filepath.Join(local, "2026-01-01.txt")
	testsupport.WriteFile(t, src, 128)
	testsupport.WriteFile(t, filepath.Join(rfs.root, "bed-01", "2026-01-01.txt"), 128)

	calls := 0
	job := Job{RemoteDir: "bed-01", LocalPath: src}
	result, err := Upload(context.Background(), rfs, []Job{job}, nil, func(Job) { calls++ })
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if calls != 1 || result.Skipped != 1 || result.Copied != 0 {
		t.Fatalf("expected one skip with one callback, got calls=%d result=%+v", calls, result)
	}
	if len(rfs.createdFiles()) != 0 {
		t.Fatalf("equal-size file must not be rewritten: %v", rfs.createdFiles())
	}
}

func TestUploadCopiesWithProgressAndMtime(t *testing.T) {
	local := t.TempDir()
	rfs := newLocalFS(t.TempDir())
	src := filepath.Join(local, "data.dat")
	testsupport.WriteFile(t, src, 100*1024)
	mtime := time.Date(2025, 12, 24, 8, 30, 0, 0, time.UTC)
	if err := os.Chtimes(src, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	// A smaller stale copy must be replaced.
	testsupport.WriteFile(t, filepath.Join(rfs.root, "base", "Watch12", "data.dat"), 10)

	progress := make(chan Progress)
	var updates []Progress
	done := make(chan struct{})
	go func() {
		for p := range progress {
			updates = append(updates, p)
		}
		close(done)
	}()

	var succeeded []Job
	job := Job{RemoteDir: "base/Watch12", LocalPath: src}
	result, err := Upload(context.Background(), rfs, []Job{job}, progress, func(j Job) { succeeded = append(succeeded, j) })
	close(progress)
	<-done
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if result.Copied != 1 || result.Bytes != 100*1024 || len(succeeded) != 1 {
		t.Fatalf("unexpected result %+v succeeded=%d", result, len(succeeded))
	}
	if len(updates) == 0 || updates[len(updates)-1].Sent != 100*1024 || updates[len(updates)-1].Percent() != 100 {
		t.Fatalf("expected final progress at 100%%, got %+v", updates)
	}
	info, err := os.Stat(filepath.Join(rfs.root, "base", "Watch12", "data.dat"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 100*1024 || !info.ModTime().Equal(mtime) {
		t.Fatalf("remote size=%d mtime=%v", info.Size(), info.ModTime())
	}
}

func TestUploadAbortsOnTransportError(t *testing.T) {
	local := t.TempDir()
	rfs := newLocalFS(t.TempDir())
	first := filepath.Join(local, "a.txt")
	second := filepath.Join(local, "b.txt")
	third := filepath.Join(local, "c.txt")
	for _, p := range []string{first, second, third} {
		testsupport.WriteFile(t, p, 16)
	}
	rfs.failAt = "dev/b.txt"

	calls := 0
	jobs := []Job{{"dev", first}, {"dev", second}, {"dev", third}}
	result, err := Upload(context.Background(), rfs, jobs, nil, func(Job) { calls++ })
	if err == nil {
		t.Fatal("expected transport error")
	}
	if calls != 1 || result.Copied != 1 {
		t.Fatalf("expected only the first job to succeed, calls=%d result=%+v", calls, result)
	}
	for _, created := range rfs.createdFiles() {
		if created == "dev/c.txt" {
			t.Fatal("jobs after the failure must not run")
		}
	}
}
