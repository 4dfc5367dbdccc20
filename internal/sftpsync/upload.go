package sftpsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

const copyChunkSize = 32 * 1024

// Job pairs a local file with the remote directory it belongs in.
type Job struct {
	RemoteDir string
	LocalPath string
}

// RemotePath is the full remote destination of the job.
func (j Job) RemotePath() string {
	return path.Join(j.RemoteDir, filepath.Base(j.LocalPath))
}

// Progress reports bytes sent for the file currently being copied.
type Progress struct {
	Job   Job
	Sent  int64
	Total int64
}

// Percent returns Sent as a percentage of Total.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 100
	}
	return float64(p.Sent) * 100 / float64(p.Total)
}

// UploadResult summarizes an Upload call.
type UploadResult struct {
	Copied  int
	Skipped int
	Bytes   int64
}

// Upload transfers jobs in order. A remote file with the same size as the
// local one is treated as already transferred. onSuccess runs exactly once
// for every job that is copied or skipped. progress may be nil. The first
// error aborts the remaining jobs.
func Upload(ctx context.Context, rfs RemoteFS, jobs []Job, progress chan<- Progress, onSuccess func(Job)) (UploadResult, error) {
	var result UploadResult
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		local, err := os.Stat(job.LocalPath)
		if err != nil {
			return result, fmt.Errorf("stat local %s: %w", job.LocalPath, err)
		}
		if err := MkdirAll(rfs, job.RemoteDir); err != nil {
			return result, err
		}

		remotePath := job.RemotePath()
		if remote, err := rfs.Stat(remotePath); err == nil && !remote.IsDir() && remote.Size() == local.Size() {
			result.Skipped++
			if onSuccess != nil {
				onSuccess(job)
			}
			continue
		}

		sent, err := copyFile(ctx, rfs, job, local.Size(), progress)
		if err != nil {
			return result, err
		}
		if sent != local.Size() {
			return result, fmt.Errorf("upload %s: sent %d of %d bytes", remotePath, sent, local.Size())
		}
		if err := rfs.Chtimes(remotePath, local.ModTime(), local.ModTime()); err != nil {
			return result, fmt.Errorf("set remote times on %s: %w", remotePath, err)
		}
		result.Copied++
		result.Bytes += sent
		if onSuccess != nil {
			onSuccess(job)
		}
	}
	return result, nil
}

func copyFile(ctx context.Context, rfs RemoteFS, job Job, total int64, progress chan<- Progress) (int64, error) {
	src, err := os.Open(job.LocalPath)
	if err != nil {
		return 0, fmt.Errorf("open local %s: %w", job.LocalPath, err)
	}
	defer src.Close()

	remotePath := job.RemotePath()
	dst, err := rfs.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("create remote %s: %w", remotePath, err)
	}

	var sent int64
	buf := make([]byte, copyChunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			sent += int64(written)
			if werr != nil {
				_ = dst.Close()
				return sent, fmt.Errorf("write remote %s: %w", remotePath, werr)
			}
			if err := report(ctx, progress, Progress{Job: job, Sent: sent, Total: total}); err != nil {
				_ = dst.Close()
				return sent, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			_ = dst.Close()
			return sent, fmt.Errorf("read local %s: %w", job.LocalPath, rerr)
		}
	}
	if err := dst.Close(); err != nil {
		return sent, fmt.Errorf("close remote %s: %w", remotePath, err)
	}
	if total == 0 {
		if err := report(ctx, progress, Progress{Job: job, Total: 0}); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func report(ctx context.Context, progress chan<- Progress, p Progress) error {
	if progress == nil {
		return nil
	}
	select {
	case progress <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
