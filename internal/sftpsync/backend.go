package sftpsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pihub/internal/clock"
	"pihub/internal/ledger"
	"pihub/internal/logging"
	"pihub/internal/metrics"
	"pihub/internal/notifications"
	"pihub/internal/staging"
)

// BackendName labels metrics and ledger rows.
const BackendName = "sftp"

// DefaultRetryDelay is the wait before a failed batch is retried.
const DefaultRetryDelay = 300 * time.Second

// ErrOffline reports that the connectivity probe failed.
var ErrOffline = errors.New("network offline")

// ErrBusy reports that another sync is still running.
var ErrBusy = errors.New("sync already in progress")

// Connectivity answers whether the network is usable right now.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Recorder stores transfer history.
type Recorder interface {
	RecordTransfer(ctx context.Context, t ledger.Transfer) (int64, error)
}

// Options configures the backend.
type Options struct {
	BaseFolder        string
	RetryDelay        time.Duration
	MinDatasetSeconds float64
	SendLogsOnly      bool
}

// Backend implements scheduler.Backend on top of Upload.
type Backend struct {
	opts     Options
	stage    *staging.Manager
	dial     Dialer
	probe    Connectivity
	recorder Recorder
	notifier notifications.Service
	clock    clock.Clock
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	requeue func(devices []string)

	mu      sync.Mutex
	running bool
	retry   *clock.Timer
	lastRun time.Time
	lastErr error
}

// NewBackend wires the backend. probe, recorder and notifier may be nil.
func NewBackend(opts Options, stage *staging.Manager, dial Dialer, probe Connectivity, recorder Recorder, notifier notifications.Service, clk clock.Clock, logger *slog.Logger) *Backend {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	opts.BaseFolder = strings.Trim(opts.BaseFolder, "/")
	if clk == nil {
		clk = clock.Real()
	}
	if notifier == nil {
		notifier = notifications.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		opts:     opts,
		stage:    stage,
		dial:     dial,
		probe:    probe,
		recorder: recorder,
		notifier: notifier,
		clock:    clk,
		logger:   logging.NewComponentLogger(logger, "sftp"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetRequeue routes batch retries through fn, normally the tracker's
// Request, so a retry never starts while a device is connected. Without it
// retries call Sync directly.
func (b *Backend) SetRequeue(fn func(devices []string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requeue = fn
}

// OnConnect is part of scheduler.Backend. The SFTP archive has no per-device
// state.
func (b *Backend) OnConnect(string, string) {}

// OnDisconnect is part of scheduler.Backend.
func (b *Backend) OnDisconnect(string) {}

// OnFileReceived is part of scheduler.Backend.
func (b *Backend) OnFileReceived(string, string) {}

// Sync starts a background run over everything in ToProcess. A run already
// in progress makes this call a no-op.
func (b *Backend) Sync(devices []string) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		b.logger.Info("sync already in progress; request skipped",
			logging.Any("devices", devices),
			logging.String(logging.FieldEventType, "sync_skipped"),
		)
		metrics.SyncRun(BackendName, metrics.OutcomeSkipped, 0)
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.finish()
		_ = b.run(b.ctx, devices)
	}()
}

// SyncNow runs one sync on the calling goroutine.
func (b *Backend) SyncNow(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrBusy
	}
	b.running = true
	b.mu.Unlock()
	defer b.finish()
	return b.run(ctx, nil)
}

// Wait blocks until background runs started by Sync have finished.
func (b *Backend) Wait() { b.wg.Wait() }

// RetryArmed reports whether a batch retry is scheduled.
func (b *Backend) RetryArmed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retry != nil
}

// LastRun returns when the last run finished and its error.
func (b *Backend) LastRun() (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRun, b.lastErr
}

// Close cancels the retry timer, aborts a running sync and waits for it.
func (b *Backend) Close() {
	b.mu.Lock()
	b.retry.Stop()
	b.retry = nil
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	metrics.SetRetryPending(0)
}

func (b *Backend) finish() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
}

func (b *Backend) run(ctx context.Context, devices []string) error {
	started := b.clock.Now()
	b.logger.Info("sync started",
		logging.Any("devices", devices),
		logging.String(logging.FieldEventType, "sync_started"),
	)
	err := b.syncOnce(ctx)

	b.mu.Lock()
	b.lastRun = b.clock.Now()
	b.lastErr = err
	b.mu.Unlock()

	switch {
	case err == nil:
		b.clearRetry()
		metrics.SyncRun(BackendName, metrics.OutcomeSuccess, b.clock.Now().Sub(started))
	case errors.Is(err, context.Canceled):
		metrics.SyncRun(BackendName, metrics.OutcomeSkipped, b.clock.Now().Sub(started))
	default:
		metrics.SyncRun(BackendName, metrics.OutcomeFailure, b.clock.Now().Sub(started))
		b.scheduleRetry(err)
	}
	if _, pruneErr := b.stage.PruneEmptyDirs(b.stage.StageDir(staging.ToProcess)); pruneErr != nil {
		b.logger.Debug("prune failed", logging.Error(pruneErr))
	}
	return err
}

func (b *Backend) syncOnce(ctx context.Context) error {
	if b.probe != nil && !b.probe.Online(ctx) {
		logging.WarnWithContext(b.logger, "network offline; sync postponed", "sync_offline",
			logging.String(logging.FieldErrorHint, "check the uplink or probe_url"),
			logging.String(logging.FieldImpact, "data stays in ToProcess until the retry"),
		)
		return ErrOffline
	}

	jobs, err := b.collect(ctx)
	if err != nil {
		return fmt.Errorf("collect staged files: %w", err)
	}
	if len(jobs) == 0 {
		b.logger.Debug("nothing to sync")
		return nil
	}

	session, err := b.dial(ctx)
	if err != nil {
		b.recordFailures(ctx, jobs, err)
		logging.ErrorWithContext(b.logger, "sftp connection failed", "sftp_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "verify sftp hostname, credentials and known_hosts"),
		)
		return err
	}
	defer session.Close()

	started := b.clock.Now()
	perDevice := make(map[string]*ledger.Transfer)
	progress := make(chan Progress, 16)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		sampler := logging.NewProgressSampler(25)
		for p := range progress {
			if sampler.ShouldLog(p.Job.RemotePath(), p.Percent()) {
				b.logger.Debug("upload progress",
					logging.String("file", p.Job.RemotePath()),
					logging.Float64("percent", p.Percent()),
				)
			}
		}
	}()

	result, err := Upload(ctx, session, jobs, progress, func(job Job) {
		device := b.deviceOf(job.LocalPath)
		t := perDevice[device]
		if t == nil {
			t = &ledger.Transfer{Backend: BackendName, Device: device, StartedAt: started}
			perDevice[device] = t
		}
		t.Files++
		if info, statErr := os.Stat(job.LocalPath); statErr == nil {
			t.Bytes += info.Size()
		}
		metrics.FileTransferred(BackendName, metrics.OutcomeSuccess)
		if _, moveErr := b.stage.Move(job.LocalPath, staging.Processed); moveErr != nil {
			// Left in ToProcess; the size check skips it next time.
			b.logger.Debug("processed move deferred", logging.String("file", job.LocalPath))
		}
	})
	close(progress)
	<-progressDone

	for _, t := range perDevice {
		t.Outcome = ledger.OutcomeSuccess
		b.record(ctx, *t)
		if notifyErr := b.notifier.NotifyTransferCompleted(ctx, BackendName, t.Device, t.Files); notifyErr != nil {
			b.logger.Debug("notification failed", logging.Error(notifyErr))
		}
	}

	if err != nil {
		metrics.FileTransferred(BackendName, metrics.OutcomeFailure)
		b.recordFailures(ctx, jobs[result.Copied+result.Skipped:], err)
		logging.ErrorWithContext(b.logger, "sftp upload failed", "sftp_upload_failed",
			logging.Error(err),
			logging.Int("copied", result.Copied),
			logging.Int("skipped", result.Skipped),
			logging.String(logging.FieldErrorHint, "check remote permissions and free space"),
			logging.String(logging.FieldImpact, "remaining files retried with the whole batch"),
		)
		return err
	}

	b.logger.Info("sftp sync complete",
		logging.Int("copied", result.Copied),
		logging.Int("skipped", result.Skipped),
		logging.Int64("bytes", result.Bytes),
		logging.String(logging.FieldEventType, "sftp_sync_complete"),
	)
	return nil
}

// collect validates session folders and returns one job per file left in
// ToProcess, in sorted path order.
func (b *Backend) collect(ctx context.Context) ([]Job, error) {
	root := b.stage.StageDir(staging.ToProcess)
	if !b.opts.SendLogsOnly {
		if err := b.rejectShortSessions(ctx, root); err != nil {
			return nil, err
		}
	}

	var jobs []Job
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if filepath.Dir(p) == root && b.deviceBusy(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if b.opts.SendLogsOnly && !isLogFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil {
			return err
		}
		jobs = append(jobs, Job{RemoteDir: b.remoteDir(rel), LocalPath: p})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].LocalPath < jobs[j].LocalPath })
	return jobs, nil
}

func (b *Backend) rejectShortSessions(ctx context.Context, root string) error {
	var folders []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == staging.LogFileName {
			folders = append(folders, filepath.Dir(p))
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for _, folder := range folders {
		verdict, err := b.stage.Validate(folder, b.opts.MinDatasetSeconds)
		if err != nil {
			return err
		}
		if verdict.Accepted {
			continue
		}
		device := b.deviceOf(folder)
		rel, _ := filepath.Rel(root, folder)
		b.record(ctx, ledger.Transfer{
			Backend: BackendName,
			Device:  device,
			Folder:  filepath.ToSlash(rel),
			Outcome: ledger.OutcomeRejected,
			Error:   verdict.Reason,
		})
		if notifyErr := b.notifier.NotifyFolderRejected(ctx, device, filepath.ToSlash(rel), verdict.Reason); notifyErr != nil {
			b.logger.Debug("notification failed", logging.Error(notifyErr))
		}
	}
	return nil
}

// deviceBusy reports whether a receiver still holds device's write lock; its
// files are left for a later run.
func (b *Backend) deviceBusy(device string) bool {
	busy, err := b.stage.DeviceBusy(device)
	if err != nil {
		b.logger.Debug("device lock check failed", logging.Device(device), logging.Error(err))
		return false
	}
	if busy {
		b.logger.Info("device still recording; files left for next sync",
			logging.Device(device),
			logging.String(logging.FieldEventType, "sync_device_busy"),
		)
	}
	return busy
}

func (b *Backend) remoteDir(rel string) string {
	rel = filepath.ToSlash(rel)
	if rel == "." {
		rel = ""
	}
	return path.Join(b.opts.BaseFolder, rel)
}

func (b *Backend) deviceOf(localPath string) string {
	_, rel, err := b.stage.Locate(localPath)
	if err != nil {
		return ""
	}
	device, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return device
}

func (b *Backend) recordFailures(ctx context.Context, jobs []Job, cause error) {
	seen := make(map[string]int)
	for _, job := range jobs {
		seen[b.deviceOf(job.LocalPath)]++
	}
	for device, files := range seen {
		b.record(ctx, ledger.Transfer{
			Backend: BackendName,
			Device:  device,
			Files:   files,
			Outcome: ledger.OutcomeFailure,
			Error:   cause.Error(),
		})
	}
}

func (b *Backend) record(ctx context.Context, t ledger.Transfer) {
	if b.recorder == nil || t.Device == "" {
		return
	}
	if t.FinishedAt.IsZero() {
		t.FinishedAt = b.clock.Now()
	}
	if _, err := b.recorder.RecordTransfer(context.WithoutCancel(ctx), t); err != nil {
		b.logger.Debug("ledger write failed", logging.Error(err))
	}
}

func (b *Backend) scheduleRetry(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx.Err() != nil {
		return
	}
	b.retry.Stop()
	b.retry = b.clock.AfterFunc(b.opts.RetryDelay, func() {
		b.mu.Lock()
		b.retry = nil
		requeue := b.requeue
		b.mu.Unlock()
		metrics.SetRetryPending(0)
		if requeue != nil {
			requeue(nil)
			return
		}
		b.Sync(nil)
	})
	metrics.SetRetryPending(1)
	b.logger.Info("sync retry scheduled",
		logging.Duration("delay", b.opts.RetryDelay),
		logging.String("cause", cause.Error()),
		logging.String(logging.FieldEventType, "sync_retry_scheduled"),
	)
}

func (b *Backend) clearRetry() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retry != nil {
		b.retry.Stop()
		b.retry = nil
		metrics.SetRetryPending(0)
	}
}

func isLogFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".oimi":
		return true
	}
	return false
}
