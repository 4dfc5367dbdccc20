package merge

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

	"github.com/fsnotify/fsnotify"

	"pihub/internal/clock"
	"pihub/internal/ledger"
	"pihub/internal/logging"
	"pihub/internal/metrics"
	"pihub/internal/sftpsync"
	"pihub/internal/staging"
)

// BackendName labels metrics and ledger rows written by the watcher.
const BackendName = "watcher"

// Options configures the folder watcher.
type Options struct {
	SensorID   string
	BaseFolder string
	Settle     time.Duration
	RetryDelay time.Duration
}

// Watcher forwards files dropped into {data_root}/local_only/{sensor_id} to
// the archive server, merging each with its remote copy first.
type Watcher struct {
	opts     Options
	stage    *staging.Manager
	resolver *Resolver
	dial     sftpsync.Dialer
	recorder sftpsync.Recorder
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *clock.Timer
	closed  bool

	flushMu sync.Mutex
	wg      sync.WaitGroup
	ctx     context.Context
}

// NewWatcher wires a watcher. recorder may be nil.
func NewWatcher(opts Options, stage *staging.Manager, resolver *Resolver, dial sftpsync.Dialer, recorder sftpsync.Recorder, clk clock.Clock, logger *slog.Logger) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = sftpsync.DefaultRetryDelay
	}
	opts.BaseFolder = strings.Trim(opts.BaseFolder, "/")
	if clk == nil {
		clk = clock.Real()
	}
	return &Watcher{
		opts:     opts,
		stage:    stage,
		resolver: resolver,
		dial:     dial,
		recorder: recorder,
		clock:    clk,
		logger:   logging.NewComponentLogger(logger, "watcher"),
		pending:  make(map[string]struct{}),
		ctx:      context.Background(),
	}
}

// Dir is the watched folder.
func (w *Watcher) Dir() string {
	return w.stage.DeviceDir(staging.LocalOnly, w.opts.SensorID)
}

// RemoteDir is the archive folder receiving the files.
func (w *Watcher) RemoteDir() string {
	return "/" + path.Join(w.opts.BaseFolder, w.opts.SensorID)
}

// Run watches the folder until ctx is cancelled. Files already present are
// queued once at start.
func (w *Watcher) Run(ctx context.Context) error {
	dir := w.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create watched folder: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	defer w.stop()

	existing, err := w.Scan()
	if err != nil {
		return err
	}
	w.logger.Info("folder watcher started",
		logging.String("dir", dir),
		logging.String("remote_dir", w.RemoteDir()),
		logging.Int("existing", existing),
		logging.String(logging.FieldEventType, "watcher_started"),
	)
	if existing > 0 {
		w.spawnFlush()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if w.queue(event.Name) {
				w.arm(w.opts.Settle)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.WarnWithContext(w.logger, "folder watch error", "watcher_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "changes may be picked up late"),
			)
		}
	}
}

// Scan queues every file currently in the watched folder and returns how
// many were queued.
func (w *Watcher) Scan() (int, error) {
	entries, err := os.ReadDir(w.Dir())
	if err != nil {
		return 0, fmt.Errorf("scan watched folder: %w", err)
	}
	n := 0
	for _, entry := range entries {
		if w.queue(filepath.Join(w.Dir(), entry.Name())) {
			n++
		}
	}
	return n, nil
}

// Pending lists queued files, sorted.
func (w *Watcher) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.pending))
	for p := range w.pending {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until scheduled flushes have finished.
func (w *Watcher) Wait() { w.wg.Wait() }

func (w *Watcher) queue(p string) bool {
	name := filepath.Base(p)
	if strings.HasPrefix(name, ".") {
		return false
	}
	info, err := os.Lstat(p)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[p] = struct{}{}
	return true
}

func (w *Watcher) arm(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.timer.Stop()
	w.timer = w.clock.AfterFunc(delay, w.spawnFlush)
}

func (w *Watcher) spawnFlush() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	ctx := w.ctx
	w.wg.Add(1)
	w.mu.Unlock()
	go func() {
		defer w.wg.Done()
		if err := w.Flush(ctx); err != nil {
			w.logger.Debug("flush ended with error", logging.Error(err))
		}
	}()
}

func (w *Watcher) stop() {
	w.mu.Lock()
	w.closed = true
	w.timer.Stop()
	w.timer = nil
	w.mu.Unlock()
	w.wg.Wait()
}

// Flush forwards every queued file: merge with the remote copy, upload, then
// archive. Failed files stay queued and a retry is armed.
func (w *Watcher) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	files := make([]string, 0, len(w.pending))
	for p := range w.pending {
		files = append(files, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()
	if len(files) == 0 {
		return nil
	}
	sort.Strings(files)

	session, err := w.dial(ctx)
	if err != nil {
		w.requeue(files, err)
		return err
	}
	defer session.Close()

	var firstErr error
	for i, local := range files {
		if err := ctx.Err(); err != nil {
			w.requeue(files[i:], err)
			return err
		}
		if err := w.forward(ctx, session, local); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			w.requeue([]string{local}, err)
		}
	}
	return firstErr
}

func (w *Watcher) forward(ctx context.Context, session sftpsync.Session, local string) error {
	started := w.clock.Now()
	if _, err := os.Stat(local); err != nil {
		return err
	}
	job := sftpsync.Job{RemoteDir: w.RemoteDir(), LocalPath: local}
	if err := sftpsync.MkdirAll(session, job.RemoteDir); err != nil {
		return err
	}
	if _, err := w.resolver.Prepare(session, local, job.RemotePath()); err != nil {
		return err
	}
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	if _, err := sftpsync.Upload(ctx, session, []sftpsync.Job{job}, nil, nil); err != nil {
		metrics.FileTransferred(BackendName, metrics.OutcomeFailure)
		w.record(ctx, local, ledger.OutcomeFailure, err, started, 0)
		return err
	}
	metrics.FileTransferred(BackendName, metrics.OutcomeSuccess)
	if _, err := w.resolver.Archive(local); err != nil {
		return err
	}
	w.record(ctx, local, ledger.OutcomeSuccess, nil, started, info.Size())
	w.logger.Info("local file forwarded",
		logging.String("file", filepath.Base(local)),
		logging.String("remote", job.RemotePath()),
		logging.String(logging.FieldEventType, "watcher_forwarded"),
	)
	return nil
}

func (w *Watcher) requeue(files []string, cause error) {
	w.mu.Lock()
	for _, p := range files {
		w.pending[p] = struct{}{}
	}
	w.mu.Unlock()
	logging.WarnWithContext(w.logger, "local files not forwarded", "watcher_forward_failed",
		logging.Int("files", len(files)),
		logging.Error(cause),
		logging.Duration("retry_in", w.opts.RetryDelay),
		logging.String(logging.FieldErrorHint, "check the sftp server and credentials"),
		logging.String(logging.FieldImpact, "files stay in local_only until the retry"),
	)
	w.arm(w.opts.RetryDelay)
}

func (w *Watcher) record(ctx context.Context, local, outcome string, cause error, started time.Time, size int64) {
	if w.recorder == nil {
		return
	}
	t := ledger.Transfer{
		Backend:    BackendName,
		Device:     w.opts.SensorID,
		Folder:     filepath.Base(local),
		Outcome:    outcome,
		StartedAt:  started,
		FinishedAt: w.clock.Now(),
	}
	if outcome == ledger.OutcomeSuccess {
		t.Files = 1
		t.Bytes = size
	}
	if cause != nil {
		t.Error = cause.Error()
	}
	if _, err := w.recorder.RecordTransfer(ctx, t); err != nil {
		w.logger.Debug("transfer history not recorded", logging.Error(err))
	}
}
