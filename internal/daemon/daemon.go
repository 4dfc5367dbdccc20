package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"pihub/internal/api"
	"pihub/internal/clock"
	"pihub/internal/config"
	"pihub/internal/ingest"
	"pihub/internal/ledger"
	"pihub/internal/logging"
	"pihub/internal/merge"
	"pihub/internal/metrics"
	"pihub/internal/notifications"
	"pihub/internal/opentera"
	"pihub/internal/preflight"
	"pihub/internal/scheduler"
	"pihub/internal/sftpsync"
	"pihub/internal/staging"
)

// Receiver names used in status output and Addr.
const (
	ReceiverSensor   = "sensor"
	ReceiverWearable = "wearable"
	ReceiverAPI      = "api"
)

const shutdownTimeout = 5 * time.Second

// Options replaces collaborators that tests need to control. Zero values
// select the production implementations.
type Options struct {
	Clock          clock.Clock
	Notifier       notifications.Service
	SFTPDialer     sftpsync.Dialer
	OpenTeraClient *opentera.Client
}

// inactivityScheduler hands OpenTera re-syncs to the tracker and turns a
// device inactivity timeout into a disconnect. Sensors with an open socket
// are left alone; their read timeout closes the session.
type inactivityScheduler struct {
	tracker *scheduler.Tracker
	active  func(device string) bool
}

func (s inactivityScheduler) Request(devices []string) { s.tracker.Request(devices) }

func (s inactivityScheduler) DeviceDisconnected(device string) bool {
	if s.active(device) {
		return false
	}
	if !s.tracker.DeviceDisconnected(device) {
		return false
	}
	metrics.DeviceConnected(metrics.FrontEndWearable, -1)
	return true
}

// syncBackend is the scheduler.Backend the daemon owns and must close.
type syncBackend interface {
	scheduler.Backend
	Close()
}

// Daemon wires the receivers, the connection tracker and the selected sync
// backend into one process and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	store    *ledger.Store
	notifier notifications.Service
	stage    *staging.Manager

	tracker  *scheduler.Tracker
	backend  syncBackend
	sftp     *sftpsync.Backend
	tera     *opentera.Backend
	watcher  *merge.Watcher
	sensor   *ingest.SensorServer
	wearable http.Handler
	api      *apiServer
	monitor  *netlinkMonitor

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	addrs     map[string]string
	startedAt time.Time
}

// New constructs a daemon for cfg. store is required; the active backend is
// chosen by cfg.BackendName.
func New(cfg *config.Config, store *ledger.Store, logger *slog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("daemon requires config and ledger store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		clock:    clk,
		store:    store,
		notifier: notifier,
		stage:    staging.New(cfg.Paths.DataRoot, logger),
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
		addrs:    make(map[string]string),
	}

	probe := preflight.NewProbe(cfg.Network.ProbeURL, seconds(cfg.Network.ProbeTimeoutSeconds))
	dial := opts.SFTPDialer
	if dial == nil {
		dial = sftpsync.NewDialer(sftpsync.DialOptions{
			Address:        cfg.SFTPAddress(),
			Username:       cfg.SFTP.Username,
			Password:       cfg.SFTP.Password,
			KnownHostsFile: cfg.SFTP.KnownHostsFile,
			Timeout:        seconds(cfg.SFTP.DialTimeoutSeconds),
		})
	}

	switch cfg.BackendName() {
	case opentera.BackendName:
		tokens, err := opentera.OpenTokenStore(cfg.TokenStorePath(), cfg.TokenKeyPath())
		if err != nil {
			return nil, fmt.Errorf("open token store: %w", err)
		}
		client := opts.OpenTeraClient
		if client == nil {
			client = opentera.NewClient(cfg.OpenTeraURL(), nil, seconds(cfg.OpenTera.RequestTimeoutSeconds), cfg.OpenTeraInsecure())
		}
		d.tera = opentera.NewBackend(opentera.Options{
			DefaultSessionTypeID: cfg.OpenTera.DefaultSessionTypeID,
			RetryDelay:           seconds(cfg.OpenTera.RetrySeconds),
			MaxRetries:           cfg.OpenTera.MaxRetries,
			MaxEvents:            cfg.OpenTera.MaxEvents,
			DeviceTimeout:        seconds(cfg.Watch.DeviceTimeoutSeconds),
			MinDatasetSeconds:    cfg.Watch.MinimalDatasetSeconds,
			BatteryFile:          cfg.OpenTera.BatteryFile,
			BatteryOffset:        cfg.OpenTera.BatteryTimestampOffset,
			RegisterKey:          cfg.OpenTera.DeviceRegisterKey,
		}, d.stage, client, tokens, probe, store, notifier, clk, logger)
		d.backend = d.tera
	case sftpsync.BackendName:
		d.sftp = sftpsync.NewBackend(sftpsync.Options{
			BaseFolder:        cfg.SFTP.BaseFolder,
			RetryDelay:        seconds(cfg.SFTP.RetrySeconds),
			MinDatasetSeconds: cfg.Watch.MinimalDatasetSeconds,
			SendLogsOnly:      cfg.Watch.SendLogsOnly,
		}, d.stage, dial, probe, store, notifier, clk, logger)
		d.backend = d.sftp
	default:
		d.backend = idleBackend{logger: d.logger}
	}

	d.tracker = scheduler.NewTracker(clk, seconds(cfg.Watch.DebounceSeconds), d.backend, logger)
	if d.tera != nil {
		d.tera.SetScheduler(inactivityScheduler{
			tracker: d.tracker,
			active:  func(device string) bool { return d.sensor != nil && d.sensor.Active(device) },
		})
	}
	if d.sftp != nil {
		d.sftp.SetRequeue(d.tracker.Request)
	}

	if cfg.General.EnableSensorServer {
		d.sensor = ingest.NewSensorServer(ingest.SensorOptions{
			ValueWidth:  cfg.Sensor.ValueWidth,
			IdleTimeout: seconds(cfg.Sensor.IdleTimeoutSeconds),
		}, d.stage, d.tracker, clk, logger)
	}
	if cfg.General.EnableWatchServer {
		var deviceAPI http.Handler
		if d.tera != nil {
			deviceAPI = opentera.NewDeviceAPI(d.tera, logger)
		}
		d.wearable = ingest.NewWearableHandler(d.stage, d.tracker, deviceAPI, logger)
	}
	if cfg.General.EnableFolderWatcher {
		resolver := merge.NewResolver(cfg.Watcher.MountMarker, d.stage, logger)
		d.watcher = merge.NewWatcher(merge.Options{
			SensorID:   cfg.Watcher.SensorID,
			BaseFolder: cfg.SFTP.BaseFolder,
			Settle:     time.Duration(cfg.Watcher.SettleMillis) * time.Millisecond,
			RetryDelay: seconds(cfg.SFTP.RetrySeconds),
		}, d.stage, resolver, dial, store, clk, logger)
	}

	d.api = newAPIServer(cfg, d, logger)
	d.monitor = newNetlinkMonitor(cfg, logger, d.networkUp)
	return d, nil
}

// Start acquires the instance lock, binds every enabled listener and runs
// them until ctx is cancelled or Stop is called. A bind failure releases
// everything and is returned.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		d.running.Store(false)
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		d.running.Store(false)
		return errors.New("another pihub daemon instance is already running")
	}

	if err := d.stage.Ensure(); err != nil {
		d.release()
		return fmt.Errorf("prepare data root: %w", err)
	}

	listeners, err := d.bind()
	if err != nil {
		d.release()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	if ln := listeners[ReceiverSensor]; ln != nil {
		group.Go(func() error { return d.sensor.Serve(groupCtx, ln) })
	}
	if ln := listeners[ReceiverWearable]; ln != nil {
		serveHTTP(groupCtx, group, ln, newHTTPServer(d.wearable, 0))
	}
	if ln := listeners[ReceiverAPI]; ln != nil {
		serveHTTP(groupCtx, group, ln, d.api.server)
	}
	if d.watcher != nil {
		group.Go(func() error { return d.watcher.Run(groupCtx) })
	}

	d.mu.Lock()
	d.cancel = cancel
	d.done = make(chan struct{})
	d.runErr = nil
	d.startedAt = d.clock.Now()
	done := d.done
	d.mu.Unlock()

	go func() {
		err := group.Wait()
		d.mu.Lock()
		d.runErr = err
		d.mu.Unlock()
		close(done)
	}()

	if err := d.monitor.Start(groupCtx); err != nil {
		d.logger.Debug("netlink monitor not started", logging.Error(err))
	}

	d.logger.Info("pihub daemon started",
		logging.String("lock", d.lockPath),
		logging.String("backend", d.cfg.BackendName()),
		logging.Any("listeners", d.Addrs()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)

	d.pruneLedger(groupCtx)
	d.startupSync()
	return nil
}

// Done is closed when the listener group exits after Start.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return d.done
}

// Err returns the error that ended the listener group, if any.
func (d *Daemon) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runErr
}

// Stop cancels the listeners, waits for them, cancels pending timers and
// backend work, then releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	d.monitor.Stop()
	d.tracker.Stop()
	if d.watcher != nil {
		d.watcher.Wait()
	}
	d.backend.Close()
	d.release()
	d.logger.Info("pihub daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon. The ledger store is owned by the caller.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

func (d *Daemon) release() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
}

// Addr returns the bound address of a receiver, or "" when it is not
// listening.
func (d *Daemon) Addr(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addrs[name]
}

// Addrs copies every bound receiver address.
func (d *Daemon) Addrs() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.addrs))
	for k, v := range d.addrs {
		out[k] = v
	}
	return out
}

// Tracker exposes the connection tracker.
func (d *Daemon) Tracker() *scheduler.Tracker { return d.tracker }

// Staging exposes the staging manager.
func (d *Daemon) Staging() *staging.Manager { return d.stage }

func (d *Daemon) bind() (map[string]net.Listener, error) {
	binds := map[string]string{}
	if d.sensor != nil {
		binds[ReceiverSensor] = d.cfg.Sensor.Bind
	}
	if d.wearable != nil {
		binds[ReceiverWearable] = d.cfg.Watch.Bind
	}
	if d.api != nil {
		binds[ReceiverAPI] = d.api.bind
	}

	listeners := make(map[string]net.Listener, len(binds))
	for name, address := range binds {
		ln, err := net.Listen("tcp", address)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("%s listen on %s: %w", name, address, err)
		}
		listeners[name] = ln
	}

	d.mu.Lock()
	d.addrs = make(map[string]string, len(listeners))
	for name, ln := range listeners {
		d.addrs[name] = ln.Addr().String()
	}
	d.mu.Unlock()
	return listeners, nil
}

func (d *Daemon) startupSync() {
	switch {
	case d.tera != nil:
		d.tera.StartupSync()
	case d.sftp != nil:
		devices, err := d.stage.Devices(staging.ToProcess)
		if err != nil {
			d.logger.Warn("list staged devices failed", logging.Error(err))
			return
		}
		if len(devices) == 0 {
			return
		}
		d.logger.Info("startup sync queued",
			logging.Any("devices", devices),
			logging.String(logging.FieldEventType, "startup_sync"),
		)
		d.tracker.Trigger(devices)
	}
}

func (d *Daemon) pruneLedger(ctx context.Context) {
	days := d.cfg.Logging.RetentionDays
	if days <= 0 {
		return
	}
	cutoff := d.clock.Now().AddDate(0, 0, -days)
	removed, err := d.store.PruneTransfers(ctx, cutoff)
	if err != nil {
		logging.WarnWithContext(d.logger, "ledger prune failed", "ledger_prune_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state_dir permissions"),
			logging.String(logging.FieldImpact, "old transfer history is kept"),
		)
		return
	}
	if removed > 0 {
		d.logger.Info("ledger pruned",
			logging.Int64("removed", removed),
			logging.Int("retention_days", days),
			logging.String(logging.FieldEventType, "ledger_pruned"),
		)
	}
}

// networkUp runs when the netlink monitor sees an interface come up.
func (d *Daemon) networkUp(iface string) {
	devices, err := d.stage.Devices(staging.ToProcess)
	if err != nil || len(devices) == 0 {
		return
	}
	d.logger.Info("network interface up; resync queued",
		logging.String("interface", iface),
		logging.Any("devices", devices),
		logging.String(logging.FieldEventType, "network_resync"),
	)
	d.tracker.Trigger(devices)
}

// Sync queues devices for a sync through the tracker. An empty list selects
// every device with staged data. Names are validated like device folders.
func (d *Daemon) Sync(devices []string) ([]string, error) {
	if len(devices) == 0 {
		staged, err := d.stage.Devices(staging.ToProcess)
		if err != nil {
			return nil, fmt.Errorf("list staged devices: %w", err)
		}
		devices = staged
	}
	cleaned := make([]string, 0, len(devices))
	for _, raw := range devices {
		name, err := staging.CleanDevice(raw)
		if err != nil {
			return nil, err
		}
		cleaned = append(cleaned, name)
	}
	if len(cleaned) > 0 {
		d.tracker.Trigger(cleaned)
	}
	return cleaned, nil
}

// History returns recent ledger rows, newest first.
func (d *Daemon) History(ctx context.Context, device string, limit int) ([]ledger.Transfer, error) {
	return d.store.RecentTransfers(ctx, strings.TrimSpace(device), limit)
}

// TestNotification sends a test notification with the configured service.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status assembles the runtime view served by the control API.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	d.mu.Lock()
	startedAt := d.startedAt
	d.mu.Unlock()

	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DataRoot:     d.cfg.Paths.DataRoot,
		LedgerPath:   d.store.Path(),
		LockFilePath: d.lockPath,
		SyncArmed:    d.tracker.Armed(),
		StageCounts:  make(map[string]int, len(staging.AllStages)),
		Backend:      api.BackendStatus{Name: d.cfg.BackendName()},
	}
	if status.Running {
		status.StartedAt = api.FormatTime(startedAt)
	}

	addrs := d.Addrs()
	status.Receivers = []api.ReceiverStatus{
		{Name: ReceiverSensor, Enabled: d.sensor != nil, Address: addrs[ReceiverSensor]},
		{Name: ReceiverWearable, Enabled: d.wearable != nil, Address: addrs[ReceiverWearable]},
		{Name: ReceiverAPI, Enabled: d.api != nil, Address: addrs[ReceiverAPI]},
	}

	var staged []staging.DeviceUsage
	for _, stage := range staging.AllStages {
		usage, err := d.stage.Usage(stage)
		if err != nil {
			continue
		}
		files, folders := 0, 0
		for _, u := range usage {
			files += u.Files
			folders += u.Folders
		}
		status.StageCounts[string(stage)] = files
		metrics.SetStagedFolders(string(stage), folders)
		if stage == staging.ToProcess {
			staged = usage
		}
	}

	inputs := api.DeviceInputs{
		Connected: d.tracker.Connected(),
		Pending:   d.tracker.Pending(),
		Staged:    staged,
	}
	switch {
	case d.tera != nil:
		inputs.Sessions = d.tera.Devices()
		status.Backend.RetryArmed = d.tera.Registry().PendingRetries() > 0
		if open, err := d.store.OpenSessions(ctx); err == nil {
			status.Backend.OpenSessions = len(open)
		}
	case d.sftp != nil:
		lastRun, lastErr := d.sftp.LastRun()
		status.Backend.LastRun = api.FormatTime(lastRun)
		if lastErr != nil {
			status.Backend.LastError = lastErr.Error()
		}
		status.Backend.RetryArmed = d.sftp.RetryArmed()
	}
	status.Devices = api.MergeDevices(inputs)

	if counts, err := d.store.OutcomeCounts(ctx); err == nil {
		status.OutcomeCounts = counts
	}
	if d.watcher != nil {
		status.WatcherQueue = d.watcher.Pending()
	}
	return status
}

func serveHTTP(ctx context.Context, group *errgroup.Group, ln net.Listener, srv *http.Server) {
	group.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	})
}

// newHTTPServer builds a server with the daemon's timeouts. Uploads may be
// slow, so a zero writeTimeout disables the write deadline.
func newHTTPServer(handler http.Handler, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// idleBackend stands in when no sync backend is enabled; staged data stays
// in ToProcess.
type idleBackend struct {
	logger *slog.Logger
}

func (idleBackend) OnConnect(string, string)      {}
func (idleBackend) OnDisconnect(string)           {}
func (idleBackend) OnFileReceived(string, string) {}
func (idleBackend) Close()                        {}

func (b idleBackend) Sync(devices []string) {
	b.logger.Info("no sync backend enabled; data kept in ToProcess",
		logging.Any("devices", devices),
		logging.String(logging.FieldEventType, "sync_unconfigured"),
	)
}
