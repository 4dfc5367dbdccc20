package opentera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
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
const BackendName = "opentera"

// Defaults applied when Options leaves a field zero.
const (
	DefaultRetryDelay    = 120 * time.Second
	DefaultMaxRetries    = 5
	DefaultMaxEvents     = 100
	DefaultDeviceTimeout = 300 * time.Second
)

var (
	// ErrOffline reports that the connectivity probe failed.
	ErrOffline = errors.New("network offline")
	// ErrNoToken reports a device without a stored token.
	ErrNoToken = errors.New("no token for device")
	// ErrTokenNotStored reports a registration the server accepted but the
	// token file could not record.
	ErrTokenNotStored = errors.New("registration token not stored")
)

// Connectivity answers whether the network is usable right now.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Tokens resolves and stores device tokens. *TokenStore implements it.
type Tokens interface {
	Get(device string) (string, bool)
	Update(device, token string) (bool, error)
}

// SessionStore remembers remote sessions per folder and records transfer
// history. *ledger.Store implements it.
type SessionStore interface {
	RecordTransfer(ctx context.Context, t ledger.Transfer) (int64, error)
	SessionFor(ctx context.Context, device, folder string) (*ledger.RemoteSession, error)
	SaveSession(ctx context.Context, device, folder string, sessionID int64) error
	MarkEventsCreated(ctx context.Context, device, folder string) error
	ForgetSession(ctx context.Context, device, folder string) error
}

// Options configures the backend.
type Options struct {
	DefaultSessionTypeID int
	RetryDelay           time.Duration
	MaxRetries           int
	MaxEvents            int
	DeviceTimeout        time.Duration
	MinDatasetSeconds    float64
	BatteryFile          string
	BatteryOffset        int
	RegisterKey          string
}

// Result summarizes one Transfer.
type Result struct {
	Device    string
	Folders   int
	Succeeded int
	Rejected  int
	Skipped   int
	Failed    int
	Files     int
	Bytes     int64
}

// Backend implements scheduler.Backend against a session server.
type Backend struct {
	opts     Options
	stage    *staging.Manager
	client   *Client
	tokens   Tokens
	probe    Connectivity
	store    SessionStore
	notifier notifications.Service
	clock    clock.Clock
	logger   *slog.Logger
	registry *Registry
	sched    Scheduler

	// transferMu serializes every transfer in the process; one Backend
	// exists per daemon.
	transferMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackend wires the backend. probe, store and notifier may be nil.
func NewBackend(opts Options, stage *staging.Manager, client *Client, tokens Tokens, probe Connectivity, store SessionStore, notifier notifications.Service, clk clock.Clock, logger *slog.Logger) *Backend {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.DeviceTimeout == 0 {
		opts.DeviceTimeout = DefaultDeviceTimeout
	}
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
		client:   client,
		tokens:   tokens,
		probe:    probe,
		store:    store,
		notifier: notifier,
		clock:    clk,
		logger:   logging.NewComponentLogger(logger, "opentera"),
		registry: NewRegistry(clk),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Scheduler is the connection tracker as seen by the backend. Retries,
// inactivity timeouts and the startup sync go through it so no transfer
// starts while a device is connected.
type Scheduler interface {
	Request(devices []string)
	DeviceDisconnected(device string) bool
}

// SetScheduler installs the tracker. It must be called before any device
// activity; without it the backend starts transfers directly.
func (b *Backend) SetScheduler(s Scheduler) { b.sched = s }

// Registry exposes per-device retry state.
func (b *Backend) Registry() *Registry { return b.registry }

// Devices snapshots the registry with token presence.
func (b *Backend) Devices() []DeviceState {
	return b.registry.Snapshot(func(device string) bool {
		_, ok := b.tokens.Get(device)
		return ok
	})
}

// OnConnect stores a changed device token and marks the device connected.
func (b *Backend) OnConnect(device, token string) {
	b.registry.SetConnected(device, true)
	if token == "" {
		return
	}
	changed, err := b.tokens.Update(device, token)
	if err != nil {
		logging.WarnWithContext(b.logger, "device token not saved", "token_update_failed",
			logging.Device(device),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state_dir permissions"),
			logging.String(logging.FieldImpact, "transfers for this device use the previous token"),
		)
		return
	}
	if changed {
		b.logger.Info("device token updated", logging.Device(device), logging.String(logging.FieldEventType, "token_updated"))
	}
}

// OnDisconnect marks the device disconnected.
func (b *Backend) OnDisconnect(device string) {
	b.registry.SetConnected(device, false)
}

// OnFileReceived restarts the device's inactivity timer. A device that
// vanishes without disconnecting is transferred when it expires.
func (b *Backend) OnFileReceived(device, _ string) {
	if b.opts.DeviceTimeout < 0 {
		return
	}
	b.registry.ArmTimeout(device, b.opts.DeviceTimeout, func() {
		b.logger.Info("device inactive; treating as disconnected", logging.Device(device), logging.String(logging.FieldEventType, "device_timeout"))
		if b.sched != nil {
			b.sched.DeviceDisconnected(device)
			return
		}
		b.spawn(func(ctx context.Context) { b.transferLogged(ctx, device) })
	})
}

// Sync transfers devices in the background. An empty list means every
// device folder in ToProcess.
func (b *Backend) Sync(devices []string) {
	b.spawn(func(ctx context.Context) {
		targets := devices
		if len(targets) == 0 {
			var err error
			targets, err = b.stage.Devices(staging.ToProcess)
			if err != nil {
				b.logger.Warn("list staged devices failed", logging.Error(err))
				return
			}
		}
		for _, device := range targets {
			if ctx.Err() != nil {
				return
			}
			b.transferLogged(ctx, device)
		}
	})
}

// StartupSync triggers one transfer for every device folder in ToProcess.
func (b *Backend) StartupSync() {
	b.logger.Info("startup sync", logging.String(logging.FieldEventType, "startup_sync"))
	if b.sched != nil {
		b.sched.Request(nil)
		return
	}
	b.Sync(nil)
}

// Wait blocks until background transfers have finished.
func (b *Backend) Wait() { b.wg.Wait() }

// Close cancels retry and timeout timers, aborts running transfers and waits
// for them.
func (b *Backend) Close() {
	b.registry.Close()
	b.cancel()
	b.wg.Wait()
	metrics.SetRetryPending(0)
}

func (b *Backend) spawn(fn func(ctx context.Context)) {
	if b.ctx.Err() != nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

func (b *Backend) transferLogged(ctx context.Context, device string) {
	if _, err := b.Transfer(ctx, device); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Debug("transfer ended with error", logging.Device(device), logging.Error(err))
	}
}

// Transfer uploads every session folder staged for device. Only one transfer
// runs at a time in the process.
func (b *Backend) Transfer(ctx context.Context, device string) (Result, error) {
	b.registry.CancelTimeout(device)

	b.transferMu.Lock()
	defer b.transferMu.Unlock()

	result := Result{Device: device}
	started := b.clock.Now()
	deviceDir := b.stage.DeviceDir(staging.ToProcess, device)
	if info, err := os.Stat(deviceDir); err != nil || !info.IsDir() {
		b.logger.Debug("no staged data for device", logging.Device(device))
		return result, nil
	}

	logger := b.logger.With(logging.Device(device))
	logger.Info("transfer started", logging.String(logging.FieldEventType, "transfer_started"))

	token, ok := b.tokens.Get(device)
	if !ok {
		logging.WarnWithContext(logger, "no token for device; transfer postponed", "transfer_no_token",
			logging.String(logging.FieldErrorHint, "the device sends its token on connect, or register it with pihub register"),
			logging.String(logging.FieldImpact, "data stays in ToProcess until the retry"),
		)
		b.planRetry(ctx, device, ErrNoToken)
		metrics.SyncRun(BackendName, metrics.OutcomeFailure, b.clock.Now().Sub(started))
		return result, ErrNoToken
	}
	if b.probe != nil && !b.probe.Online(ctx) {
		logging.WarnWithContext(logger, "network offline; transfer postponed", "transfer_offline",
			logging.String(logging.FieldErrorHint, "check the uplink or probe_url"),
			logging.String(logging.FieldImpact, "data stays in ToProcess until the retry"),
		)
		b.planRetry(ctx, device, ErrOffline)
		metrics.SyncRun(BackendName, metrics.OutcomeFailure, b.clock.Now().Sub(started))
		return result, ErrOffline
	}

	login, err := b.client.Login(ctx, token)
	if err != nil {
		logging.ErrorWithContext(logger, "device login failed", "transfer_login_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "verify the server address and the device token"),
			logging.String(logging.FieldImpact, "transfer retried later"),
		)
		if ctx.Err() == nil {
			b.planRetry(ctx, device, err)
		}
		metrics.SyncRun(BackendName, metrics.OutcomeFailure, b.clock.Now().Sub(started))
		return result, err
	}

	plan, err := b.sessionPlan(login)
	if err != nil {
		logging.ErrorWithContext(logger, "server configuration prevents transfer", "transfer_configuration_error",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "assign a participant and a data collection session type to the device on the server"),
			logging.String(logging.FieldImpact, "no retry until the device reconnects or the daemon restarts"),
		)
		b.registry.ClearRetry(device)
		b.publishRetries()
		if notifyErr := b.notifier.NotifyConfigurationError(ctx, device, err); notifyErr != nil {
			logger.Debug("notification failed", logging.Error(notifyErr))
		}
		metrics.SyncRun(BackendName, metrics.OutcomeFailure, b.clock.Now().Sub(started))
		return result, err
	}

	folders, err := b.stage.SessionFolders(device)
	if err != nil {
		b.planRetry(ctx, device, err)
		return result, fmt.Errorf("list session folders: %w", err)
	}

	var succeeded []string
	for _, folder := range folders {
		if ctx.Err() != nil {
			break
		}
		result.Folders++
		outcome := b.processFolder(ctx, logger, device, token, folder, plan)
		result.Files += outcome.files
		result.Bytes += outcome.bytes
		switch outcome.status {
		case folderDone:
			result.Succeeded++
			succeeded = append(succeeded, folder)
		case folderRejected:
			result.Rejected++
		case folderSkipped:
			result.Skipped++
		case folderFailed:
			result.Failed++
		}
	}

	for _, folder := range succeeded {
		if _, err := b.stage.Move(folder, staging.Processed); err != nil {
			result.Failed++
			continue
		}
		if b.store != nil {
			if err := b.store.ForgetSession(ctx, device, b.folderKey(device, folder)); err != nil {
				logger.Debug("forget session failed", logging.Error(err))
			}
		}
	}
	if _, err := b.stage.PruneEmptyDirs(deviceDir); err != nil {
		logger.Debug("prune failed", logging.Error(err))
	}

	elapsed := b.clock.Now().Sub(started)
	switch {
	case ctx.Err() != nil:
		metrics.SyncRun(BackendName, metrics.OutcomeSkipped, elapsed)
		return result, ctx.Err()
	case result.Failed > 0:
		metrics.SyncRun(BackendName, metrics.OutcomeFailure, elapsed)
		err := fmt.Errorf("%d of %d folders failed", result.Failed, result.Folders)
		b.planRetry(ctx, device, err)
		logger.Info("transfer incomplete",
			logging.Int("succeeded", result.Succeeded),
			logging.Int("failed", result.Failed),
			logging.String(logging.FieldEventType, "transfer_incomplete"),
		)
		return result, err
	default:
		metrics.SyncRun(BackendName, metrics.OutcomeSuccess, elapsed)
		b.registry.ClearRetry(device)
		b.publishRetries()
	}

	if result.Succeeded > 0 {
		if err := b.notifier.NotifyTransferCompleted(ctx, BackendName, device, result.Files); err != nil {
			logger.Debug("notification failed", logging.Error(err))
		}
	}
	logger.Info("transfer complete",
		logging.Int("folders", result.Folders),
		logging.Int("succeeded", result.Succeeded),
		logging.Int("rejected", result.Rejected),
		logging.Int("skipped", result.Skipped),
		logging.Int("files", result.Files),
		logging.Int64("bytes", result.Bytes),
		logging.Duration("elapsed", elapsed),
		logging.String(logging.FieldEventType, "transfer_complete"),
	)
	return result, nil
}

type sessionPlan struct {
	typeID       int
	participants []string
}

func (b *Backend) sessionPlan(login *LoginInfo) (sessionPlan, error) {
	participants := login.ParticipantUUIDs()
	if len(participants) == 0 {
		return sessionPlan{}, fmt.Errorf("%w: no participant assigned to the device", ErrConfiguration)
	}
	typeID, err := login.SelectSessionType(b.opts.DefaultSessionTypeID)
	if err != nil {
		return sessionPlan{}, err
	}
	if typeID != b.opts.DefaultSessionTypeID {
		b.logger.Warn("default session type not allowed; using first data collection type",
			logging.Int("configured", b.opts.DefaultSessionTypeID),
			logging.Int("selected", typeID),
		)
	}
	return sessionPlan{typeID: typeID, participants: participants}, nil
}

// planRetry applies the retry planner to device after a failed transfer.
func (b *Backend) planRetry(ctx context.Context, device string, cause error) {
	plan := b.registry.PlanRetry(device, b.opts.MaxRetries, b.opts.RetryDelay, func() {
		if b.sched != nil {
			b.sched.Request([]string{device})
			return
		}
		b.spawn(func(ctx context.Context) { b.transferLogged(ctx, device) })
	})
	b.publishRetries()
	if plan.Exhausted {
		logging.ErrorWithContext(b.logger, "transfer retries exhausted", "transfer_retries_exhausted",
			logging.Device(device),
			logging.Int("attempts", plan.Attempt-1),
			logging.Error(cause),
			logging.String(logging.FieldErrorHint, "check server availability and device credentials"),
			logging.String(logging.FieldImpact, "data stays in ToProcess until the next trigger"),
		)
		if err := b.notifier.NotifyRetriesExhausted(ctx, device, plan.Attempt-1); err != nil {
			b.logger.Debug("notification failed", logging.Error(err))
		}
		return
	}
	b.logger.Info("transfer retry scheduled",
		logging.Device(device),
		logging.Int("attempt", plan.Attempt),
		logging.Duration("delay", b.opts.RetryDelay),
		logging.String(logging.FieldEventType, "transfer_retry_scheduled"),
	)
}

func (b *Backend) publishRetries() {
	metrics.SetRetryPending(b.registry.PendingRetries())
}

func (b *Backend) folderKey(device, folder string) string {
	rel, err := filepath.Rel(b.stage.DeviceDir(staging.ToProcess, device), folder)
	if err != nil {
		return filepath.ToSlash(folder)
	}
	return filepath.ToSlash(rel)
}

// Register registers a device with the server and stores its token.
func (b *Backend) Register(ctx context.Context, name, typeKey, subtype string) (*RegistrationResult, error) {
	name = strings.TrimSpace(name)
	typeKey = strings.TrimSpace(typeKey)
	if name == "" || typeKey == "" {
		return nil, errors.New("register: name and type key are required")
	}
	if b.opts.RegisterKey == "" {
		return nil, fmt.Errorf("%w: device_register_key is not set", ErrConfiguration)
	}
	result, err := b.client.Register(ctx, b.opts.RegisterKey, Registration{Name: name, TypeKey: typeKey, Subtype: subtype})
	if err != nil {
		logging.WarnWithContext(b.logger, "device registration failed", "register_failed",
			logging.Device(name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "verify device_register_key and the device type key"),
		)
		return result, err
	}
	if _, err := b.tokens.Update(name, result.Token); err != nil {
		return result, fmt.Errorf("%w: %w", ErrTokenNotStored, err)
	}
	b.logger.Info("device registered", logging.Device(name), logging.String(logging.FieldEventType, "device_registered"))
	return result, nil
}
