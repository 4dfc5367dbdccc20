package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pihub/internal/api"
	"pihub/internal/config"
	"pihub/internal/ledger"
	"pihub/internal/preflight"
	"pihub/internal/staging"
)

// StatusClient is the daemon API surface used for lifecycle checks.
type StatusClient interface {
	Status(ctx context.Context) (*api.DaemonStatus, error)
}

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State StartState
	PID   int
}

// ErrDaemonNotRunning indicates no daemon process could be found.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Launch starts a detached daemon process running "<exe> run".
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"run"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForAPI polls the control API until it answers or timeout elapses.
func WaitForAPI(ctx context.Context, client StatusClient, timeout time.Duration) (*api.DaemonStatus, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		status, err := client.Status(ctx)
		if err == nil && status != nil && status.Running {
			return status, nil
		}
		if errors.Is(err, api.ErrUnauthorized) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless one already answers on the API.
func EnsureStarted(ctx context.Context, client StatusClient, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if status, err := client.Status(ctx); err == nil && status != nil && status.Running {
		return StartResult{State: StartStateAlreadyRunning, PID: status.PID}, nil
	}
	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	status, err := WaitForAPI(ctx, client, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{State: StartStateStarted, PID: status.PID}, nil
}

// ProcessInfo reads the PID file and reports whether that process is alive.
func ProcessInfo(pidPath string) (bool, int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0, fmt.Errorf("invalid pid file %q", pidPath)
	}
	return processAlive(pid), pid, nil
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// StopAndTerminate sends SIGTERM to the daemon and SIGKILL if it is still
// alive after gracePeriod.
func StopAndTerminate(cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	if cfg == nil {
		return StopResult{}, errors.New("configuration not available")
	}
	pidPath := cfg.PIDPath()
	alive, pid, err := ProcessInfo(pidPath)
	if err != nil {
		return StopResult{}, err
	}
	if !alive {
		_ = os.Remove(pidPath)
		return StopResult{}, ErrDaemonNotRunning
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}

	result := StopResult{PID: pid}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return result, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	if waitForExit(pid, gracePeriod) {
		return result, nil
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	result.ForcedKill = true
	return result, nil
}

func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !processAlive(pid)
}

// Snapshot is the status view rendered by the CLI. Offline fields are
// filled from the data root and ledger when the daemon does not answer.
type Snapshot struct {
	Daemon       api.DaemonStatus
	Reachable    bool
	Unauthorized bool
	APIError     string
	Checks       []preflight.Result
	System       []api.StatusLine
}

// BuildStatusSnapshot collects daemon status and applies offline fallbacks.
func BuildStatusSnapshot(ctx context.Context, client StatusClient, cfg *config.Config) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	snap := &Snapshot{}
	if client != nil {
		status, err := client.Status(ctx)
		switch {
		case err == nil && status != nil:
			snap.Daemon = *status
			snap.Reachable = true
		case err != nil:
			snap.APIError = err.Error()
			snap.Unauthorized = errors.Is(err, api.ErrUnauthorized)
		}
	}

	if !snap.Reachable {
		snap.Daemon.DataRoot = cfg.Paths.DataRoot
		snap.Daemon.LedgerPath = cfg.LedgerPath()
		snap.Daemon.Backend.Name = cfg.BackendName()
		fillOffline(ctx, cfg, &snap.Daemon)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	snap.Checks = preflight.RunAll(checkCtx, cfg)
	snap.System = BuildSystemChecks(cfg, snap)
	return snap, nil
}

func fillOffline(ctx context.Context, cfg *config.Config, status *api.DaemonStatus) {
	stage := staging.New(cfg.Paths.DataRoot, nil)
	status.StageCounts = make(map[string]int, len(staging.AllStages))
	var staged []staging.DeviceUsage
	for _, s := range staging.AllStages {
		usage, err := stage.Usage(s)
		if err != nil {
			continue
		}
		files := 0
		for _, u := range usage {
			files += u.Files
		}
		status.StageCounts[string(s)] = files
		if s == staging.ToProcess {
			staged = usage
		}
	}
	status.Devices = api.MergeDevices(api.DeviceInputs{Staged: staged})

	if _, err := os.Stat(cfg.LedgerPath()); err != nil {
		return
	}
	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return
	}
	defer store.Close()
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if counts, err := store.OutcomeCounts(queryCtx); err == nil {
		status.OutcomeCounts = counts
	}
}

// BuildSystemChecks resolves status lines that combine runtime state and config checks.
func BuildSystemChecks(cfg *config.Config, snap *Snapshot) []api.StatusLine {
	lines := make([]api.StatusLine, 0, 5)
	switch {
	case snap.Reachable:
		lines = append(lines, api.StatusLine{Label: "PiHub", Severity: "ok", Detail: fmt.Sprintf("Running (pid %d)", snap.Daemon.PID)})
	case snap.Unauthorized:
		lines = append(lines, api.StatusLine{Label: "PiHub", Severity: "error", Detail: "API token rejected (check paths.api_token)"})
	default:
		lines = append(lines, api.StatusLine{Label: "PiHub", Severity: "warn", Detail: "Not running (run `pihub start`)"})
	}

	switch backend := cfg.BackendName(); backend {
	case "none":
		lines = append(lines, api.StatusLine{Label: "Backend", Severity: "warn", Detail: "No sync backend enabled"})
	default:
		detail := backend
		severity := "ok"
		if snap.Daemon.Backend.LastError != "" {
			detail += ": " + snap.Daemon.Backend.LastError
			severity = "warn"
		}
		lines = append(lines, api.StatusLine{Label: "Backend", Severity: severity, Detail: detail})
	}

	receivers := 0
	for _, enabled := range []bool{cfg.General.EnableSensorServer, cfg.General.EnableWatchServer, cfg.General.EnableFolderWatcher} {
		if enabled {
			receivers++
		}
	}
	if receivers == 0 {
		lines = append(lines, api.StatusLine{Label: "Receivers", Severity: "warn", Detail: "None enabled"})
	} else {
		lines = append(lines, api.StatusLine{Label: "Receivers", Severity: "ok", Detail: fmt.Sprintf("%d enabled", receivers)})
	}

	if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
		lines = append(lines, api.StatusLine{Label: "Notifications", Severity: "ok", Detail: "Configured"})
	} else {
		lines = append(lines, api.StatusLine{Label: "Notifications", Severity: "info", Detail: "Not configured"})
	}

	if failed := preflight.Failed(snap.Checks); len(failed) > 0 {
		lines = append(lines, api.StatusLine{Label: "Preflight", Severity: "warn", Detail: preflight.Summary(snap.Checks)})
	} else if len(snap.Checks) > 0 {
		lines = append(lines, api.StatusLine{Label: "Preflight", Severity: "ok", Detail: preflight.Summary(snap.Checks)})
	}
	return lines
}
