package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"pihub/internal/config"
	"pihub/internal/daemon"
	"pihub/internal/ledger"
	"pihub/internal/logging"
	"pihub/internal/preflight"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the pihub daemon and blocks until a signal arrives or a
// listener fails.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("pihub-%s.log", runID))
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		cfg.Logging.Level = level
	}
	logger, err := logging.NewFromConfig(cfg, logPath)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.String("run_id", uuid.NewString()))

	if err := ensureCurrentLogPointer(cfg.CurrentLogPath(), logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s: %v\n", cfg.CurrentLogPath(), err)
	}
	logging.CleanupOldLogs(logger, cfg.Paths.LogDir, "pihub-*.log", cfg.Logging.RetentionDays, logPath)
	logConfigSnapshot(logger, cfg)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		logger.Error("open ledger", logging.Error(err))
		return err
	}
	defer store.Close()

	results := preflight.RunAll(signalCtx, cfg)
	if failed := preflight.Failed(results); len(failed) > 0 {
		logging.WarnWithContext(logger, "preflight checks failed", "preflight_failed",
			logging.String("summary", preflight.Summary(results)),
			logging.String(logging.FieldErrorHint, "run pihub status for details"),
			logging.String(logging.FieldImpact, "staged data is kept and retried once the cause is fixed"),
		)
	} else {
		logger.Info("preflight checks passed",
			logging.String(logging.FieldEventType, "preflight_passed"),
			logging.Int("checks", len(results)),
		)
	}

	d, err := daemon.New(cfg, store, logger, daemon.Options{})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check bind addresses and the state directory lock"),
		)
		return err
	}

	select {
	case <-signalCtx.Done():
		logger.Info("pihub daemon shutting down",
			logging.String(logging.FieldEventType, "daemon_shutdown"),
		)
	case <-d.Done():
	}
	d.Stop()
	if err := d.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("daemon stopped: %w", err)
	}
	return nil
}

func ensureCurrentLogPointer(current, target string) error {
	if current == "" || target == "" {
		return nil
	}
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("backend", cfg.BackendName()),
		logging.String("data_root", cfg.Paths.DataRoot),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.Bool("api_token_set", strings.TrimSpace(cfg.Paths.APIToken) != ""),
		logging.Bool("sensor_server", cfg.General.EnableSensorServer),
		logging.Bool("watch_server", cfg.General.EnableWatchServer),
		logging.Bool("folder_watcher", cfg.General.EnableFolderWatcher),
		logging.Bool("interface_monitor", cfg.Network.MonitorInterfaces),
		logging.Bool("ntfy_topic_set", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	)
}
