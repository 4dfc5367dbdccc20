package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataRoot string `toml:"data_root"`
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// General toggles the gateway subsystems.
type General struct {
	EnableSensorServer  bool `toml:"enable_sensor_server"`
	EnableWatchServer   bool `toml:"enable_watch_server"`
	EnableSFTP          bool `toml:"enable_sftp"`
	EnableOpenTera      bool `toml:"enable_opentera"`
	EnableFolderWatcher bool `toml:"enable_folder_watcher"`
}

// Sensor configures the bedside sensor TCP receiver.
type Sensor struct {
	Bind               string `toml:"bind"`
	ValueWidth         int    `toml:"value_width"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
}

// Watch configures the wearable HTTP receiver and the sync scheduler.
type Watch struct {
	Bind                  string  `toml:"bind"`
	DebounceSeconds       int     `toml:"debounce_seconds"`
	DeviceTimeoutSeconds  int     `toml:"device_timeout_seconds"`
	MinimalDatasetSeconds float64 `toml:"minimal_dataset_seconds"`
	SendLogsOnly          bool    `toml:"send_logs_only"`
}

// SFTP contains the archive server connection settings.
type SFTP struct {
	Hostname           string `toml:"hostname"`
	Port               int    `toml:"port"`
	Username           string `toml:"username"`
	Password           string `toml:"password"`
	KnownHostsFile     string `toml:"known_hosts_file"`
	BaseFolder         string `toml:"base_folder"`
	RetrySeconds       int    `toml:"retry_seconds"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
}

// OpenTera contains the session backend settings.
type OpenTera struct {
	Hostname               string `toml:"hostname"`
	Port                   int    `toml:"port"`
	AllowInsecure          bool   `toml:"allow_insecure"`
	DeviceRegisterKey      string `toml:"device_register_key"`
	DefaultSessionTypeID   int    `toml:"default_session_type_id"`
	RetrySeconds           int    `toml:"retry_seconds"`
	MaxRetries             int    `toml:"max_retries"`
	MaxEvents              int    `toml:"max_events"`
	BatteryFile            string `toml:"battery_file"`
	BatteryTimestampOffset int    `toml:"battery_timestamp_offset"`
	RequestTimeoutSeconds  int    `toml:"request_timeout_seconds"`
}

// Watcher configures the local-only folder watcher that merges and forwards logs.
type Watcher struct {
	SensorID     string `toml:"sensor_id"`
	MountMarker  string `toml:"mount_marker"`
	SettleMillis int    `toml:"settle_ms"`
}

// Network configures the connectivity probe and the netlink interface monitor.
type Network struct {
	ProbeURL            string `toml:"probe_url"`
	ProbeTimeoutSeconds int    `toml:"probe_timeout_seconds"`
	MonitorInterfaces   bool   `toml:"monitor_interfaces"`
	Interface           string `toml:"interface"`
	MinFreeMiB          int    `toml:"min_free_mib"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Transfers      bool   `toml:"transfers"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for PiHub.
//
// Configuration sections by subsystem:
//   - Paths: data root, state and log directories, API bind address
//   - General: which receivers and sync backends run
//   - Sensor: bedside sensor TCP protocol
//   - Watch: wearable HTTP protocol and debounce timing
//   - SFTP: archive backend
//   - OpenTera: session backend
//   - Watcher: local-only folder merge and forward
//   - Network: connectivity probe and interface monitor
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	General       General       `toml:"general"`
	Sensor        Sensor        `toml:"sensor"`
	Watch         Watch         `toml:"watch"`
	SFTP          SFTP          `toml:"sftp"`
	OpenTera      OpenTera      `toml:"opentera"`
	Watcher       Watcher       `toml:"watcher"`
	Network       Network       `toml:"network"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("pihub.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataRoot, c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LedgerPath returns the transfer ledger database location.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.StateDir, "ledger.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "pihubd.lock")
}

// PIDPath returns the file holding the running daemon's process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "pihubd.pid")
}

// CurrentLogPath returns the link that points at the running daemon's log file.
func (c *Config) CurrentLogPath() string {
	return filepath.Join(c.Paths.LogDir, "pihub.log")
}

// TokenStorePath returns the encrypted device token file.
func (c *Config) TokenStorePath() string {
	return filepath.Join(c.Paths.StateDir, "tokens.age")
}

// TokenKeyPath returns the identity used to encrypt the token store.
func (c *Config) TokenKeyPath() string {
	return filepath.Join(c.Paths.StateDir, "tokens.key")
}

// OpenTeraURL returns the session server base URL.
func (c *Config) OpenTeraURL() string {
	host := strings.TrimSpace(c.OpenTera.Hostname)
	if host == "" {
		return ""
	}
	return "https://" + net.JoinHostPort(host, strconv.Itoa(c.OpenTera.Port))
}

// OpenTeraInsecure reports whether TLS verification is skipped for the session server.
func (c *Config) OpenTeraInsecure() bool {
	if c.OpenTera.AllowInsecure {
		return true
	}
	host := strings.TrimSpace(c.OpenTera.Hostname)
	return host == "localhost" || host == "127.0.0.1"
}

// SFTPAddress returns host:port for the archive server.
func (c *Config) SFTPAddress() string {
	return net.JoinHostPort(strings.TrimSpace(c.SFTP.Hostname), strconv.Itoa(c.SFTP.Port))
}

// BackendName names the sync backend selected for the receivers.
func (c *Config) BackendName() string {
	switch {
	case c.General.EnableOpenTera:
		return "opentera"
	case c.General.EnableSFTP:
		return "sftp"
	default:
		return "none"
	}
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
