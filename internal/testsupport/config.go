package testsupport

import (
	"path/filepath"
	"testing"

	"pihub/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataRoot = filepath.Join(base, "data")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Sensor.Bind = "127.0.0.1:0"
	cfgVal.Watch.Bind = "127.0.0.1:0"
	cfgVal.Network.ProbeURL = ""
	cfgVal.Network.MonitorInterfaces = false
	cfgVal.Network.MinFreeMiB = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithSFTP enables the SFTP backend against host.
func WithSFTP(host, user string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.General.EnableSFTP = true
		b.cfg.SFTP.Hostname = host
		b.cfg.SFTP.Username = user
	}
}

// WithOpenTera enables the session backend against host.
func WithOpenTera(host string, port int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.General.EnableOpenTera = true
		b.cfg.OpenTera.Hostname = host
		b.cfg.OpenTera.Port = port
	}
}

// WithWatchServer enables the wearable receiver.
func WithWatchServer() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.General.EnableWatchServer = true
	}
}

// WithSensorServer enables the TCP sensor receiver.
func WithSensorServer() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.General.EnableSensorServer = true
	}
}

// WithFolderWatcher enables the local-only watcher for sensorID.
func WithFolderWatcher(sensorID string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.General.EnableFolderWatcher = true
		b.cfg.Watcher.SensorID = sensorID
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataRoot)
}
