package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"pihub/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExpandsPathsAndReadsEnvPassword(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("PIHUB_SFTP_PASSWORD", "from-env")

	path := writeConfig(t, `
[paths]
data_root = "~/pihub-data"

[general]
enable_sftp = true

[sftp]
hostname = "archive.local"
username = "hub"
base_folder = "/study/"
`)

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("unexpected resolution: %q exists=%v", resolved, exists)
	}
	if cfg.Paths.DataRoot != filepath.Join(tempHome, "pihub-data") {
		t.Fatalf("unexpected data root: %q", cfg.Paths.DataRoot)
	}
	if cfg.Paths.StateDir != filepath.Join(tempHome, ".local", "share", "pihub", "state") {
		t.Fatalf("unexpected state dir: %q", cfg.Paths.StateDir)
	}
	if cfg.SFTP.Password != "from-env" {
		t.Fatalf("expected password from env, got %q", cfg.SFTP.Password)
	}
	if cfg.SFTP.BaseFolder != "study" {
		t.Fatalf("expected trimmed base folder, got %q", cfg.SFTP.BaseFolder)
	}
	if cfg.SFTPAddress() != "archive.local:22" {
		t.Fatalf("unexpected sftp address: %q", cfg.SFTPAddress())
	}
	if cfg.Watch.DebounceSeconds != 30 || cfg.SFTP.RetrySeconds != 300 {
		t.Fatalf("expected default delays, got debounce=%d retry=%d", cfg.Watch.DebounceSeconds, cfg.SFTP.RetrySeconds)
	}
	if cfg.BackendName() != "sftp" {
		t.Fatalf("unexpected backend: %q", cfg.BackendName())
	}
}

func TestLoadRejectsBothBackends(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
[general]
enable_sftp = true
enable_opentera = true

[sftp]
hostname = "a"
username = "b"

[opentera]
hostname = "c"
`)
	if _, _, _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutually exclusive error, got %v", err)
	}
}

func TestLoadRequiresBackendForWatchServer(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
[general]
enable_watch_server = true
enable_sftp = false
`)
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected error when watch server has no backend")
	}
}

func TestValidateSensorValueWidth(t *testing.T) {
	cfg := config.Default()
	cfg.General.EnableWatchServer = false
	cfg.General.EnableSFTP = false
	cfg.Sensor.ValueWidth = 3
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected value width error")
	}
	cfg.Sensor.ValueWidth = 2
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateFolderWatcherNeedsSensorID(t *testing.T) {
	cfg := config.Default()
	cfg.General.EnableWatchServer = false
	cfg.General.EnableSFTP = false
	cfg.General.EnableFolderWatcher = true
	cfg.SFTP.Hostname = "archive"
	cfg.SFTP.Username = "hub"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected sensor_id error")
	}
	cfg.Watcher.SensorID = "bed/1"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected separator error")
	}
	cfg.Watcher.SensorID = "bed1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenTeraURLAndInsecure(t *testing.T) {
	cfg := config.Default()
	cfg.OpenTera.Hostname = "localhost"
	if cfg.OpenTeraURL() != "https://localhost:40075" {
		t.Fatalf("unexpected url: %q", cfg.OpenTeraURL())
	}
	if !cfg.OpenTeraInsecure() {
		t.Fatal("expected localhost to skip verification")
	}
	cfg.OpenTera.Hostname = "tera.example.org"
	if cfg.OpenTeraInsecure() {
		t.Fatal("expected remote host to verify certificates")
	}
}

func TestSampleConfigParsesAndValidates(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var decoded config.Config
	if err := toml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("sample is not valid TOML: %v", err)
	}
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config does not validate: %v", err)
	}
}

func TestEnsureDirectoriesCreatesLayout(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataRoot = filepath.Join(base, "data")
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataRoot, cfg.Paths.StateDir, cfg.Paths.LogDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s", dir)
		}
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if resolved != filepath.Join(tempHome, ".config", "pihub", "config.toml") {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.BackendName() != "none" {
		t.Fatalf("expected no backend by default, got %q", cfg.BackendName())
	}
	if cfg.Paths.APIBind != "127.0.0.1:7490" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
}
