package main

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pihub/internal/api"
	"pihub/internal/opentera"
	"pihub/internal/staging"
	"pihub/internal/testsupport"
)

func TestStatusCommandWithDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	stage := staging.New(env.cfg.Paths.DataRoot, nil)
	testsupport.WriteText(t, filepath.Join(stage.DeviceDir(staging.ToProcess, "bed-1"), "a.dat"), "abcd")

	out, _, err := runCLI(t, []string{"status"}, env.apiAddr, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Running (pid")
	requireContains(t, out, "No sync backend enabled")
	requireContains(t, out, "bed-1")
	requireContains(t, out, "ToProcess")
}

func TestStatusCommandOffline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "pihub.toml")
	writeTestConfig(t, configPath, cfg)

	out, _, err := runCLI(t, []string{"status"}, "127.0.0.1:1", configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Not running")
	requireContains(t, out, "No devices staged or connected")
}

func TestStatusCommandJSON(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"status", "--json"}, env.apiAddr, env.configPath)
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	requireContains(t, out, `"Reachable": true`)
}

func TestSyncCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"sync"}, env.apiAddr, env.configPath)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	requireContains(t, out, "nothing staged to sync")

	out, _, err = runCLI(t, []string{"sync", "watch-3"}, env.apiAddr, env.configPath)
	if err != nil {
		t.Fatalf("sync watch-3: %v", err)
	}
	requireContains(t, out, "Queued 1 device(s): watch-3")

	if _, _, err := runCLI(t, []string{"sync", "../x"}, env.apiAddr, env.configPath); err == nil {
		t.Fatal("expected invalid device name to fail")
	}
}

func TestHistoryCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"history"}, env.apiAddr, env.configPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	requireContains(t, out, "No transfers recorded for any device")

	out, _, err = runCLI(t, []string{"history", "bed-1", "--json"}, env.apiAddr, env.configPath)
	if err != nil {
		t.Fatalf("history --json: %v", err)
	}
	if strings.TrimSpace(out) != "[]" && strings.TrimSpace(out) != "null" {
		t.Fatalf("unexpected json output %q", out)
	}

	if _, _, err := runCLI(t, []string{"history", "--limit", "0"}, env.apiAddr, env.configPath); err == nil {
		t.Fatal("expected non-positive limit to fail")
	}
}

func TestTestNotifyCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"test-notify"}, env.apiAddr, env.configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "ntfy topic not configured")
}

func TestCommandsRequireRunningDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "pihub.toml")
	writeTestConfig(t, configPath, cfg)

	_, _, err := runCLI(t, []string{"sync"}, "127.0.0.1:1", configPath)
	if err == nil || !strings.Contains(err.Error(), "pihub start") {
		t.Fatalf("expected start hint, got %v", err)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	target := filepath.Join(t.TempDir(), "conf", "pihub.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "", "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, "", ""); err == nil {
		t.Fatal("expected existing config to be refused")
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, "", ""); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "pihub.toml")
	writeTestConfig(t, configPath, cfg)
	out, _, err = runCLI(t, []string{"config", "validate"}, "", configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, "Backend: none")
}

type registerDoer struct {
	gotAuth string
	gotPath string
}

func (d *registerDoer) Do(req *http.Request) (*http.Response, error) {
	d.gotAuth = req.Header.Get("Authorization")
	d.gotPath = req.URL.Path
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"device_token":"tok-0123456789"}`)),
	}, nil
}

func TestRegisterDeviceStoresToken(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithOpenTera("tera.local", 40075))
	cfg.OpenTera.DeviceRegisterKey = "reg-key"

	doer := &registerDoer{}
	changed, err := registerDevice(context.Background(), cfg, doer, "watch-9", "watch", "")
	if err != nil {
		t.Fatalf("registerDevice: %v", err)
	}
	if !changed {
		t.Fatal("expected new token to be stored")
	}
	if doer.gotPath != "/api/device/register" {
		t.Fatalf("unexpected path %q", doer.gotPath)
	}

	store, err := opentera.OpenTokenStore(cfg.TokenStorePath(), cfg.TokenKeyPath())
	if err != nil {
		t.Fatalf("open token store: %v", err)
	}
	if token, ok := store.Get("watch-9"); !ok || token != "tok-0123456789" {
		t.Fatalf("token not stored: %q %v", token, ok)
	}

	configPath := filepath.Join(testsupport.BaseDir(cfg), "pihub.toml")
	writeTestConfig(t, configPath, cfg)
	out, _, err := runCLI(t, []string{"tokens", "list"}, "", configPath)
	if err != nil {
		t.Fatalf("tokens list: %v", err)
	}
	requireContains(t, out, "watch-9")
	requireContains(t, out, "tok-********6789")
	if strings.Contains(out, "tok-0123456789") {
		t.Fatal("token printed in clear")
	}
}

func TestRegisterDeviceRequiresConfiguration(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := registerDevice(context.Background(), cfg, &registerDoer{}, "watch-9", "watch", ""); err == nil {
		t.Fatal("expected error without session server")
	}
	cfg = testsupport.NewConfig(t, testsupport.WithOpenTera("tera.local", 40075))
	if _, err := registerDevice(context.Background(), cfg, &registerDoer{}, "watch-9", "watch", ""); err == nil {
		t.Fatal("expected error without register key")
	}
	cfg.OpenTera.DeviceRegisterKey = "k"
	if _, err := registerDevice(context.Background(), cfg, &registerDoer{}, "watch-9", " ", ""); err == nil {
		t.Fatal("expected error without type key")
	}
}

func TestRenderHelpers(t *testing.T) {
	if got := maskToken("abc"); got != "***" {
		t.Fatalf("maskToken short = %q", got)
	}
	if got := statusKindFromSeverity("WARN"); got != statusWarn {
		t.Fatalf("statusKindFromSeverity = %v", got)
	}
	rows := countRows(map[string]int{"success": 2, "failure": 0, "rejected": 1})
	if len(rows) != 2 || rows[0][0] != "rejected" || rows[1][1] != "2" {
		t.Fatalf("unexpected count rows %v", rows)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	devices := deviceRows([]api.DeviceStatus{
		{Name: "watch-1", Connected: true, StagedFiles: 3, StagedBytes: 2048, HasToken: true},
		{Name: "bed-2", Pending: true, RetryArmed: true, Attempts: 2, NewestFile: api.FormatTime(now.Add(-time.Hour))},
	}, now)
	if devices[0][1] != "connected" || devices[0][3] != "2.0 KiB" || devices[0][5] != "yes" {
		t.Fatalf("unexpected first row %v", devices[0])
	}
	if devices[1][1] != "pending" || devices[1][4] != "1 hour ago" || devices[1][6] != "armed (2)" {
		t.Fatalf("unexpected second row %v", devices[1])
	}

	table := renderTable([]string{"A", "B"}, [][]string{{"x"}}, []columnAlignment{alignLeft, alignRight})
	requireContains(t, table, "x")
}

func TestLogsCommand(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "pihub.toml")
	writeTestConfig(t, configPath, cfg)

	out, _, err := runCLI(t, []string{"logs"}, "", configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "No log lines in")

	testsupport.WriteText(t, cfg.CurrentLogPath(), "INFO first device=bed-1\nINFO second device=watch-2\nINFO third device=bed-1\n")
	out, _, err = runCLI(t, []string{"logs", "-n", "1", "--device", "bed-1"}, "", configPath)
	if err != nil {
		t.Fatalf("logs --device: %v", err)
	}
	if strings.TrimSpace(out) != "INFO third device=bed-1" {
		t.Fatalf("unexpected logs output %q", out)
	}

	if _, _, err := runCLI(t, []string{"logs", "--device", "../x"}, "", configPath); err == nil {
		t.Fatal("expected invalid device to fail")
	}
}
