package daemon

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pihub/internal/clock"
	"pihub/internal/config"
	"pihub/internal/ingest"
	"pihub/internal/ledger"
	"pihub/internal/logging"
	"pihub/internal/notifications"
	"pihub/internal/scheduler"
	"pihub/internal/sftpsync"
	"pihub/internal/staging"
	"pihub/internal/testsupport"
)

// dirSession serves sftpsync.Session from a local directory.
type dirSession struct{ root string }

func (s dirSession) path(name string) string { return filepath.Join(s.root, filepath.FromSlash(name)) }

func (s dirSession) Stat(name string) (fs.FileInfo, error) { return os.Stat(s.path(name)) }
func (s dirSession) Mkdir(name string) error                 { return os.Mkdir(s.path(name), 0o755) }
func (s dirSession) Create(name string) (io.WriteCloser, error) {
	return os.Create(s.path(name))
}
func (s dirSession) Open(name string) (io.ReadCloser, error) { return os.Open(s.path(name)) }
func (s dirSession) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(s.path(name), atime, mtime)
}
func (s dirSession) Close() error { return nil }

func newTestDaemon(t *testing.T, cfg *config.Config, clk clock.Clock, remote string) (*Daemon, *ledger.Store) {
	t.Helper()
	store := testsupport.MustOpenLedger(t, cfg)
	d, err := New(cfg, store, logging.NewNop(), Options{
		Clock:    clk,
		Notifier: notifications.Noop(),
		SFTPDialer: func(context.Context) (sftpsync.Session, error) {
			return dirSession{root: remote}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, store
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newTestDaemon(t, cfg, nil, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.Backend.Name != "none" {
		t.Fatalf("unexpected backend %q", status.Backend.Name)
	}
	if d.Addr(ReceiverAPI) == "" {
		t.Fatal("expected api listener address")
	}
	if d.Addr(ReceiverSensor) != "" || d.Addr(ReceiverWearable) != "" {
		t.Fatalf("disabled receivers should not listen: %v", d.Addrs())
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
	select {
	case <-d.Done():
	default:
		t.Fatal("listener group should have exited")
	}
}

func TestSecondInstanceIsRefused(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first, _ := newTestDaemon(t, cfg, nil, t.TempDir())
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	second, err := New(cfg, testsupport.MustOpenLedger(t, cfg), logging.NewNop(), Options{Notifier: notifications.Noop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = second.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock error, got %v", err)
	}
	first.Stop()
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("start after release: %v", err)
	}
	second.Stop()
}

func TestWearableUploadSyncsOverSFTP(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSFTP("archive.local", "pi"), testsupport.WithWatchServer())
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	remote := t.TempDir()
	d, store := newTestDaemon(t, cfg, clk, remote)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	base := "http://" + d.Addr(ReceiverWearable)

	send := func(method, contentType string, headers map[string]string, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, base+"/", strings.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Device-Name", "Watch12")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, contentType, err)
		}
		_ = resp.Body.Close()
		return resp
	}

	if resp := send(http.MethodGet, ingest.CmdConnect, nil, ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect status %d", resp.StatusCode)
	}
	resp := send(http.MethodPost, ingest.CmdFileUpload, map[string]string{
		"File-Type":   "csv",
		"Device-Type": "watch",
		"File-Path":   "2026-03-01",
		"File-Name":   "imu.csv",
	}, "t,x,y,z\n1,2,3,4\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d", resp.StatusCode)
	}
	if resp := send(http.MethodGet, ingest.CmdDisconnect, nil, ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("disconnect status %d", resp.StatusCode)
	}

	clk.WaitForTimers(1)
	clk.Advance(time.Duration(cfg.Watch.DebounceSeconds) * time.Second)
	d.sftp.Wait()

	data, err := os.ReadFile(filepath.Join(remote, "Watch12", "2026-03-01", "imu.csv"))
	if err != nil {
		t.Fatalf("remote copy missing: %v", err)
	}
	if string(data) != "t,x,y,z\n1,2,3,4\n" {
		t.Fatalf("unexpected remote content %q", data)
	}
	processed := filepath.Join(d.stage.DeviceDir(staging.Processed, "Watch12"), "2026-03-01", "imu.csv")
	if _, err := os.Stat(processed); err != nil {
		t.Fatalf("file not moved to Processed: %v", err)
	}

	rows, err := store.RecentTransfers(context.Background(), "Watch12", 10)
	if err != nil {
		t.Fatalf("RecentTransfers: %v", err)
	}
	if len(rows) != 1 || rows[0].Outcome != ledger.OutcomeSuccess || rows[0].Files != 1 {
		t.Fatalf("unexpected ledger rows %+v", rows)
	}

	status := d.Status(context.Background())
	if status.Backend.Name != "sftp" || status.Backend.LastRun == "" || status.Backend.LastError != "" {
		t.Fatalf("unexpected backend status %+v", status.Backend)
	}
	if status.OutcomeCounts[ledger.OutcomeSuccess] != 1 {
		t.Fatalf("unexpected outcome counts %v", status.OutcomeCounts)
	}
}

func TestStartupSyncQueuesStagedDevices(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSFTP("archive.local", "pi"))
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	d, _ := newTestDaemon(t, cfg, clk, t.TempDir())
	testsupport.WriteText(t, filepath.Join(d.stage.DeviceDir(staging.ToProcess, "bed-3"), "2026-03-01.dat"), "abcd")

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pending := d.Tracker().Pending(); len(pending) != 1 || pending[0] != "bed-3" {
		t.Fatalf("expected bed-3 pending, got %v", pending)
	}
	if !d.Tracker().Armed() {
		t.Fatal("expected debounce timer armed")
	}
}

func TestNetworkUpTriggersResync(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSFTP("archive.local", "pi"))
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	d, _ := newTestDaemon(t, cfg, clk, t.TempDir())

	d.networkUp("wwan0")
	if d.Tracker().Armed() {
		t.Fatal("nothing staged; no sync expected")
	}

	testsupport.WriteText(t, filepath.Join(d.stage.DeviceDir(staging.ToProcess, "bed-1"), "a.dat"), "x")
	d.networkUp("wwan0")
	if pending := d.Tracker().Pending(); len(pending) != 1 || pending[0] != "bed-1" {
		t.Fatalf("expected bed-1 pending, got %v", pending)
	}
}

func TestSyncValidatesDeviceNames(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSFTP("archive.local", "pi"))
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	d, _ := newTestDaemon(t, cfg, clk, t.TempDir())

	if _, err := d.Sync([]string{"../etc"}); err == nil {
		t.Fatal("expected invalid device name to be refused")
	}
	queued, err := d.Sync(nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(queued) != 0 || d.Tracker().Armed() {
		t.Fatalf("empty staging should queue nothing, got %v", queued)
	}
	queued, err = d.Sync([]string{" watch-7 "})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(queued) != 1 || queued[0] != "watch-7" || !d.Tracker().Armed() {
		t.Fatalf("unexpected queue %v", queued)
	}
}

func TestTestNotificationWithoutTopic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newTestDaemon(t, cfg, nil, t.TempDir())
	sent, message, err := d.TestNotification(context.Background())
	if err != nil || sent || message != "ntfy topic not configured" {
		t.Fatalf("unexpected result %v %q %v", sent, message, err)
	}
}

func TestInactivityLeavesLiveSensorConnected(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tracker := scheduler.NewTracker(clk, 30*time.Second, idleBackend{logger: logging.NewNop()}, logging.NewNop())
	t.Cleanup(tracker.Stop)
	sched := inactivityScheduler{
		tracker: tracker,
		active:  func(device string) bool { return device == "bed-01" },
	}

	tracker.DeviceConnected("bed-01", "")
	tracker.DeviceConnected("Watch1", "")

	if sched.DeviceDisconnected("bed-01") {
		t.Fatal("a sensor with an open socket must stay connected")
	}
	if !sched.DeviceDisconnected("Watch1") {
		t.Fatal("an inactive watch must leave the connected set")
	}
	if sched.DeviceDisconnected("Watch1") {
		t.Fatal("a second expiry must not report a change")
	}
	if got := tracker.Connected(); len(got) != 1 || got[0] != "bed-01" {
		t.Fatalf("connected = %v", got)
	}
}
