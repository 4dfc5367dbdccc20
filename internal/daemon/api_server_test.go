package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"pihub/internal/api"
	"pihub/internal/config"
	"pihub/internal/ledger"
	"pihub/internal/logging"
)

type controllerStub struct {
	synced      []string
	syncErr     error
	historyArgs string
	rows        []ledger.Transfer
	notifyErr   error
}

func (c *controllerStub) Status(context.Context) api.DaemonStatus {
	return api.DaemonStatus{Running: true, PID: 42, Backend: api.BackendStatus{Name: "sftp"}}
}

func (c *controllerStub) Sync(devices []string) ([]string, error) {
	if c.syncErr != nil {
		return nil, c.syncErr
	}
	c.synced = devices
	return devices, nil
}

func (c *controllerStub) History(_ context.Context, device string, limit int) ([]ledger.Transfer, error) {
	c.historyArgs = fmt.Sprintf("%s:%d", device, limit)
	return c.rows, nil
}

func (c *controllerStub) TestNotification(context.Context) (bool, string, error) {
	if c.notifyErr != nil {
		return false, "failed to send notification", c.notifyErr
	}
	return true, "test notification sent", nil
}

func newStubServer(t *testing.T, token string, ctl controller) http.Handler {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Paths.APIToken = token
	srv := newAPIServer(&cfg, ctl, logging.NewNop())
	if srv == nil {
		t.Fatal("expected api server")
	}
	return srv.server.Handler
}

func serve(handler http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestAPIServerStatus(t *testing.T) {
	handler := newStubServer(t, "", &controllerStub{})

	w := serve(handler, http.MethodGet, "/api/status", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	var resp api.DaemonStatus
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Running || resp.PID != 42 || resp.Backend.Name != "sftp" {
		t.Fatalf("unexpected status %+v", resp)
	}

	if w := serve(handler, http.MethodPost, "/api/status", "", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestAPIServerSync(t *testing.T) {
	ctl := &controllerStub{}
	handler := newStubServer(t, "", ctl)

	w := serve(handler, http.MethodPost, "/api/sync", `{"devices":["watch-1","bed-2"]}`, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(ctl.synced) != 2 || ctl.synced[1] != "bed-2" {
		t.Fatalf("devices not forwarded: %v", ctl.synced)
	}

	w = serve(handler, http.MethodPost, "/api/sync", "", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("empty body should sync all, got %d", w.Code)
	}
	var resp api.SyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Message != "nothing staged to sync" {
		t.Fatalf("unexpected message %q", resp.Message)
	}

	if w := serve(handler, http.MethodPost, "/api/sync", "{", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", w.Code)
	}
	ctl.syncErr = errors.New("invalid device name")
	if w := serve(handler, http.MethodPost, "/api/sync", `{"devices":[".."]}`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid device, got %d", w.Code)
	}
	if w := serve(handler, http.MethodGet, "/api/sync", "", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestAPIServerHistory(t *testing.T) {
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctl := &controllerStub{rows: []ledger.Transfer{
		{ID: 3, Backend: "opentera", Device: "watch-1", Folder: "s1", Outcome: ledger.OutcomeSuccess, FinishedAt: finished},
	}}
	handler := newStubServer(t, "", ctl)

	w := serve(handler, http.MethodGet, "/api/history?device=watch-1&limit=5", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ctl.historyArgs != "watch-1:5" {
		t.Fatalf("unexpected history args %q", ctl.historyArgs)
	}
	var resp api.HistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Transfers) != 1 || resp.Transfers[0].FinishedAt != "2026-03-01T12:00:00.000Z" {
		t.Fatalf("unexpected transfers %+v", resp.Transfers)
	}

	if w := serve(handler, http.MethodGet, "/api/history?limit=abc", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestAPIServerNotifyTest(t *testing.T) {
	ctl := &controllerStub{}
	handler := newStubServer(t, "", ctl)
	if w := serve(handler, http.MethodPost, "/api/notify/test", "", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	ctl.notifyErr = errors.New("ntfy down")
	if w := serve(handler, http.MethodPost, "/api/notify/test", "", ""); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestAPIServerRequiresBearerToken(t *testing.T) {
	handler := newStubServer(t, "s3cret", &controllerStub{})

	for _, target := range []string{"/api/status", "/api/history", "/metrics"} {
		if w := serve(handler, http.MethodGet, target, "", ""); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: expected 401, got %d", target, w.Code)
		}
		if w := serve(handler, http.MethodGet, target, "", "wrong"); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s with wrong token: expected 401, got %d", target, w.Code)
		}
	}
	if w := serve(handler, http.MethodGet, "/api/status", "", "s3cret"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
	w := serve(handler, http.MethodGet, "/metrics", "", "s3cret")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "# HELP") {
		t.Fatalf("metrics not served: %d", w.Code)
	}
}

func TestNewAPIServerDisabledWithoutBind(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.APIBind = " "
	if srv := newAPIServer(&cfg, &controllerStub{}, nil); srv != nil {
		t.Fatal("expected nil server without bind")
	}
}
