package opentera

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"pihub/internal/logging"
)

func TestDeviceAPIRegister(t *testing.T) {
	f := newFixture(t, nil)
	api := NewDeviceAPI(f.backend, logging.NewNop())

	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/device/register?name=Watch9", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing type_key: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/device/register?name=Watch9&type_key=wear&subtype_name=v2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("register status %d: %s", rec.Code, rec.Body.String())
	}
	if token, ok := f.tokens.Get("Watch9"); !ok || token != "tok-Watch9" {
		t.Fatalf("token not stored: %q %v", token, ok)
	}
	f.server.update(func(s *fakeServer) {
		if len(s.registered) != 1 || s.registered[0].TypeKey != "wear" || s.registered[0].Subtype != "v2" {
			t.Errorf("unexpected registration %+v", s.registered)
		}
	})
}

func TestDeviceAPIRegisterRelaysServerRefusal(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RegisterKey = "wrong" })
	api := NewDeviceAPI(f.backend, logging.NewNop())

	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/device/register?name=W&type_key=k", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	if _, ok := f.tokens.Get("W"); ok {
		t.Fatal("refused registration must not store a token")
	}
}

func TestDeviceAPIForwardsOtherRequests(t *testing.T) {
	f := newFixture(t, nil)
	api := NewDeviceAPI(f.backend, logging.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/device/status?q=battery", nil)
	req.Header.Set("Authorization", "OpenTera abc")
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Fatal("upstream headers must be relayed")
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "status:battery" {
		t.Fatalf("body = %q", body)
	}
	f.server.update(func(s *fakeServer) {
		if s.lastForward == nil || s.lastForward.Header.Get("Authorization") != "OpenTera abc" {
			t.Errorf("request headers not forwarded")
		}
	})
}
