package opentera

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

type fakeSession struct {
	session Session
	events  []Event
	assets  []string
}

// fakeServer mimics the device endpoints of the session server.
type fakeServer struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	tokens       map[string]bool
	participants []Participant
	sessionTypes []SessionType
	nextID       int
	sessions     map[int]*fakeSession
	uploads      map[string]int
	failUpload   map[string]bool
	failEvents   bool
	logins       int
	inflight     int
	maxInflight  int
	registerKey  string
	registered   []Registration
	lastForward  *http.Request
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:            t,
		tokens:       map[string]bool{},
		participants: []Participant{{UUID: "p-1"}, {UUID: "p-2"}},
		sessionTypes: []SessionType{{ID: 1, Category: CategoryDataCollect}},
		nextID:       100,
		sessions:     map[int]*fakeSession{},
		uploads:      map[string]int{},
		failUpload:   map[string]bool{},
		registerKey:  "reg-key",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/device/login", f.login)
	mux.HandleFunc("/api/device/sessions", f.createSession)
	mux.HandleFunc("/api/device/sessions/events", f.createEvent)
	mux.HandleFunc("/api/device/assets", f.listAssets)
	mux.HandleFunc("/file/api/assets", f.upload)
	mux.HandleFunc("/api/device/register", f.register)
	mux.HandleFunc("/api/device/status", f.status)
	f.server = httptest.NewServer(f.track(mux))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeServer) client() *Client {
	return NewClient(f.server.URL, f.server.Client(), 5*time.Second, false)
}

func (f *fakeServer) allow(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = true
}

func (f *fakeServer) update(fn func(*fakeServer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeServer) peakInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

func (f *fakeServer) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.inflight++
		if f.inflight > f.maxInflight {
			f.maxInflight = f.inflight
		}
		f.mu.Unlock()
		defer func() {
			f.mu.Lock()
			f.inflight--
			f.mu.Unlock()
		}()
		next.ServeHTTP(w, r)
	})
}

func (f *fakeServer) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "OpenTera ")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[token]
}

func (f *fakeServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		f.t.Errorf("encode response: %v", err)
	}
}

func (f *fakeServer) login(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	time.Sleep(5 * time.Millisecond)
	f.mu.Lock()
	f.logins++
	info := LoginInfo{
		Device:       DeviceInfo{ID: 1, Name: "watch"},
		Participants: append([]Participant(nil), f.participants...),
		SessionTypes: append([]SessionType(nil), f.sessionTypes...),
	}
	f.mu.Unlock()
	f.writeJSON(w, info)
}

func (f *fakeServer) createSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !f.authorized(r) {
		http.Error(w, "denied", http.StatusUnauthorized)
		return
	}
	var body struct {
		Session Session `json:"session"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.nextID++
	body.Session.ID = f.nextID
	f.sessions[body.Session.ID] = &fakeSession{session: body.Session}
	f.mu.Unlock()
	f.writeJSON(w, body.Session)
}

func (f *fakeServer) createEvent(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Error(w, "denied", http.StatusUnauthorized)
		return
	}
	var body struct {
		Event Event `json:"session_event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEvents {
		http.Error(w, "event store down", http.StatusInternalServerError)
		return
	}
	s, ok := f.sessions[body.Event.SessionID]
	if !ok {
		http.Error(w, "no session", http.StatusBadRequest)
		return
	}
	s.events = append(s.events, body.Event)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeServer) listAssets(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Error(w, "denied", http.StatusUnauthorized)
		return
	}
	id, _ := strconv.Atoi(r.URL.Query().Get("id_session"))
	f.mu.Lock()
	var assets []Asset
	if s, ok := f.sessions[id]; ok {
		for i, name := range s.assets {
			assets = append(assets, Asset{ID: i + 1, Name: name})
		}
	}
	f.mu.Unlock()
	if assets == nil {
		assets = []Asset{}
	}
	f.writeJSON(w, assets)
}

func (f *fakeServer) upload(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Error(w, "denied", http.StatusUnauthorized)
		return
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, _ := strconv.Atoi(r.FormValue("id_session"))
	_, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpload[header.Filename] {
		http.Error(w, "disk full", http.StatusInternalServerError)
		return
	}
	s, ok := f.sessions[id]
	if !ok {
		http.Error(w, "no session", http.StatusBadRequest)
		return
	}
	s.assets = append(s.assets, header.Filename)
	f.uploads[header.Filename]++
	w.WriteHeader(http.StatusOK)
}

func (f *fakeServer) register(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "OpenTera "+f.registerKey {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
		return
	}
	var reg Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.registered = append(f.registered, reg)
	f.tokens["tok-"+reg.Name] = true
	f.mu.Unlock()
	f.writeJSON(w, map[string]string{"device_token": "tok-" + reg.Name})
}

func (f *fakeServer) status(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.lastForward = r.Clone(context.Background())
	f.mu.Unlock()
	w.Header().Set("X-Upstream", "yes")
	w.WriteHeader(http.StatusTeapot)
	_, _ = w.Write([]byte("status:" + r.URL.Query().Get("q")))
}

func (f *fakeServer) sessionList() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeSession, 0, len(f.sessions))
	for id := 101; id <= f.nextID; id++ {
		if s, ok := f.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeServer) uploadCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[name]
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed int
	rejected  int
	exhausted []int
	config    int
}

func (n *recordingNotifier) NotifyTransferCompleted(context.Context, string, string, int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed++
	return nil
}

func (n *recordingNotifier) NotifyFolderRejected(context.Context, string, string, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected++
	return nil
}

func (n *recordingNotifier) NotifyRetriesExhausted(_ context.Context, _ string, attempts int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exhausted = append(n.exhausted, attempts)
	return nil
}

func (n *recordingNotifier) NotifyConfigurationError(_ context.Context, _ string, err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !errors.Is(err, ErrConfiguration) {
		return errors.New("unexpected configuration error type")
	}
	n.config++
	return nil
}

func (n *recordingNotifier) NotifyError(context.Context, error, string) error { return nil }

func (n *recordingNotifier) TestNotification(context.Context) error { return nil }
