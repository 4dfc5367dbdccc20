package opentera

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// HTTPDoer abstracts http.Client.Do for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

var (
	// ErrUnauthorized marks a rejected device token.
	ErrUnauthorized = errors.New("opentera: device token rejected")
	// ErrConfiguration marks a server-side setup problem that retrying will
	// not fix (no participants, no data collection session type).
	ErrConfiguration = errors.New("opentera: server configuration error")
)

// StatusError carries an unexpected HTTP status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.Status, e.Body)
}

// Session type categories and statuses used by the server.
const (
	CategoryDataCollect = 3
	StatusCompleted     = 2
)

// Participant is a participant attached to the logged-in device.
type Participant struct {
	UUID string `json:"participant_uuid"`
	Name string `json:"participant_name,omitempty"`
}

// SessionType is a session type the device may create.
type SessionType struct {
	ID       int    `json:"id_session_type"`
	Name     string `json:"session_type_name,omitempty"`
	Category int    `json:"session_type_category"`
}

// DeviceInfo describes the logged-in device.
type DeviceInfo struct {
	ID   int    `json:"id_device"`
	Name string `json:"device_name"`
	UUID string `json:"device_uuid"`
}

// LoginInfo is the device login payload.
type LoginInfo struct {
	Device       DeviceInfo    `json:"device_info"`
	Participants []Participant `json:"participants_info"`
	SessionTypes []SessionType `json:"session_types_info"`
}

// ParticipantUUIDs returns the uuid of every participant.
func (l *LoginInfo) ParticipantUUIDs() []string {
	out := make([]string, 0, len(l.Participants))
	for _, p := range l.Participants {
		if p.UUID != "" {
			out = append(out, p.UUID)
		}
	}
	return out
}

// SelectSessionType returns preferred when it is an allowed data collection
// type, otherwise the first allowed one.
func (l *LoginInfo) SelectSessionType(preferred int) (int, error) {
	first := 0
	for _, st := range l.SessionTypes {
		if st.Category != CategoryDataCollect {
			continue
		}
		if st.ID == preferred {
			return st.ID, nil
		}
		if first == 0 {
			first = st.ID
		}
	}
	if first == 0 {
		return 0, fmt.Errorf("%w: no data collection session type", ErrConfiguration)
	}
	return first, nil
}

// Session is the session payload sent on creation.
type Session struct {
	ID           int      `json:"id_session"`
	Name         string   `json:"session_name"`
	Start        string   `json:"session_start_datetime"`
	Duration     int      `json:"session_duration"`
	Status       int      `json:"session_status"`
	Parameters   string   `json:"session_parameters"`
	Comments     string   `json:"session_comments"`
	TypeID       int      `json:"id_session_type"`
	Participants []string `json:"session_participants"`
}

// Event is one session event.
type Event struct {
	ID        int    `json:"id_session_event"`
	SessionID int    `json:"id_session"`
	Type      int    `json:"id_session_event_type"`
	Datetime  string `json:"session_event_datetime"`
	Text      string `json:"session_event_text"`
	Context   string `json:"session_event_context"`
}

// Asset is a file already attached to a session.
type Asset struct {
	ID   int    `json:"id_asset"`
	Name string `json:"asset_name"`
}

// Client talks to the session server on behalf of devices.
type Client struct {
	baseURL string
	http    HTTPDoer
}

// NewClient builds a client for baseURL. A nil doer gets an http.Client with
// the given timeout, skipping TLS verification when insecure is set.
func NewClient(baseURL string, doer HTTPDoer, timeout time.Duration, insecure bool) *Client {
	if doer == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
		}
		doer = &http.Client{Timeout: timeout, Transport: transport}
	}
	return &Client{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), http: doer}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Login authenticates a device token and returns its participants and
// session types.
func (c *Client) Login(ctx context.Context, token string) (*LoginInfo, error) {
	var info LoginInfo
	if err := c.getJSON(ctx, "login", "/api/device/login", nil, token, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateSession creates a session and returns its id.
func (c *Client) CreateSession(ctx context.Context, token string, session Session) (int, error) {
	session.ID = 0
	var created Session
	body := map[string]Session{"session": session}
	if err := c.postJSON(ctx, "create session", "/api/device/sessions", token, body, &created); err != nil {
		return 0, err
	}
	if created.ID == 0 {
		return 0, errors.New("create session: server returned no session id")
	}
	return created.ID, nil
}

// CreateEvent adds one event to a session.
func (c *Client) CreateEvent(ctx context.Context, token string, event Event) error {
	event.ID = 0
	body := map[string]Event{"session_event": event}
	return c.postJSON(ctx, "create event", "/api/device/sessions/events", token, body, nil)
}

// Assets lists the assets of a session.
func (c *Client) Assets(ctx context.Context, token string, sessionID int) ([]Asset, error) {
	query := url.Values{"id_session": {strconv.Itoa(sessionID)}}
	var assets []Asset
	if err := c.getJSON(ctx, "list assets", "/api/device/assets", query, token, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// UploadAsset uploads the file at path to the session as a multipart form.
func (c *Client) UploadAsset(ctx context.Context, token string, sessionID int, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open asset: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		err := writeAssetForm(form, sessionID, filepath.Base(path), file)
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/file/api/assets", pr)
	if err != nil {
		_ = pr.Close()
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	setToken(req, token)
	resp, err := c.http.Do(req)
	if err != nil {
		_ = pr.Close()
		return fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	defer resp.Body.Close()
	return checkStatus("upload "+filepath.Base(path), resp)
}

func writeAssetForm(form *multipart.Writer, sessionID int, name string, src io.Reader) error {
	if err := form.WriteField("id_session", strconv.Itoa(sessionID)); err != nil {
		return err
	}
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, src)
	return err
}

// Registration is the device registration request sent upstream.
type Registration struct {
	Name    string `json:"device_name"`
	TypeKey string `json:"device_type_key"`
	Subtype string `json:"device_subtype_name,omitempty"`
}

// RegistrationResult is the server's answer; Raw holds the unparsed body.
type RegistrationResult struct {
	Token  string `json:"device_token"`
	Status int    `json:"-"`
	Raw    []byte `json:"-"`
}

// Register registers a device with the server using registerKey.
func (c *Client) Register(ctx context.Context, registerKey string, reg Registration) (*RegistrationResult, error) {
	payload, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("encode registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/device/register", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setToken(req, registerKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read register response: %w", err)
	}
	result := &RegistrationResult{Status: resp.StatusCode, Raw: raw}
	if resp.StatusCode != http.StatusOK {
		return result, &StatusError{Op: "register device", Status: resp.StatusCode, Body: snippet(raw)}
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return result, fmt.Errorf("decode register response: %w", err)
	}
	if result.Token == "" {
		return result, errors.New("register device: server returned no token")
	}
	return result, nil
}

// Forward issues a GET for path and query with the given headers and returns
// the raw response. The caller closes the body.
func (c *Client) Forward(ctx context.Context, path, rawQuery string, header http.Header) (*http.Response, error) {
	target := c.baseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build proxy request: %w", err)
	}
	for key, values := range header {
		if hopHeader(key) {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, token string, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	setToken(req, token)
	return c.do(op, req, out)
}

func (c *Client) postJSON(ctx context.Context, op, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	setToken(req, token)
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func checkStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case resp.StatusCode >= http.StatusMultipleChoices:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: snippet(body)}
	}
	return nil
}

func setToken(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "OpenTera "+token)
	}
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func hopHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade", "Te", "Trailer", "Host", "Content-Length":
		return true
	}
	return false
}
