package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// DeviceStatus describes one device known to the gateway.
type DeviceStatus struct {
	Name         string `json:"name"`
	Connected    bool   `json:"connected"`
	Pending      bool   `json:"pending"`
	HasToken     bool   `json:"hasToken"`
	Attempts     int    `json:"attempts"`
	RetryArmed   bool   `json:"retryArmed"`
	TimeoutArmed bool   `json:"timeoutArmed"`
	StagedFiles  int    `json:"stagedFiles"`
	StagedBytes  int64  `json:"stagedBytes"`
	NewestFile   string `json:"newestFile,omitempty"`
}

// ReceiverStatus reports whether an ingest front end is listening.
type ReceiverStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"`
}

// BackendStatus summarizes the active sync backend.
type BackendStatus struct {
	Name         string `json:"name"`
	LastRun      string `json:"lastRun,omitempty"`
	LastError    string `json:"lastError,omitempty"`
	RetryArmed   bool   `json:"retryArmed"`
	OpenSessions int    `json:"openSessions"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running       bool             `json:"running"`
	PID           int              `json:"pid"`
	StartedAt     string           `json:"startedAt,omitempty"`
	DataRoot      string           `json:"dataRoot"`
	LedgerPath    string           `json:"ledgerPath"`
	LockFilePath  string           `json:"lockFilePath"`
	Receivers     []ReceiverStatus `json:"receivers"`
	Backend       BackendStatus    `json:"backend"`
	SyncArmed     bool             `json:"syncArmed"`
	Devices       []DeviceStatus   `json:"devices"`
	StageCounts   map[string]int   `json:"stageCounts"`
	OutcomeCounts map[string]int   `json:"outcomeCounts"`
	WatcherQueue  []string         `json:"watcherQueue,omitempty"`
}

// SyncRequest asks the daemon to sync devices. An empty list means every
// staged device.
type SyncRequest struct {
	Devices []string `json:"devices"`
}

// SyncResponse acknowledges a sync request.
type SyncResponse struct {
	Queued  []string `json:"queued"`
	Message string   `json:"message"`
}

// Transfer is one ledger row in transport form.
type Transfer struct {
	ID         int64  `json:"id"`
	Backend    string `json:"backend"`
	Device     string `json:"device"`
	Folder     string `json:"folder,omitempty"`
	Files      int    `json:"files"`
	Bytes      int64  `json:"bytes"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// HistoryResponse wraps recent transfers, newest first.
type HistoryResponse struct {
	Transfers []Transfer `json:"transfers"`
}

// NotifyResponse reports the result of a test notification.
type NotifyResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx API reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusLine is one rendered health line in CLI status output.
type StatusLine struct {
	Label    string `json:"label"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}
