package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"pihub/internal/api"
	"pihub/internal/config"
	"pihub/internal/ledger"
	"pihub/internal/logging"
	"pihub/internal/metrics"
)

const maxSyncBody = 64 * 1024

// controller is the daemon surface the API server needs.
type controller interface {
	Status(ctx context.Context) api.DaemonStatus
	Sync(devices []string) ([]string, error)
	History(ctx context.Context, device string, limit int) ([]ledger.Transfer, error)
	TestNotification(ctx context.Context) (bool, string, error)
}

type apiServer struct {
	bind   string
	logger *slog.Logger
	ctl    controller
	server *http.Server
}

func newAPIServer(cfg *config.Config, ctl controller, logger *slog.Logger) *apiServer {
	if cfg == nil || ctl == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
		ctl:    ctl,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(cfg.Paths.APIToken),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", authMiddleware(token, s.handleStatus))
	mux.HandleFunc("/api/sync", authMiddleware(token, s.handleSync))
	mux.HandleFunc("/api/history", authMiddleware(token, s.handleHistory))
	mux.HandleFunc("/api/notify/test", authMiddleware(token, s.handleNotifyTest))
	mux.HandleFunc("/metrics", authMiddleware(token, metrics.Handler().ServeHTTP))
	return mux
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctl.Status(r.Context()))
}

func (s *apiServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.SyncRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSyncBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read request body")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid sync request")
			return
		}
	}

	queued, err := s.ctl.Sync(req.Devices)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	message := "sync queued"
	if len(queued) == 0 {
		message = "nothing staged to sync"
	}
	s.logger.Info("sync requested via api",
		logging.Any("devices", queued),
		logging.String(logging.FieldEventType, "api_sync"),
	)
	s.writeJSON(w, http.StatusAccepted, api.SyncResponse{Queued: queued, Message: message})
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	query := r.URL.Query()
	limit := 50
	if value := strings.TrimSpace(query.Get("limit")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	rows, err := s.ctl.History(r.Context(), query.Get("device"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.HistoryResponse{Transfers: api.FromTransfers(rows)})
}

func (s *apiServer) handleNotifyTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sent, message, err := s.ctl.TestNotification(r.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		s.writeError(w, http.StatusBadGateway, message+": "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.NotifyResponse{Sent: sent, Message: message})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
