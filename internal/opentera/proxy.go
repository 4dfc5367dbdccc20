package opentera

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"pihub/internal/logging"
)

// DeviceAPI serves /api/device requests from wearables: registration is
// handled locally, everything else is forwarded to the server.
type DeviceAPI struct {
	backend *Backend
	logger  *slog.Logger
}

// NewDeviceAPI builds the pass-through handler for backend.
func NewDeviceAPI(backend *Backend, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{backend: backend, logger: logging.NewComponentLogger(logger, "device-api")}
}

func (h *DeviceAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimRight(r.URL.Path, "/") == "/api/device/register" {
		h.register(w, r)
		return
	}
	h.forward(w, r)
}

func (h *DeviceAPI) register(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name := strings.TrimSpace(query.Get("name"))
	typeKey := strings.TrimSpace(query.Get("type_key"))
	if name == "" || typeKey == "" {
		http.Error(w, "missing name or type_key", http.StatusBadRequest)
		return
	}
	result, err := h.backend.Register(r.Context(), name, typeKey, strings.TrimSpace(query.Get("subtype_name")))
	if errors.Is(err, ErrTokenNotStored) {
		logging.WarnWithContext(h.logger, "registered device token not stored", "register_token_not_stored",
			logging.Device(name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on the tokens file"),
		)
		http.Error(w, "token not stored", http.StatusInternalServerError)
		return
	}
	if result != nil && result.Status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(result.Status)
		_, _ = w.Write(result.Raw)
		return
	}
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrConfiguration) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
	}
}

func (h *DeviceAPI) forward(w http.ResponseWriter, r *http.Request) {
	resp, err := h.backend.client.Forward(r.Context(), r.URL.Path, r.URL.RawQuery, r.Header)
	if err != nil {
		logging.WarnWithContext(h.logger, "device api request not forwarded", "device_api_proxy_failed",
			logging.String("path", r.URL.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the session server address and the uplink"),
		)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for key, values := range resp.Header {
		if hopHeader(key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("device api response truncated", logging.String("path", r.URL.Path), logging.Error(err))
	}
}
