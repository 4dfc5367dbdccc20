package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"pihub/internal/logging"
	"pihub/internal/metrics"
	"pihub/internal/staging"
)

// Wearable protocol content types.
const (
	CmdConnect         = "cdrv-cmd/Connect"
	CmdDisconnect      = "cdrv-cmd/Disconnect"
	CmdFileUpload      = "cdrv-cmd/File-Upload"
	AckFileTransfer    = "file-transfer/ack"
	ErrInvalidFileType = "file-transfer/invalid-file-type"
	ErrFileTransfer    = "file-transfer/error"

	uploadChunkSize = 4096
)

var uploadHeaders = []string{"File-Type", "Device-Type", "Device-Name", "File-Path", "File-Name", "Content-Length"}

var acceptedFileTypes = map[string]bool{
	"data": true,
	"dat":  true,
	"csv":  true,
	"txt":  true,
	"oimi": true,
}

// WearableHandler implements the wearable HTTP protocol: connect and
// disconnect signalling over GET and file uploads over POST.
type WearableHandler struct {
	stage     *staging.Manager
	sink      Sink
	deviceAPI http.Handler
	logger    *slog.Logger
}

// NewWearableHandler builds the handler. deviceAPI, when non-nil, serves
// every /api/device/ request.
func NewWearableHandler(stage *staging.Manager, sink Sink, deviceAPI http.Handler, logger *slog.Logger) *WearableHandler {
	return &WearableHandler{
		stage:     stage,
		sink:      sink,
		deviceAPI: deviceAPI,
		logger:    logging.NewComponentLogger(logger, "wearable"),
	}
}

func (h *WearableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.deviceAPI != nil && strings.HasPrefix(r.URL.Path, "/api/device") {
		h.deviceAPI.ServeHTTP(w, r)
		return
	}
	ctx := logging.WithCorrelationID(r.Context(), uuid.NewString())
	logger := logging.WithContext(ctx, h.logger)

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		h.handleCommand(w, r, logger)
	case http.MethodPost:
		h.handleUpload(w, r, logger)
	default:
		metrics.Rejected(metrics.FrontEndWearable, "method")
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *WearableHandler) handleCommand(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	cmd := r.Header.Get("Content-Type")
	if cmd != CmdConnect && cmd != CmdDisconnect {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		return
	}
	device, err := staging.CleanDevice(r.Header.Get("Device-Name"))
	if err != nil {
		metrics.Rejected(metrics.FrontEndWearable, "device_name")
		logging.WarnWithContext(logger, "wearable command without usable device name", "wearable_bad_device",
			logging.String("command", cmd),
			logging.Error(err),
			logging.String(logging.FieldImpact, "command ignored"),
		)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if cmd == CmdConnect {
		if h.sink.DeviceConnected(device, strings.TrimSpace(r.Header.Get("Device-Token"))) {
			metrics.DeviceConnected(metrics.FrontEndWearable, 1)
		}
	} else if h.sink.DeviceDisconnected(device) {
		metrics.DeviceConnected(metrics.FrontEndWearable, -1)
	}
	w.Header().Set("Content-Type", cmd)
	w.WriteHeader(http.StatusAccepted)
}

func (h *WearableHandler) handleUpload(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	if r.Header.Get("Content-Type") != CmdFileUpload {
		metrics.Rejected(metrics.FrontEndWearable, "command")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for _, header := range uploadHeaders {
		present := strings.TrimSpace(r.Header.Get(header)) != ""
		if header == "Content-Length" {
			present = present || r.ContentLength >= 0
		}
		if !present {
			metrics.Rejected(metrics.FrontEndWearable, "headers")
			logging.WarnWithContext(logger, "upload missing required header", "wearable_missing_header",
				logging.String("header", header),
				logging.String(logging.FieldImpact, "upload refused"),
			)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	fileType := strings.ToLower(strings.TrimSpace(r.Header.Get("File-Type")))
	if !acceptedFileTypes[fileType] {
		metrics.Rejected(metrics.FrontEndWearable, "file_type")
		logging.WarnWithContext(logger, "upload has unsupported file type", "wearable_invalid_file_type",
			logging.String("file_type", fileType),
			logging.String(logging.FieldImpact, "upload refused"),
		)
		w.Header().Set("Content-Type", ErrInvalidFileType)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	device, err := staging.CleanDevice(r.Header.Get("Device-Name"))
	if err != nil {
		h.failUpload(w, logger, "device_name", err)
		return
	}
	logger = logger.With(logging.Device(device))

	filePath := strings.Trim(strings.ReplaceAll(r.Header.Get("File-Path"), `\`, "/"), "/")
	fileName := strings.TrimSpace(r.Header.Get("File-Name"))
	if strings.ContainsAny(fileName, `/\`) {
		h.failUpload(w, logger, "file_name", fmt.Errorf("file name %q contains a separator", fileName))
		return
	}
	dest, err := staging.JoinUnder(h.stage.DeviceDir(staging.ToProcess, device), filepath.FromSlash(filePath), fileName)
	if err != nil {
		h.failUpload(w, logger, "file_path", err)
		return
	}
	declared := r.ContentLength
	if declared <= 0 {
		h.failUpload(w, logger, "empty", errors.New("zero-length transfer"))
		return
	}

	if info, err := os.Stat(dest); err == nil {
		if info.Size() < declared {
			logger.Info("existing file incomplete; receiving resend", logging.String("file", fileName), logging.Int64("existing_bytes", info.Size()))
		} else {
			logger.Info("existing file replaced by resend", logging.String("file", fileName), logging.Int64("existing_bytes", info.Size()))
		}
	}

	partial := filepath.Join(h.stage.Root(), ".incoming", uuid.NewString())
	written, err := receiveFile(dest, partial, r.Body, declared)
	if err != nil {
		h.failUpload(w, logger, "short_write", err)
		return
	}

	metrics.FileReceived(metrics.FrontEndWearable, written)
	logger.Info("file received",
		logging.String("file", path.Join(filePath, fileName)),
		logging.Int64("bytes", written),
		logging.String(logging.FieldEventType, "wearable_file_received"),
	)
	w.Header().Set("Content-Type", AckFileTransfer)
	w.WriteHeader(http.StatusOK)
	h.sink.FileReceived(device, path.Join(filePath, fileName))
}

func (h *WearableHandler) failUpload(w http.ResponseWriter, logger *slog.Logger, reason string, err error) {
	metrics.Rejected(metrics.FrontEndWearable, reason)
	logging.WarnWithContext(logger, "upload failed; nothing staged", "wearable_upload_failed",
		logging.String("reason", reason),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "device will resend on its next connection"),
		logging.String(logging.FieldImpact, "file not accepted"),
	)
	w.Header().Set("Content-Type", ErrFileTransfer)
	w.WriteHeader(http.StatusBadRequest)
}

// receiveFile streams exactly declared bytes into partial in fixed-size
// chunks and renames it over dest only when the stored size matches. partial
// lives outside the stage tree so a sync never picks up an unfinished file.
func receiveFile(dest, partial string, body io.Reader, declared int64) (int64, error) {
	for _, dir := range []string{filepath.Dir(dest), filepath.Dir(partial)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create folder: %w", err)
		}
	}
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	var written int64
	chunk := make([]byte, uploadChunkSize)
	limited := io.LimitReader(body, declared)
	var copyErr error
	for {
		n, rerr := limited.Read(chunk)
		if n > 0 {
			m, werr := file.Write(chunk[:n])
			written += int64(m)
			if werr != nil {
				copyErr = werr
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			copyErr = rerr
			break
		}
	}
	closeErr := file.Close()

	fail := func(err error) (int64, error) {
		_ = os.Remove(partial)
		return written, err
	}
	if copyErr != nil {
		return fail(fmt.Errorf("receive body: %w", copyErr))
	}
	if closeErr != nil {
		return fail(fmt.Errorf("close file: %w", closeErr))
	}
	info, err := os.Stat(partial)
	if err != nil {
		return fail(err)
	}
	if written == 0 || info.Size() != declared {
		return fail(fmt.Errorf("stored %d of %d declared bytes", info.Size(), declared))
	}
	if err := os.Rename(partial, dest); err != nil {
		return fail(fmt.Errorf("finalize file: %w", err))
	}
	return written, nil
}
