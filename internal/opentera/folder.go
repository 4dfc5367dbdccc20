package opentera

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pihub/internal/ledger"
	"pihub/internal/logging"
	"pihub/internal/metrics"
	"pihub/internal/staging"
)

type folderStatus int

const (
	folderDone folderStatus = iota
	folderSkipped
	folderRejected
	folderFailed
)

type folderOutcome struct {
	status folderStatus
	files  int
	bytes  int64
}

// processFolder materializes one session folder remotely: session, events
// and assets. A folder succeeds only when every step succeeded.
func (b *Backend) processFolder(ctx context.Context, logger *slog.Logger, device, token, folder string, plan sessionPlan) folderOutcome {
	key := b.folderKey(device, folder)
	logger = logger.With(logging.String("folder", key))
	started := b.clock.Now()

	descriptor, err := ReadDescriptor(folder)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("session descriptor missing; folder incomplete", logging.String(logging.FieldEventType, "folder_incomplete"))
		return folderOutcome{status: folderSkipped}
	case err != nil:
		return b.reject(ctx, logger, device, key, folder, err.Error())
	}
	log, err := staging.ReadLog(filepath.Join(folder, staging.LogFileName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("session log missing; folder incomplete", logging.String(logging.FieldEventType, "folder_incomplete"))
		return folderOutcome{status: folderSkipped}
	case errors.Is(err, staging.ErrBadTimestamp):
		return b.reject(ctx, logger, device, key, folder, err.Error())
	case err != nil:
		b.recordFolder(ctx, device, key, ledger.OutcomeFailure, err, started, 0, 0)
		return folderOutcome{status: folderFailed}
	}
	if missing := descriptor.MissingFiles(folder); len(missing) > 0 {
		logger.Info("required files missing; folder incomplete",
			logging.Any("missing", missing),
			logging.String(logging.FieldEventType, "folder_incomplete"),
		)
		return folderOutcome{status: folderSkipped}
	}

	duration := b.sessionDuration(logger, folder, log)
	if len(log.Records) < 2 || duration <= b.opts.MinDatasetSeconds {
		verdict := staging.Check(log, b.opts.MinDatasetSeconds)
		return b.reject(ctx, logger, device, key, folder, verdict.Reason)
	}

	sessionID, eventsCreated, err := b.ensureSession(ctx, device, key, token, descriptor, duration, plan)
	if err != nil {
		logging.WarnWithContext(logger, "session creation failed", "session_create_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "folder retried with the device"),
		)
		b.recordFolder(ctx, device, key, ledger.OutcomeFailure, err, started, 0, 0)
		return folderOutcome{status: folderFailed}
	}

	errorsSeen := 0
	assets, err := b.client.Assets(ctx, token, sessionID)
	if err != nil {
		logging.WarnWithContext(logger, "asset listing failed", "asset_list_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "folder retried with the device"),
		)
		b.recordFolder(ctx, device, key, ledger.OutcomeFailure, err, started, 0, 0)
		return folderOutcome{status: folderFailed}
	}
	if len(assets) == 0 && !eventsCreated {
		if !b.createEvents(ctx, logger, device, key, token, sessionID, log) {
			errorsSeen++
		}
	}

	existing := make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		existing[asset.Name] = struct{}{}
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		b.recordFolder(ctx, device, key, ledger.OutcomeFailure, err, started, 0, 0)
		return folderOutcome{status: folderFailed}
	}
	var (
		files   int
		bytes   int64
		lastErr error
	)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, ok := existing[entry.Name()]; ok {
			metrics.FileTransferred(BackendName, metrics.OutcomeSkipped)
			continue
		}
		path := filepath.Join(folder, entry.Name())
		if err := b.client.UploadAsset(ctx, token, sessionID, path); err != nil {
			errorsSeen++
			lastErr = err
			metrics.FileTransferred(BackendName, metrics.OutcomeFailure)
			logging.WarnWithContext(logger, "asset upload failed", "asset_upload_failed",
				logging.String("file", entry.Name()),
				logging.Error(err),
				logging.String(logging.FieldImpact, "remaining files continue; folder retried"),
			)
			continue
		}
		metrics.FileTransferred(BackendName, metrics.OutcomeSuccess)
		files++
		if info, statErr := entry.Info(); statErr == nil {
			bytes += info.Size()
		}
	}

	if errorsSeen > 0 {
		if lastErr == nil {
			lastErr = errors.New("session events incomplete")
		}
		b.recordFolder(ctx, device, key, ledger.OutcomeFailure, lastErr, started, files, bytes)
		return folderOutcome{status: folderFailed, files: files, bytes: bytes}
	}
	b.recordFolder(ctx, device, key, ledger.OutcomeSuccess, nil, started, files, bytes)
	logger.Info("session folder transferred",
		logging.Int64("session_id", int64(sessionID)),
		logging.Int("files", files),
		logging.String(logging.FieldEventType, "folder_transferred"),
	)
	return folderOutcome{status: folderDone, files: files, bytes: bytes}
}

// sessionDuration is the log span, extended by the battery timestamp when it
// points past the last record.
func (b *Backend) sessionDuration(logger *slog.Logger, folder string, log *staging.SessionLog) float64 {
	duration := log.Duration()
	if b.opts.BatteryFile == "" || len(log.Records) == 0 {
		return duration
	}
	stamp, err := BatteryTimestamp(filepath.Join(folder, b.opts.BatteryFile), b.opts.BatteryOffset)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Debug("battery timestamp unreadable", logging.Error(err))
		}
		return duration
	}
	extended := ExtendDuration(duration, log.First(), stamp)
	if extended > duration {
		logger.Debug("duration extended from battery log",
			logging.Float64("log_seconds", duration),
			logging.Float64("seconds", extended),
		)
	}
	return extended
}

// ensureSession returns the folder's remote session, creating it unless the
// ledger already holds one.
func (b *Backend) ensureSession(ctx context.Context, device, key, token string, d *Descriptor, duration float64, plan sessionPlan) (int, bool, error) {
	if b.store != nil {
		existing, err := b.store.SessionFor(ctx, device, key)
		if err != nil {
			return 0, false, err
		}
		if existing != nil {
			return int(existing.SessionID), existing.EventsCreated, nil
		}
	}

	start, ok := d.StartTime()
	if !ok {
		b.logger.Warn("session timestamp missing; using current time", logging.Device(device), logging.String("folder", key))
		start = b.clock.Now()
	}
	id, err := b.client.CreateSession(ctx, token, Session{
		Name:         SessionName(device, start),
		Start:        start.Format(isoLayout),
		Duration:     int(duration),
		Status:       StatusCompleted,
		Parameters:   d.Parameters(),
		Comments:     SessionComments(device, d.AppVersion),
		TypeID:       plan.typeID,
		Participants: plan.participants,
	})
	if err != nil {
		return 0, false, err
	}
	if b.store != nil {
		if err := b.store.SaveSession(ctx, device, key, int64(id)); err != nil {
			b.logger.Warn("session id not recorded", logging.Device(device), logging.Error(err))
		}
	}
	return id, false, nil
}

// createEvents posts the log as session events and reports whether all of
// them were accepted.
func (b *Backend) createEvents(ctx context.Context, logger *slog.Logger, device, key, token string, sessionID int, log *staging.SessionLog) bool {
	lines := make([][]string, 0, len(log.Records))
	for _, record := range log.Records {
		lines = append(lines, record.Fields)
	}
	conv := EventsFromLog(lines, b.opts.MaxEvents)
	if conv.Unmapped > 0 {
		logger.Warn("log codes without a session event type; sent as device events", logging.Int("count", conv.Unmapped))
	}
	if conv.Skipped > 0 {
		logger.Warn("malformed log lines ignored", logging.Int("count", conv.Skipped))
	}
	if conv.Truncated > 0 {
		logger.Info("session events truncated", logging.Int("dropped", conv.Truncated), logging.Int("max", b.opts.MaxEvents))
	}
	ok := true
	for _, event := range conv.Events {
		event.SessionID = sessionID
		if err := b.client.CreateEvent(ctx, token, event); err != nil {
			ok = false
			logger.Warn("session event rejected", logging.Error(err))
		}
	}
	if ok && b.store != nil {
		if err := b.store.MarkEventsCreated(ctx, device, key); err != nil {
			logger.Debug("events flag not recorded", logging.Error(err))
		}
	}
	return ok
}

func (b *Backend) reject(ctx context.Context, logger *slog.Logger, device, key, folder, reason string) folderOutcome {
	if _, err := b.stage.Move(folder, staging.Rejected); err != nil {
		return folderOutcome{status: folderFailed}
	}
	logger.Info("session folder rejected", logging.String("reason", reason), logging.String(logging.FieldEventType, "session_rejected"))
	b.recordFolder(ctx, device, key, ledger.OutcomeRejected, errors.New(reason), b.clock.Now(), 0, 0)
	if err := b.notifier.NotifyFolderRejected(ctx, device, key, reason); err != nil {
		logger.Debug("notification failed", logging.Error(err))
	}
	return folderOutcome{status: folderRejected}
}

func (b *Backend) recordFolder(ctx context.Context, device, key, outcome string, cause error, started time.Time, files int, bytes int64) {
	if b.store == nil {
		return
	}
	t := ledger.Transfer{
		Backend:    BackendName,
		Device:     device,
		Folder:     key,
		Files:      files,
		Bytes:      bytes,
		Outcome:    outcome,
		StartedAt:  started,
		FinishedAt: b.clock.Now(),
	}
	if cause != nil {
		t.Error = cause.Error()
	}
	if _, err := b.store.RecordTransfer(ctx, t); err != nil {
		b.logger.Debug("transfer history not recorded", logging.Device(device), logging.Error(err))
	}
}
