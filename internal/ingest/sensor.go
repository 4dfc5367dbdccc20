package ingest

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"pihub/internal/clock"
	"pihub/internal/logging"
	"pihub/internal/metrics"
	"pihub/internal/staging"
)

const (
	// SensorGreetingSize is the length of the ASCII identifier a sensor sends
	// on connect.
	SensorGreetingSize = 22

	sensorTimestampLayout = "2006-01-02 15:04:05.000000"
	sensorLockTimeout     = 30 * time.Second
)

// SensorOptions configures the TCP receiver.
type SensorOptions struct {
	ValueWidth  int
	IdleTimeout time.Duration
}

// SensorServer accepts bedside sensor connections and appends their samples
// to per-device daily files.
type SensorServer struct {
	opts   SensorOptions
	stage  *staging.Manager
	sink   Sink
	clock  clock.Clock
	logger *slog.Logger
	wg     sync.WaitGroup

	// sessions counts open connections per device so only the first connect
	// and the last disconnect reach the sink.
	mu       sync.Mutex
	sessions map[string]int
}

// NewSensorServer builds a receiver. Width defaults to 4 bytes and the idle
// timeout to 10 seconds.
func NewSensorServer(opts SensorOptions, stage *staging.Manager, sink Sink, clk clock.Clock, logger *slog.Logger) *SensorServer {
	if opts.ValueWidth != 2 {
		opts.ValueWidth = 4
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SensorServer{
		opts:     opts,
		stage:    stage,
		sink:     sink,
		clock:    clk,
		logger:   logging.NewComponentLogger(logger, "sensor"),
		sessions: make(map[string]int),
	}
}

// Serve accepts connections on listener until ctx is cancelled, then waits
// for in-flight connections to finish.
func (s *SensorServer) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("sensor receiver listening",
		logging.String("address", listener.Addr().String()),
		logging.Int("value_width", s.opts.ValueWidth),
		logging.String(logging.FieldEventType, "sensor_listening"),
	)

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.wg.Wait()
			return fmt.Errorf("sensor accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *SensorServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	connID := uuid.NewString()
	logger := s.logger.With(
		logging.String(logging.FieldCorrelationID, connID),
		logging.String("remote", conn.RemoteAddr().String()),
	)

	greeting := make([]byte, SensorGreetingSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	if _, err := io.ReadFull(conn, greeting); err != nil {
		metrics.Rejected(metrics.FrontEndSensor, "handshake")
		logging.WarnWithContext(logger, "sensor handshake incomplete; connection closed", "sensor_handshake_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "sensor must send its 22-byte identifier first"),
			logging.String(logging.FieldImpact, "no data recorded for this connection"),
		)
		return
	}
	device, err := staging.CleanDevice(string(greeting))
	if err != nil {
		metrics.Rejected(metrics.FrontEndSensor, "device_name")
		logging.WarnWithContext(logger, "sensor identifier unusable; connection closed", "sensor_identifier_invalid",
			logging.String("greeting", strconv.Quote(string(greeting))),
			logging.Error(err),
			logging.String(logging.FieldImpact, "no data recorded for this connection"),
		)
		return
	}
	logger = logger.With(logging.Device(device))

	s.openSession(device)
	defer s.closeSession(device)

	lockCtx, cancel := context.WithTimeout(ctx, sensorLockTimeout)
	unlock, err := s.stage.LockDevice(lockCtx, device)
	cancel()
	if err != nil {
		logging.ErrorWithContext(logger, "device file lock unavailable; connection dropped", "sensor_lock_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "another connection from this sensor is still writing"),
		)
		return
	}
	defer unlock()

	name, values, written, err := s.record(conn, device, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "sensor recording failed", "sensor_record_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check data_root permissions and free space"),
		)
	}
	if values > 0 {
		metrics.FileReceived(metrics.FrontEndSensor, written)
		s.sink.FileReceived(device, name)
	}
}

// record streams values into the daily file and reports how many were
// stored. The file is closed and terminated by a newline in every case.
func (s *SensorServer) record(conn net.Conn, device string, logger *slog.Logger) (string, int, int64, error) {
	now := s.clock.Now()
	name := now.Format("2006-01-02") + ".txt"
	dir := s.stage.DeviceDir(staging.ToProcess, device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return name, 0, 0, fmt.Errorf("create device folder: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return name, 0, 0, fmt.Errorf("open daily file: %w", err)
	}
	out := &countingWriter{w: bufio.NewWriterSize(file, 4096)}

	_, werr := io.WriteString(out, now.Format(sensorTimestampLayout)+"\t")
	values, readErr := s.copyValues(conn, out)

	switch {
	case readErr == nil || errors.Is(readErr, io.EOF):
		logger.Info("sensor connection closed", logging.Int("values", values), logging.String(logging.FieldEventType, "sensor_closed"))
	case errors.Is(readErr, io.ErrUnexpectedEOF):
		logging.WarnWithContext(logger, "sensor closed mid-value; partial value discarded", "sensor_partial_value",
			logging.Int("values", values),
			logging.String(logging.FieldImpact, "last incomplete sample dropped"),
		)
	case isTimeout(readErr):
		logging.WarnWithContext(logger, "sensor idle timeout; recording finalized", "sensor_idle_timeout",
			logging.Int("values", values),
			logging.Duration("idle_timeout", s.opts.IdleTimeout),
			logging.String(logging.FieldImpact, "recording ends; sensor must reconnect to continue"),
		)
	default:
		if writeErr := (*writeFailure)(nil); errors.As(readErr, &writeErr) {
			werr = errors.Join(werr, writeErr.err)
		} else {
			logging.WarnWithContext(logger, "sensor read failed; recording finalized", "sensor_read_failed",
				logging.Int("values", values),
				logging.Error(readErr),
			)
		}
	}

	if _, err := io.WriteString(out, "\n"); err != nil {
		werr = errors.Join(werr, err)
	}
	if err := out.w.Flush(); err != nil {
		werr = errors.Join(werr, err)
	}
	if err := file.Close(); err != nil {
		werr = errors.Join(werr, err)
	}
	return name, values, out.n, werr
}

func (s *SensorServer) copyValues(conn net.Conn, out io.Writer) (int, error) {
	reader := bufio.NewReaderSize(conn, 4096)
	buf := make([]byte, s.opts.ValueWidth)
	line := make([]byte, 0, 16)
	values := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		if _, err := io.ReadFull(reader, buf); err != nil {
			return values, err
		}
		var value uint64
		if s.opts.ValueWidth == 2 {
			value = uint64(binary.LittleEndian.Uint16(buf))
		} else {
			value = uint64(binary.LittleEndian.Uint32(buf))
		}
		line = strconv.AppendUint(line[:0], value, 10)
		line = append(line, '\t')
		if _, err := out.Write(line); err != nil {
			return values, &writeFailure{err: err}
		}
		values++
	}
}

type writeFailure struct{ err error }

func (w *writeFailure) Error() string { return "write sample: " + w.err.Error() }

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Active reports whether device has an open connection.
func (s *SensorServer) Active(device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[device] > 0
}

func (s *SensorServer) openSession(device string) {
	s.mu.Lock()
	s.sessions[device]++
	first := s.sessions[device] == 1
	s.mu.Unlock()
	if first && s.sink.DeviceConnected(device, "") {
		metrics.DeviceConnected(metrics.FrontEndSensor, 1)
	}
}

func (s *SensorServer) closeSession(device string) {
	s.mu.Lock()
	s.sessions[device]--
	last := s.sessions[device] <= 0
	if last {
		delete(s.sessions, device)
	}
	s.mu.Unlock()
	if last && s.sink.DeviceDisconnected(device) {
		metrics.DeviceConnected(metrics.FrontEndSensor, -1)
	}
}
