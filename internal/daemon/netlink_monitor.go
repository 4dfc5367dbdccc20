package daemon

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"pihub/internal/config"
	"pihub/internal/logging"
)

// netlinkMonitor listens for udev netlink events on network interfaces and
// calls onUp when one is added or changes state, so staged data is retried as
// soon as the uplink returns instead of waiting for a retry timer.
type netlinkMonitor struct {
	logger *slog.Logger
	onUp   func(iface string)
	iface  string

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// newNetlinkMonitor returns nil unless interface monitoring is enabled.
// An empty interface name matches every interface except loopback.
func newNetlinkMonitor(cfg *config.Config, logger *slog.Logger, onUp func(iface string)) *netlinkMonitor {
	if cfg == nil || !cfg.Network.MonitorInterfaces {
		return nil
	}
	return &netlinkMonitor{
		logger: logging.NewComponentLogger(logger, "netlink-monitor"),
		onUp:   onUp,
		iface:  strings.TrimSpace(cfg.Network.Interface),
	}
}

// Start begins listening for udev netlink events.
func (m *netlinkMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(m.logger, "failed to connect to netlink socket; resync relies on retry timers", "netlink_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to access netlink sockets"),
			logging.String(logging.FieldImpact, "no immediate resync when the network returns"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Info("netlink monitor started",
		logging.String(logging.FieldEventType, "netlink_monitor_started"),
		logging.String("interface", m.iface),
	)
	return nil
}

// Stop shuts down the netlink monitor.
func (m *netlinkMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false

	m.logger.Info("netlink monitor stopped",
		logging.String(logging.FieldEventType, "netlink_monitor_stopped"),
	)
}

// Running reports whether the netlink monitor is active.
func (m *netlinkMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *netlinkMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, m.buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(uevent)
		case err := <-errs:
			logging.WarnWithContext(m.logger, "netlink monitor error", "netlink_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "network recovery may go unnoticed"),
			)
		}
	}
}

// buildMatcher matches SUBSYSTEM=net with ACTION=add|change|move|online.
func (m *netlinkMonitor) buildMatcher() netlink.Matcher {
	action := "^(add|change|move|online)$"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "^net$",
		},
	})
	return rules
}

func (m *netlinkMonitor) handleEvent(uevent netlink.UEvent) {
	iface := interfaceName(uevent)
	if iface == "" || iface == "lo" {
		return
	}
	if m.iface != "" && iface != m.iface {
		m.logger.Debug("ignoring event for other interface",
			logging.String("interface", iface),
			logging.String("configured_interface", m.iface),
		)
		return
	}

	m.logger.Info("network interface event",
		logging.String(logging.FieldEventType, "netlink_interface_up"),
		logging.String("interface", iface),
		logging.String("action", string(uevent.Action)),
	)
	if m.onUp != nil {
		m.onUp(iface)
	}
}

// interfaceName reads INTERFACE, falling back to the last DEVPATH element
// (e.g. /devices/virtual/net/wwan0).
func interfaceName(uevent netlink.UEvent) string {
	if name := uevent.Env["INTERFACE"]; name != "" {
		return name
	}
	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return parts[len(parts)-1]
}
