package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pihub/internal/daemonctl"
	"pihub/internal/preflight"
)

const (
	startWaitTimeout = 10 * time.Second
	stopGracePeriod  = 8 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the pihub daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startDaemon(cmd, ctx, startLogLevel)
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override logging.level for the daemon")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the pihub daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := stopDaemon(cmd.OutOrStdout(), ctx)
			return err
		},
	}

	var restartLogLevel string
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the pihub daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := stopDaemon(cmd.OutOrStdout(), ctx); err != nil {
				return err
			}
			return startDaemon(cmd, ctx, restartLogLevel)
		},
	}
	restartCmd.Flags().StringVar(&restartLogLevel, "log-level", "", "Override logging.level for the daemon")

	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway, device and staging status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			client, err := ctx.apiClient()
			var statusClient daemonctl.StatusClient
			if err == nil {
				statusClient = client
			}
			snap, err := daemonctl.BuildStatusSnapshot(cmd.Context(), statusClient, cfg)
			if err != nil {
				return err
			}
			if statusJSON {
				return writeJSON(cmd, snap)
			}
			renderStatus(cmd.OutOrStdout(), snap, shouldColorize(cmd.OutOrStdout()), time.Now())
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the status snapshot as JSON")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func startDaemon(cmd *cobra.Command, ctx *commandContext, logLevel string) error {
	client, err := ctx.apiClient()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	result, err := daemonctl.EnsureStarted(cmd.Context(), client, exe, daemonctl.LaunchOptions{
		ConfigPath: ctx.configFlagValue(),
		LogLevel:   strings.TrimSpace(logLevel),
	}, startWaitTimeout)
	if err != nil {
		return wrapAPIError(err)
	}

	stdout := cmd.OutOrStdout()
	switch result.State {
	case daemonctl.StartStateStarted:
		fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
	case daemonctl.StartStateAlreadyRunning:
		fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
	}
	return nil
}

func stopDaemon(stdout io.Writer, ctx *commandContext) (bool, error) {
	result, err := daemonctl.StopAndTerminate(ctx.configValue(), stopGracePeriod)
	if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		fmt.Fprintln(stdout, "Daemon is not running")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if result.ForcedKill {
		fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
	} else {
		fmt.Fprintf(stdout, "Daemon stopped (pid %d)\n", result.PID)
	}
	return true, nil
}

func renderStatus(out io.Writer, snap *daemonctl.Snapshot, colorize bool, now time.Time) {
	for _, line := range renderSectionHeader("System Status", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, line := range snap.System {
		fmt.Fprintln(out, renderStatusLine(line.Label, statusKindFromSeverity(line.Severity), line.Detail, colorize))
	}
	for _, r := range snap.Daemon.Receivers {
		kind, detail := statusInfo, "Disabled"
		if r.Enabled {
			kind, detail = statusOK, r.Address
		}
		fmt.Fprintln(out, renderStatusLine("Receiver "+r.Name, kind, detail, colorize))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Checks", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, line := range checkLines(snap.Checks, colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Devices", colorize) {
		fmt.Fprintln(out, line)
	}
	if rows := deviceRows(snap.Daemon.Devices, now); len(rows) == 0 {
		fmt.Fprintln(out, "No devices staged or connected")
	} else {
		fmt.Fprint(out, renderTable(
			[]string{"Device", "State", "Files", "Size", "Newest", "Token", "Retry"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft},
		))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Staging", colorize) {
		fmt.Fprintln(out, line)
	}
	if rows := countRows(snap.Daemon.StageCounts); len(rows) == 0 {
		fmt.Fprintln(out, "Staging area is empty")
	} else {
		fmt.Fprint(out, renderTable([]string{"Stage", "Files"}, rows, []columnAlignment{alignLeft, alignRight}))
	}

	if rows := countRows(snap.Daemon.OutcomeCounts); len(rows) > 0 {
		fmt.Fprintln(out)
		for _, line := range renderSectionHeader("Transfers", colorize) {
			fmt.Fprintln(out, line)
		}
		fmt.Fprint(out, renderTable([]string{"Outcome", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	}
}

func checkLines(results []preflight.Result, colorize bool) []string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		kind := statusOK
		if !r.Passed {
			kind = statusError
		}
		lines = append(lines, renderStatusLine(r.Name, kind, r.Detail, colorize))
	}
	return lines
}
