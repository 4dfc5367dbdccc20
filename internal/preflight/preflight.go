package preflight

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"pihub/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	// Data root and state directory (always checked)
	results = append(results, CheckDirectoryAccess("Data root", cfg.Paths.DataRoot))
	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))
	if cfg.Network.MinFreeMiB > 0 {
		results = append(results, CheckDiskSpace("Free space", cfg.Paths.DataRoot, uint64(cfg.Network.MinFreeMiB)))
	}

	probe := NewProbe(cfg.Network.ProbeURL, time.Duration(cfg.Network.ProbeTimeoutSeconds)*time.Second)
	results = append(results, CheckConnectivity(ctx, probe))

	if cfg.General.EnableSFTP || cfg.General.EnableFolderWatcher {
		timeout := time.Duration(cfg.SFTP.DialTimeoutSeconds) * time.Second
		results = append(results, CheckTCP(ctx, "SFTP server", cfg.SFTPAddress(), timeout))
	}

	if cfg.General.EnableOpenTera {
		timeout := time.Duration(cfg.OpenTera.RequestTimeoutSeconds) * time.Second
		results = append(results, CheckHTTP(ctx, "OpenTera server", cfg.OpenTeraURL(), cfg.OpenTeraInsecure(), timeout))
	}

	return results
}

// Failed returns the checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// Summary renders a one-line description of failures for logs.
func Summary(results []Result) string {
	failed := Failed(results)
	if len(failed) == 0 {
		return fmt.Sprintf("%d checks passed", len(results))
	}
	summary := fmt.Sprintf("%d of %d checks failed:", len(failed), len(results))
	for _, r := range failed {
		summary += fmt.Sprintf(" %s (%s);", r.Name, r.Detail)
	}
	return summary
}

func httpClient(timeout time.Duration, insecure bool) *http.Client {
	client := &http.Client{Timeout: timeout}
	if insecure {
		client.Transport = insecureTransport()
	}
	return client
}
