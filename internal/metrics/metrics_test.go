package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestHandlerExposesSeries(t *testing.T) {
	SyncRun("sftp", OutcomeSuccess, time.Second)
	FileReceived(FrontEndWearable, 128)
	SetRetryPending(3)
	SetStagedFolders("ToProcess", 2)

	body := scrape(t)
	for _, want := range []string{
		`pihub_sync_runs_total{backend="sftp",outcome="success"}`,
		`pihub_ingest_bytes_total{frontend="wearable"}`,
		"pihub_sync_retry_pending_devices 3",
		`pihub_staging_device_folders{stage="ToProcess"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition", want)
		}
	}
}
