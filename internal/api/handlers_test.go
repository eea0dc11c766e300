package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adeshpande/callscribe/internal/config"
	"github.com/adeshpande/callscribe/internal/credgenics"
	"github.com/adeshpande/callscribe/internal/pipeline"
	"github.com/adeshpande/callscribe/internal/storage/sqlite"
	"github.com/adeshpande/callscribe/pkg/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// newTestServer builds a router over in-memory storage with an empty manifest
func newTestServer(t *testing.T) (http.Handler, *sqlite.RecordingStorage, *sqlite.TranscriptStorage) {
	t.Helper()
	log := newTestLogger(t)

	db, err := sqlite.Open(":memory:", log)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	recordingStorage := sqlite.NewRecordingStorage(db.GetDB(), log)
	transcriptStorage := sqlite.NewTranscriptStorage(db.GetDB(), log)

	manifestPath := filepath.Join(t.TempDir(), "recordings.csv")
	if err := os.WriteFile(manifestPath, []byte("recording_link\n"), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	cfg := &config.Config{}
	cfg.Manifest.CSVPath = manifestPath
	cfg.Vendor.BaseURL = "http://localhost:0"
	cfg.Vendor.RequestTimeoutSecs = 1
	cfg.Vendor.DownloadTimeoutSecs = 1
	cfg.Pipeline.AudioDir = t.TempDir()
	cfg.Pipeline.TranscriptDir = t.TempDir()
	cfg.Pipeline.DownloadWorkers = 1
	cfg.Transcription.BatchSize = 20

	vendorClient := credgenics.NewClient(cfg.Vendor, log)
	pipelineService := pipeline.NewService(
		context.Background(), cfg, vendorClient, nil,
		recordingStorage, transcriptStorage, nil, log,
	)
	t.Cleanup(pipelineService.Stop)

	handler := NewHandler(recordingStorage, transcriptStorage, pipelineService, nil, log)
	return NewRouter(handler, log).Routes(), recordingStorage, transcriptStorage
}

func doRequest(t *testing.T, router http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func TestGetStatus(t *testing.T) {
	router, recordings, _ := newTestServer(t)

	if err := recordings.UpsertRecording(&sqlite.RecordingRecord{
		ID: "rec-1", RunID: "run-1", CompanyID: "co-1",
		SourceLink: "link", Status: sqlite.StatusPending,
	}); err != nil {
		t.Fatalf("UpsertRecording failed: %v", err)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeBody(t, rec)
	counts, ok := body["recordings"].(map[string]any)
	if !ok {
		t.Fatalf("expected recordings counts in response: %v", body)
	}
	if counts[sqlite.StatusPending] != float64(1) {
		t.Errorf("expected 1 pending recording, got %v", counts)
	}
}

func TestGetRecordings(t *testing.T) {
	router, recordings, _ := newTestServer(t)

	for _, id := range []string{"rec-1", "rec-2"} {
		if err := recordings.UpsertRecording(&sqlite.RecordingRecord{
			ID: id, RunID: "run-1", CompanyID: "co-1",
			SourceLink: "link", Status: sqlite.StatusPending,
		}); err != nil {
			t.Fatalf("UpsertRecording failed: %v", err)
		}
	}

	rec := doRequest(t, router, http.MethodGet, "/api/v1/recordings")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(2) {
		t.Errorf("expected count 2, got %v", body["count"])
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/recordings?status=failed")
	body = decodeBody(t, rec)
	if body["count"] != float64(0) {
		t.Errorf("expected count 0 for failed filter, got %v", body["count"])
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/recordings?status=bogus")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid status, got %d", rec.Code)
	}
}

func TestGetRecording(t *testing.T) {
	router, recordings, _ := newTestServer(t)

	if err := recordings.UpsertRecording(&sqlite.RecordingRecord{
		ID: "rec-1", RunID: "run-1", CompanyID: "co-1",
		SourceLink: "link", Status: sqlite.StatusPending,
	}); err != nil {
		t.Fatalf("UpsertRecording failed: %v", err)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/v1/recordings/rec-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["id"] != "rec-1" {
		t.Errorf("expected rec-1, got %v", body["id"])
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/recordings/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing recording, got %d", rec.Code)
	}
}

func TestGetRecordingTranscript(t *testing.T) {
	router, _, transcripts := newTestServer(t)

	if _, err := transcripts.StoreTranscript(&sqlite.TranscriptRecord{
		RecordingID: "rec-1",
		CreatedAt:   time.Now().UTC(),
		Content:     "hello",
	}); err != nil {
		t.Fatalf("StoreTranscript failed: %v", err)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/v1/recordings/rec-1/transcript")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("expected 1 transcript, got %v", body["count"])
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/recordings/rec-2/transcript")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for recording without transcript, got %d", rec.Code)
	}
}

func TestGetTranscriptsByTimeRange(t *testing.T) {
	router, _, transcripts := newTestServer(t)

	if _, err := transcripts.StoreTranscript(&sqlite.TranscriptRecord{
		RecordingID: "rec-1",
		CreatedAt:   time.Now().UTC(),
		Content:     "hello",
	}); err != nil {
		t.Fatalf("StoreTranscript failed: %v", err)
	}

	start := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	rec := doRequest(t, router, http.MethodGet, "/api/v1/transcripts/time-range?start_time="+start)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("expected 1 transcript in range, got %v", body["count"])
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/transcripts/time-range")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without start_time, got %d", rec.Code)
	}
}

func TestStartRunConflict(t *testing.T) {
	log := newTestLogger(t)

	db, err := sqlite.Open(":memory:", log)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	recordingStorage := sqlite.NewRecordingStorage(db.GetDB(), log)
	transcriptStorage := sqlite.NewTranscriptStorage(db.GetDB(), log)

	// The vendor answers nothing until released, holding the first run open
	release := make(chan struct{})
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer vendor.Close()
	defer close(release)

	manifestPath := filepath.Join(t.TempDir(), "recordings.csv")
	manifest := "recording_link\nhttps://app.credgenics.com/recording?id=rec-1\n"
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	cfg := &config.Config{}
	cfg.Manifest.CSVPath = manifestPath
	cfg.Vendor.BaseURL = vendor.URL
	cfg.Vendor.ClientID = "test-client"
	cfg.Vendor.ClientSecret = "test-secret"
	cfg.Vendor.RequestTimeoutSecs = 30
	cfg.Vendor.DownloadTimeoutSecs = 30
	cfg.Pipeline.AudioDir = t.TempDir()
	cfg.Pipeline.TranscriptDir = t.TempDir()
	cfg.Pipeline.DownloadWorkers = 1
	cfg.Transcription.BatchSize = 20

	vendorClient := credgenics.NewClient(cfg.Vendor, log)
	pipelineService := pipeline.NewService(
		context.Background(), cfg, vendorClient, nil,
		recordingStorage, transcriptStorage, nil, log,
	)
	t.Cleanup(pipelineService.Stop)

	handler := NewHandler(recordingStorage, transcriptStorage, pipelineService, nil, log)
	router := NewRouter(handler, log).Routes()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/runs")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodPost, "/api/v1/runs")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a run is active, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStartAndListRuns(t *testing.T) {
	router, _, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/runs")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["id"] == "" {
		t.Error("expected run ID in response")
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("expected 1 run, got %v", body["count"])
	}
}
