package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adeshpande/callscribe/internal/pipeline"
	"github.com/adeshpande/callscribe/internal/storage/sqlite"
	"github.com/adeshpande/callscribe/internal/websocket"
	"github.com/adeshpande/callscribe/pkg/logger"
)

// Handler contains the dependencies for the API handlers
type Handler struct {
	recordingStorage  *sqlite.RecordingStorage
	transcriptStorage *sqlite.TranscriptStorage
	pipelineService   *pipeline.Service
	wsServer          *websocket.Server
	logger            *logger.Logger
	startedAt         time.Time
}

// NewHandler creates a new API handler
func NewHandler(
	recordingStorage *sqlite.RecordingStorage,
	transcriptStorage *sqlite.TranscriptStorage,
	pipelineService *pipeline.Service,
	wsServer *websocket.Server,
	log *logger.Logger,
) *Handler {
	return &Handler{
		recordingStorage:  recordingStorage,
		transcriptStorage: transcriptStorage,
		pipelineService:   pipelineService,
		wsServer:          wsServer,
		logger:            log.Named("api"),
		startedAt:         time.Now().UTC(),
	}
}

// HandleWebSocket handles WebSocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsServer.HandleConnection(w, r)
}

// GetStatus returns service status and recording counts by pipeline state
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.recordingStorage.CountByStatus()
	if err != nil {
		h.logger.Error("Failed to count recordings", logger.Error(err))
		http.Error(w, "Failed to retrieve status", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"timestamp":  time.Now(),
		"uptime":     time.Since(h.startedAt).String(),
		"recordings": counts,
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetRecordings returns recordings, optionally filtered by status
func (h *Handler) GetRecordings(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !validStatus(status) {
		http.Error(w, fmt.Sprintf("Invalid status: %s", status), http.StatusBadRequest)
		return
	}

	limit, offset := parsePaginationParams(r)

	recordings, err := h.recordingStorage.GetRecordings(status, limit, offset)
	if err != nil {
		h.logger.Error("Failed to retrieve recordings", logger.Error(err))
		http.Error(w, "Failed to retrieve recordings", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"timestamp":  time.Now(),
		"count":      len(recordings),
		"recordings": recordings,
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetRecording returns a single recording by its vendor ID
func (h *Handler) GetRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing recording ID", http.StatusBadRequest)
		return
	}

	recording, err := h.recordingStorage.GetRecording(id)
	if err != nil {
		h.logger.Error("Failed to retrieve recording", logger.Error(err))
		http.Error(w, "Failed to retrieve recording", http.StatusInternalServerError)
		return
	}
	if recording == nil {
		http.Error(w, "Recording not found", http.StatusNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, recording)
}

// GetRecordingTranscript returns the transcripts for a specific recording
func (h *Handler) GetRecordingTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing recording ID", http.StatusBadRequest)
		return
	}

	transcripts, err := h.transcriptStorage.GetTranscriptsByRecording(id)
	if err != nil {
		h.logger.Error("Failed to retrieve transcripts", logger.Error(err))
		http.Error(w, "Failed to retrieve transcripts", http.StatusInternalServerError)
		return
	}
	if len(transcripts) == 0 {
		http.Error(w, "No transcript for recording", http.StatusNotFound)
		return
	}

	response := map[string]any{
		"timestamp":    time.Now(),
		"recording_id": id,
		"count":        len(transcripts),
		"transcripts":  transcripts,
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetAllTranscripts returns all transcripts with pagination
func (h *Handler) GetAllTranscripts(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePaginationParams(r)

	transcripts, err := h.transcriptStorage.GetTranscripts(limit, offset)
	if err != nil {
		h.logger.Error("Failed to retrieve transcripts", logger.Error(err))
		http.Error(w, "Failed to retrieve transcripts", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"timestamp":   time.Now(),
		"count":       len(transcripts),
		"transcripts": transcripts,
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetTranscriptsByTimeRange returns transcripts within a time range
func (h *Handler) GetTranscriptsByTimeRange(w http.ResponseWriter, r *http.Request) {
	startTime, endTime, err := parseTimeRangeParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit, offset := parsePaginationParams(r)

	transcripts, err := h.transcriptStorage.GetTranscriptsByTimeRange(startTime, endTime, limit, offset)
	if err != nil {
		h.logger.Error("Failed to retrieve transcripts by time range", logger.Error(err))
		http.Error(w, "Failed to retrieve transcripts", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"timestamp":   time.Now(),
		"start_time":  startTime,
		"end_time":    endTime,
		"count":       len(transcripts),
		"transcripts": transcripts,
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetRuns returns all pipeline runs since startup, newest first
func (h *Handler) GetRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.pipelineService.Runs()

	response := map[string]any{
		"timestamp": time.Now(),
		"count":     len(runs),
		"runs":      runs,
	}

	WriteJSON(w, http.StatusOK, response)
}

// StartRun starts a pipeline run over the configured manifest
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.pipelineService.StartRun()
	if err != nil {
		if errors.Is(err, pipeline.ErrRunInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("Failed to start run", logger.Error(err))
		http.Error(w, "Failed to start run", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Pipeline run started via API", logger.String("run_id", run.ID))

	WriteJSON(w, http.StatusAccepted, run)
}

func validStatus(status string) bool {
	switch status {
	case sqlite.StatusPending, sqlite.StatusResolved, sqlite.StatusDownloaded,
		sqlite.StatusTranscribed, sqlite.StatusFailed:
		return true
	}
	return false
}

// Helper functions
func parsePaginationParams(r *http.Request) (int, int) {
	limit := 100 // Default limit
	offset := 0  // Default offset

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

func parseTimeRangeParams(r *http.Request) (time.Time, time.Time, error) {
	startTimeStr := r.URL.Query().Get("start_time")
	endTimeStr := r.URL.Query().Get("end_time")

	if startTimeStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("missing start_time parameter")
	}

	startTime, err := time.Parse(time.RFC3339, startTimeStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start_time format (use RFC3339)")
	}

	endTime := time.Now()
	if endTimeStr != "" {
		endTime, err = time.Parse(time.RFC3339, endTimeStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end_time format (use RFC3339)")
		}
	}

	return startTime, endTime, nil
}
