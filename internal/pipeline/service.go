package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/adeshpande/callscribe/internal/ai"
	"github.com/adeshpande/callscribe/internal/config"
	"github.com/adeshpande/callscribe/internal/credgenics"
	"github.com/adeshpande/callscribe/internal/manifest"
	"github.com/adeshpande/callscribe/internal/storage/sqlite"
	"github.com/adeshpande/callscribe/internal/transcription"
	"github.com/adeshpande/callscribe/internal/websocket"
	"github.com/adeshpande/callscribe/pkg/logger"
)

// ErrRunInProgress is returned when a run is requested while one is active
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// Run states
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Run describes one pass over the manifest
type Run struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Total       int        `json:"total"`
	Skipped     int        `json:"skipped"`
	Downloaded  int        `json:"downloaded"`
	Transcribed int        `json:"transcribed"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
}

// Service drives the download/transcription pipeline: it walks the CSV
// manifest, resolves and downloads each recording from the vendor, then
// submits the audio in batches to the speech provider.
type Service struct {
	ctx               context.Context
	cancel            context.CancelFunc
	vendorClient      *credgenics.Client
	speechProvider    ai.SpeechProvider
	recordingStorage  *sqlite.RecordingStorage
	transcriptStorage *sqlite.TranscriptStorage
	wsServer          *websocket.Server
	logger            *logger.Logger

	manifestPath     string
	defaultCompanyID string
	audioDir         string
	transcriptDir    string
	downloadWorkers  int
	batchSize        int
	sttModel         string
	limiter          *rate.Limiter

	mu   sync.Mutex
	runs []*Run
	wg   sync.WaitGroup
}

// NewService creates a new pipeline service
func NewService(
	ctx context.Context,
	cfg *config.Config,
	vendorClient *credgenics.Client,
	speechProvider ai.SpeechProvider,
	recordingStorage *sqlite.RecordingStorage,
	transcriptStorage *sqlite.TranscriptStorage,
	wsServer *websocket.Server,
	log *logger.Logger,
) *Service {
	svcCtx, svcCancel := context.WithCancel(ctx)

	limit := rate.Inf
	if cfg.Pipeline.DownloadsPerSecond > 0 {
		limit = rate.Limit(cfg.Pipeline.DownloadsPerSecond)
	}

	return &Service{
		ctx:               svcCtx,
		cancel:            svcCancel,
		vendorClient:      vendorClient,
		speechProvider:    speechProvider,
		recordingStorage:  recordingStorage,
		transcriptStorage: transcriptStorage,
		wsServer:          wsServer,
		logger:            log.Named("pipeline"),
		manifestPath:      cfg.Manifest.CSVPath,
		defaultCompanyID:  cfg.Vendor.DefaultCompanyID,
		audioDir:          cfg.Pipeline.AudioDir,
		transcriptDir:     cfg.Pipeline.TranscriptDir,
		downloadWorkers:   cfg.Pipeline.DownloadWorkers,
		batchSize:         cfg.Transcription.BatchSize,
		sttModel:          cfg.Transcription.Model,
		limiter:           rate.NewLimiter(limit, 1),
	}
}

// StartRun begins a new pipeline run over the configured manifest. Only
// one run may be active at a time.
func (s *Service) StartRun() (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		if run.Status == RunStatusRunning {
			return nil, ErrRunInProgress
		}
	}

	run := &Run{
		ID:        uuid.NewString(),
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	s.runs = append(s.runs, run)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeRun(run)
	}()

	return run, nil
}

// Runs returns all runs started since the service came up, newest first
func (s *Service) Runs() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Run, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		copied := *s.runs[i]
		out = append(out, &copied)
	}
	return out
}

// Stop cancels the active run (if any) and waits for workers to exit
func (s *Service) Stop() {
	s.logger.Info("Stopping pipeline service")
	s.cancel()
	s.wg.Wait()
}

func (s *Service) executeRun(run *Run) {
	s.logger.Info("Starting pipeline run",
		logger.String("run_id", run.ID),
		logger.String("manifest", s.manifestPath))

	err := s.run(run)

	s.mu.Lock()
	now := time.Now().UTC()
	run.FinishedAt = &now
	switch {
	case err == nil:
		run.Status = RunStatusCompleted
	case errors.Is(err, context.Canceled):
		run.Status = RunStatusCancelled
	default:
		run.Status = RunStatusFailed
		run.Error = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Pipeline run finished with error",
			logger.String("run_id", run.ID),
			logger.Error(err))
	} else {
		s.logger.Info("Pipeline run completed",
			logger.String("run_id", run.ID),
			logger.Int("total", run.Total),
			logger.Int("skipped", run.Skipped),
			logger.Int("downloaded", run.Downloaded),
			logger.Int("transcribed", run.Transcribed),
			logger.Int("failed", run.Failed))
	}

	s.broadcastRunUpdate(run)
}

func (s *Service) run(run *Run) error {
	entries, err := manifest.Load(s.manifestPath, s.defaultCompanyID, s.logger)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	if len(entries) == 0 {
		s.logger.Warn("Manifest contains no usable rows", logger.String("run_id", run.ID))
		return nil
	}

	s.setTotal(run, len(entries))
	s.broadcastRunUpdate(run)

	// Re-register every entry under this run, then skip the ones a previous
	// run already finished (upsert preserves their status)
	pending := make([]manifest.Entry, 0, len(entries))
	for _, entry := range entries {
		record := &sqlite.RecordingRecord{
			ID:         entry.RecordingID,
			RunID:      run.ID,
			CompanyID:  entry.CompanyID,
			SourceLink: entry.SourceLink,
			Status:     sqlite.StatusPending,
		}
		if err := s.recordingStorage.UpsertRecording(record); err != nil {
			return fmt.Errorf("failed to register recording %s: %w", entry.RecordingID, err)
		}

		existing, err := s.recordingStorage.GetRecording(entry.RecordingID)
		if err != nil {
			return fmt.Errorf("failed to look up recording %s: %w", entry.RecordingID, err)
		}
		if existing != nil && existing.Status == sqlite.StatusTranscribed {
			s.incrementSkipped(run)
			s.logger.Debug("Skipping already transcribed recording",
				logger.String("run_id", run.ID),
				logger.String("recording_id", entry.RecordingID))
			continue
		}
		pending = append(pending, entry)
	}

	downloaded, err := s.downloadStage(run, pending)
	if err != nil {
		return err
	}

	return s.transcribeStage(run, downloaded)
}

// downloadedFile ties a recording ID to its local audio path
type downloadedFile struct {
	recordingID string
	path        string
}

// downloadStage resolves and downloads all entries with a bounded worker
// pool throttled by the rate limiter. Per-recording failures are recorded
// and skipped; only context cancellation aborts the stage.
func (s *Service) downloadStage(run *Run, entries []manifest.Entry) ([]downloadedFile, error) {
	jobs := make(chan manifest.Entry)
	results := make(chan downloadedFile, len(entries))

	var wg sync.WaitGroup
	for i := 0; i < s.downloadWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				if err := s.limiter.Wait(s.ctx); err != nil {
					return
				}
				file, err := s.downloadOne(run, entry)
				if err != nil {
					continue
				}
				results <- file
			}
		}()
	}

	for _, entry := range entries {
		select {
		case <-s.ctx.Done():
			close(jobs)
			wg.Wait()
			close(results)
			return nil, s.ctx.Err()
		case jobs <- entry:
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	downloaded := make([]downloadedFile, 0, len(entries))
	for file := range results {
		downloaded = append(downloaded, file)
	}
	return downloaded, s.ctx.Err()
}

func (s *Service) downloadOne(run *Run, entry manifest.Entry) (downloadedFile, error) {
	publicURL, err := s.vendorClient.ResolveRecording(s.ctx, entry.RecordingID, entry.CompanyID)
	if err != nil {
		s.failRecording(run, entry.RecordingID, fmt.Sprintf("resolve failed: %v", err))
		return downloadedFile{}, err
	}

	if err := s.recordingStorage.SetResolved(entry.RecordingID, publicURL); err != nil {
		s.logger.Error("Failed to persist resolved URL", logger.Error(err))
	}
	s.broadcastRecordingUpdate(run.ID, entry.RecordingID, sqlite.StatusResolved)

	ext := credgenics.AudioExtension(publicURL)
	destPath := filepath.Join(s.audioDir, entry.RecordingID+ext)

	if err := s.vendorClient.DownloadAudio(s.ctx, publicURL, destPath); err != nil {
		s.failRecording(run, entry.RecordingID, fmt.Sprintf("download failed: %v", err))
		return downloadedFile{}, err
	}

	if err := s.recordingStorage.SetDownloaded(entry.RecordingID, destPath); err != nil {
		s.logger.Error("Failed to persist downloaded state", logger.Error(err))
	}
	s.incrementDownloaded(run)
	s.broadcastRecordingUpdate(run.ID, entry.RecordingID, sqlite.StatusDownloaded)

	s.logger.Info("Downloaded recording",
		logger.String("run_id", run.ID),
		logger.String("recording_id", entry.RecordingID),
		logger.String("path", destPath))

	return downloadedFile{recordingID: entry.RecordingID, path: destPath}, nil
}

// transcribeStage submits downloaded audio to the speech provider in
// batches and persists the transcripts
func (s *Service) transcribeStage(run *Run, files []downloadedFile) error {
	if len(files) == 0 {
		return nil
	}

	byFileName := make(map[string]string, len(files))
	for _, f := range files {
		byFileName[filepath.Base(f.path)] = f.recordingID
	}

	for start := 0; start < len(files); start += s.batchSize {
		if err := s.ctx.Err(); err != nil {
			return err
		}

		end := start + s.batchSize
		if end > len(files) {
			end = len(files)
		}
		batch := files[start:end]

		paths := make([]string, 0, len(batch))
		for _, f := range batch {
			paths = append(paths, f.path)
		}

		s.logger.Info("Transcribing batch",
			logger.String("run_id", run.ID),
			logger.Int("files", len(paths)))

		results, err := s.speechProvider.TranscribeBatch(s.ctx, paths)
		if err != nil {
			for _, f := range batch {
				s.failRecording(run, f.recordingID, fmt.Sprintf("transcription failed: %v", err))
			}
			s.logger.Error("Transcription batch failed", logger.Error(err))
			continue
		}

		for _, result := range results {
			recordingID, ok := byFileName[result.FileName]
			if !ok {
				s.logger.Warn("Result for unknown file", logger.String("file", result.FileName))
				continue
			}

			if result.ErrorMessage != "" {
				s.failRecording(run, recordingID, result.ErrorMessage)
				continue
			}

			s.storeTranscript(run, recordingID, result)
		}
	}

	return nil
}

func (s *Service) storeTranscript(run *Run, recordingID string, result ai.SpeechResult) {
	if err := transcription.WriteOutputs(s.transcriptDir, result); err != nil {
		s.logger.Error("Failed to write transcript files",
			logger.String("recording_id", recordingID),
			logger.Error(err))
	}

	id, err := s.transcriptStorage.StoreTranscript(&sqlite.TranscriptRecord{
		RecordingID: recordingID,
		CreatedAt:   time.Now().UTC(),
		Content:     result.Transcript,
		Language:    result.LanguageCode,
		Model:       s.sttModel,
	})
	if err != nil {
		s.failRecording(run, recordingID, fmt.Sprintf("failed to store transcript: %v", err))
		return
	}

	if err := s.recordingStorage.SetTranscribed(recordingID); err != nil {
		s.logger.Error("Failed to persist transcribed state", logger.Error(err))
	}

	s.incrementTranscribed(run)
	s.broadcastRecordingUpdate(run.ID, recordingID, sqlite.StatusTranscribed)

	if s.wsServer != nil {
		s.wsServer.Broadcast(&websocket.Message{
			Type: websocket.MessageTypeTranscriptUpdate,
			Data: map[string]any{
				"id":           id,
				"run_id":       run.ID,
				"recording_id": recordingID,
				"text":         result.Transcript,
				"language":     result.LanguageCode,
				"is_processed": false,
			},
		})
	}
}

func (s *Service) failRecording(run *Run, recordingID, reason string) {
	if err := s.recordingStorage.SetFailed(recordingID, reason); err != nil {
		s.logger.Error("Failed to persist failure", logger.Error(err))
	}
	s.incrementFailed(run)
	s.broadcastRecordingUpdate(run.ID, recordingID, sqlite.StatusFailed)

	s.logger.Warn("Recording failed",
		logger.String("run_id", run.ID),
		logger.String("recording_id", recordingID),
		logger.String("reason", reason))
}

func (s *Service) setTotal(run *Run, total int) {
	s.mu.Lock()
	run.Total = total
	s.mu.Unlock()
}

func (s *Service) incrementSkipped(run *Run) {
	s.mu.Lock()
	run.Skipped++
	s.mu.Unlock()
}

func (s *Service) incrementDownloaded(run *Run) {
	s.mu.Lock()
	run.Downloaded++
	s.mu.Unlock()
}

func (s *Service) incrementTranscribed(run *Run) {
	s.mu.Lock()
	run.Transcribed++
	s.mu.Unlock()
}

func (s *Service) incrementFailed(run *Run) {
	s.mu.Lock()
	run.Failed++
	s.mu.Unlock()
}

func (s *Service) broadcastRunUpdate(run *Run) {
	if s.wsServer == nil {
		return
	}
	s.mu.Lock()
	data := map[string]any{
		"run_id":      run.ID,
		"status":      run.Status,
		"total":       run.Total,
		"skipped":     run.Skipped,
		"downloaded":  run.Downloaded,
		"transcribed": run.Transcribed,
		"failed":      run.Failed,
	}
	s.mu.Unlock()

	s.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeRunUpdate,
		Data: data,
	})
}

func (s *Service) broadcastRecordingUpdate(runID, recordingID, status string) {
	if s.wsServer == nil {
		return
	}
	s.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeRecordingUpdate,
		Data: map[string]any{
			"run_id":       runID,
			"recording_id": recordingID,
			"status":       status,
		},
	})
}
