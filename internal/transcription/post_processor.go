package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/adeshpande/callscribe/internal/ai"
	"github.com/adeshpande/callscribe/internal/config"
	"github.com/adeshpande/callscribe/internal/storage/sqlite"
	"github.com/adeshpande/callscribe/internal/websocket"
	"github.com/adeshpande/callscribe/pkg/logger"
)

// PostProcessingResult represents the structured result from the LLM
type PostProcessingResult struct {
	ID               int64  `json:"id"`
	ProcessedContent string `json:"processed_content"`
	SpeakerType      string `json:"speaker_type,omitempty"` // Dominant speaker: "AGENT" or "CUSTOMER"
	Disposition      string `json:"disposition,omitempty"`  // Call outcome label
}

// transcriptBatchItem is one transcript as presented to the LLM
type transcriptBatchItem struct {
	ID          int64     `json:"id"`
	RecordingID string    `json:"recording_id"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// PostProcessor cleans up raw call transcripts with an LLM: it normalizes
// the text, labels the dominant speaker, and assigns a call disposition.
type PostProcessor struct {
	ctx               context.Context
	cancel            context.CancelFunc
	transcriptStorage *sqlite.TranscriptStorage
	chatProvider      ai.ChatProvider
	wsServer          *websocket.Server
	logger            *logger.Logger
	config            config.PostProcessingConfig
	wg                sync.WaitGroup
}

// NewPostProcessor creates a new post-processor
func NewPostProcessor(
	ctx context.Context,
	transcriptStorage *sqlite.TranscriptStorage,
	chatProvider ai.ChatProvider,
	wsServer *websocket.Server,
	cfg config.PostProcessingConfig,
	log *logger.Logger,
) (*PostProcessor, error) {
	if chatProvider == nil {
		return nil, fmt.Errorf("chat provider is required for post-processing")
	}

	procCtx, procCancel := context.WithCancel(ctx)

	return &PostProcessor{
		ctx:               procCtx,
		cancel:            procCancel,
		transcriptStorage: transcriptStorage,
		chatProvider:      chatProvider,
		wsServer:          wsServer,
		logger:            log.Named("post-processor"),
		config:            cfg,
	}, nil
}

// Start starts the post-processing loop
func (p *PostProcessor) Start() error {
	if !p.config.Enabled {
		p.logger.Info("Post-processing is disabled, not starting")
		return nil
	}

	p.logger.Info("Starting post-processing loop",
		logger.Int("interval_seconds", p.config.IntervalSeconds),
		logger.Int("batch_size", p.config.BatchSize))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(time.Duration(p.config.IntervalSeconds) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				p.logger.Info("Post-processing loop stopped due to context cancellation")
				return
			case <-ticker.C:
				if err := p.processNextBatch(); err != nil {
					p.logger.Error("Error processing batch", logger.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop stops the post-processing loop
func (p *PostProcessor) Stop() error {
	p.logger.Info("Stopping post-processing loop")
	p.cancel()
	p.wg.Wait()
	return nil
}

// processNextBatch processes the next batch of unprocessed transcripts
func (p *PostProcessor) processNextBatch() error {
	records, err := p.transcriptStorage.GetUnprocessedTranscripts(p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to get unprocessed transcripts: %w", err)
	}

	if len(records) == 0 {
		p.logger.Debug("No unprocessed transcripts found")
		return nil
	}

	p.logger.Debug("Processing batch of transcripts", logger.Int("count", len(records)))

	batch := make([]transcriptBatchItem, 0, len(records))
	for _, record := range records {
		batch = append(batch, transcriptBatchItem{
			ID:          record.ID,
			RecordingID: record.RecordingID,
			Content:     record.Content,
			Timestamp:   record.CreatedAt,
		})
	}

	batchJSON, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transcript batch: %w", err)
	}

	systemPrompt, err := p.systemPrompt()
	if err != nil {
		p.markFailed(records, "[PROMPT_LOAD_FAILED]")
		return err
	}

	userInput := fmt.Sprintf("Call Transcripts:\n%s", string(batchJSON))

	results, err := p.processBatch(systemPrompt, userInput)
	if err != nil {
		p.markFailed(records, "[PROCESSING_FAILED]")
		return err
	}

	if len(results) == 0 {
		p.logger.Warn("No results returned from API")
		p.markFailed(records, "[NO_RESULTS_FROM_API]")
		return nil
	}

	byID := make(map[int64]*sqlite.TranscriptRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	for _, result := range results {
		if result.ProcessedContent == "" {
			continue
		}
		record, ok := byID[result.ID]
		if !ok {
			// The LLM invented an ID; ignore it
			continue
		}

		if err := p.transcriptStorage.UpdateProcessedTranscript(
			result.ID, result.ProcessedContent, result.SpeakerType, result.Disposition,
		); err != nil {
			p.logger.Error("Failed to update transcript", logger.Error(err))
			continue
		}

		record.ContentProcessed = result.ProcessedContent
		record.SpeakerType = result.SpeakerType
		record.Disposition = result.Disposition
		record.IsProcessed = true
		p.broadcastProcessedTranscript(record)
	}
	return nil
}

func (p *PostProcessor) systemPrompt() (string, error) {
	data, err := os.ReadFile(p.config.SystemPromptPath)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}
	return string(data), nil
}

func (p *PostProcessor) markFailed(records []*sqlite.TranscriptRecord, reason string) {
	for _, r := range records {
		p.transcriptStorage.UpdateProcessedTranscript(r.ID, reason, "UNKNOWN", "")
	}
}

// processBatch sends the batch through the ChatProvider and parses the JSON
// array from the reply
func (p *PostProcessor) processBatch(systemPrompt, userInput string) ([]PostProcessingResult, error) {
	messages := []ai.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userInput},
	}

	options := ai.ChatConfig{
		Model:       p.config.Model,
		Temperature: 0.0,
		MaxTokens:   4096,
	}

	ctx, cancel := context.WithTimeout(p.ctx, time.Duration(p.config.TimeoutSeconds)*time.Second)
	defer cancel()

	content, err := p.chatProvider.ChatCompletion(ctx, messages, options)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}

	// The reply may wrap the JSON array in prose or a code fence
	startIdx := strings.Index(content, "[")
	endIdx := strings.LastIndex(content, "]")

	if startIdx == -1 || endIdx == -1 || startIdx >= endIdx {
		return nil, fmt.Errorf("response does not contain valid JSON array: %s", content)
	}

	jsonContent := content[startIdx : endIdx+1]

	var results []PostProcessingResult
	if err := json.Unmarshal([]byte(jsonContent), &results); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return results, nil
}

func (p *PostProcessor) broadcastProcessedTranscript(record *sqlite.TranscriptRecord) {
	p.logger.Debug("Processed transcript", logger.Int64("id", record.ID))
	if p.wsServer == nil {
		return
	}
	p.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeTranscriptUpdate,
		Data: map[string]any{
			"id":                record.ID,
			"recording_id":      record.RecordingID,
			"text":              record.Content,
			"timestamp":         record.CreatedAt,
			"is_processed":      true,
			"content_processed": record.ContentProcessed,
			"speaker_type":      record.SpeakerType,
			"disposition":       record.Disposition,
		},
	})
}
