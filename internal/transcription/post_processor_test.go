package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adeshpande/callscribe/internal/ai"
	"github.com/adeshpande/callscribe/internal/config"
	"github.com/adeshpande/callscribe/internal/storage/sqlite"
)

// stubChatProvider returns a canned reply and records what it was asked
type stubChatProvider struct {
	reply    string
	err      error
	messages []ai.ChatMessage
}

func (s *stubChatProvider) ChatCompletion(ctx context.Context, messages []ai.ChatMessage, cfg ai.ChatConfig) (string, error) {
	s.messages = messages
	return s.reply, s.err
}

func newPostProcessorTest(t *testing.T, provider ai.ChatProvider) (*PostProcessor, *sqlite.TranscriptStorage) {
	t.Helper()
	log := newTestLogger(t)

	db, err := sqlite.Open(":memory:", log)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage := sqlite.NewTranscriptStorage(db.GetDB(), log)

	promptPath := filepath.Join(t.TempDir(), "prompt.md")
	if err := os.WriteFile(promptPath, []byte("clean up call transcripts"), 0o644); err != nil {
		t.Fatalf("failed to write prompt: %v", err)
	}

	cfg := config.PostProcessingConfig{
		Enabled:          true,
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		IntervalSeconds:  30,
		BatchSize:        10,
		SystemPromptPath: promptPath,
		TimeoutSeconds:   5,
	}

	processor, err := NewPostProcessor(context.Background(), storage, provider, nil, cfg, log)
	if err != nil {
		t.Fatalf("NewPostProcessor failed: %v", err)
	}
	t.Cleanup(func() { processor.Stop() })

	return processor, storage
}

func TestProcessNextBatch(t *testing.T) {
	provider := &stubChatProvider{}
	processor, storage := newPostProcessorTest(t, provider)

	id, err := storage.StoreTranscript(&sqlite.TranscriptRecord{
		RecordingID: "rec-1",
		CreatedAt:   time.Now().UTC(),
		Content:     "uh hello um this is about your loan",
	})
	if err != nil {
		t.Fatalf("StoreTranscript failed: %v", err)
	}

	reply := []map[string]any{{
		"id":                id,
		"processed_content": "Hello, this is about your loan.",
		"speaker_type":      "AGENT",
		"disposition":       "NO_COMMITMENT",
	}}
	replyJSON, _ := json.Marshal(reply)
	// Wrap in prose to exercise JSON extraction
	provider.reply = fmt.Sprintf("Here you go:\n%s\nDone.", replyJSON)

	if err := processor.processNextBatch(); err != nil {
		t.Fatalf("processNextBatch failed: %v", err)
	}

	if len(provider.messages) != 2 || provider.messages[0].Role != "system" {
		t.Errorf("expected system+user messages, got %+v", provider.messages)
	}

	records, err := storage.GetTranscriptsByRecording("rec-1")
	if err != nil {
		t.Fatalf("GetTranscriptsByRecording failed: %v", err)
	}
	record := records[0]
	if !record.IsProcessed {
		t.Error("expected transcript to be processed")
	}
	if record.ContentProcessed != "Hello, this is about your loan." {
		t.Errorf("unexpected processed content: %s", record.ContentProcessed)
	}
	if record.SpeakerType != "AGENT" || record.Disposition != "NO_COMMITMENT" {
		t.Errorf("unexpected labels: %s / %s", record.SpeakerType, record.Disposition)
	}

	// A second pass finds nothing left to do
	provider.messages = nil
	if err := processor.processNextBatch(); err != nil {
		t.Fatalf("second processNextBatch failed: %v", err)
	}
	if provider.messages != nil {
		t.Error("expected no chat call when nothing is unprocessed")
	}
}

func TestProcessNextBatchMalformedReply(t *testing.T) {
	provider := &stubChatProvider{reply: "sorry, I cannot help with that"}
	processor, storage := newPostProcessorTest(t, provider)

	if _, err := storage.StoreTranscript(&sqlite.TranscriptRecord{
		RecordingID: "rec-1",
		CreatedAt:   time.Now().UTC(),
		Content:     "hello",
	}); err != nil {
		t.Fatalf("StoreTranscript failed: %v", err)
	}

	if err := processor.processNextBatch(); err == nil {
		t.Error("expected error for reply without a JSON array")
	}

	// Failed rows are marked so they are not retried forever
	unprocessed, err := storage.GetUnprocessedTranscripts(10)
	if err != nil {
		t.Fatalf("GetUnprocessedTranscripts failed: %v", err)
	}
	if len(unprocessed) != 0 {
		t.Errorf("expected failed rows to be marked processed, got %d unprocessed", len(unprocessed))
	}
}

func TestProcessNextBatchIgnoresUnknownIDs(t *testing.T) {
	provider := &stubChatProvider{
		reply: `[{"id": 9999, "processed_content": "ghost", "speaker_type": "AGENT"}]`,
	}
	processor, storage := newPostProcessorTest(t, provider)

	if _, err := storage.StoreTranscript(&sqlite.TranscriptRecord{
		RecordingID: "rec-1",
		CreatedAt:   time.Now().UTC(),
		Content:     "hello",
	}); err != nil {
		t.Fatalf("StoreTranscript failed: %v", err)
	}

	if err := processor.processNextBatch(); err != nil {
		t.Fatalf("processNextBatch failed: %v", err)
	}

	records, err := storage.GetTranscriptsByRecording("rec-1")
	if err != nil {
		t.Fatalf("GetTranscriptsByRecording failed: %v", err)
	}
	if records[0].ContentProcessed == "ghost" {
		t.Error("result for an unknown ID must not update real rows")
	}
}
