package ai

import (
	"context"
	"encoding/json"
)

// ChatMessage represents a message in a chat conversation
type ChatMessage struct {
	Role    string
	Content string
}

// ChatConfig holds configuration for chat completions
type ChatConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// ChatProvider defines the interface for text-to-text chat completions
// (used for transcript post-processing)
type ChatProvider interface {
	// ChatCompletion sends a conversation to the LLM and returns the text response
	ChatCompletion(ctx context.Context, messages []ChatMessage, config ChatConfig) (string, error)
}

// SpeechResult is the outcome of transcribing one audio file. A batch can
// partially succeed; per-file failures carry an ErrorMessage instead of
// failing the whole job.
type SpeechResult struct {
	FileName     string          // Base name of the audio file
	Transcript   string          // Transcript text (empty on failure)
	LanguageCode string          // Detected or requested language
	Raw          json.RawMessage // Full provider response for the file
	ErrorMessage string          // Non-empty when this file failed
}

// SpeechProvider defines the interface for converting audio files to text
type SpeechProvider interface {
	// TranscribeBatch submits the given audio files as one job and returns
	// one result per file. The provider's batch size limit is the caller's
	// responsibility.
	TranscribeBatch(ctx context.Context, filePaths []string) ([]SpeechResult, error)
}
