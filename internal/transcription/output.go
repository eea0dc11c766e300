package transcription

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adeshpande/callscribe/internal/ai"
)

// WriteOutputs writes the per-file transcript artifacts for a successful
// result: <stem>.txt with the transcript text and <stem>.json with the full
// provider response. The stem is the audio file name without extension.
func WriteOutputs(outputDir string, result ai.SpeechResult) error {
	if result.ErrorMessage != "" {
		return fmt.Errorf("no outputs for failed file %s: %s", result.FileName, result.ErrorMessage)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	stem := strings.TrimSuffix(result.FileName, filepath.Ext(result.FileName))

	txtPath := filepath.Join(outputDir, stem+".txt")
	if err := os.WriteFile(txtPath, []byte(result.Transcript), 0o644); err != nil {
		return fmt.Errorf("failed to write transcript text: %w", err)
	}

	if len(result.Raw) > 0 {
		jsonPath := filepath.Join(outputDir, stem+".json")
		if err := os.WriteFile(jsonPath, result.Raw, 0o644); err != nil {
			return fmt.Errorf("failed to write transcript json: %w", err)
		}
	}

	return nil
}
