package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adeshpande/callscribe/internal/ai"
	"github.com/adeshpande/callscribe/internal/config"
	"github.com/adeshpande/callscribe/pkg/logger"
)

// Sarvam batch speech-to-text endpoints
const (
	sarvamJobInitPath    = "/speech-to-text-job/v1/job/init"
	sarvamJobUploadPath  = "/speech-to-text-job/v1/job/%s/upload"
	sarvamJobStartPath   = "/speech-to-text-job/v1/job/%s/start"
	sarvamJobStatusPath  = "/speech-to-text-job/v1/job/%s/status"
	sarvamJobResultsPath = "/speech-to-text-job/v1/job/%s/results"
)

// Job states reported by the batch API
const (
	sarvamStateCompleted = "Completed"
	sarvamStateFailed    = "Failed"
)

// SarvamClient transcribes audio through the Sarvam batch job API.
// One job handles up to 20 files; callers split larger sets into batches.
type SarvamClient struct {
	apiKey       string
	baseURL      string
	model        string
	mode         string
	languageCode string
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *logger.Logger
}

// NewSarvamClient creates a Sarvam batch transcription client from config
func NewSarvamClient(cfg *config.TranscriptionConfig, log *logger.Logger) *SarvamClient {
	return &SarvamClient{
		apiKey:       cfg.SarvamAPIKey,
		baseURL:      strings.TrimRight(cfg.SarvamBaseURL, "/"),
		model:        cfg.Model,
		mode:         cfg.Mode,
		languageCode: cfg.LanguageCode,
		pollInterval: time.Duration(cfg.PollIntervalSecs) * time.Second,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		logger: log.Named("sarvam"),
	}
}

type sarvamJob struct {
	JobID    string `json:"job_id"`
	JobState string `json:"job_state"`
}

type sarvamFileResult struct {
	FileName     string `json:"file_name"`
	Transcript   string `json:"transcript"`
	LanguageCode string `json:"language_code"`
	ErrorMessage string `json:"error_message"`
}

type sarvamResults struct {
	Successful []json.RawMessage `json:"successful"`
	Failed     []json.RawMessage `json:"failed"`
}

// -- SpeechProvider Implementation --

// TranscribeBatch runs one batch job: create, upload files, start, poll
// until completion, then collect per-file results. A file that fails
// inside the job produces a result with an ErrorMessage rather than an
// error for the whole batch.
func (c *SarvamClient) TranscribeBatch(ctx context.Context, filePaths []string) ([]ai.SpeechResult, error) {
	if len(filePaths) == 0 {
		return nil, nil
	}

	job, err := c.createJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcription job: %w", err)
	}

	c.logger.Info("Created transcription job",
		logger.String("job_id", job.JobID),
		logger.Int("files", len(filePaths)))

	for _, path := range filePaths {
		if err := c.uploadFile(ctx, job.JobID, path); err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", filepath.Base(path), err)
		}
	}

	if err := c.startJob(ctx, job.JobID); err != nil {
		return nil, fmt.Errorf("failed to start job %s: %w", job.JobID, err)
	}

	if err := c.waitForJob(ctx, job.JobID); err != nil {
		return nil, err
	}

	return c.collectResults(ctx, job.JobID, filePaths)
}

func (c *SarvamClient) createJob(ctx context.Context) (*sarvamJob, error) {
	body := map[string]string{
		"model":         c.model,
		"mode":          c.mode,
		"language_code": c.languageCode,
	}

	var job sarvamJob
	if err := c.doJSON(ctx, "POST", c.baseURL+sarvamJobInitPath, body, &job); err != nil {
		return nil, err
	}
	if job.JobID == "" {
		return nil, fmt.Errorf("job init response missing job_id")
	}
	return &job, nil
}

func (c *SarvamClient) uploadFile(ctx context.Context, jobID, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	// Stream the multipart body so large recordings are never held in
	// memory whole
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	apiURL := c.baseURL + fmt.Sprintf(sarvamJobUploadPath, jobID)
	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("api-subscription-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload failed: %s %s", resp.Status, string(respBody))
	}

	c.logger.Debug("Uploaded audio file",
		logger.String("job_id", jobID),
		logger.String("file", filepath.Base(path)))

	return nil
}

func (c *SarvamClient) startJob(ctx context.Context, jobID string) error {
	apiURL := c.baseURL + fmt.Sprintf(sarvamJobStartPath, jobID)
	return c.doJSON(ctx, "POST", apiURL, nil, nil)
}

// waitForJob polls the job status until the job completes, fails, or the
// context is cancelled
func (c *SarvamClient) waitForJob(ctx context.Context, jobID string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	statusURL := c.baseURL + fmt.Sprintf(sarvamJobStatusPath, jobID)

	for {
		var job sarvamJob
		if err := c.doJSON(ctx, "GET", statusURL, nil, &job); err != nil {
			return fmt.Errorf("failed to poll job %s: %w", jobID, err)
		}

		switch job.JobState {
		case sarvamStateCompleted:
			c.logger.Info("Transcription job completed", logger.String("job_id", jobID))
			return nil
		case sarvamStateFailed:
			return fmt.Errorf("transcription job %s failed", jobID)
		}

		c.logger.Debug("Transcription job in progress",
			logger.String("job_id", jobID),
			logger.String("state", job.JobState))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *SarvamClient) collectResults(ctx context.Context, jobID string, filePaths []string) ([]ai.SpeechResult, error) {
	resultsURL := c.baseURL + fmt.Sprintf(sarvamJobResultsPath, jobID)

	var results sarvamResults
	if err := c.doJSON(ctx, "GET", resultsURL, nil, &results); err != nil {
		return nil, fmt.Errorf("failed to fetch results for job %s: %w", jobID, err)
	}

	byName := make(map[string]ai.SpeechResult, len(filePaths))

	for _, raw := range results.Successful {
		var entry sarvamFileResult
		if err := json.Unmarshal(raw, &entry); err != nil {
			c.logger.Warn("Skipping malformed result entry", logger.Error(err))
			continue
		}
		byName[entry.FileName] = ai.SpeechResult{
			FileName:     entry.FileName,
			Transcript:   entry.Transcript,
			LanguageCode: entry.LanguageCode,
			Raw:          raw,
		}
	}

	for _, raw := range results.Failed {
		var entry sarvamFileResult
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		msg := entry.ErrorMessage
		if msg == "" {
			msg = "transcription failed"
		}
		c.logger.Warn("File failed to transcribe",
			logger.String("job_id", jobID),
			logger.String("file", entry.FileName),
			logger.String("error", msg))
		byName[entry.FileName] = ai.SpeechResult{
			FileName:     entry.FileName,
			Raw:          raw,
			ErrorMessage: msg,
		}
	}

	// Return one result per submitted file, in submission order. A file
	// the API never reported back counts as failed.
	out := make([]ai.SpeechResult, 0, len(filePaths))
	for _, path := range filePaths {
		name := filepath.Base(path)
		if result, ok := byName[name]; ok {
			out = append(out, result)
			continue
		}
		out = append(out, ai.SpeechResult{
			FileName:     name,
			ErrorMessage: "no result returned for file",
		})
	}

	return out, nil
}

// doJSON performs a JSON request against the Sarvam API. A nil out skips
// response decoding.
func (c *SarvamClient) doJSON(ctx context.Context, method, apiURL string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("api-subscription-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed: %s %s", resp.Status, string(respBody))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
