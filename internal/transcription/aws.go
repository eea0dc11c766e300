package transcription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/aws/smithy-go"

	"github.com/adeshpande/callscribe/internal/ai"
	"github.com/adeshpande/callscribe/internal/config"
	"github.com/adeshpande/callscribe/pkg/logger"
)

// AWSClient transcribes audio through AWS Transcribe. Each file becomes its
// own job: audio goes to S3, a job is started against the object, and the
// transcript JSON is read back from the same bucket.
type AWSClient struct {
	s3Client         *s3.Client
	transcribeClient *transcribe.Client
	bucket           string
	languageCode     string
	pollInterval     time.Duration
	logger           *logger.Logger
}

// NewAWSClient creates an AWS Transcribe client from config. Credentials
// come from the standard AWS environment/profile chain.
func NewAWSClient(ctx context.Context, cfg *config.TranscriptionConfig, log *logger.Logger) (*AWSClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSClient{
		s3Client:         s3.NewFromConfig(awsCfg),
		transcribeClient: transcribe.NewFromConfig(awsCfg),
		bucket:           cfg.AWSBucket,
		languageCode:     cfg.AWSLanguageCode,
		pollInterval:     time.Duration(cfg.PollIntervalSecs) * time.Second,
		logger:           log.Named("aws-transcribe"),
	}, nil
}

// awsTranscriptResult is the output document AWS Transcribe writes to S3
type awsTranscriptResult struct {
	Results struct {
		Transcripts []struct {
			Transcript string `json:"transcript"`
		} `json:"transcripts"`
		LanguageCode string `json:"language_code"`
	} `json:"results"`
}

// -- SpeechProvider Implementation --

// TranscribeBatch transcribes each file as a separate AWS Transcribe job.
// A failing file yields a result with ErrorMessage; the rest of the batch
// continues.
func (c *AWSClient) TranscribeBatch(ctx context.Context, filePaths []string) ([]ai.SpeechResult, error) {
	results := make([]ai.SpeechResult, 0, len(filePaths))
	for _, path := range filePaths {
		result := c.transcribeFile(ctx, path)
		results = append(results, result)

		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

func (c *AWSClient) transcribeFile(ctx context.Context, path string) ai.SpeechResult {
	fileName := filepath.Base(path)
	result := ai.SpeechResult{FileName: fileName}

	fileHash, err := hashFile(path)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to hash file: %v", err)
		return result
	}

	// Job names and S3 keys derive from the content hash so re-runs of the
	// same audio reuse the existing upload and job
	s3Key := fmt.Sprintf("uploads/%s_%s", fileHash, fileName)
	jobName := fmt.Sprintf("callscribe-%s", fileHash)

	if err := c.ensureUploaded(ctx, s3Key, path); err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to upload to S3: %v", err)
		return result
	}

	if err := c.ensureJob(ctx, jobName, s3Key, path); err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	transcript, languageCode, raw, err := c.fetchTranscript(ctx, jobName)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to fetch transcript: %v", err)
		return result
	}

	result.Transcript = transcript
	result.LanguageCode = languageCode
	result.Raw = raw
	return result
}

func (c *AWSClient) ensureUploaded(ctx context.Context, key, path string) error {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err == nil {
		c.logger.Debug("Audio already in S3", logger.String("key", key))
		return nil
	}
	if !isNotFoundError(err) {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
		Body:   file,
	})
	if err != nil {
		return err
	}

	c.logger.Info("Uploaded audio to S3", logger.String("key", key))
	return nil
}

// ensureJob starts the transcription job if it does not already exist,
// then waits for it to finish
func (c *AWSClient) ensureJob(ctx context.Context, jobName, s3Key, path string) error {
	exists, status, err := c.jobStatus(ctx, jobName)
	if err != nil {
		return fmt.Errorf("failed to check job status: %v", err)
	}

	if !exists {
		mediaURI := fmt.Sprintf("s3://%s/%s", c.bucket, s3Key)
		mediaFormat := strings.TrimPrefix(filepath.Ext(path), ".")
		_, err := c.transcribeClient.StartTranscriptionJob(ctx, &transcribe.StartTranscriptionJobInput{
			TranscriptionJobName: &jobName,
			LanguageCode:         types.LanguageCode(c.languageCode),
			MediaFormat:          types.MediaFormat(mediaFormat),
			Media: &types.Media{
				MediaFileUri: &mediaURI,
			},
			OutputBucketName: &c.bucket,
		})
		if err != nil {
			return fmt.Errorf("failed to start transcription job: %v", err)
		}
		c.logger.Info("Started transcription job", logger.String("job", jobName))
	} else if status == string(types.TranscriptionJobStatusCompleted) {
		return nil
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, status, err := c.jobStatus(ctx, jobName)
			if err != nil {
				return fmt.Errorf("failed to poll job status: %v", err)
			}
			c.logger.Debug("Transcription job status",
				logger.String("job", jobName),
				logger.String("status", status))

			switch status {
			case string(types.TranscriptionJobStatusCompleted):
				return nil
			case string(types.TranscriptionJobStatusFailed):
				return fmt.Errorf("transcription job %s failed", jobName)
			}
		}
	}
}

func (c *AWSClient) jobStatus(ctx context.Context, jobName string) (bool, string, error) {
	out, err := c.transcribeClient.GetTranscriptionJob(ctx, &transcribe.GetTranscriptionJobInput{
		TranscriptionJobName: &jobName,
	})
	if err != nil {
		if isNotFoundError(err) || strings.Contains(err.Error(), "couldn't be found") {
			return false, "", nil
		}
		return false, "", err
	}
	return true, string(out.TranscriptionJob.TranscriptionJobStatus), nil
}

// fetchTranscript reads the job output document from S3. Transcribe writes
// it as <jobName>.json in the output bucket.
func (c *AWSClient) fetchTranscript(ctx context.Context, jobName string) (string, string, []byte, error) {
	key := jobName + ".json"
	out, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return "", "", nil, err
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return "", "", nil, err
	}

	var result awsTranscriptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", "", nil, err
	}
	if len(result.Results.Transcripts) == 0 {
		return "", "", nil, fmt.Errorf("no transcript in result document")
	}

	return result.Results.Transcripts[0].Transcript, result.Results.LanguageCode, raw, nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16], nil
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NotFoundException", "NoSuchKey", "404":
			return true
		}
	}
	return strings.Contains(err.Error(), "NotFound")
}
