package credgenics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adeshpande/callscribe/internal/config"
	"github.com/adeshpande/callscribe/pkg/logger"
)

// Sentinel errors for callers that need to distinguish failure classes
var (
	// ErrUnauthorized indicates the vendor rejected the credentials or token
	ErrUnauthorized = errors.New("credgenics: unauthorized")
	// ErrNotFound indicates the recording does not exist on the vendor's system
	ErrNotFound = errors.New("credgenics: recording not found")
)

const (
	accessTokenPath   = "/user/public/access-token"
	recordingBasePath = "/calling/recording"

	// tokenRefreshMargin keeps a token from being presented near its expiry
	tokenRefreshMargin = 30 * time.Second
)

// allowed audio extensions for downloaded recordings
var audioExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".ogg":  true,
	".webm": true,
}

// Client handles HTTP requests to the Credgenics API
type Client struct {
	config         config.VendorConfig
	httpClient     *http.Client
	downloadClient *http.Client
	logger         *logger.Logger

	mu    sync.Mutex
	token Token
}

// NewClient creates a new Credgenics API client
func NewClient(cfg config.VendorConfig, log *logger.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSecs) * time.Second,
		},
		downloadClient: &http.Client{
			Timeout: time.Duration(cfg.DownloadTimeoutSecs) * time.Second,
		},
		logger: log.Named("credgenics"),
	}
}

// AccessToken returns a valid bearer token, fetching a fresh one when the
// cached token is missing or about to expire. A token must be obtained
// through here before any recording request.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Valid(time.Now().UTC(), tokenRefreshMargin) {
		return c.token.Value, nil
	}

	token, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	c.token = token

	c.logger.Info("Obtained vendor access token",
		logger.Time("expires_at", token.ExpiresAt))

	return token.Value, nil
}

// InvalidateToken discards the cached token so the next call refetches.
// Used when the vendor answers a request with an authorization error.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = Token{}
}

// fetchToken requests a new bearer token from the authentication endpoint
func (c *Client) fetchToken(ctx context.Context) (Token, error) {
	if c.config.ClientID == "" || c.config.ClientSecret == "" {
		return Token{}, fmt.Errorf("%w: missing client credentials", ErrUnauthorized)
	}

	reqBody := tokenRequest{
		ClientID:            c.config.ClientID,
		ClientSecret:        c.config.ClientSecret,
		TokenExpiryDuration: c.config.TokenExpirySecs,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Token{}, fmt.Errorf("failed to marshal token request: %w", err)
	}

	apiURL := strings.TrimRight(c.config.BaseURL, "/") + accessTokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	requestedAt := time.Now().UTC()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(resp.Body)
		return Token{}, fmt.Errorf("%w: credentials rejected: %s", ErrUnauthorized, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Token{}, fmt.Errorf("token request returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var result tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Token{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: no access token in response", ErrUnauthorized)
	}

	// The endpoint echoes the granted lifetime; fall back to the requested
	// duration (default 900s) when it doesn't.
	expirySecs := result.TokenExpiryDuration
	if expirySecs <= 0 {
		expirySecs = c.config.TokenExpirySecs
	}

	return Token{
		Value:     result.AccessToken,
		ExpiresAt: requestedAt.Add(time.Duration(expirySecs) * time.Second),
	}, nil
}

// ResolveRecording calls the recording metadata endpoint and returns the
// public audio URL for the given recording ID
func (c *Client) ResolveRecording(ctx context.Context, recordingID, companyID string) (string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	apiURL := fmt.Sprintf("%s%s/%s?%s",
		strings.TrimRight(c.config.BaseURL, "/"),
		recordingBasePath,
		url.PathEscape(recordingID),
		url.Values{"company_id": {companyID}}.Encode())

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(500*(1<<uint(attempt-1))) * time.Millisecond
			c.logger.Info("Retrying recording metadata fetch",
				logger.String("recording_id", recordingID),
				logger.Int("attempt", attempt),
				logger.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		publicURL, err := c.resolveOnce(ctx, apiURL, token, companyID)
		if err == nil {
			return publicURL, nil
		}

		// Authorization and not-found errors are not transient
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) {
			return "", err
		}

		lastErr = err
		c.logger.Warn("Recording metadata fetch failed, may retry",
			logger.String("recording_id", recordingID),
			logger.Error(err),
			logger.Int("attempt", attempt+1),
			logger.Int("max_attempts", c.config.MaxRetries+1))
	}

	return "", lastErr
}

func (c *Client) resolveOnce(ctx context.Context, apiURL, token, companyID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("authenticationtoken", token)
	req.Header.Set("x-company-id", companyID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("recording metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.InvalidateToken()
		return "", fmt.Errorf("%w: token rejected", ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("recording metadata request returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var result recordingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode recording response: %w", err)
	}

	// The public link arrives in the data field, either as a string or
	// wrapped in an object with a url key.
	switch data := result.Data.(type) {
	case string:
		if link := strings.TrimSpace(data); link != "" {
			return link, nil
		}
	case map[string]any:
		if raw, ok := data["url"].(string); ok {
			if link := strings.TrimSpace(raw); link != "" {
				return link, nil
			}
		}
	}

	return "", fmt.Errorf("no public link in recording response")
}

// DownloadAudio fetches the audio payload at the given public URL and writes
// it to destPath. The public URL is pre-signed by the vendor and needs no
// further authorization.
func (c *Client) DownloadAudio(ctx context.Context, publicURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, publicURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return fmt.Errorf("audio download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("audio download returned %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create audio directory: %w", err)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create audio file: %w", err)
	}

	written, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to write audio file: %w", err)
	}

	c.logger.Debug("Downloaded audio",
		logger.String("path", destPath),
		logger.Int64("bytes", written))

	return nil
}

// AudioExtension derives the file extension for a recording from its public
// URL, defaulting to .mp3 when the URL carries none of the supported ones
func AudioExtension(publicURL string) string {
	path := publicURL
	if u, err := url.Parse(publicURL); err == nil {
		path = u.Path
	} else if idx := strings.Index(publicURL, "?"); idx >= 0 {
		path = publicURL[:idx]
	}

	ext := strings.ToLower(filepath.Ext(path))
	if audioExtensions[ext] {
		return ext
	}
	return ".mp3"
}
