package credgenics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adeshpande/callscribe/internal/config"
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

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := config.VendorConfig{
		BaseURL:             baseURL,
		ClientID:            "test-client",
		ClientSecret:        "test-secret",
		TokenExpirySecs:     900,
		RequestTimeoutSecs:  5,
		DownloadTimeoutSecs: 5,
		MaxRetries:          0,
	}
	return NewClient(cfg, newTestLogger(t))
}

func TestAccessTokenRequestsDefaultExpiry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/public/access-token" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body["client_id"] != "test-client" {
			t.Errorf("expected client_id test-client, got %v", body["client_id"])
		}
		if body["token_expiry_duration"] != float64(900) {
			t.Errorf("expected token_expiry_duration 900, got %v", body["token_expiry_duration"])
		}

		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-123"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	token, err := client.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if token != "tok-123" {
		t.Errorf("expected tok-123, got %s", token)
	}
}

func TestAccessTokenIsCached(t *testing.T) {
	var fetches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":          "tok-123",
			"token_expiry_duration": 900,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	for i := 0; i < 3; i++ {
		if _, err := client.AccessToken(context.Background()); err != nil {
			t.Fatalf("AccessToken failed: %v", err)
		}
	}

	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Errorf("expected 1 token fetch, got %d", n)
	}
}

func TestAccessTokenInvalidateForcesRefetch(t *testing.T) {
	var fetches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-123"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.AccessToken(context.Background()); err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	client.InvalidateToken()
	if _, err := client.AccessToken(context.Background()); err != nil {
		t.Fatalf("AccessToken failed after invalidate: %v", err)
	}

	if n := atomic.LoadInt32(&fetches); n != 2 {
		t.Errorf("expected 2 token fetches, got %d", n)
	}
}

func TestAccessTokenRejectedCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.AccessToken(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAccessTokenMissingCredentials(t *testing.T) {
	cfg := config.VendorConfig{
		BaseURL:             "http://localhost:0",
		TokenExpirySecs:     900,
		RequestTimeoutSecs:  5,
		DownloadTimeoutSecs: 5,
	}
	client := NewClient(cfg, newTestLogger(t))

	_, err := client.AccessToken(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Now().UTC()
	token := Token{Value: "tok", ExpiresAt: now.Add(900 * time.Second)}

	if !token.Valid(now, 30*time.Second) {
		t.Error("fresh token should be valid")
	}
	if token.Valid(now.Add(880*time.Second), 30*time.Second) {
		t.Error("token inside the refresh margin should be invalid")
	}
	if token.Valid(now.Add(901*time.Second), 0) {
		t.Error("expired token should be invalid")
	}
	if (Token{}).Valid(now, 0) {
		t.Error("zero token should be invalid")
	}
}

func TestResolveRecording(t *testing.T) {
	tests := []struct {
		name string
		data any
		want string
	}{
		{name: "data as string", data: "https://cdn.example.com/rec-1.mp3", want: "https://cdn.example.com/rec-1.mp3"},
		{name: "data as object", data: map[string]any{"url": "https://cdn.example.com/rec-2.wav"}, want: "https://cdn.example.com/rec-2.wav"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/user/public/access-token", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-123"})
			})
			mux.HandleFunc("/calling/recording/rec-1", func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("authenticationtoken"); got != "tok-123" {
					t.Errorf("expected authenticationtoken header, got %q", got)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
					t.Errorf("expected bearer header, got %q", got)
				}
				if got := r.Header.Get("x-company-id"); got != "co-9" {
					t.Errorf("expected x-company-id co-9, got %q", got)
				}
				if got := r.URL.Query().Get("company_id"); got != "co-9" {
					t.Errorf("expected company_id query param co-9, got %q", got)
				}
				json.NewEncoder(w).Encode(map[string]any{"data": tt.data})
			})

			server := httptest.NewServer(mux)
			defer server.Close()

			client := newTestClient(t, server.URL)
			got, err := client.ResolveRecording(context.Background(), "rec-1", "co-9")
			if err != nil {
				t.Fatalf("ResolveRecording failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestResolveRecordingExpiredToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user/public/access-token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "stale"})
	})
	mux.HandleFunc("/calling/recording/rec-1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.ResolveRecording(context.Background(), "rec-1", "co-9")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestResolveRecordingNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user/public/access-token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-123"})
	})
	mux.HandleFunc("/calling/recording/rec-missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.ResolveRecording(context.Background(), "rec-missing", "co-9")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveRecordingRetriesTransientErrors(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/user/public/access-token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-123"})
	})
	mux.HandleFunc("/calling/recording/rec-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": "https://cdn.example.com/rec-1.mp3"})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := config.VendorConfig{
		BaseURL:             server.URL,
		ClientID:            "test-client",
		ClientSecret:        "test-secret",
		TokenExpirySecs:     900,
		RequestTimeoutSecs:  5,
		DownloadTimeoutSecs: 5,
		MaxRetries:          2,
	}
	client := NewClient(cfg, newTestLogger(t))

	got, err := client.ResolveRecording(context.Background(), "rec-1", "co-9")
	if err != nil {
		t.Fatalf("ResolveRecording failed: %v", err)
	}
	if got != "https://cdn.example.com/rec-1.mp3" {
		t.Errorf("unexpected URL: %s", got)
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestDownloadAudio(t *testing.T) {
	payload := []byte("fake-audio-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	destPath := filepath.Join(t.TempDir(), "audio", "rec-1.mp3")

	if err := client.DownloadAudio(context.Background(), server.URL+"/rec-1.mp3", destPath); err != nil {
		t.Fatalf("DownloadAudio failed: %v", err)
	}

	data, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("downloaded content mismatch")
	}
}

func TestAudioExtension(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://cdn.example.com/rec.mp3", ".mp3"},
		{"https://cdn.example.com/rec.WAV", ".wav"},
		{"https://cdn.example.com/rec.m4a?X-Amz-Signature=abc", ".m4a"},
		{"https://cdn.example.com/rec.ogg", ".ogg"},
		{"https://cdn.example.com/rec.webm", ".webm"},
		{"https://cdn.example.com/rec.flac", ".mp3"},
		{"https://cdn.example.com/rec", ".mp3"},
	}

	for _, tt := range tests {
		if got := AudioExtension(tt.url); got != tt.want {
			t.Errorf("AudioExtension(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
