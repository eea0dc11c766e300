package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adeshpande/callscribe/internal/ai"
	"github.com/adeshpande/callscribe/internal/ai/gemini"
	"github.com/adeshpande/callscribe/internal/ai/openai"
	"github.com/adeshpande/callscribe/internal/api"
	"github.com/adeshpande/callscribe/internal/config"
	"github.com/adeshpande/callscribe/internal/credgenics"
	"github.com/adeshpande/callscribe/internal/pipeline"
	"github.com/adeshpande/callscribe/internal/storage/sqlite"
	"github.com/adeshpande/callscribe/internal/transcription"
	"github.com/adeshpande/callscribe/internal/websocket"
	"github.com/adeshpande/callscribe/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load .env if present; real environment wins over file values
	_ = godotenv.Load()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting callscribe server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Generate today's database filename
	today := time.Now().Format("2006-01-02")
	dbFilename := fmt.Sprintf("callscribe-%s.db", today)
	dbPath := filepath.Join(cfg.Storage.SQLiteBasePath, dbFilename)

	// Ensure the directory exists
	if err := os.MkdirAll(cfg.Storage.SQLiteBasePath, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", cfg.Storage.SQLiteBasePath))
		os.Exit(1)
	}

	log.Info("Using daily database", logger.String("path", dbPath))

	db, err := sqlite.Open(dbPath, log)
	if err != nil {
		log.Error("Failed to open SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	recordingStorage := sqlite.NewRecordingStorage(db.GetDB(), log)
	transcriptStorage := sqlite.NewTranscriptStorage(db.GetDB(), log)

	// Create WebSocket server
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	// Create vendor client
	vendorClient := credgenics.NewClient(cfg.Vendor, log)

	// Create speech provider
	speechProvider, err := newSpeechProvider(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to create speech provider", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Using speech provider", logger.String("provider", cfg.Transcription.Provider))

	// Create pipeline service
	pipelineService := pipeline.NewService(
		ctx,
		cfg,
		vendorClient,
		speechProvider,
		recordingStorage,
		transcriptStorage,
		wsServer,
		log,
	)

	// Create post-processor (if enabled)
	var postProcessor *transcription.PostProcessor
	if cfg.PostProcessing.Enabled {
		chatProvider, err := newChatProvider(ctx, cfg, log)
		if err != nil {
			log.Error("Failed to create chat provider", logger.Error(err))
			os.Exit(1)
		}

		postProcessor, err = transcription.NewPostProcessor(
			ctx,
			transcriptStorage,
			chatProvider,
			wsServer,
			cfg.PostProcessing,
			log,
		)
		if err != nil {
			log.Error("Failed to create post-processor", logger.Error(err))
			os.Exit(1)
		}
		if err := postProcessor.Start(); err != nil {
			log.Error("Failed to start post-processor", logger.Error(err))
			os.Exit(1)
		}
	} else {
		log.Info("Post-processing disabled in configuration")
	}

	// Kick off an initial run when configured to do so
	if cfg.Pipeline.RunOnStartup {
		if run, err := pipelineService.StartRun(); err != nil {
			log.Error("Failed to start initial pipeline run", logger.Error(err))
		} else {
			log.Info("Started initial pipeline run", logger.String("run_id", run.ID))
		}
	}

	// Create API router
	handler := api.NewHandler(recordingStorage, transcriptStorage, pipelineService, wsServer, log)
	router := api.NewRouter(handler, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Stop background services first
	log.Info("Stopping pipeline service...")
	pipelineService.Stop()
	log.Info("Pipeline service stopped.")

	if postProcessor != nil {
		log.Info("Stopping post-processor...")
		postProcessor.Stop()
		log.Info("Post-processor stopped.")
	}

	// Cancel the main context
	cancel()

	// Shutdown the HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete")
	}

	log.Info("Server fully stopped")
}

// newSpeechProvider builds the configured speech-to-text provider
func newSpeechProvider(ctx context.Context, cfg *config.Config, log *logger.Logger) (ai.SpeechProvider, error) {
	switch cfg.Transcription.Provider {
	case "sarvam":
		return transcription.NewSarvamClient(&cfg.Transcription, log), nil
	case "aws":
		return transcription.NewAWSClient(ctx, &cfg.Transcription, log)
	default:
		return nil, fmt.Errorf("unknown transcription provider: %s", cfg.Transcription.Provider)
	}
}

// newChatProvider builds the configured chat provider for post-processing
func newChatProvider(ctx context.Context, cfg *config.Config, log *logger.Logger) (ai.ChatProvider, error) {
	switch cfg.PostProcessing.Provider {
	case "openai":
		client := openai.NewClient(
			cfg.OpenAI.APIKey,
			log,
			cfg.OpenAI.BaseURL,
			time.Duration(cfg.PostProcessing.TimeoutSeconds)*time.Second,
		)
		client.SetChatCompletionsPath(cfg.OpenAI.ChatCompletionsPath)
		return client, nil
	case "gemini":
		return gemini.NewClient(ctx, cfg.Gemini.APIKey, log)
	default:
		return nil, fmt.Errorf("unknown chat provider: %s", cfg.PostProcessing.Provider)
	}
}
