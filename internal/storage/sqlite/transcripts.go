package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adeshpande/callscribe/pkg/logger"
)

// TranscriptRecord represents a transcript record in the database
type TranscriptRecord struct {
	ID               int64     `json:"id"`
	RecordingID      string    `json:"recording_id"`
	CreatedAt        time.Time `json:"timestamp"`
	Content          string    `json:"text"`
	Language         string    `json:"language,omitempty"`
	Model            string    `json:"model,omitempty"`
	IsProcessed      bool      `json:"is_processed"`
	ContentProcessed string    `json:"content_processed,omitempty"`
	SpeakerType      string    `json:"speaker_type,omitempty"` // "AGENT" or "CUSTOMER" dominant speaker
	Disposition      string    `json:"disposition,omitempty"`  // Call outcome label from post-processing
}

// TranscriptStorage handles storage of transcript records
type TranscriptStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewTranscriptStorage creates a new SQLite transcript storage
func NewTranscriptStorage(db *sql.DB, log *logger.Logger) *TranscriptStorage {
	storage := &TranscriptStorage{
		db:     db,
		logger: log.Named("sqlite-tx"),
	}

	if err := storage.initDB(); err != nil {
		storage.logger.Error("Failed to initialize transcript storage", logger.Error(err))
	}

	return storage
}

// initDB initializes the database tables
func (s *TranscriptStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recording_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			content TEXT NOT NULL,
			language TEXT,
			model TEXT,
			is_processed BOOLEAN NOT NULL,
			content_processed TEXT,
			speaker_type TEXT,
			disposition TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create transcripts table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_transcripts_recording_id ON transcripts(recording_id)`)
	if err != nil {
		return fmt.Errorf("failed to create recording_id index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_transcripts_created_at ON transcripts(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	return nil
}

// StoreTranscript stores a transcript record
func (s *TranscriptStorage) StoreTranscript(record *TranscriptRecord) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO transcripts
		(recording_id, created_at, content, language, model, is_processed, content_processed, speaker_type, disposition)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.RecordingID,
		record.CreatedAt.Format(time.RFC3339),
		record.Content,
		record.Language,
		record.Model,
		record.IsProcessed,
		record.ContentProcessed,
		record.SpeakerType,
		record.Disposition,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transcript: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// GetTranscripts returns all transcripts with pagination
func (s *TranscriptStorage) GetTranscripts(limit, offset int) ([]*TranscriptRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, recording_id, created_at, content, language, model, is_processed, content_processed, speaker_type, disposition
		FROM transcripts
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts: %w", err)
	}
	defer rows.Close()

	return scanTranscripts(rows)
}

// GetTranscriptsByRecording returns transcripts for a specific recording
func (s *TranscriptStorage) GetTranscriptsByRecording(recordingID string) ([]*TranscriptRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, recording_id, created_at, content, language, model, is_processed, content_processed, speaker_type, disposition
		FROM transcripts
		WHERE recording_id = ?
		ORDER BY created_at DESC`,
		recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts by recording: %w", err)
	}
	defer rows.Close()

	return scanTranscripts(rows)
}

// GetTranscriptsByTimeRange returns transcripts within a time range
func (s *TranscriptStorage) GetTranscriptsByTimeRange(startTime, endTime time.Time, limit, offset int) ([]*TranscriptRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, recording_id, created_at, content, language, model, is_processed, content_processed, speaker_type, disposition
		FROM transcripts
		WHERE created_at BETWEEN ? AND ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		startTime.Format(time.RFC3339), endTime.Format(time.RFC3339), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts by time range: %w", err)
	}
	defer rows.Close()

	return scanTranscripts(rows)
}

// GetUnprocessedTranscripts retrieves a batch of transcripts pending
// post-processing
func (s *TranscriptStorage) GetUnprocessedTranscripts(batchSize int) ([]*TranscriptRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, recording_id, created_at, content, language, model, is_processed, content_processed, speaker_type, disposition
		FROM transcripts
		WHERE is_processed = 0
		ORDER BY created_at ASC
		LIMIT ?`,
		batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed transcripts: %w", err)
	}
	defer rows.Close()

	return scanTranscripts(rows)
}

// UpdateProcessedTranscript updates a transcript with post-processed content
func (s *TranscriptStorage) UpdateProcessedTranscript(id int64, contentProcessed, speakerType, disposition string) error {
	_, err := s.db.Exec(
		`UPDATE transcripts
		SET content_processed = ?, is_processed = 1, speaker_type = ?, disposition = ?
		WHERE id = ?`,
		contentProcessed,
		speakerType,
		disposition,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update processed transcript: %w", err)
	}

	return nil
}

func scanTranscripts(rows *sql.Rows) ([]*TranscriptRecord, error) {
	var records []*TranscriptRecord
	for rows.Next() {
		var record TranscriptRecord
		var createdAt string
		var language, model sql.NullString
		var contentProcessed, speakerType, disposition sql.NullString

		if err := rows.Scan(
			&record.ID,
			&record.RecordingID,
			&createdAt,
			&record.Content,
			&language,
			&model,
			&record.IsProcessed,
			&contentProcessed,
			&speakerType,
			&disposition,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}

		var err error
		record.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		if language.Valid {
			record.Language = language.String
		}
		if model.Valid {
			record.Model = model.String
		}
		if contentProcessed.Valid {
			record.ContentProcessed = contentProcessed.String
		}
		if speakerType.Valid {
			record.SpeakerType = speakerType.String
		}
		if disposition.Valid {
			record.Disposition = disposition.String
		}

		records = append(records, &record)
	}

	return records, nil
}
