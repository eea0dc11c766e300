package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adeshpande/callscribe/pkg/logger"
)

// Recording lifecycle states
const (
	StatusPending     = "pending"     // Known from the manifest, nothing fetched yet
	StatusResolved    = "resolved"    // Public URL obtained from the vendor
	StatusDownloaded  = "downloaded"  // Audio saved locally
	StatusTranscribed = "transcribed" // Transcript stored
	StatusFailed      = "failed"      // Permanent failure, see error column
)

// RecordingRecord represents a call recording tracked by the pipeline
type RecordingRecord struct {
	ID           string     `json:"id"` // Vendor recording ID
	RunID        string     `json:"run_id"`
	CompanyID    string     `json:"company_id"`
	SourceLink   string     `json:"source_link"`
	PublicURL    string     `json:"public_url,omitempty"`
	AudioPath    string     `json:"audio_path,omitempty"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
}

// RecordingStorage handles storage of recording records
type RecordingStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewRecordingStorage creates a new SQLite recording storage
func NewRecordingStorage(db *sql.DB, log *logger.Logger) *RecordingStorage {
	storage := &RecordingStorage{
		db:     db,
		logger: log.Named("sqlite-rec"),
	}

	if err := storage.initDB(); err != nil {
		storage.logger.Error("Failed to initialize recording storage", logger.Error(err))
	}

	return storage
}

// initDB initializes the database tables
func (s *RecordingStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			company_id TEXT NOT NULL,
			source_link TEXT NOT NULL,
			public_url TEXT,
			audio_path TEXT,
			status TEXT NOT NULL,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			downloaded_at TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create recordings table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(status)`)
	if err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_recordings_run_id ON recordings(run_id)`)
	if err != nil {
		return fmt.Errorf("failed to create run_id index: %w", err)
	}

	return nil
}

// UpsertRecording inserts a recording or refreshes its manifest fields if it
// already exists. A recording already transcribed keeps its status so reruns
// skip finished work.
func (s *RecordingStorage) UpsertRecording(record *RecordingRecord) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO recordings (id, run_id, company_id, source_link, public_url, audio_path, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			company_id = excluded.company_id,
			source_link = excluded.source_link,
			updated_at = excluded.updated_at`,
		record.ID,
		record.RunID,
		record.CompanyID,
		record.SourceLink,
		record.PublicURL,
		record.AudioPath,
		record.Status,
		record.ErrorMessage,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert recording: %w", err)
	}
	return nil
}

// SetResolved stores the public URL and moves the recording to resolved
func (s *RecordingStorage) SetResolved(id, publicURL string) error {
	return s.update(id,
		`UPDATE recordings SET public_url = ?, status = ?, error = '', updated_at = ? WHERE id = ?`,
		publicURL, StatusResolved)
}

// SetDownloaded stores the audio path and moves the recording to downloaded
func (s *RecordingStorage) SetDownloaded(id, audioPath string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`UPDATE recordings SET audio_path = ?, status = ?, error = '', updated_at = ?, downloaded_at = ? WHERE id = ?`,
		audioPath, StatusDownloaded, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update recording %s: %w", id, err)
	}
	return nil
}

// SetTranscribed moves the recording to transcribed
func (s *RecordingStorage) SetTranscribed(id string) error {
	return s.update(id,
		`UPDATE recordings SET status = ?, error = '', updated_at = ? WHERE id = ?`,
		StatusTranscribed)
}

// SetFailed moves the recording to failed with the given reason
func (s *RecordingStorage) SetFailed(id, reason string) error {
	return s.update(id,
		`UPDATE recordings SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, reason)
}

func (s *RecordingStorage) update(id, query string, args ...any) error {
	now := time.Now().UTC().Format(time.RFC3339)
	args = append(args, now, id)
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update recording %s: %w", id, err)
	}
	return nil
}

// GetRecording returns a single recording by its vendor ID
func (s *RecordingStorage) GetRecording(id string) (*RecordingRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, run_id, company_id, source_link, public_url, audio_path, status, error, created_at, updated_at, downloaded_at
		FROM recordings WHERE id = ?`, id)

	record, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recording %s: %w", id, err)
	}
	return record, nil
}

// GetRecordings returns recordings, optionally filtered by status, with
// pagination
func (s *RecordingStorage) GetRecordings(status string, limit, offset int) ([]*RecordingRecord, error) {
	query := `SELECT id, run_id, company_id, source_link, public_url, audio_path, status, error, created_at, updated_at, downloaded_at
		FROM recordings `
	args := []any{}
	if status != "" {
		query += `WHERE status = ? `
		args = append(args, status)
	}
	query += `ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()

	var records []*RecordingRecord
	for rows.Next() {
		record, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		records = append(records, record)
	}

	return records, nil
}

// GetRecordingsByRun returns all recordings belonging to a pipeline run
func (s *RecordingStorage) GetRecordingsByRun(runID string) ([]*RecordingRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, company_id, source_link, public_url, audio_path, status, error, created_at, updated_at, downloaded_at
		FROM recordings WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings by run: %w", err)
	}
	defer rows.Close()

	var records []*RecordingRecord
	for rows.Next() {
		record, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		records = append(records, record)
	}

	return records, nil
}

// CountByStatus returns a status -> count map over all recordings
func (s *RecordingStorage) CountByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM recordings GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count recordings: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}

	return counts, nil
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (*RecordingRecord, error) {
	var record RecordingRecord
	var publicURL, audioPath, errMsg sql.NullString
	var createdAt, updatedAt string
	var downloadedAt sql.NullString

	if err := row.Scan(
		&record.ID,
		&record.RunID,
		&record.CompanyID,
		&record.SourceLink,
		&publicURL,
		&audioPath,
		&record.Status,
		&errMsg,
		&createdAt,
		&updatedAt,
		&downloadedAt,
	); err != nil {
		return nil, err
	}

	if publicURL.Valid {
		record.PublicURL = publicURL.String
	}
	if audioPath.Valid {
		record.AudioPath = audioPath.String
	}
	if errMsg.Valid {
		record.ErrorMessage = errMsg.String
	}

	var err error
	record.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	record.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if downloadedAt.Valid && downloadedAt.String != "" {
		t, err := time.Parse(time.RFC3339, downloadedAt.String)
		if err == nil {
			record.DownloadedAt = &t
		}
	}

	return &record, nil
}
