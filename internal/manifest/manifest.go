// Package manifest loads the CSV listing of call recordings to process.
package manifest

import (
	"encoding/csv"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/adeshpande/callscribe/pkg/logger"
)

// Entry identifies one call recording on the vendor's system
type Entry struct {
	RecordingID string // Extracted from the recording_link id query param
	CompanyID   string // From the company_id column, or the configured default
	SourceLink  string // Original recording_link value
}

// RecordingIDFromLink extracts the recording ID from a recording_link URL
// (the id query parameter). Returns false when the link carries no usable ID.
func RecordingIDFromLink(link string) (string, bool) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", false
	}

	parsed, err := url.Parse(link)
	if err != nil {
		return "", false
	}

	id := strings.TrimSpace(parsed.Query().Get("id"))
	if id == "" {
		return "", false
	}
	return id, true
}

// Load reads the manifest CSV and returns entries for every row with a
// usable recording link. Rows without a link or without an extractable ID
// are skipped with a warning, never fatal.
func Load(path, defaultCompanyID string, log *logger.Logger) ([]Entry, error) {
	log = log.Named("manifest")

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest header: %w", err)
	}

	linkCol := -1
	companyCol := -1
	for i, name := range header {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "recording_link":
			linkCol = i
		case "company_id":
			companyCol = i
		}
	}
	if linkCol < 0 {
		return nil, fmt.Errorf("manifest %s has no recording_link column", path)
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest rows: %w", err)
	}

	var entries []Entry
	skipped := 0
	for _, record := range records {
		if linkCol >= len(record) {
			continue
		}

		link := strings.TrimSpace(record[linkCol])
		if link == "" {
			continue
		}

		id, ok := RecordingIDFromLink(link)
		if !ok {
			skipped++
			log.Warn("Could not extract recording ID from link",
				logger.String("link", truncate(link, 80)))
			continue
		}

		companyID := defaultCompanyID
		if companyCol >= 0 && companyCol < len(record) {
			if v := strings.TrimSpace(record[companyCol]); v != "" {
				companyID = v
			}
		}

		entries = append(entries, Entry{
			RecordingID: id,
			CompanyID:   companyID,
			SourceLink:  link,
		})
	}

	log.Info("Loaded recording manifest",
		logger.String("path", path),
		logger.Int("recordings", len(entries)),
		logger.Int("skipped", skipped))

	return entries, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
