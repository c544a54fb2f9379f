package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/theimaginaryfoundation/memory-migrate/migration/fileutils"
)

// ReportRecord is one row of the run report, one per conversation.
type ReportRecord struct {
	ConversationID int    `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	Items          int    `json:"items"`
	Delivered      int    `json:"delivered"`
	Source         string `json:"source"`
	Cached         bool   `json:"cached,omitempty"`
	Error          string `json:"error,omitempty"`
}

// BuildReportRecords creates a stable report row for every conversation the insert phase handled.
func BuildReportRecords(res MigrationResult) []ReportRecord {
	cached := make(map[int]bool, len(res.CachedConversations))
	for _, id := range res.CachedConversations {
		cached[id] = true
	}
	out := make([]ReportRecord, 0, len(res.Insert.Results))
	for _, r := range res.Insert.Results {
		rec := ReportRecord{
			ConversationID: r.ConversationID,
			SessionID:      r.SessionID,
			Items:          r.Items,
			Delivered:      r.Delivered,
			Source:         string(res.Stage),
			Cached:         cached[r.ConversationID],
		}
		if r.Err != nil {
			rec.Error = fileutils.FlattenNewlines(r.Err.Error())
		}
		out = append(out, rec)
	}
	return out
}

// WriteReport writes records as JSON lines, replacing any previous report.
func WriteReport(path string, records []ReportRecord) error {
	if path == "" {
		return errors.New("WriteReport: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("WriteReport: %w", err)
	}
	lines := make([]string, 0, len(records))
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("WriteReport: conversation %d: %w", r.ConversationID, err)
		}
		lines = append(lines, string(line))
	}
	return fileutils.WriteLinesAtomic(path, lines, 0o644)
}
