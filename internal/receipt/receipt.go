package receipt

import (
	"fmt"
	"time"
)

// RecordRef identifies a persisted expense row in the remote
// spreadsheet.
type RecordRef struct {
	RowID         int64
	RecordID      string
	GroupID       int
	SpreadsheetID string
	SheetID       string
}

// NoteRecord links a sent confirmation message to the spreadsheet row
// it reported, so a later reply to that message can attach a note to
// the row. JSON field names are the on-disk tracking format.
type NoteRecord struct {
	SheetRowID    int64  `json:"sheet_row_id"`
	RecordID      string `json:"record_id"`
	GroupID       int    `json:"group_id"`
	SpreadsheetID string `json:"spreadsheet_id"`
	SheetID       string `json:"sheet_id"`
	Timestamp     int64  `json:"timestamp"` // unix seconds
	MessageText   string `json:"message_text"`
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// FileToken derives the per-file completion token from the owner and
// the Telegram message that carried the file.
func FileToken(ownerID int64, messageID int32) string {
	return fmt.Sprintf("%d_%d", ownerID, messageID)
}

// noteKey is the store key for a confirmation message.
func noteKey(ownerID int64, messageID int32) string {
	return fmt.Sprintf("%d_%d", ownerID, messageID)
}
