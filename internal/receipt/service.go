package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/olegsm/receipt-bot/internal/appscript"
	"github.com/olegsm/receipt-bot/internal/config"
	"github.com/olegsm/receipt-bot/internal/scanning"
)

// Stage names the pipeline step where a file's processing stopped.
type Stage string

const (
	StageUpload  Stage = "upload"
	StageConvert Stage = "convert"
	StageExtract Stage = "extract"
	StageRecord  Stage = "record"
)

// StageError wraps a pipeline failure with the stage it happened in,
// so the ingress layer can word the user-facing message.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage extracts the stage from a pipeline error, or empty when
// the error did not come from the pipeline.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Backend is the remote Drive/Sheets surface the pipeline talks to.
// The Config argument selects the per-group deployment.
type Backend interface {
	FolderByName(ctx context.Context, cfg appscript.Config, parentFolderID, name string) (string, bool, error)
	CreateFolder(ctx context.Context, cfg appscript.Config, parentFolderID, name string) (string, error)
	UploadFile(ctx context.Context, cfg appscript.Config, folderID, fileName, mimeType string, data []byte) (string, error)
	CreateExpenseRecord(ctx context.Context, cfg appscript.Config, rec appscript.ExpenseRecord) (*appscript.RecordRef, error)
	UpdateReceiptNote(ctx context.Context, cfg appscript.Config, recordID, note, spreadsheetID, sheetID string) error
}

// ProcessInput carries one inbound file through the pipeline.
type ProcessInput struct {
	OwnerID     int64
	DisplayName string // username or first name, used in folder and row naming
	Filename    string // original filename, used for extension and failure reporting
	MimeType    string
	Data        []byte
	Group       config.Group
}

// Outcome is the terminal result of one pipeline run. On a stage
// error the fields filled in before the failure remain set, so a
// partial success (stored but not analyzed) still carries the file
// URL.
type Outcome struct {
	Stored   bool
	Analyzed bool
	FileID   string
	FileURL  string
	FolderID string
	Data     *scanning.ReceiptData
	Record   *RecordRef
}

// Service is the Upload Pipeline: it stores a file in the remote
// Drive backend, normalizes it for extraction, extracts structured
// receipt fields, and persists a spreadsheet row.
type Service struct {
	backend     Backend
	scanner     scanning.Scanner
	timeSource  TimeSource
	maxPDFPages int

	// Folder resolution cache: owner -> resolved Drive folder ID.
	// Populated lazily, never evicted. Concurrent first resolutions
	// for the same owner may each create the folder remotely; the
	// backend treats that as a benign duplicate.
	foldersMu sync.Mutex
	folders   map[int64]string
}

// NewService creates a Service with the default time source.
func NewService(backend Backend, scanner scanning.Scanner, maxPDFPages int) *Service {
	return NewServiceWithTime(backend, scanner, maxPDFPages, &defaultTimeSource{})
}

// NewServiceWithTime creates a Service with an injected time source
// for testing.
func NewServiceWithTime(backend Backend, scanner scanning.Scanner, maxPDFPages int, timeSource TimeSource) *Service {
	return &Service{
		backend:     backend,
		scanner:     scanner,
		timeSource:  timeSource,
		maxPDFPages: maxPDFPages,
		folders:     make(map[int64]string),
	}
}

// formattedFilename derives the stored filename:
// <owner>_<hour>_<minute>_<month>_<day>_<year><ext>. Collisions for
// one owner within the same minute are acceptable.
func formattedFilename(ownerID int64, now time.Time, originalFilename string) string {
	ext := filepath.Ext(originalFilename)
	return fmt.Sprintf("%d_%d_%d_%d_%d_%d%s",
		ownerID, now.Hour(), now.Minute(), int(now.Month()), now.Day(), now.Year(), ext)
}

// MaxPDFPages returns the page cap applied to PDF extraction.
func (s *Service) MaxPDFPages() int {
	return s.maxPDFPages
}

// CachedFolder returns the owner's resolved folder ID, or empty when
// no resolution has happened yet.
func (s *Service) CachedFolder(ownerID int64) string {
	s.foldersMu.Lock()
	defer s.foldersMu.Unlock()
	return s.folders[ownerID]
}

// resolveFolder returns the owner's Drive folder, consulting the
// cache first and lazily finding or creating the remote folder on a
// miss.
func (s *Service) resolveFolder(ctx context.Context, in ProcessInput) (string, error) {
	s.foldersMu.Lock()
	cached, ok := s.folders[in.OwnerID]
	s.foldersMu.Unlock()
	if ok {
		return cached, nil
	}

	cfg := appscript.Config{URL: in.Group.ScriptURL, SigningKey: in.Group.SigningKey}
	name := fmt.Sprintf("%d_%s", in.OwnerID, in.DisplayName)

	folderID, found, err := s.backend.FolderByName(ctx, cfg, in.Group.RootFolderID, name)
	if err != nil {
		return "", fmt.Errorf("finding folder: %w", err)
	}
	if !found {
		folderID, err = s.backend.CreateFolder(ctx, cfg, in.Group.RootFolderID, name)
		if err != nil {
			return "", fmt.Errorf("creating folder: %w", err)
		}
	}

	s.foldersMu.Lock()
	s.folders[in.OwnerID] = folderID
	s.foldersMu.Unlock()

	return folderID, nil
}

// Process runs one file through the pipeline. Every return is a
// terminal outcome; the caller is responsible for reporting it to the
// batch coordinator.
func (s *Service) Process(ctx context.Context, in ProcessInput) (*Outcome, error) {
	out := &Outcome{}
	cfg := appscript.Config{URL: in.Group.ScriptURL, SigningKey: in.Group.SigningKey}

	folderID, err := s.resolveFolder(ctx, in)
	if err != nil {
		return out, &StageError{Stage: StageUpload, Err: err}
	}
	out.FolderID = folderID

	storedName := formattedFilename(in.OwnerID, s.timeSource.Now(), in.Filename)

	fileID, err := s.backend.UploadFile(ctx, cfg, folderID, storedName, in.MimeType, in.Data)
	if err != nil {
		return out, &StageError{Stage: StageUpload, Err: err}
	}
	out.Stored = true
	out.FileID = fileID
	out.FileURL = appscript.FileURL(fileID)

	// Files the extractor cannot work with are stored and left
	// unanalyzed; that is a success, not a failure.
	if !scanning.IsAnalyzable(in.MimeType) {
		slog.Info("File stored without analysis", "owner_id", in.OwnerID, "mime_type", in.MimeType)
		return out, nil
	}

	pages, err := scanning.PreparePages(in.Data, in.MimeType, s.maxPDFPages)
	if err != nil {
		return out, &StageError{Stage: StageConvert, Err: err}
	}

	data, err := s.scanner.ScanReceipt(ctx, pages)
	if err != nil {
		slog.Error("Failed to scan receipt",
			"filename", in.Filename,
			"content_type", in.MimeType,
			"file_size", len(in.Data),
			"error", err,
		)
		return out, &StageError{Stage: StageExtract, Err: err}
	}
	out.Data = data

	rec := appscript.ExpenseRecord{
		TelegramUserID:   in.OwnerID,
		TelegramUsername: in.DisplayName,
		TotalAmount:      data.TotalAmount,
		Currency:         data.Currency,
		Date:             data.Date,
		Time:             data.Time,
		Items:            data.Items,
		ImageURL:         out.FileURL,
	}
	ref, err := s.backend.CreateExpenseRecord(ctx, cfg, rec)
	if err != nil {
		return out, &StageError{Stage: StageRecord, Err: err}
	}

	out.Analyzed = true
	out.Record = &RecordRef{
		RowID:         ref.RowID,
		RecordID:      ref.RecordID,
		GroupID:       in.Group.ID,
		SpreadsheetID: ref.SpreadsheetID,
		SheetID:       ref.SheetID,
	}
	return out, nil
}

// AttachNote appends a note to a previously created expense record.
func (s *Service) AttachNote(ctx context.Context, group config.Group, rec NoteRecord, note string) error {
	if rec.RecordID == "" {
		return fmt.Errorf("note record has no record id")
	}
	cfg := appscript.Config{URL: group.ScriptURL, SigningKey: group.SigningKey}
	return s.backend.UpdateReceiptNote(ctx, cfg, rec.RecordID, note, rec.SpreadsheetID, rec.SheetID)
}
