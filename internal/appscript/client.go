// Package appscript is the client for the Google Apps Script web app
// that fronts Drive and Sheets. Every call is a JSON POST with an
// "action" discriminator; responses carry either an "error" field or
// action-specific success fields.
package appscript

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	fileURLFormat   = "https://drive.google.com/file/d/%s/view"
	folderURLFormat = "https://drive.google.com/drive/folders/%s"
)

// Config binds a request to one deployment: the script URL and the
// optional signing key for deployments with API security enabled.
type Config struct {
	URL        string
	SigningKey string
}

// ExpenseRecord is the row payload for createExpenseRecord. Pointer
// fields serialize as JSON null when the extractor could not read
// them, which is what the spreadsheet script expects.
type ExpenseRecord struct {
	TelegramUserID   int64    `json:"telegram_user_id"`
	TelegramUsername string   `json:"telegram_username"`
	TotalAmount      *float64 `json:"total_amount"`
	Currency         *string  `json:"currency"`
	Date             *string  `json:"date"`
	Time             *string  `json:"time"`
	Items            *string  `json:"items"`
	ImageURL         string   `json:"image_url"`
}

// RecordRef identifies the created spreadsheet row.
type RecordRef struct {
	RowID         int64
	RecordID      string
	SpreadsheetID string
	SheetID       string
}

// Client talks to Apps Script deployments. One client is shared
// across groups; the per-group deployment is selected by the Config
// passed to each call.
type Client struct {
	httpClient *http.Client
	timeSource func() time.Time
}

// NewClient creates a Client with the given request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeSource: time.Now,
	}
}

// NewClientWithTime creates a Client with an injected clock for tests.
func NewClientWithTime(timeout time.Duration, now func() time.Time) *Client {
	c := NewClient(timeout)
	c.timeSource = now
	return c
}

// FileURL returns the Drive view URL for an uploaded file.
func FileURL(fileID string) string {
	return fmt.Sprintf(fileURLFormat, fileID)
}

// FolderURL returns the Drive URL for a folder.
func FolderURL(folderID string) string {
	return fmt.Sprintf(folderURLFormat, folderID)
}

// signURL appends the signed query parameters to the script URL when
// a signing key is configured: the key itself, a unix timestamp, and
// a hex SHA-256 of key+timestamp.
func (c *Client) signURL(cfg Config) (string, error) {
	if cfg.SigningKey == "" {
		return cfg.URL, nil
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing script url: %w", err)
	}

	ts := strconv.FormatInt(c.timeSource().Unix(), 10)
	sum := sha256.Sum256([]byte(cfg.SigningKey + ts))

	q := u.Query()
	q.Set("apiKey", cfg.SigningKey)
	q.Set("timestamp", ts)
	q.Set("signature", hex.EncodeToString(sum[:]))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// do posts the payload and decodes the response into out. A non-200
// status or an "error" field in the body is returned as an error;
// these are never retried here. Backend errors are terminal for the
// file that produced them.
func (c *Client) do(ctx context.Context, cfg Config, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	target, err := c.signURL(cfg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling script backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("script backend status %d: %s", resp.StatusCode, string(raw))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if probe.Error != "" {
		return fmt.Errorf("script backend error: %s", probe.Error)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// FolderByName looks up a folder by name under a parent. The bool
// result reports whether the folder exists.
func (c *Client) FolderByName(ctx context.Context, cfg Config, parentFolderID, name string) (string, bool, error) {
	payload := map[string]any{
		"action":         "getFolderByName",
		"parentFolderId": parentFolderID,
		"folderName":     name,
	}
	var resp struct {
		Found    bool   `json:"found"`
		FolderID string `json:"folderId"`
	}
	if err := c.do(ctx, cfg, payload, &resp); err != nil {
		return "", false, err
	}
	if !resp.Found {
		return "", false, nil
	}
	return resp.FolderID, true, nil
}

// CreateFolder creates a folder under a parent and returns its ID.
func (c *Client) CreateFolder(ctx context.Context, cfg Config, parentFolderID, name string) (string, error) {
	payload := map[string]any{
		"action":         "createFolder",
		"parentFolderId": parentFolderID,
		"folderName":     name,
	}
	var resp struct {
		FolderID string `json:"folderId"`
	}
	if err := c.do(ctx, cfg, payload, &resp); err != nil {
		return "", err
	}
	slog.Info("Folder created", "name", name, "folder_id", resp.FolderID)
	return resp.FolderID, nil
}

// UploadFile uploads file bytes (base64-encoded on the wire) into a
// folder and returns the Drive file ID.
func (c *Client) UploadFile(ctx context.Context, cfg Config, folderID, fileName, mimeType string, data []byte) (string, error) {
	payload := map[string]any{
		"action":      "uploadFile",
		"folderId":    folderID,
		"fileName":    fileName,
		"fileContent": base64.StdEncoding.EncodeToString(data),
		"mimeType":    mimeType,
	}
	var resp struct {
		FileID string `json:"fileId"`
	}
	if err := c.do(ctx, cfg, payload, &resp); err != nil {
		return "", err
	}
	slog.Info("File uploaded", "file_name", fileName, "file_id", resp.FileID)
	return resp.FileID, nil
}

// CreateExpenseRecord appends an expense row and returns references
// to the created row.
func (c *Client) CreateExpenseRecord(ctx context.Context, cfg Config, rec ExpenseRecord) (*RecordRef, error) {
	payload := map[string]any{
		"action": "createExpenseRecord",
		"data":   rec,
	}
	var resp struct {
		Success       bool        `json:"success"`
		RowID         json.Number `json:"rowId"`
		RecordID      string      `json:"recordId"`
		SpreadsheetID string      `json:"spreadsheetId"`
		SheetID       json.Number `json:"sheetId"`
	}
	if err := c.do(ctx, cfg, payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("script backend did not confirm record creation")
	}

	rowID, err := resp.RowID.Int64()
	if err != nil {
		// rowId only feeds the legacy owner-by-row lookup, so a
		// malformed value downgrades to a warning instead of failing
		// the record.
		slog.Warn("Ignoring non-numeric rowId in record response", "row_id", resp.RowID.String(), "error", err)
	}
	return &RecordRef{
		RowID:         rowID,
		RecordID:      resp.RecordID,
		SpreadsheetID: resp.SpreadsheetID,
		SheetID:       resp.SheetID.String(),
	}, nil
}

// UpdateReceiptNote attaches a free-text note to an existing record,
// addressed by its record ID.
func (c *Client) UpdateReceiptNote(ctx context.Context, cfg Config, recordID, note, spreadsheetID, sheetID string) error {
	payload := map[string]any{
		"action":   "updateReceiptNoteByRecordId",
		"recordId": recordID,
		"note":     note,
	}
	if spreadsheetID != "" {
		payload["spreadsheetId"] = spreadsheetID
	}
	if sheetID != "" {
		payload["sheetId"] = sheetID
	}
	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, cfg, payload, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("script backend did not confirm note update")
	}
	return nil
}
