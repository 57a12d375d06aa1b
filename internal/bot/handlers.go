package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/amarnathcjd/gogram/telegram"

	"github.com/olegsm/receipt-bot/internal/config"
	"github.com/olegsm/receipt-bot/internal/receipt"
	"github.com/olegsm/receipt-bot/internal/scanning"
)

const accessDeniedText = "⛔ Sorry, you don't have access to this bot. " +
	"Please contact the administrator if you believe this is an error."

// confirmationMarker identifies bot confirmation messages that notes
// can be attached to. The note store is authoritative; the marker is
// a cheap pre-filter.
const confirmationMarker = "successfully analyzed and saved"

func (b *Bot) handleStart(m *telegram.NewMessage) error {
	if !b.groups.IsAllowed(m.SenderID()) {
		_, err := m.Reply(accessDeniedText)
		return err
	}

	name := ""
	if m.Sender != nil {
		name = m.Sender.FirstName
	}

	_, err := m.Reply(fmt.Sprintf(
		"👋 Hello, %s! I'm your Receipt Bot!\n\n"+
			"📝 I can help you:\n"+
			"• 📸 Upload and organize photos\n"+
			"• 📄 Process PDF documents\n"+
			"• 🧾 Analyze receipts automatically\n"+
			"• 📊 Track expenses in Google Sheets\n"+
			"• 📝 Add notes to receipts by replying to messages\n\n"+
			"📤 All files are stored in Google Drive folder.\n"+
			"⚠️ Maximum file size: %d MB\n\n"+
			"🔍 Send me a receipt photo or PDF to get started!\n"+
			"❓ Type /help for more information.",
		name, b.maxFileSize/(1024*1024)))
	return err
}

func (b *Bot) handleHelp(m *telegram.NewMessage) error {
	if !b.groups.IsAllowed(m.SenderID()) {
		_, err := m.Reply(accessDeniedText)
		return err
	}

	_, err := m.Reply(
		"🤖 *Bot Features and Commands*\n\n"+
			"📋 *File Support:*\n"+
			"• 📸 Photos - Send receipts directly from your camera\n"+
			"• 📄 Documents - Upload PDFs, images\n"+
			"• 🧾 Receipts - Automatically extract amount, date, items\n\n"+
			"🔄 *Processing Flow:*\n"+
			"1. Send me a receipt (photo or PDF)\n"+
			"2. I'll upload it to your Google Drive folder\n"+
			"3. 🔍 AI will analyze the receipt content\n"+
			"4. 📊 Data will be added to your expense spreadsheet\n\n"+
			"⚠️ *Limitations:*\n"+
			fmt.Sprintf("• Maximum file size: %d MB\n", b.maxFileSize/(1024*1024))+
			"• Currently, video and audio files are not supported\n\n"+
			"🔔 *Tips:*\n"+
			"• When uploading multiple files, wait for the confirmation message\n"+
			"• You can click on the Google Drive link to view all your uploaded files\n\n"+
			"📝 *Receipt Notes:*\n"+
			"• Reply to any receipt message with text to add notes\n"+
			"• Notes can be added up to 14 days after uploading a receipt",
		telegram.SendOptions{ParseMode: "Markdown"})
	return err
}

// handleMedia dispatches inbound media by kind. Photos and documents
// go to the pipeline; everything else gets the unsupported-type
// reply.
func (b *Bot) handleMedia(m *telegram.NewMessage) error {
	owner := m.SenderID()
	if !b.groups.IsAllowed(owner) {
		_, err := m.Reply(accessDeniedText)
		return err
	}

	switch {
	case m.Photo() != nil:
		return b.handlePhoto(m)
	case m.Sticker() != nil, m.Video() != nil, m.Audio() != nil, m.Voice() != nil, m.Animation() != nil:
		return b.handleUnsupported(m)
	case m.Document() != nil:
		return b.handleDocument(m)
	default:
		return b.handleUnsupported(m)
	}
}

func (b *Bot) handlePhoto(m *telegram.NewMessage) error {
	owner := m.SenderID()
	group, _ := b.groups.GroupFor(owner)

	if photoSize(m.Photo()) > b.maxFileSize {
		_, err := m.Reply(fmt.Sprintf("⚠️ Photo is too large! Maximum file size: %d MB.", b.maxFileSize/(1024*1024)))
		return err
	}

	data, err := downloadMedia(m)
	if err != nil {
		slog.Error("Failed to download photo", "owner_id", owner, "error", err)
		_, err := m.Reply("⚠️ Failed to download the photo. Please try sending it again.")
		return err
	}

	if int64(len(data)) > b.maxFileSize {
		_, err := m.Reply(fmt.Sprintf("⚠️ Photo is too large! Maximum file size: %d MB.", b.maxFileSize/(1024*1024)))
		return err
	}

	filename := fmt.Sprintf("photo_%d.jpg", m.ID)
	b.processFile(m, group, filename, "image/jpeg", data, "receipt image")
	return nil
}

func (b *Bot) handleDocument(m *telegram.NewMessage) error {
	owner := m.SenderID()
	group, _ := b.groups.GroupFor(owner)

	doc := m.Document()
	filename := docFilename(doc)

	if doc.Size > b.maxFileSize {
		_, err := m.Reply(fmt.Sprintf("⚠️ File '%s' is too large! Maximum file size: %d MB.", filename, b.maxFileSize/(1024*1024)))
		return err
	}

	data, err := downloadMedia(m)
	if err != nil {
		slog.Error("Failed to download document", "owner_id", owner, "filename", filename, "error", err)
		_, err := m.Reply(fmt.Sprintf("⚠️ Failed to download '%s'. Please try sending it again.", filename))
		return err
	}
	if int64(len(data)) > b.maxFileSize {
		_, err := m.Reply(fmt.Sprintf("⚠️ File '%s' is too large! Maximum file size: %d MB.", filename, b.maxFileSize/(1024*1024)))
		return err
	}

	mimeType := doc.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	b.processFile(m, group, filename, mimeType, data, fileKind(mimeType))
	return nil
}

// processFile runs one accepted file through the pipeline, keeping
// the batch coordinator informed at every terminal outcome. The
// MarkCompleted call is deferred: a file that registered must always
// settle, whatever path its processing takes.
func (b *Bot) processFile(m *telegram.NewMessage, group config.Group, filename, mimeType string, data []byte, kind string) {
	owner := m.SenderID()
	token := receipt.FileToken(owner, m.ID)
	b.coord.Register(owner, token, b.svc.CachedFolder(owner), m.ChatID())
	defer b.coord.MarkCompleted(owner, token)

	progress, progressErr := m.Reply(fmt.Sprintf("🔍 Analyzing %s. This may take some time...", kind))
	if progressErr == nil && mimeType == "application/pdf" {
		if pages, err := scanning.PDFPageCount(data); err == nil && pages > 1 {
			analyzed := pages
			if limit := b.svc.MaxPDFPages(); limit > 0 && analyzed > limit {
				analyzed = limit
			}
			if _, err := progress.Edit(multiPageProgressText(pages, analyzed)); err != nil {
				slog.Warn("Failed to update progress message", "error", err)
			}
		}
	}
	deleteProgress := func() {
		if progressErr == nil {
			if _, err := progress.Delete(); err != nil {
				slog.Warn("Failed to delete progress message", "error", err)
			}
		}
	}

	out, err := b.svc.Process(context.Background(), receipt.ProcessInput{
		OwnerID:     owner,
		DisplayName: displayName(m.Sender),
		Filename:    filename,
		MimeType:    mimeType,
		Data:        data,
		Group:       group,
	})
	deleteProgress()

	if err != nil {
		b.coord.RecordFailure(owner, filename)
		slog.Error("Pipeline failed", "owner_id", owner, "filename", filename, "stage", receipt.FailedStage(err), "error", err)
		if _, rerr := m.Reply(stageFailureText(receipt.FailedStage(err), filename, kind)); rerr != nil {
			slog.Error("Failed to send failure reply", "owner_id", owner, "error", rerr)
		}
		return
	}

	if !out.Analyzed {
		if _, err := m.Reply("✅ File uploaded to your Google Drive folder."); err != nil {
			slog.Error("Failed to send upload confirmation", "owner_id", owner, "error", err)
		}
		return
	}

	text := buildReceiptMessage(kind, out.Data, out.FolderID, config.MessageTemplate(group.ID))
	sent, err := m.Reply(text, telegram.SendOptions{ParseMode: "Markdown"})
	if err != nil {
		slog.Error("Failed to send confirmation", "owner_id", owner, "error", err)
		return
	}

	rec := receipt.NoteRecord{
		SheetRowID:    out.Record.RowID,
		RecordID:      out.Record.RecordID,
		GroupID:       out.Record.GroupID,
		SpreadsheetID: out.Record.SpreadsheetID,
		SheetID:       out.Record.SheetID,
		MessageText:   text,
	}
	if err := b.notes.Register(owner, sent.ID, rec); err != nil {
		slog.Error("Failed to register receipt message", "owner_id", owner, "error", err)
	}
}

// handleNote attaches a reply's text to the spreadsheet row the
// replied-to confirmation message reported.
func (b *Bot) handleNote(m *telegram.NewMessage) error {
	if m.IsMedia() || m.IsCommand() || strings.TrimSpace(m.Text()) == "" {
		return nil
	}

	owner := m.SenderID()
	if !b.groups.IsAllowed(owner) {
		_, err := m.Reply(accessDeniedText)
		return err
	}

	original, err := m.GetReplyMessage()
	if err != nil {
		slog.Warn("Failed to fetch replied-to message", "owner_id", owner, "error", err)
		return nil
	}

	me := b.client.Me()
	if me == nil || original.SenderID() != me.ID {
		return nil
	}
	if !strings.Contains(original.Text(), confirmationMarker) {
		return nil
	}

	rec, ok, err := b.notes.Lookup(owner, original.ID)
	if err != nil {
		slog.Error("Note lookup failed", "owner_id", owner, "error", err)
		_, rerr := m.Reply("❌ Failed to add note. Please try again.")
		return rerr
	}
	if !ok {
		_, err := m.Reply("❌ Could not find the associated receipt or note is too old (max 14 days).")
		return err
	}

	group, _ := b.groups.GroupFor(owner)
	if err := b.svc.AttachNote(context.Background(), group, *rec, m.Text()); err != nil {
		slog.Error("Failed to add note", "owner_id", owner, "record_id", rec.RecordID, "error", err)
		_, rerr := m.Reply("❌ Failed to add note. Please try again.")
		return rerr
	}

	slog.Info("Note added to receipt", "owner_id", owner, "record_id", rec.RecordID)
	_, err = m.Reply("✅ Note added successfully to the receipt!")
	return err
}

func (b *Bot) handleUnsupported(m *telegram.NewMessage) error {
	kind := "unknown"
	switch {
	case m.Video() != nil:
		kind = "video"
	case m.Audio() != nil:
		kind = "audio"
	case m.Voice() != nil:
		kind = "voice message"
	case m.Sticker() != nil:
		kind = "sticker"
	case m.Animation() != nil:
		kind = "animation/GIF"
	case m.Geo() != nil:
		kind = "location"
	case m.Contact() != nil:
		kind = "contact"
	}

	_, err := m.Reply(fmt.Sprintf(
		"⚠️ Sorry, %s files are not supported.\n\nPlease send receipts as photos or PDF documents.", kind))
	return err
}

func displayName(u *telegram.UserObj) string {
	if u == nil {
		return "unknown"
	}
	if u.Username != "" {
		return u.Username
	}
	return u.FirstName
}
