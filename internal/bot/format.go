package bot

import (
	"fmt"
	"strings"

	"github.com/olegsm/receipt-bot/internal/appscript"
	"github.com/olegsm/receipt-bot/internal/receipt"
	"github.com/olegsm/receipt-bot/internal/scanning"
)

// maxItemsTextLength bounds the items line in confirmation messages
// so long receipts don't flood the chat.
const maxItemsTextLength = 30

func fileKind(mimeType string) string {
	switch {
	case mimeType == "application/pdf":
		return "PDF document"
	case strings.HasPrefix(mimeType, "image/"):
		return "receipt image"
	default:
		return "file"
	}
}

// multiPageProgressText replaces the generic progress message when a
// PDF turns out to have several pages.
func multiPageProgressText(pages, analyzed int) string {
	return fmt.Sprintf("📄 Multi-page PDF detected (%d pages). Analyzing up to %d pages...", pages, analyzed)
}

func stageFailureText(stage receipt.Stage, filename, kind string) string {
	switch stage {
	case receipt.StageUpload:
		return fmt.Sprintf("⚠️ Failed to upload '%s' to Google Drive. Please try sending it again.", filename)
	case receipt.StageConvert:
		return fmt.Sprintf("⚠️ Failed to convert '%s' for analysis. The file was uploaded to the drive but not processed.", filename)
	case receipt.StageExtract:
		return fmt.Sprintf("⚠️ An error occurred while analyzing '%s'. The file was uploaded to the drive but not processed. Please try sending it again.", filename)
	case receipt.StageRecord:
		return fmt.Sprintf("⚠️ File '%s' uploaded, but failed to create a record in the spreadsheet.", filename)
	default:
		return fmt.Sprintf("⚠️ An error occurred while processing the %s. Please try sending it again.", kind)
	}
}

// buildReceiptMessage composes the per-file confirmation. It carries
// the marker text handleNote keys on, so the marker must survive any
// rewording here.
func buildReceiptMessage(kind string, data *scanning.ReceiptData, folderID, template string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ The %s was successfully analyzed and saved.\n", kind)

	if data != nil {
		if data.TotalAmount != nil {
			currency := ""
			if data.Currency != nil {
				currency = " " + *data.Currency
			}
			fmt.Fprintf(&b, "💰 Amount: %.2f%s\n", *data.TotalAmount, currency)
		}
		if data.Date != nil {
			fmt.Fprintf(&b, "📅 Date: %s", *data.Date)
			if data.Time != nil {
				fmt.Fprintf(&b, " %s", *data.Time)
			}
			b.WriteString("\n")
		}
		if data.Items != nil {
			fmt.Fprintf(&b, "🛒 Items: %s\n", truncate(*data.Items, maxItemsTextLength))
		}
	}

	if template != "" && folderID != "" {
		b.WriteString("\n")
		b.WriteString(strings.ReplaceAll(template, "{folder_url}", appscript.FolderURL(folderID)))
	}

	return b.String()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
