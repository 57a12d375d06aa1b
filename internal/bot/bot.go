// Package bot is the Telegram-facing surface: it receives commands,
// photos, documents and reply notes, validates them, and drives the
// upload pipeline and batch coordinator.
package bot

import (
	"bytes"

	"github.com/amarnathcjd/gogram/telegram"

	"github.com/olegsm/receipt-bot/internal/config"
	"github.com/olegsm/receipt-bot/internal/receipt"
)

// Bot wires the Telegram client to the receipt service, the batch
// coordinator and the note store.
type Bot struct {
	client      *telegram.Client
	groups      *config.Groups
	svc         *receipt.Service
	coord       *receipt.Coordinator
	notes       receipt.NoteStore
	maxFileSize int64
}

// New creates a Bot. RegisterHandlers must be called before the
// client starts dispatching updates.
func New(client *telegram.Client, groups *config.Groups, svc *receipt.Service, coord *receipt.Coordinator, notes receipt.NoteStore, maxFileSize int64) *Bot {
	return &Bot{
		client:      client,
		groups:      groups,
		svc:         svc,
		coord:       coord,
		notes:       notes,
		maxFileSize: maxFileSize,
	}
}

// RegisterHandlers attaches all message handlers to the client.
func (b *Bot) RegisterHandlers() {
	b.client.On("message:/start", b.handleStart)
	b.client.On("message:/help", b.handleHelp)
	b.client.On(telegram.OnMessage, b.handleMedia, telegram.FilterPrivate, telegram.FilterMedia)
	b.client.On(telegram.OnMessage, b.handleNote, telegram.FilterPrivate, telegram.FilterReply)
}

// Messenger returns the coordinator-facing delivery channel for this
// client. It is a separate value so the coordinator can be
// constructed before the Bot.
func Messenger(client *telegram.Client) receipt.Messenger {
	return &clientMessenger{client: client}
}

type clientMessenger struct {
	client *telegram.Client
}

func (c *clientMessenger) SendText(chatID int64, text string) error {
	_, err := c.client.SendMessage(chatID, text, &telegram.SendOptions{ParseMode: "Markdown"})
	return err
}

// downloadMedia fetches the message's file payload into memory.
func downloadMedia(m *telegram.NewMessage) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.Download(&telegram.DownloadOptions{Buffer: &buf}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// photoSize returns the declared byte size of a photo's largest size
// class, or 0 when no usable size is present. Lets oversized photos
// be rejected before any bytes are fetched.
func photoSize(photo *telegram.PhotoObj) int64 {
	if photo == nil || len(photo.Sizes) == 0 {
		return 0
	}
	switch s := photo.Sizes[len(photo.Sizes)-1].(type) {
	case *telegram.PhotoSizeObj:
		return int64(s.Size)
	case *telegram.PhotoSizeProgressive:
		var max int32
		for _, v := range s.Sizes {
			if v > max {
				max = v
			}
		}
		return int64(max)
	}
	return 0
}

// docFilename extracts the original filename from a document's
// attributes.
func docFilename(doc *telegram.DocumentObj) string {
	for _, attr := range doc.Attributes {
		if f, ok := attr.(*telegram.DocumentAttributeFilename); ok && f.FileName != "" {
			return f.FileName
		}
	}
	return "document"
}
