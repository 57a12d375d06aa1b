package receipt

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/olegsm/receipt-bot/internal/appscript"
)

const (
	// DefaultQuietPeriod is how long after the last file arrival the
	// coordinator waits before checking a burst for completion.
	DefaultQuietPeriod = 3 * time.Second
	// DefaultRecheckInterval is the short wait between completion
	// checks once the quiet period has elapsed but files are still
	// processing.
	DefaultRecheckInterval = 1 * time.Second
)

// Messenger delivers coordinator notifications to a chat.
type Messenger interface {
	SendText(chatID int64, text string) error
}

// tracker is the per-owner aggregation state for one in-flight burst.
// tokens maps every registered file token to its completion state;
// a token is never removed before the tracker is destroyed.
type tracker struct {
	tokens   map[string]bool
	folderID string
	chatID   int64
	timer    *time.Timer
}

// Coordinator guarantees exactly one aggregated notification per
// burst of files from one owner. Files register on arrival; each
// registration restarts the owner's quiet-period timer, so a burst
// coalesces into a single delayed completion check. The check
// reschedules itself on a short interval until every registered file
// has reported a terminal outcome, then sends one summary and
// destroys the tracker.
type Coordinator struct {
	mu        sync.Mutex
	trackers  map[int64]*tracker
	failures  map[int64][]string
	messenger Messenger
	quiet     time.Duration
	recheck   time.Duration
}

// NewCoordinator creates a Coordinator delivering summaries through
// the given messenger.
func NewCoordinator(messenger Messenger, quiet, recheck time.Duration) *Coordinator {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if recheck <= 0 {
		recheck = DefaultRecheckInterval
	}
	return &Coordinator{
		trackers:  make(map[int64]*tracker),
		failures:  make(map[int64][]string),
		messenger: messenger,
		quiet:     quiet,
		recheck:   recheck,
	}
}

// Register adds a file token to the owner's current burst, creating a
// tracker if none exists, and restarts the debounce timer. Repeated
// registration of the same token is idempotent. The folder and chat
// references are refreshed on every call so the summary goes to the
// most recent chat with the most recently resolved folder.
func (c *Coordinator) Register(ownerID int64, token, folderID string, chatID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.trackers[ownerID]
	if !ok {
		t = &tracker{tokens: make(map[string]bool)}
		c.trackers[ownerID] = t
	}

	if _, exists := t.tokens[token]; !exists {
		t.tokens[token] = false
	}
	if folderID != "" {
		t.folderID = folderID
	}
	t.chatID = chatID

	// Cancel-and-replace: each arrival extends the quiet window.
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(c.quiet, func() { c.check(ownerID) })

	return token
}

// MarkCompleted records a file's terminal outcome. It has no
// immediate notification side effect; timing is driven entirely by
// the scheduled checks.
func (c *Coordinator) MarkCompleted(ownerID int64, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.trackers[ownerID]
	if !ok {
		return
	}
	if _, exists := t.tokens[token]; exists {
		t.tokens[token] = true
	}
}

// RecordFailure appends a failed filename to the owner's failure log
// for the current batch window. Call before MarkCompleted so the
// summary that fires on completion sees the entry.
func (c *Coordinator) RecordFailure(ownerID int64, filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ownerID] = append(c.failures[ownerID], filename)
}

// check runs when a scheduled timer fires: still-processing files
// push the check out by the recheck interval; a fully settled burst
// is finalized.
func (c *Coordinator) check(ownerID int64) {
	c.mu.Lock()

	t, ok := c.trackers[ownerID]
	if !ok {
		// Tracker destroyed by an earlier check; nothing to do.
		c.mu.Unlock()
		return
	}

	for _, done := range t.tokens {
		if !done {
			t.timer = time.AfterFunc(c.recheck, func() { c.check(ownerID) })
			c.mu.Unlock()
			return
		}
	}

	// Finalize: capture everything, destroy the tracker and drain the
	// failure log before releasing the lock, so a file arriving right
	// now starts a fresh burst.
	successCount := len(t.tokens)
	failed := c.failures[ownerID]
	folderID := t.folderID
	chatID := t.chatID
	delete(c.failures, ownerID)
	delete(c.trackers, ownerID)
	c.mu.Unlock()

	text := buildSummary(successCount, failed, folderID)
	if err := c.messenger.SendText(chatID, text); err != nil {
		slog.Error("Failed to send batch summary", "owner_id", ownerID, "error", err)
		return
	}
	slog.Info("Batch summary sent", "owner_id", ownerID, "files", successCount, "failed", len(failed))
}

// buildSummary composes the aggregated notification text.
func buildSummary(successCount int, failed []string, folderID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Successfully uploaded: %d file(s)", successCount)
	if len(failed) > 0 {
		fmt.Fprintf(&b, "\n⚠️ Failed to process: %s", strings.Join(failed, ", "))
	}
	if folderID != "" {
		fmt.Fprintf(&b, "\n📁 [Folder](%s)", appscript.FolderURL(folderID))
	}
	return b.String()
}
