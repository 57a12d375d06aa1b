package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/amarnathcjd/gogram/telegram"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/olegsm/receipt-bot/internal/appscript"
	"github.com/olegsm/receipt-bot/internal/bot"
	"github.com/olegsm/receipt-bot/internal/config"
	"github.com/olegsm/receipt-bot/internal/receipt"
	"github.com/olegsm/receipt-bot/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-bot")
	var (
		appID          = fs.IntLong("app-id", 0, "Telegram API app ID (from my.telegram.org)")
		appHash        = fs.StringLong("app-hash", "", "Telegram API app hash")
		botToken       = fs.StringLong("bot-token", "", "Telegram bot token (from @BotFather)")
		scannerType    = fs.StringLong("scanner", "openai", "Scanner type: 'openai' or 'gemini'")
		openaiKey      = fs.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		openaiURL      = fs.StringLong("openai-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
		openaiModel    = fs.StringLong("openai-model", "gpt-4.1", "OpenAI model name")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		requestTimeout = fs.DurationLong("request-timeout", 60*time.Second, "Timeout for outbound API requests")
		maxRetries     = fs.IntLong("max-retries", 3, "Scanner retry attempts on timeout")
		retryDelay     = fs.DurationLong("retry-delay", 2*time.Second, "Base delay between scanner retries")
		maxFileSize    = fs.IntLong("max-file-size", 5*1024*1024, "Maximum accepted file size in bytes")
		maxPDFPages    = fs.IntLong("max-pdf-pages", 5, "Maximum PDF pages sent for analysis")
		debounce       = fs.DurationLong("debounce", receipt.DefaultQuietPeriod, "Quiet period before the batch summary is sent")
		recheck        = fs.DurationLong("recheck", receipt.DefaultRecheckInterval, "Recheck interval while batch files are still processing")
		notesBackend   = fs.StringLong("notes-backend", "json", "Note store backend: 'json' or 'bolt'")
		notesPath      = fs.StringLong("notes-path", "receipt-notes.json", "Note store file path")
		retention      = fs.DurationLong("note-retention", receipt.DefaultNoteRetention, "How long receipt messages accept notes")
		sweepInterval  = fs.DurationLong("sweep-interval", receipt.DefaultSweepInterval, "Minimum interval between note store cleanups")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_BOT"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *appID == 0 || *appHash == "" || *botToken == "" {
		slog.Error("Telegram credentials are required. Set --app-id, --app-hash and --bot-token")
		os.Exit(1)
	}

	// Load group configuration from environment
	slog.Info("Loading group configuration...")
	groups, err := config.LoadGroups(os.Getenv)
	if err != nil {
		slog.Error("Failed to load group configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Groups configured", "count", groups.Count())

	// Initialize scanner based on type
	var scanner scanning.Scanner
	switch *scannerType {
	case "openai":
		apiKey := *openaiKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("OpenAI API key is required. Set --openai-key flag or OPENAI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing OpenAI scanner...", "model", *openaiModel, "url", *openaiURL)
		scanner, err = scanning.NewOpenAI(apiKey, *openaiURL, *openaiModel, *requestTimeout, *maxRetries, *retryDelay)
		if err != nil {
			slog.Error("Failed to initialize OpenAI scanner", "error", err)
			os.Exit(1)
		}
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		scanner, err = scanning.NewGemini(apiKey, *geminiModel, *requestTimeout)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "openai or gemini")
		os.Exit(1)
	}
	defer scanner.Close()

	// Initialize note store
	var notes receipt.NoteStore
	switch *notesBackend {
	case "json":
		notes = receipt.NewJSONNoteStore(*notesPath, *retention, *sweepInterval)
	case "bolt":
		notes, err = receipt.NewBoltNoteStore(*notesPath, *retention, *sweepInterval)
		if err != nil {
			slog.Error("Failed to open note store", "path", *notesPath, "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid notes backend", "backend", *notesBackend, "valid", "json or bolt")
		os.Exit(1)
	}
	defer notes.Close()

	// Initialize Telegram client
	client, err := telegram.NewClient(telegram.ClientConfig{
		AppID:   int32(*appID),
		AppHash: *appHash,
	})
	if err != nil {
		slog.Error("Failed to create Telegram client", "error", err)
		os.Exit(1)
	}

	// Initialize service and batch coordinator
	backend := appscript.NewClient(*requestTimeout)
	svc := receipt.NewService(backend, scanner, *maxPDFPages)
	coord := receipt.NewCoordinator(bot.Messenger(client), *debounce, *recheck)

	b := bot.New(client, groups, svc, coord, notes, int64(*maxFileSize))
	b.RegisterHandlers()

	if err := client.LoginBot(*botToken); err != nil {
		slog.Error("Failed to log in bot", "error", err)
		os.Exit(1)
	}

	if me := client.Me(); me != nil {
		slog.Info("Bot started", "username", me.Username, "id", me.ID)
	}

	client.Idle()
	slog.Info("Shutting down...")
}
