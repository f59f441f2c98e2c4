package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zombor/retrip/internal/receipt"
	"github.com/zombor/retrip/internal/scanning"
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

	fs := ff.NewFlagSet("retrip")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		storeType   = fs.StringLong("store", "bolt", "Store type: 'bolt' or 'postgres'")
		dbPath      = fs.StringLong("db", "retrip.db", "BoltDB file path")
		databaseURL = fs.StringLong("database-url", "", "PostgreSQL DSN, used with --store=postgres")
		storagePath = fs.StringLong("storage", "./receipts", "Receipt image directory")
		scannerType = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		scanTimeout = fs.DurationLong("scan-timeout", 90*time.Second, "Upper bound for one receipt scan, retries included")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RETRIP"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.Info("Initializing database...", "store", *storeType)
	db, err := openStore(*storeType, *dbPath, *databaseURL)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	extractor, err := openExtractor(*scannerType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
	if err != nil {
		slog.Error("Failed to initialize scanner", "type", *scannerType, "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	slog.Info("Initializing storage...", "path", *storagePath)
	storage, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	service := receipt.NewService(db, extractor, storage).WithExtractTimeout(*scanTimeout)
	server := receipt.NewServer(service, receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	})
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx, fmt.Sprintf(":%d", *port)); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shut down")
}

func openStore(storeType, dbPath, databaseURL string) (receipt.Store, error) {
	switch storeType {
	case "bolt":
		return receipt.NewBoltDB(dbPath)
	case "postgres":
		if databaseURL == "" {
			return nil, fmt.Errorf("--database-url is required with --store=postgres")
		}
		return receipt.NewSQLStore(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
	default:
		return nil, fmt.Errorf("invalid store type %q, valid: bolt or postgres", storeType)
	}
}

func openExtractor(scannerType, geminiKey, geminiModel, ollamaURL, ollamaModel string) (scanning.Extractor, error) {
	switch scannerType {
	case "gemini":
		apiKey := geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		// A missing key is not fatal: uploads are refused until one is set.
		slog.Info("Initializing Gemini scanner...", "model", geminiModel)
		return scanning.NewGemini(scanning.GeminiConfig{
			APIKey: apiKey,
			Model:  geminiModel,
		})
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", ollamaURL, "model", ollamaModel)
		return scanning.NewOllama(scanning.OllamaConfig{
			BaseURL: ollamaURL,
			Model:   ollamaModel,
		})
	default:
		return nil, fmt.Errorf("invalid scanner type %q, valid: gemini or ollama", scannerType)
	}
}
