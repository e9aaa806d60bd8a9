package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kasmartw/apptflow/internal/api"
	"github.com/kasmartw/apptflow/internal/backend"
	"github.com/kasmartw/apptflow/internal/channel"
	"github.com/kasmartw/apptflow/internal/flow"
	"github.com/kasmartw/apptflow/internal/genai"
	"github.com/kasmartw/apptflow/internal/lockfile"
	"github.com/kasmartw/apptflow/internal/session"
	"github.com/kasmartw/apptflow/internal/store"
	"github.com/kasmartw/apptflow/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for apptflow state data
	DefaultStateDir = "/var/lib/apptflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "apptflow.db"
	// DefaultReapInterval is how often idle sessions are swept
	DefaultReapInterval = time.Hour
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags, config); err != nil {
		slog.Error("apptflow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("apptflow exited successfully")
}

func run(ctx context.Context, flags Flags, config Config) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	genaiClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	var executor flow.ToolExecutor
	if *flags.backendURL != "" {
		backendClient, err := backend.NewClient(buildBackendOptions(flags)...)
		if err != nil {
			return err
		}
		executor = backendClient
	} else {
		slog.Warn("No booking backend URL configured; tool calls will report connection errors")
	}

	orch := flow.NewOrchestrator(genaiClient, executor, *flags.retryThreshold)
	sessions := session.NewManager(st, orch, *flags.idleWindow)
	sessions.StartReaper(ctx, config.ReapInterval)

	var webhook *channel.TwilioWebhook
	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		// Outbound client is constructed for config validation; inbound
		// replies travel back on the webhook response itself.
		if _, err := channel.NewTwilioClient(); err != nil {
			slog.Error("Twilio channel misconfigured", "error", err)
			return err
		}
		webhook = channel.NewTwilioWebhook(sessions)
		slog.Info("Twilio webhook channel enabled")
	}

	var server *api.Server
	if webhook != nil {
		server = api.NewServer(sessions, webhook, buildAPIOptions(flags)...)
	} else {
		server = api.NewServer(sessions, nil, buildAPIOptions(flags)...)
	}

	slog.Info("Bootstrapping apptflow",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"backend_set", *flags.backendURL != "",
		"api_addr", *flags.apiAddr)
	return server.Run(ctx)
}

// Config holds environment configuration
type Config struct {
	DatabaseURL  string
	StateDir     string
	OpenAIKey    string
	APIAddr      string
	BackendURL   string
	BackendKey   string
	ReapInterval time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	openaiKey      *string
	apiAddr        *string
	backendURL     *string
	backendKey     *string
	retryThreshold *int
	idleWindow     *time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StateDir:     os.Getenv("APPTFLOW_STATE_DIR"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		APIAddr:      os.Getenv("API_ADDR"),
		BackendURL:   os.Getenv("BOOKING_BACKEND_URL"),
		BackendKey:   os.Getenv("BOOKING_BACKEND_API_KEY"),
		ReapInterval: util.ParseDurationEnv("SESSION_REAP_INTERVAL", DefaultReapInterval),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No APPTFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"APPTFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"BOOKING_BACKEND_URL_SET", config.BackendURL != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for apptflow data (overrides $APPTFLOW_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for session persistence (overrides $DATABASE_URL)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backendURL:     flag.String("backend-url", config.BackendURL, "booking backend base URL (overrides $BOOKING_BACKEND_URL)"),
		backendKey:     flag.String("backend-api-key", config.BackendKey, "booking backend API key (overrides $BOOKING_BACKEND_API_KEY)"),
		retryThreshold: flag.Int("retry-threshold", util.ParseIntEnv("RETRY_THRESHOLD", 0), "user-error retries tolerated before escalation (0 = default)"),
		idleWindow:     flag.Duration("idle-window", util.ParseDurationEnv("SESSION_IDLE_WINDOW", session.DefaultIdleWindow), "idle time before a session is evicted"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backendURL_set", *flags.backendURL != "",
		"retryThreshold", *flags.retryThreshold,
		"idleWindow", *flags.idleWindow)

	// Follow the state directory if it was overridden but the DSN was not.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore selects and constructs the persistence backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(model))
	}
	return genaiOpts
}

// buildBackendOptions constructs booking backend configuration options
func buildBackendOptions(flags Flags) []backend.Option {
	backendOpts := []backend.Option{backend.WithBaseURL(*flags.backendURL)}
	if *flags.backendKey != "" {
		backendOpts = append(backendOpts, backend.WithAPIKey(*flags.backendKey))
	}
	if ttl := util.ParseDurationEnv("AVAILABILITY_CACHE_TTL", 0); ttl > 0 {
		backendOpts = append(backendOpts, backend.WithCacheTTL(ttl))
	}
	return backendOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
