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

	"github.com/BTreeMap/FlowPilot/internal/api"
	"github.com/BTreeMap/FlowPilot/internal/dispatch"
	"github.com/BTreeMap/FlowPilot/internal/engine"
	"github.com/BTreeMap/FlowPilot/internal/ingest"
	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/BTreeMap/FlowPilot/internal/provider"
	"github.com/BTreeMap/FlowPilot/internal/queue"
	"github.com/BTreeMap/FlowPilot/internal/responder"
	"github.com/BTreeMap/FlowPilot/internal/scheduler"
	"github.com/BTreeMap/FlowPilot/internal/store"
	"github.com/BTreeMap/FlowPilot/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPilot state data
	DefaultStateDir = "/var/lib/flowpilot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowpilot.db"
	// DefaultQueueCron is the default schedule for the deferral-queue drain
	DefaultQueueCron = "*/5 * * * *"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	slog.Info("Bootstrapping FlowPilot with configured modules")
	if err := run(flags); err != nil {
		slog.Error("FlowPilot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowPilot exited successfully")
}

// Config holds environment configuration
type Config struct {
	DBDSN          string
	APIAddr        string
	RateCeiling    int
	QueueCron      string
	MaxAttempts    int
	BackoffBase    time.Duration
	WebhookSecret  string
	VerifyToken    string
	InternalAPIKey string
	OpenAIKey      string
	ProviderURL    string
	ProviderToken  string
}

// Flags holds command line flag values
type Flags struct {
	dbDSN          *string
	apiAddr        *string
	rateCeiling    *int
	queueCron      *string
	maxAttempts    *int
	backoffBase    *time.Duration
	webhookSecret  string
	verifyToken    string
	internalAPIKey string
	openaiKey      string
	providerURL    string
	providerToken  string
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
		DBDSN:          os.Getenv("FLOWPILOT_DB_DSN"),
		APIAddr:        os.Getenv("FLOWPILOT_API_ADDR"),
		RateCeiling:    util.ParseIntEnv("FLOWPILOT_RATE_CEILING", models.DefaultRateCeiling),
		QueueCron:      os.Getenv("FLOWPILOT_QUEUE_CRON"),
		MaxAttempts:    util.ParseIntEnv("FLOWPILOT_MAX_ATTEMPTS", models.DefaultMaxAttempts),
		BackoffBase:    util.ParseDurationEnv("FLOWPILOT_BACKOFF_BASE", models.DefaultBackoffBase),
		WebhookSecret:  os.Getenv("FLOWPILOT_WEBHOOK_SECRET"),
		VerifyToken:    os.Getenv("FLOWPILOT_VERIFY_TOKEN"),
		InternalAPIKey: os.Getenv("FLOWPILOT_INTERNAL_API_KEY"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		ProviderURL:    os.Getenv("PROVIDER_BASE_URL"),
		ProviderToken:  os.Getenv("PROVIDER_ACCESS_TOKEN"),
	}

	if config.DBDSN == "" {
		config.DBDSN = filepath.Join(DefaultStateDir, DefaultDBFileName)
		slog.Debug("No FLOWPILOT_DB_DSN set, defaulting to SQLite", "sqlite_path", config.DBDSN)
	}
	if config.APIAddr == "" {
		config.APIAddr = ":8080"
	}
	if config.QueueCron == "" {
		config.QueueCron = DefaultQueueCron
	}

	slog.Debug("environment variables loaded",
		"FLOWPILOT_DB_DSN_SET", config.DBDSN != "",
		"FLOWPILOT_API_ADDR", config.APIAddr,
		"FLOWPILOT_RATE_CEILING", config.RateCeiling,
		"FLOWPILOT_QUEUE_CRON", config.QueueCron,
		"FLOWPILOT_WEBHOOK_SECRET_SET", config.WebhookSecret != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"PROVIDER_BASE_URL_SET", config.ProviderURL != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:          flag.String("db-dsn", config.DBDSN, "database DSN, SQLite path or PostgreSQL URL (overrides $FLOWPILOT_DB_DSN)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $FLOWPILOT_API_ADDR)"),
		rateCeiling:    flag.Int("rate-ceiling", config.RateCeiling, "per-account outbound calls per hour (overrides $FLOWPILOT_RATE_CEILING)"),
		queueCron:      flag.String("queue-cron", config.QueueCron, "cron schedule for the deferral-queue drain (overrides $FLOWPILOT_QUEUE_CRON)"),
		maxAttempts:    flag.Int("max-attempts", config.MaxAttempts, "retry ceiling before dead-lettering a deferred entry (overrides $FLOWPILOT_MAX_ATTEMPTS)"),
		backoffBase:    flag.Duration("backoff-base", config.BackoffBase, "base delay for deferred-entry retry backoff (overrides $FLOWPILOT_BACKOFF_BASE)"),
		webhookSecret:  config.WebhookSecret,
		verifyToken:    config.VerifyToken,
		internalAPIKey: config.InternalAPIKey,
		openaiKey:      config.OpenAIKey,
		providerURL:    config.ProviderURL,
		providerToken:  config.ProviderToken,
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"rateCeiling", *flags.rateCeiling,
		"queueCron", *flags.queueCron,
		"maxAttempts", *flags.maxAttempts,
		"backoffBase", *flags.backoffBase)

	return flags
}

// buildStore opens the configured store backend.
func buildStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildProvider creates the outbound provider client, or a noop client when
// no access token is configured.
func buildProvider(flags Flags) (provider.Client, error) {
	if flags.providerToken == "" {
		slog.Warn("No provider access token configured, outbound sends disabled")
		return provider.Noop{}, nil
	}
	var opts []provider.Option
	opts = append(opts, provider.WithAccessToken(flags.providerToken))
	if flags.providerURL != "" {
		opts = append(opts, provider.WithBaseURL(flags.providerURL))
	}
	return provider.NewHTTPClient(opts...)
}

func run(flags Flags) error {
	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := buildProvider(flags)
	if err != nil {
		return err
	}

	dispatcher := dispatch.NewDispatcher(st, dispatch.NewBudgetTracker(st, *flags.rateCeiling), client)

	var aiResponder engine.Responder
	if flags.openaiKey != "" {
		r, err := responder.NewOpenAIResponder(flags.openaiKey)
		if err != nil {
			return err
		}
		aiResponder = r
	} else {
		slog.Warn("No OpenAI API key configured, ai_conversation nodes disabled")
	}

	eng := engine.New(st, dispatcher, client, aiResponder)
	processor := queue.NewProcessor(st, eng, dispatcher,
		queue.WithMaxAttempts(*flags.maxAttempts),
		queue.WithBackoffBase(*flags.backoffBase),
	)
	ingestor := ingest.NewIngestor(st, eng)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.queueCron, func() {
		if err := processor.RunOnce(context.Background()); err != nil {
			slog.Error("Queue drain failed", "error", err)
		}
	}); err != nil {
		return err
	}
	slog.Info("Queue drain scheduled", "cron", *flags.queueCron)

	server := api.NewServer(st, ingestor, processor,
		api.WithAddr(*flags.apiAddr),
		api.WithWebhookSecret(flags.webhookSecret),
		api.WithVerifyToken(flags.verifyToken),
		api.WithInternalAPIKey(flags.internalAPIKey),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}
