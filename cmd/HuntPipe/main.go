package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/api"
	"github.com/BTreeMap/HuntPipe/internal/breaker"
	"github.com/BTreeMap/HuntPipe/internal/claim"
	"github.com/BTreeMap/HuntPipe/internal/cooldown"
	"github.com/BTreeMap/HuntPipe/internal/dedup"
	"github.com/BTreeMap/HuntPipe/internal/ingest"
	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/lockfile"
	"github.com/BTreeMap/HuntPipe/internal/notify"
	"github.com/BTreeMap/HuntPipe/internal/pipeline"
	"github.com/BTreeMap/HuntPipe/internal/queue"
	"github.com/BTreeMap/HuntPipe/internal/ratelimit"
	"github.com/BTreeMap/HuntPipe/internal/scheduler"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/BTreeMap/HuntPipe/internal/tenant"
	"github.com/BTreeMap/HuntPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir holds the SQLite database when no DATABASE_URL is set
	DefaultStateDir = "/var/lib/huntpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName   = "huntpipe.db"
	DefaultPollInterval = 2 * time.Second
)

func main() {
	initializeLogger(util.ParseBoolEnv("HUNTPIPE_DEBUG", false))

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping HuntPipe")
	if err := run(ctx, flags); err != nil {
		slog.Error("HuntPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("HuntPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	APIAddr       string
	FetchURL      string
	PerMinute     int
	PerDay        int
	IngressRPS    int
	IngressBurst  int
	PollInterval  time.Duration
	LeaseTimeout  time.Duration
	MaxAttempts   int
	BacklogAge    time.Duration
	PruneSchedule string
	ReapSchedule  string
}

// Flags holds the resolved settings after command line overrides.
type Flags struct {
	StateDir      string
	DBDSN         string
	APIAddr       string
	FetchURL      string
	PerMinute     int
	PerDay        int
	IngressRPS    int
	IngressBurst  int
	PollInterval  time.Duration
	LeaseTimeout  time.Duration
	MaxAttempts   int
	BacklogAge    time.Duration
	PruneSchedule string
	ReapSchedule  string
}

// initializeLogger installs a text handler at Debug level when debug is set
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("HUNTPIPE_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		FetchURL:      os.Getenv("FETCH_URL"),
		PerMinute:     util.ParseIntEnv("INGEST_PER_MINUTE", 0),
		PerDay:        util.ParseIntEnv("INGEST_PER_DAY", 0),
		IngressRPS:    util.ParseIntEnv("INGRESS_RPS", 0),
		IngressBurst:  util.ParseIntEnv("INGRESS_BURST", 0),
		PollInterval:  util.ParseDurationEnv("POLL_INTERVAL", DefaultPollInterval),
		LeaseTimeout:  util.ParseDurationEnv("LEASE_TIMEOUT", claim.DefaultLeaseTimeout),
		MaxAttempts:   util.ParseIntEnv("MAX_ATTEMPTS", claim.DefaultMaxAttempts),
		BacklogAge:    util.ParseDurationEnv("BACKLOG_AGE", 0),
		PruneSchedule: os.Getenv("PRUNE_SCHEDULE"),
		ReapSchedule:  os.Getenv("REAP_SCHEDULE"),
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No HUNTPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"HUNTPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"FETCH_URL", config.FetchURL,
		"INGEST_PER_MINUTE", config.PerMinute,
		"INGEST_PER_DAY", config.PerDay,
		"INGRESS_RPS", config.IngressRPS)
	return config
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var f Flags
	fs.StringVar(&f.StateDir, "state-dir", config.StateDir, "state directory for the SQLite database (overrides $HUNTPIPE_STATE_DIR)")
	fs.StringVar(&f.DBDSN, "db-dsn", config.DatabaseURL, "Postgres DSN or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.FetchURL, "fetch-url", config.FetchURL, "message fetch service base URL (overrides $FETCH_URL)")
	fs.IntVar(&f.PerMinute, "per-minute", config.PerMinute, "per-tenant notifications per minute, 0 for unlimited")
	fs.IntVar(&f.PerDay, "per-day", config.PerDay, "per-tenant notifications per day, 0 for unlimited")
	fs.IntVar(&f.IngressRPS, "ingress-rps", config.IngressRPS, "webhook requests per second across all tenants, 0 to disable")
	fs.IntVar(&f.IngressBurst, "ingress-burst", config.IngressBurst, "webhook burst size")
	fs.DurationVar(&f.PollInterval, "poll-interval", config.PollInterval, "worker poll interval")
	fs.DurationVar(&f.LeaseTimeout, "lease-timeout", config.LeaseTimeout, "claim lease timeout")
	fs.IntVar(&f.MaxAttempts, "max-attempts", config.MaxAttempts, "claims per stub before it fails")
	fs.DurationVar(&f.BacklogAge, "backlog-age", config.BacklogAge, "fail stubs still pending this long after queueing, 0 to keep them (overrides $BACKLOG_AGE)")
	fs.StringVar(&f.PruneSchedule, "prune-schedule", config.PruneSchedule, "cron schedule for pruning rate windows")
	fs.StringVar(&f.ReapSchedule, "reap-schedule", config.ReapSchedule, "cron schedule for reaping stale leases")
	if err := fs.Parse(args); err != nil {
		return f, err
	}

	if f.DBDSN == "" {
		f.DBDSN = filepath.Join(f.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", f.DBDSN)
	}
	slog.Debug("flags parsed", "stateDir", f.StateDir, "dbDSN_set", f.DBDSN != "", "apiAddr", f.APIAddr,
		"fetchURL", f.FetchURL, "pollInterval", f.PollInterval, "leaseTimeout", f.LeaseTimeout, "backlogAge", f.BacklogAge)
	return f, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if store.DetectDSNType(flags.DBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(flags.DBDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.DBDSN)
	return []store.Option{store.WithSQLiteDSN(flags.DBDSN)}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, st store.Store) []api.Option {
	opts := []api.Option{api.WithHealthCheck(st.Ping)}
	if flags.APIAddr != "" {
		opts = append(opts, api.WithAddr(flags.APIAddr))
	}
	if flags.IngressRPS > 0 {
		burst := flags.IngressBurst
		if burst <= 0 {
			burst = flags.IngressRPS
		}
		opts = append(opts, api.WithIngressLimit(float64(flags.IngressRPS), burst))
	}
	return opts
}

// buildClaimOptions constructs claim manager options
func buildClaimOptions(flags Flags) []claim.Option {
	opts := []claim.Option{claim.WithLeaseTimeout(flags.LeaseTimeout), claim.WithMaxAttempts(flags.MaxAttempts)}
	if flags.BacklogAge > 0 {
		opts = append(opts, claim.WithBacklogAge(flags.BacklogAge))
	}
	return opts
}

// buildSender returns the Twilio sender when credentials are configured.
func buildSender() (notify.Sender, error) {
	if os.Getenv("TWILIO_ACCOUNT_SID") == "" {
		slog.Warn("TWILIO_ACCOUNT_SID not set, match alerts will be queued but not delivered")
		return notify.NewMockSender(), nil
	}
	return notify.NewTwilioSender()
}

func run(ctx context.Context, flags Flags) error {
	if flags.FetchURL == "" {
		return errors.New("FETCH_URL is required")
	}

	if store.DetectDSNType(flags.DBDSN) == "sqlite" {
		lock, err := lockfile.ForDatabase(flags.DBDSN)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	sender, err := buildSender()
	if err != nil {
		return fmt.Errorf("failed to create alert sender: %w", err)
	}

	brk := breaker.New(st)
	limiter := ratelimit.NewLimiter(st)
	ingestor := ingest.New(tenant.NewResolver(st), brk, limiter, st, ingest.Limits{PerMinute: flags.PerMinute, PerDay: flags.PerDay})
	server := api.NewServer(ingestor, brk, buildAPIOptions(flags, st)...)

	manager := claim.NewManager(st, buildClaimOptions(flags)...)
	outbound := queue.NewMultiplexer(st)
	processor := pipeline.NewProcessor(
		pipeline.NewHTTPFetcher(flags.FetchURL, nil),
		dedup.NewContentStore(st), dedup.NewLoadStore(st),
		cooldown.NewGate(st), st, outbound)

	// The heartbeat must be written under the id the breaker watches.
	workerID := brk.Config(isolation.WithPlatform(ctx, "startup")).WorkerID
	runner := claim.NewRunner(manager, st, processor.Handle, workerID, flags.PollInterval)
	alerts := queue.NewOutboundSender(outbound, sender, util.NewWorkerID("alerts-"), flags.PollInterval)

	sched := scheduler.NewScheduler(ctx)
	defer sched.Stop()
	if err := sched.AddMaintenance(limiter, flags.PruneSchedule, manager, flags.ReapSchedule); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); runner.Run(ctx) }()
	go func() { defer wg.Done(); alerts.Run(ctx) }()

	slog.Info("HuntPipe started", "worker_id", workerID, "fetch_url", flags.FetchURL)
	err = server.Run(ctx)
	cancel()
	wg.Wait()
	return err
}
