// Package main is the entry point of the regime allocator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/your-org/regime-allocator/internal/alert"
	"github.com/your-org/regime-allocator/internal/audit"
	"github.com/your-org/regime-allocator/internal/checkpoint"
	"github.com/your-org/regime-allocator/internal/config"
	"github.com/your-org/regime-allocator/internal/csvwriter"
	"github.com/your-org/regime-allocator/internal/datastore"
	"github.com/your-org/regime-allocator/internal/dbwriter"
	"github.com/your-org/regime-allocator/internal/engine"
	"github.com/your-org/regime-allocator/internal/execution"
	"github.com/your-org/regime-allocator/internal/feed"
	"github.com/your-org/regime-allocator/internal/http/handler"
	"github.com/your-org/regime-allocator/internal/marketdata"
	"github.com/your-org/regime-allocator/internal/portfolio"
	strat "github.com/your-org/regime-allocator/internal/signal"
	"github.com/your-org/regime-allocator/internal/strategy"
	"github.com/your-org/regime-allocator/pkg/logger"
)

const (
	exitOK       = 0
	exitStartup  = 1
	exitCritical = 2

	defaultCheckpointPath = "data/checkpoint.msgpack"
)

type options struct {
	configPath string
	replay     bool
	csvPath    string
	from, to   string
	eventsOut  string
	resume     bool
	importBars bool
	schemaDir  string
}

func main() {
	// --- Configuration ---
	var opts options
	flag.StringVar(&opts.configPath, "config", "config/config.yaml", "Path to the configuration file")
	flag.BoolVar(&opts.replay, "replay", false, "Enable replay mode")
	flag.StringVar(&opts.csvPath, "csv", "", "Bar CSV to replay (defaults to the market_bars table)")
	flag.StringVar(&opts.from, "from", "", "Replay window start (RFC3339) when replaying from the database")
	flag.StringVar(&opts.to, "to", "", "Replay window end (RFC3339) when replaying from the database")
	flag.StringVar(&opts.eventsOut, "events-out", "", "Write audit events to this CSV file")
	flag.BoolVar(&opts.resume, "resume", false, "Resume from the latest checkpoint")
	flag.BoolVar(&opts.importBars, "import-bars", false, "Load -csv into the market_bars table and exit")
	flag.StringVar(&opts.schemaDir, "schema", "db/schema", "Migration directory used when database.migrate is set")
	flag.Parse()

	os.Exit(run(opts))
}

func run(opts options) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.ReloadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitStartup
	}

	// --- Logger ---
	logger.SetGlobalLogLevel(cfg.LogLevel)
	zapLogger := logger.Zap()
	defer func() {
		if err := logger.Sync(); err != nil {
			// stderr is not always syncable.
			fmt.Fprintf(os.Stderr, "Failed to sync logger: %v\n", err)
		}
	}()
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	logger.Info("Regime allocator starting...")
	logger.Infof("Loaded configuration from: %s", opts.configPath)
	logger.Infof("Run %s, regime symbol %s, %d strategies", cfg.RunID, cfg.RegimeSymbol, len(cfg.StrategyPool))

	// --- Database (Optional) ---
	var pool *pgxpool.Pool
	if cfg.Database.Enabled() {
		if cfg.Database.Migrate {
			if err := dbwriter.Migrate(cfg.Database.DSN(), opts.schemaDir, zapLogger); err != nil {
				logger.Errorf("Failed to apply migrations: %v", err)
				return exitStartup
			}
		}
		pool, err = pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			logger.Errorf("Failed to connect to database: %v", err)
			return exitStartup
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Errorf("Failed to ping database: %v", err)
			return exitStartup
		}
		logger.Info("Database connection established.")
	}

	if opts.importBars {
		return importBars(ctx, pool, opts.csvPath)
	}

	// --- Audit sinks ---
	rec := audit.NewRecorder(
		audit.NewZapSink(zapLogger),
		audit.NewAlertSink(alert.NewLogNotifier(zapLogger, 100), zapLogger),
	)
	if opts.eventsOut != "" {
		sink, err := csvwriter.NewEventSink(opts.eventsOut, zapLogger)
		if err != nil {
			logger.Errorf("Failed to open event CSV: %v", err)
			return exitStartup
		}
		defer sink.Close()
		rec.AddSink(sink)
	}

	var writer dbwriter.Repository
	if pool != nil {
		writer = dbwriter.NewTimescaleWriter(pool, cfg.DBWriter, zapLogger)
	} else {
		writer = dbwriter.NewDummyWriter(zapLogger)
	}
	defer writer.Close()
	writer.SetRunID(cfg.RunID)
	rec.AddSink(writer)

	var store checkpointStore = writer
	if pool == nil || cfg.CheckpointPath != "" {
		path := cfg.CheckpointPath
		if path == "" {
			path = defaultCheckpointPath
		}
		store = checkpoint.NewFileStore(path)
	}

	// --- Strategies ---
	strategies, err := buildStrategies(cfg, zapLogger)
	if err != nil {
		logger.Errorf("Failed to build strategies: %v", err)
		return exitStartup
	}

	eng, err := engine.New(cfg.Engine(), strategies, rec,
		engine.WithLogger(zapLogger),
		engine.WithCheckpointStore(store))
	if err != nil {
		logger.Errorf("Failed to create engine: %v", err)
		return exitStartup
	}
	resumeAt, err := startEngine(ctx, eng, store, opts.resume)
	if err != nil {
		logger.Errorf("Failed to start engine: %v", err)
		return exitStartup
	}

	// --- Graceful Shutdown Setup ---
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	// --- Main Execution Loop ---
	if opts.replay {
		err = runReplay(ctx, cfg, opts, pool, eng, sigs, resumeAt)
	} else {
		err = runLive(ctx, cfg, eng, sigs, opts.configPath, zapLogger)
	}
	if err != nil {
		logger.Errorf("Run failed: %v", err)
		return exitStartup
	}

	if n := eng.CriticalCount(); n > 0 {
		logger.Warnf("Finished with %d critical events", n)
		return exitCritical
	}
	logger.Info("Regime allocator shut down gracefully.")
	return exitOK
}

type checkpointStore interface {
	engine.CheckpointStore
	LoadLatestCheckpoint(ctx context.Context) (*portfolio.Checkpoint, error)
}

func buildStrategies(cfg *config.Config, zapLogger *zap.Logger) ([]strategy.Strategy, error) {
	paper := execution.NewPaperExecutor(execution.PaperConfig{
		SessionID:    cfg.RunID,
		InitialQuote: cfg.Execution.InitialQuote,
		OrderRatio:   cfg.Execution.OrderRatio,
	}, zapLogger)
	exec := execution.NewGuardedExecutor("paper", paper, execution.GuardConfig{
		Timeout:         cfg.Execution.Timeout.Std(),
		MaxRetries:      cfg.Execution.MaxRetries,
		Backoff:         cfg.Execution.Backoff.Std(),
		BreakerFailures: cfg.Execution.BreakerFailures,
		BreakerCooldown: cfg.Execution.BreakerCooldown.Std(),
	}, zapLogger)

	out := make([]strategy.Strategy, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		s, err := strat.New(sc.ID, sc.Params(), exec, zapLogger)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// startEngine starts fresh or restores the latest checkpoint. The returned
// time is the checkpoint's event time, zero on a fresh start.
func startEngine(ctx context.Context, eng *engine.PortfolioEngine, store checkpointStore, resume bool) (time.Time, error) {
	if !resume {
		return time.Time{}, eng.Start(ctx)
	}
	cp, err := store.LoadLatestCheckpoint(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		logger.Warn("No checkpoint found, starting fresh.")
		return time.Time{}, eng.Start(ctx)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load checkpoint: %w", err)
	}
	logger.Infof("Resuming run %s from tick %d at %s", cp.RunID, cp.Snapshot.Tick, cp.Snapshot.Timestamp.Format(time.RFC3339))
	if err := eng.Restore(ctx, *cp); err != nil {
		return time.Time{}, err
	}
	return cp.Snapshot.Timestamp, nil
}

// newControlServer sizes write timeouts by shutdown_timeout, since a shutdown
// request blocks until every strategy has closed.
func newControlServer(cfg *config.Config, ctrl handler.Controller, zapLogger *zap.Logger) *http.Server {
	return handler.NewServer(cfg.HTTP.Addr, handler.NewRouter(ctrl, zapLogger), cfg.ShutdownTimeout.Std())
}

// runReplay feeds historical bars through the engine on this goroutine and
// shuts it down when the bars run out or a signal arrives. Bars at or before
// resumeAt were already applied by the restored checkpoint and are skipped.
func runReplay(ctx context.Context, cfg *config.Config, opts options, pool *pgxpool.Pool, eng *engine.PortfolioEngine, sigs <-chan os.Signal, resumeAt time.Time) error {
	logger.Info("Starting replay mode...")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, errCh, err := replaySource(ctx, cfg, opts, pool)
	if err != nil {
		return err
	}

	var processed, skipped int
loop:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				reloadConfig(opts.configPath)
				continue
			}
			logger.Infof("Received signal: %s, stopping replay...", sig)
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if !resumeAt.IsZero() && !ev.Timestamp.After(resumeAt) {
				skipped++
				continue
			}
			if err := eng.ProcessEvent(ctx, ev); err != nil {
				if errors.Is(err, portfolio.ErrNotRunning) {
					break loop
				}
				logger.Errorf("Failed to process bar at %s: %v", ev.Timestamp, err)
			}
			processed++
		}
	}
	cancel()
	srcErr := <-errCh
	if errors.Is(srcErr, context.Canceled) {
		srcErr = nil
	}
	logger.Infof("Replay finished after %d bars (%d already checkpointed).", processed, skipped)

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std()+5*time.Second)
	defer done()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if srcErr != nil {
		return fmt.Errorf("replay source: %w", srcErr)
	}
	return nil
}

func replaySource(ctx context.Context, cfg *config.Config, opts options, pool *pgxpool.Pool) (<-chan marketdata.Event, <-chan error, error) {
	if opts.csvPath != "" {
		events, errCh := datastore.StreamBarsFromCSV(ctx, opts.csvPath)
		return events, errCh, nil
	}
	if pool == nil {
		return nil, nil, errors.New("replay needs -csv or a configured database")
	}
	start, end, err := replayWindow(opts.from, opts.to)
	if err != nil {
		return nil, nil, err
	}
	bars, err := datastore.NewRepository(pool).FetchBars(ctx, cfg.RegimeSymbol, start, end)
	if err != nil {
		return nil, nil, err
	}
	logger.Infof("Fetched %d bars for %s between %s and %s", len(bars), cfg.RegimeSymbol, start, end)

	events := make(chan marketdata.Event)
	errCh := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errCh)
		for _, b := range bars {
			select {
			case events <- b:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return events, errCh, nil
}

func replayWindow(from, to string) (time.Time, time.Time, error) {
	start := time.Unix(0, 0).UTC()
	end := time.Now().UTC()
	var err error
	if from != "" {
		if start, err = time.Parse(time.RFC3339, from); err != nil {
			return start, end, fmt.Errorf("invalid -from: %w", err)
		}
	}
	if to != "" {
		if end, err = time.Parse(time.RFC3339, to); err != nil {
			return start, end, fmt.Errorf("invalid -to: %w", err)
		}
	}
	if !end.After(start) {
		return start, end, fmt.Errorf("replay window is empty: %s >= %s", start, end)
	}
	return start, end, nil
}

func runLive(ctx context.Context, cfg *config.Config, eng *engine.PortfolioEngine, sigs <-chan os.Signal, configPath string, zapLogger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := feed.NewWebSocketClient(feed.Config{
		URL:            cfg.Feed.URL,
		Symbol:         cfg.Feed.Symbol,
		MaxRetries:     cfg.Feed.MaxRetries,
		InitialBackoff: cfg.Feed.InitialBackoff.Std(),
		MaxBackoff:     cfg.Feed.MaxBackoff.Std(),
	})
	events, feedErr := client.Stream(ctx)

	runner := engine.NewRunner(eng, zapLogger)
	go func() {
		if err := runner.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("Runner exited with error: %v", err)
		}
	}()

	// --- Control API ---
	var srv *http.Server
	if cfg.HTTP.Addr != "" {
		srv = newControlServer(cfg, runner, zapLogger)
		go func() {
			logger.Infof("Control API listening on %s", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Control API failed: %v", err)
			}
		}()
	}

	// --- Scheduled rebalance ---
	var sched *cron.Cron
	if cfg.Schedule.RebalanceCron != "" {
		sched = cron.New()
		_, err := sched.AddFunc(cfg.Schedule.RebalanceCron, func() {
			cctx, done := context.WithTimeout(ctx, cfg.CallTimeout.Std())
			defer done()
			if _, err := runner.ForceRebalance(cctx); err != nil {
				logger.Warnf("Scheduled rebalance failed: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule rebalance: %w", err)
		}
		sched.Start()
		logger.Infof("Scheduled rebalance: %s", cfg.Schedule.RebalanceCron)
	}

	// Wait for shutdown signal
wait:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				reloadConfig(configPath)
				continue
			}
			logger.Infof("Received signal: %s, initiating shutdown...", sig)
			break wait
		case err, ok := <-feedErr:
			if ok && err != nil {
				logger.Errorf("Market feed exited with error: %v", err)
			}
			break wait
		case <-runner.Done():
			logger.Info("Engine stopped.")
			break wait
		}
	}

	if sched != nil {
		<-sched.Stop().Done()
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std()+5*time.Second)
	defer done()
	err := runner.Shutdown(shutdownCtx)
	cancel()
	if srv != nil {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warnf("Control API shutdown: %v", serr)
		}
	}
	return err
}

// reloadConfig re-reads the config file on SIGHUP. Only the log level is
// applied to the running process.
func reloadConfig(path string) {
	cfg, err := config.ReloadConfig(path)
	if err != nil {
		logger.Errorf("Config reload rejected: %v", err)
		return
	}
	logger.SetGlobalLogLevel(cfg.LogLevel)
	logger.Infof("Config reloaded, log level %s", cfg.LogLevel)
}

func importBars(ctx context.Context, pool *pgxpool.Pool, csvPath string) int {
	if pool == nil || csvPath == "" {
		logger.Error("-import-bars needs -csv and a configured database")
		return exitStartup
	}
	bars, err := datastore.LoadBarsFromCSV(csvPath)
	if err != nil {
		logger.Errorf("Failed to read bars: %v", err)
		return exitStartup
	}
	n, err := datastore.NewRepository(pool).SaveBars(ctx, bars)
	if err != nil {
		logger.Errorf("Failed to save bars: %v", err)
		return exitStartup
	}
	logger.Infof("Imported %d of %d bars from %s", n, len(bars), csvPath)
	return exitOK
}
