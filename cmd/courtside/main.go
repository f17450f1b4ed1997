// Command courtside runs the trading worker for a single game.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/caesar-terminal/courtside/internal/adapter"
	"github.com/caesar-terminal/courtside/internal/adapter/kalshi"
	"github.com/caesar-terminal/courtside/internal/audit"
	"github.com/caesar-terminal/courtside/internal/config"
	"github.com/caesar-terminal/courtside/internal/engine"
	"github.com/caesar-terminal/courtside/internal/kms"
	"github.com/caesar-terminal/courtside/internal/logging"
	"github.com/caesar-terminal/courtside/internal/merger"
	"github.com/caesar-terminal/courtside/internal/metrics"
	"github.com/caesar-terminal/courtside/internal/mirror"
	"github.com/caesar-terminal/courtside/internal/scoreboard"
	"github.com/caesar-terminal/courtside/internal/signer"
	"github.com/caesar-terminal/courtside/internal/statelog"
	"github.com/caesar-terminal/courtside/internal/strategy"
	"github.com/caesar-terminal/courtside/internal/worker"
)

type flags struct {
	event       string
	game        string
	home        string
	away        string
	instruments []string
	date        string
	startTime   string
	configPath  string
}

func parseFlags() (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("courtside", pflag.ContinueOnError)
	fs.StringVar(&f.event, "event", "", "event ticker, e.g. KXNBAGAME-25JAN12BOSLAL")
	fs.StringVar(&f.game, "game", "", "scoreboard game id")
	fs.StringVar(&f.home, "home", "", "home team abbreviation")
	fs.StringVar(&f.away, "away", "", "away team abbreviation")
	fs.StringSliceVar(&f.instruments, "instruments", nil, "comma-separated market tickers")
	fs.StringVar(&f.date, "date", "", "game date (YYYY-MM-DD, default today UTC)")
	fs.StringVar(&f.startTime, "start-time", "", "scheduled tip-off (RFC3339)")
	fs.StringVar(&f.configPath, "config", "", "config file (yaml, json or toml)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return f, err
	}

	var missing []string
	if f.event == "" {
		missing = append(missing, "--event")
	}
	if f.game == "" {
		missing = append(missing, "--game")
	}
	if len(f.instruments) == 0 {
		missing = append(missing, "--instruments")
	}
	if len(missing) > 0 {
		return f, fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
	}
	return f, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "courtside: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	defer memguard.Purge()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	f, err := parseFlags()
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("event", f.event), zap.String("game", f.game))

	day := time.Now().UTC()
	if f.date != "" {
		if day, err = time.Parse(time.DateOnly, f.date); err != nil {
			return fmt.Errorf("--date: %w", err)
		}
	}
	var start time.Time
	if f.startTime != "" {
		if start, err = time.Parse(time.RFC3339, f.startTime); err != nil {
			return fmt.Errorf("--start-time: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Credentials
	pem, err := loadKey(ctx, cfg.Kalshi)
	if err != nil {
		return err
	}
	session, err := signer.NewSession(cfg.Kalshi.APIKeyID, pem)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	defer session.Destroy()

	// Venue
	client, err := kalshi.NewClient(kalshi.ClientConfig{
		BaseURL:   cfg.Kalshi.APIBase,
		Timeout:   cfg.Kalshi.RequestTimeout,
		RateLimit: cfg.Kalshi.RateLimit,
		RateBurst: cfg.Kalshi.RateBurst,
	}, session, logger)
	if err != nil {
		return err
	}

	wsCfg := adapter.DefaultWSConfig(cfg.Kalshi.WSURL)
	wsCfg.ReadTimeout = cfg.Stream.ReadTimeout
	wsCfg.IdleTimeout = cfg.Stream.IdleTimeout
	wsCfg.ReconnectBackoff = cfg.Stream.ReconnectBackoff
	wsCfg.Headers = kalshi.WSHeaders(session)
	ws := adapter.NewWSClient(wsCfg, logger)

	stream, err := kalshi.NewTickerStream(ws, f.instruments, logger)
	if err != nil {
		return err
	}

	breaker := adapter.NewCircuitBreaker(adapter.CircuitBreakerConfig{
		StaleThreshold: cfg.Trading.GateStaleAfter,
		CoolOff:        cfg.Trading.GateCoolOff,
		PollInterval:   250 * time.Millisecond,
	})
	breaker.WatchConnection(ws)
	go breaker.Run(ctx)

	// Scoreboard
	fetcher, err := scoreboard.NewESPNFetcher(cfg.Scoreboard.BaseURL, cfg.Scoreboard.Sport)
	if err != nil {
		return err
	}
	poller := scoreboard.NewPoller(scoreboard.PollerConfig{
		GameID:       f.game,
		Interval:     cfg.Scoreboard.PollInterval,
		FetchTimeout: cfg.Scoreboard.FetchTimeout,
		StopOnFinal:  cfg.Scoreboard.StopOnFinal,
	}, fetcher, logger)

	m := merger.New(merger.Config{
		EventID:           f.event,
		GameID:            f.game,
		Home:              f.home,
		Away:              f.away,
		Instruments:       f.instruments,
		HeartbeatInterval: cfg.Merger.HeartbeatInterval,
	}, logger)
	ticks := breaker.Observe(stream.Run)

	// Trading
	comp, err := strategy.Build(cfg.Trading.Strategies, logger)
	if err != nil {
		return err
	}
	if comp.Len() == 0 {
		logger.Warn("no strategies enabled, recording only")
	}

	var venue engine.Venue
	if cfg.Trading.Live() {
		venue = client
		logger.Warn("mode: LIVE, real orders will be submitted")
	} else {
		logger.Info("mode: dry run")
	}
	broker, err := engine.NewBroker(engine.BrokerConfig{
		Live: cfg.Trading.Live(),
		Limits: engine.Limits{
			MinPrice:      decimal.NewFromFloat(cfg.Trading.MinPrice),
			MaxPrice:      decimal.NewFromFloat(cfg.Trading.MaxPrice),
			MaxContracts:  cfg.Trading.MaxContractsPerOrder,
			MaxNotional:   decimal.NewFromFloat(cfg.Trading.MaxNotional),
			BalanceBuffer: decimal.NewFromFloat(cfg.Trading.BalanceBuffer),
		},
		BalanceTimeout: cfg.Trading.BalanceTimeout,
		OrderTimeout:   cfg.Kalshi.RequestTimeout,
		SimulatedCash:  decimal.NewFromFloat(cfg.Trading.SimulatedCash),
	}, venue, breaker, logger)
	if err != nil {
		return err
	}

	// Persistence
	rec, err := openAudit(ctx, cfg, day, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rec.Close(); err != nil {
			logger.Warn("audit close failed", zap.Error(err))
		}
	}()

	// Optional outputs
	states := adapter.NewBroadcaster[merger.State]("states", logger)
	defer states.Close()
	if cfg.Redis.Addr != "" {
		rc, closeRedis, err := mirror.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func() { _ = closeRedis() }()
		qm := mirror.NewQuoteMirror(rc, states.Subscribe(256), logger)
		go qm.Run(ctx)
	}

	srv := metrics.Serve(cfg.Metrics.Addr)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = metrics.Shutdown(sctx, srv)
	}()

	go watchHalt(ctx, haltSignals(), breaker, logger)

	// Opened last: from here the worker owns the log and closes it.
	stateLog, err := statelog.Open(cfg.Worker.StatesDir, f.game)
	if err != nil {
		return err
	}
	w, err := worker.New(worker.Config{
		EventID:            f.event,
		GameID:             f.game,
		Instruments:        f.instruments,
		StartTime:          start,
		PregameLead:        cfg.Worker.PregameLead,
		SettlementInterval: cfg.Worker.SettlementInterval,
		SettlementTimeout:  cfg.Worker.SettlementTimeout,
		ProgressEvery:      cfg.Worker.ProgressEvery,
	}, worker.Deps{
		States: func(ctx context.Context, out chan<- merger.State) error {
			return m.Run(ctx, ticks, poller.Run, out)
		},
		Log:      stateLog,
		Strategy: comp,
		Broker:   broker,
		Audit:    rec,
		Status:   client,
		Publish:  states.Publish,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("courtside starting",
		zap.String("env", cfg.Env),
		zap.Strings("instruments", f.instruments),
		zap.Int("strategies", comp.Len()))

	runErr := w.Run(ctx)

	pnl := broker.RealizedPnL()
	for _, p := range broker.Positions() {
		logger.Info("open position",
			zap.String("instrument", p.Instrument),
			zap.Int("contracts", p.Contracts),
			zap.Stringer("committed", p.DollarsCommitted))
	}
	logger.Info("courtside stopped", zap.Stringer("realized_pnl", pnl), zap.Error(runErr))
	return runErr
}

// loadKey returns the PEM for the venue key, decrypting it with KMS when a
// ciphertext path is configured.
func loadKey(ctx context.Context, cfg config.KalshiConfig) ([]byte, error) {
	if cfg.KeyCiphertextPath != "" {
		c, err := kms.New(ctx, kms.Options{Region: cfg.KMSRegion, Endpoint: cfg.LocalStackEndpoint})
		if err != nil {
			return nil, err
		}
		return c.LoadKey(ctx, cfg.KeyCiphertextPath)
	}
	if cfg.PrivateKeyPath == "" {
		return nil, errors.New("no private key configured (kalshi.private_key_path or kalshi.key_ciphertext_path)")
	}
	pem, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return pem, nil
}

// openAudit always writes the daily JSONL file and adds Postgres when a DSN
// is configured.
func openAudit(ctx context.Context, cfg *config.Config, day time.Time, logger *zap.Logger) (audit.Recorder, error) {
	jsonl, err := audit.NewJSONLRecorder(cfg.Worker.TradesDir, day)
	if err != nil {
		return nil, err
	}
	if cfg.DB.DSN == "" {
		return jsonl, nil
	}
	pg, err := audit.NewPostgresRecorder(ctx, cfg.DB.DSN, cfg.DB.Table)
	if err != nil {
		_ = jsonl.Close()
		return nil, err
	}
	logger.Info("audit store enabled", zap.String("table", cfg.DB.Table))
	return audit.Multi{jsonl, pg}, nil
}

// Halter pauses and resumes all trading. Satisfied by
// adapter.CircuitBreaker.
type Halter interface {
	ManualHalt()
	Resume()
}

// haltSignals delivers SIGUSR1 (halt) and SIGUSR2 (resume).
func haltSignals() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	return ch
}

// watchHalt lets an operator stop new orders without stopping the recorder.
func watchHalt(ctx context.Context, sigs <-chan os.Signal, h Halter, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				h.ManualHalt()
				logger.Warn("trading halted by operator")
			case syscall.SIGUSR2:
				h.Resume()
				logger.Warn("trading resumed by operator")
			}
		}
	}
}
