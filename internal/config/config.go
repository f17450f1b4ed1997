package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Trading modes.
const (
	ModeDryRun = "dry_run"
	ModeLive   = "live"
)

// Config holds all worker configuration. It is built once at process start
// and passed by value into every component.
type Config struct {
	Env        string `mapstructure:"env"`
	Log        LogConfig
	Kalshi     KalshiConfig
	Stream     StreamConfig
	Merger     MergerConfig
	Scoreboard ScoreboardConfig
	Trading    TradingConfig
	Worker     WorkerConfig
	Redis      RedisConfig
	DB         DBConfig
	Metrics    MetricsConfig
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// KalshiConfig holds venue endpoints and credentials.
type KalshiConfig struct {
	WSURL   string `mapstructure:"ws_url"`
	APIBase string `mapstructure:"api_base"`

	APIKeyID string `mapstructure:"api_key_id"`
	// PrivateKeyPath points at a plaintext PEM. KeyCiphertextPath points at a
	// KMS-encrypted PEM and takes precedence when set.
	PrivateKeyPath     string `mapstructure:"private_key_path"`
	KeyCiphertextPath  string `mapstructure:"key_ciphertext_path"`
	KMSRegion          string `mapstructure:"kms_region"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RateLimit is the sustained REST request rate (requests/second).
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// StreamConfig tunes the ticker stream connection.
type StreamConfig struct {
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
}

// MergerConfig tunes the state merger.
type MergerConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// ScoreboardConfig selects and tunes the game-state poller.
type ScoreboardConfig struct {
	Sport        string        `mapstructure:"sport"`
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	StopOnFinal  bool          `mapstructure:"stop_on_final"`
}

// StrategyConfig enables one registered strategy with its parameters.
type StrategyConfig struct {
	Name    string         `mapstructure:"name"`
	Enabled bool           `mapstructure:"enabled"`
	Params  map[string]any `mapstructure:"params"`
}

// TradingConfig holds broker mode and safety limits.
type TradingConfig struct {
	Mode                 string           `mapstructure:"mode"`
	MaxContractsPerOrder int              `mapstructure:"max_contracts_per_order"`
	MaxNotional          float64          `mapstructure:"max_notional"`
	BalanceBuffer        float64          `mapstructure:"balance_buffer"`
	BalanceTimeout       time.Duration    `mapstructure:"balance_timeout"`
	MinPrice             float64          `mapstructure:"min_price"`
	MaxPrice             float64          `mapstructure:"max_price"`
	SimulatedCash        float64          `mapstructure:"simulated_cash"`
	GateCoolOff          time.Duration    `mapstructure:"gate_cool_off"`
	GateStaleAfter       time.Duration    `mapstructure:"gate_stale_after"`
	Strategies           []StrategyConfig `mapstructure:"strategies"`
}

// Live reports whether real orders are submitted.
func (t TradingConfig) Live() bool { return t.Mode == ModeLive }

// WorkerConfig tunes the per-event lifecycle.
type WorkerConfig struct {
	PregameLead        time.Duration `mapstructure:"pregame_lead"`
	SettlementInterval time.Duration `mapstructure:"settlement_interval"`
	SettlementTimeout  time.Duration `mapstructure:"settlement_timeout"`
	ProgressEvery      int           `mapstructure:"progress_every"`
	StatesDir          string        `mapstructure:"states_dir"`
	TradesDir          string        `mapstructure:"trades_dir"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables the
// quote mirror.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig holds PostgreSQL settings for the order audit store. An empty DSN
// disables it.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log.level", "info")

	// Kalshi defaults
	v.SetDefault("kalshi.ws_url", "wss://api.elections.kalshi.com/trade-api/ws/v2")
	v.SetDefault("kalshi.api_base", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.api_key_id", "")
	v.SetDefault("kalshi.private_key_path", "")
	v.SetDefault("kalshi.key_ciphertext_path", "")
	v.SetDefault("kalshi.kms_region", "us-east-1")
	v.SetDefault("kalshi.localstack_endpoint", "")
	v.SetDefault("kalshi.request_timeout", 10*time.Second)
	v.SetDefault("kalshi.rate_limit", 10.0)
	v.SetDefault("kalshi.rate_burst", 5)

	// Stream defaults
	v.SetDefault("stream.read_timeout", 30*time.Second)
	v.SetDefault("stream.idle_timeout", 90*time.Second)
	v.SetDefault("stream.reconnect_backoff", 5*time.Second)

	v.SetDefault("merger.heartbeat_interval", time.Second)

	// Scoreboard defaults
	v.SetDefault("scoreboard.sport", "nba")
	v.SetDefault("scoreboard.base_url", "https://site.api.espn.com/apis/site/v2/sports")
	v.SetDefault("scoreboard.poll_interval", 2*time.Second)
	v.SetDefault("scoreboard.fetch_timeout", 4*time.Second)
	v.SetDefault("scoreboard.stop_on_final", true)

	// Trading defaults
	v.SetDefault("trading.mode", ModeDryRun)
	v.SetDefault("trading.max_contracts_per_order", 1000)
	v.SetDefault("trading.max_notional", 100.0)
	v.SetDefault("trading.balance_buffer", 1.0)
	v.SetDefault("trading.balance_timeout", 5*time.Second)
	v.SetDefault("trading.min_price", 0.01)
	v.SetDefault("trading.max_price", 0.99)
	v.SetDefault("trading.simulated_cash", 10000.0)
	v.SetDefault("trading.gate_cool_off", 2*time.Second)
	v.SetDefault("trading.gate_stale_after", time.Duration(0))

	// Worker defaults
	v.SetDefault("worker.pregame_lead", 10*time.Minute)
	v.SetDefault("worker.settlement_interval", 60*time.Second)
	v.SetDefault("worker.settlement_timeout", 10*time.Second)
	v.SetDefault("worker.progress_every", 100)
	v.SetDefault("worker.states_dir", "data/states")
	v.SetDefault("worker.trades_dir", "data/trades")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "order_attempts")

	v.SetDefault("metrics.addr", "")
}

// Load reads configuration from environment variables prefixed with
// COURTSIDE_ and, when path is non-empty, from a YAML/JSON/TOML file.
// Environment values win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COURTSIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.Log = LogConfig{Level: v.GetString("log.level")}

	cfg.Kalshi = KalshiConfig{
		WSURL:              v.GetString("kalshi.ws_url"),
		APIBase:            strings.TrimRight(v.GetString("kalshi.api_base"), "/"),
		APIKeyID:           v.GetString("kalshi.api_key_id"),
		PrivateKeyPath:     v.GetString("kalshi.private_key_path"),
		KeyCiphertextPath:  v.GetString("kalshi.key_ciphertext_path"),
		KMSRegion:          v.GetString("kalshi.kms_region"),
		LocalStackEndpoint: v.GetString("kalshi.localstack_endpoint"),
		RequestTimeout:     v.GetDuration("kalshi.request_timeout"),
		RateLimit:          v.GetFloat64("kalshi.rate_limit"),
		RateBurst:          v.GetInt("kalshi.rate_burst"),
	}

	cfg.Stream = StreamConfig{
		ReadTimeout:      v.GetDuration("stream.read_timeout"),
		IdleTimeout:      v.GetDuration("stream.idle_timeout"),
		ReconnectBackoff: v.GetDuration("stream.reconnect_backoff"),
	}

	cfg.Merger = MergerConfig{
		HeartbeatInterval: v.GetDuration("merger.heartbeat_interval"),
	}

	cfg.Scoreboard = ScoreboardConfig{
		Sport:        strings.ToLower(v.GetString("scoreboard.sport")),
		BaseURL:      strings.TrimRight(v.GetString("scoreboard.base_url"), "/"),
		PollInterval: v.GetDuration("scoreboard.poll_interval"),
		FetchTimeout: v.GetDuration("scoreboard.fetch_timeout"),
		StopOnFinal:  v.GetBool("scoreboard.stop_on_final"),
	}

	cfg.Trading = TradingConfig{
		Mode:                 strings.ToLower(v.GetString("trading.mode")),
		MaxContractsPerOrder: v.GetInt("trading.max_contracts_per_order"),
		MaxNotional:          v.GetFloat64("trading.max_notional"),
		BalanceBuffer:        v.GetFloat64("trading.balance_buffer"),
		BalanceTimeout:       v.GetDuration("trading.balance_timeout"),
		MinPrice:             v.GetFloat64("trading.min_price"),
		MaxPrice:             v.GetFloat64("trading.max_price"),
		SimulatedCash:        v.GetFloat64("trading.simulated_cash"),
		GateCoolOff:          v.GetDuration("trading.gate_cool_off"),
		GateStaleAfter:       v.GetDuration("trading.gate_stale_after"),
	}
	if err := v.UnmarshalKey("trading.strategies", &cfg.Trading.Strategies); err != nil {
		return nil, fmt.Errorf("config: decode trading.strategies: %w", err)
	}

	cfg.Worker = WorkerConfig{
		PregameLead:        v.GetDuration("worker.pregame_lead"),
		SettlementInterval: v.GetDuration("worker.settlement_interval"),
		SettlementTimeout:  v.GetDuration("worker.settlement_timeout"),
		ProgressEvery:      v.GetInt("worker.progress_every"),
		StatesDir:          v.GetString("worker.states_dir"),
		TradesDir:          v.GetString("worker.trades_dir"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.DB = DBConfig{
		DSN:   v.GetString("db.dsn"),
		Table: v.GetString("db.table"),
	}

	cfg.Metrics = MetricsConfig{Addr: v.GetString("metrics.addr")}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks cross-field constraints that defaults alone cannot
// guarantee.
func (c *Config) Validate() error {
	switch c.Trading.Mode {
	case ModeDryRun, ModeLive:
	default:
		return fmt.Errorf("%w: trading.mode %q (want %s or %s)", ErrInvalid, c.Trading.Mode, ModeDryRun, ModeLive)
	}
	if c.Trading.MaxContractsPerOrder < 1 {
		return fmt.Errorf("%w: trading.max_contracts_per_order must be >= 1", ErrInvalid)
	}
	if c.Trading.MinPrice <= 0 || c.Trading.MaxPrice >= 1 || c.Trading.MinPrice >= c.Trading.MaxPrice {
		return fmt.Errorf("%w: trading price band [%.2f, %.2f]", ErrInvalid, c.Trading.MinPrice, c.Trading.MaxPrice)
	}
	durations := map[string]time.Duration{
		"stream.read_timeout":        c.Stream.ReadTimeout,
		"stream.idle_timeout":        c.Stream.IdleTimeout,
		"merger.heartbeat_interval":  c.Merger.HeartbeatInterval,
		"scoreboard.poll_interval":   c.Scoreboard.PollInterval,
		"worker.settlement_interval": c.Worker.SettlementInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, key)
		}
	}
	seen := make(map[string]bool, len(c.Trading.Strategies))
	for _, s := range c.Trading.Strategies {
		if s.Name == "" {
			return fmt.Errorf("%w: strategy entry without name", ErrInvalid)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: strategy %q listed twice", ErrInvalid, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
