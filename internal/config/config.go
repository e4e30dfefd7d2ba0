// Package config loads service configuration from a YAML file, a .env file
// and environment variables, in increasing order of precedence, then fills
// defaults for anything left unset.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Engine  EngineConfig  `yaml:"engine"`
	Agent   AgentConfig   `yaml:"agent"`
	Bids    BidConfig     `yaml:"bids"`
	Risk    RiskConfig    `yaml:"risk"`
	Limits  LimitsConfig  `yaml:"limits"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects where bids, trades and order history live.
// DatabaseURL wins over SQLitePath; with neither, state is in memory.
type StorageConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"` // read-through cache in front of the database
	RedisTTL    time.Duration `yaml:"redis_ttl"`
	SQLitePath  string        `yaml:"sqlite_path"`
}

// LedgerConfig points at the authoritative ledger. An empty URL runs the
// in-memory simulated ledger, seeded from Faucet.
type LedgerConfig struct {
	URL        string             `yaml:"url"`
	RatePerSec float64            `yaml:"rate_per_sec"`
	Timeout    time.Duration      `yaml:"timeout"`
	Faucet     map[string]float64 `yaml:"faucet"` // address -> starting balance, simulated ledger only
}

// EngineConfig controls the accounting tick and ledger sync.
type EngineConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// AgentConfig controls the matching agent.
type AgentConfig struct {
	Address      string        `yaml:"address"`
	AutoStart    bool          `yaml:"auto_start"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	HistorySize  int           `yaml:"history_size"`
	TradeTimeout time.Duration `yaml:"trade_timeout"`
	Policy       PolicyConfig  `yaml:"policy"`
}

// PolicyConfig is the agent's initial policy.
type PolicyConfig struct {
	MaxRiskScore    int     `yaml:"max_risk_score"`
	MinDiscountPct  float64 `yaml:"min_discount_pct"`
	MaxDurationDays float64 `yaml:"max_duration_days"`
}

// BidConfig enables the optional bid guards. Both are off by default.
type BidConfig struct {
	RejectSelfBids bool          `yaml:"reject_self_bids"`
	PendingTTL     time.Duration `yaml:"pending_ttl"`
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
}

// RiskConfig parameterizes risk scoring.
type RiskConfig struct {
	TrustedSenders     []string `yaml:"trusted_senders"`
	LiquidityThreshold float64  `yaml:"liquidity_threshold"`
}

// LimitsConfig caps a buyer's cumulative purchases. Zero disables a cap.
type LimitsConfig struct {
	MaxPerStream float64 `yaml:"max_per_stream"`
	MaxPerSender float64 `yaml:"max_per_sender"`
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Load reads path (a missing file is allowed), loads .env if present,
// applies environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// defaults and environment only
		case err != nil:
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"engine.tick_interval": c.Engine.TickInterval,
		"engine.sync_interval": c.Engine.SyncInterval,
		"agent.scan_interval":  c.Agent.ScanInterval,
		"agent.trade_timeout":  c.Agent.TradeTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	p := c.Agent.Policy
	if p.MaxRiskScore < 0 || p.MaxRiskScore > 100 {
		errs = append(errs, fmt.Errorf("agent.policy.max_risk_score %d must be in [0, 100]", p.MaxRiskScore))
	}
	if p.MinDiscountPct < 0 || p.MinDiscountPct > 100 {
		errs = append(errs, fmt.Errorf("agent.policy.min_discount_pct %v must be in [0, 100]", p.MinDiscountPct))
	}
	if p.MaxDurationDays <= 0 {
		errs = append(errs, errors.New("agent.policy.max_duration_days must be positive"))
	}
	if c.Limits.MaxPerStream < 0 || c.Limits.MaxPerSender < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Bids.PendingTTL < 0 {
		errs = append(errs, errors.New("bids.pending_ttl must not be negative"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// applyEnvOverrides replaces values with environment variables when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LEDGER_URL"); v != "" {
		cfg.Ledger.URL = v
	}
	if v := os.Getenv("AGENT_ADDRESS"); v != "" {
		cfg.Agent.Address = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
}
