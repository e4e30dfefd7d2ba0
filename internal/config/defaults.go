package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPort               = "8080"
	DefaultReadTimeout        = 10 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultRedisTTL           = 30 * time.Second
	DefaultLedgerRatePerSec   = 20
	DefaultLedgerTimeout      = 10 * time.Second
	DefaultTickInterval       = 1 * time.Second
	DefaultSyncInterval       = 5 * time.Second
	DefaultScanInterval       = 3 * time.Second
	DefaultHistorySize        = 50
	DefaultTradeTimeout       = 30 * time.Second
	DefaultExpiryInterval     = 1 * time.Minute
	DefaultLiquidityThreshold = 10000
	DefaultMaxRiskScore       = 40
	DefaultMinDiscountPct     = 5
	DefaultMaxDurationDays    = 30
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
)

// setDefaults fills every unset field.
func setDefaults(c *Config) {
	// Server
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = DefaultRequestTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Storage and ledger
	if c.Storage.RedisTTL == 0 {
		c.Storage.RedisTTL = DefaultRedisTTL
	}
	if c.Ledger.RatePerSec == 0 {
		c.Ledger.RatePerSec = DefaultLedgerRatePerSec
	}
	if c.Ledger.Timeout == 0 {
		c.Ledger.Timeout = DefaultLedgerTimeout
	}

	// Engine
	if c.Engine.TickInterval == 0 {
		c.Engine.TickInterval = DefaultTickInterval
	}
	if c.Engine.SyncInterval == 0 {
		c.Engine.SyncInterval = DefaultSyncInterval
	}

	// Agent
	if c.Agent.ScanInterval == 0 {
		c.Agent.ScanInterval = DefaultScanInterval
	}
	if c.Agent.HistorySize == 0 {
		c.Agent.HistorySize = DefaultHistorySize
	}
	if c.Agent.TradeTimeout == 0 {
		c.Agent.TradeTimeout = DefaultTradeTimeout
	}
	if c.Agent.Policy == (PolicyConfig{}) {
		c.Agent.Policy = PolicyConfig{
			MaxRiskScore:    DefaultMaxRiskScore,
			MinDiscountPct:  DefaultMinDiscountPct,
			MaxDurationDays: DefaultMaxDurationDays,
		}
	}
	if c.Agent.Policy.MaxDurationDays == 0 {
		c.Agent.Policy.MaxDurationDays = DefaultMaxDurationDays
	}

	// Bids
	if c.Bids.ExpiryInterval == 0 {
		c.Bids.ExpiryInterval = DefaultExpiryInterval
	}

	// Risk
	if c.Risk.LiquidityThreshold == 0 {
		c.Risk.LiquidityThreshold = DefaultLiquidityThreshold
	}

	// Log
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
