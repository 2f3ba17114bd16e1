// Package config defines all configuration for the trading engine. Config
// is loaded from a single YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure described in spec.md §6 ("Configuration").
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Accounts  []AccountConfig `mapstructure:"accounts"`
	Exchanges []ExchangeConfig `mapstructure:"exchanges"`
	Symbols   []SymbolConfig  `mapstructure:"symbols"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Journal   JournalConfig   `mapstructure:"journal"`
	IPC       IPCConfig       `mapstructure:"ipc"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// EngineConfig carries the scheduling knobs from spec.md §4.10/§5:
// whether to pin worker threads to CPUs, whether to request SCHED_FIFO,
// and which NUMA node to prefer.
type EngineConfig struct {
	CPUPinning bool `mapstructure:"cpu_pinning"`
	Realtime   bool `mapstructure:"realtime"`
	NUMANode   int  `mapstructure:"numa_node"`
}

// AccountConfig is one set of exchange credentials, registered either at
// startup from config or at runtime via the `register_account` IPC
// command. PrivateKey signs requests for exchanges using wallet-based
// auth (mirrors the teacher's EIP-712 L1 auth); ApiKey/Secret/Passphrase
// cover REST-key auth.
type AccountConfig struct {
	ID         uint32 `mapstructure:"id"`
	Exchange   string `mapstructure:"exchange"`
	PrivateKey string `mapstructure:"private_key"`
	ChainID    int64  `mapstructure:"chain_id"` // EVM chain ID, only used when PrivateKey is set
	FunderAddr string `mapstructure:"funder_address"` // proxy/multisig wallet, defaults to the key's own address
	ApiKey     string `mapstructure:"api_key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
	IsTestnet  bool   `mapstructure:"is_testnet"`
}

// ExchangeConfig holds one venue's connection endpoints. Multiple
// strategies/accounts may reference the same exchange.
type ExchangeConfig struct {
	Name        string        `mapstructure:"name"`
	RESTBaseURL string        `mapstructure:"rest_base_url"`
	WSMarketURL string        `mapstructure:"ws_market_url"`
	WSUserURL   string        `mapstructure:"ws_user_url"`
	RateLimitRPS int          `mapstructure:"rate_limit_rps"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// SymbolConfig binds a tradeable instrument to its exchange and tick/lot
// sizing, interned to a symbol_id at startup (internal/intern).
type SymbolConfig struct {
	Name     string  `mapstructure:"name"`
	Exchange string  `mapstructure:"exchange"`
	TickSize float64 `mapstructure:"tick_size"`
	LotSize  float64 `mapstructure:"lot_size"`
}

// StrategyConfig tunes the Avellaneda-Stoikov market-making algorithm.
//
//   - Gamma: risk aversion parameter. Higher = stronger inventory skew of the
//     reservation price; its effect on spread width depends on Sigma, T and K.
//   - Sigma: estimated price volatility (annualized std dev).
//   - K:     order arrival rate. Higher K = more aggressive quotes.
//   - T:     time horizon in years (e.g. 1.0 = 1 year).
//   - DefaultSpreadBps: minimum spread floor in basis points.
//   - OrderSizeUSD: target notional size per order.
//   - RefreshInterval: how often to recompute and reconcile quotes.
//   - StaleBookTimeout: cancel all orders if no book update within this window.
//
// Flow Detection:
//   - FlowWindow: rolling time window for tracking fills (e.g., 60s).
//   - FlowToxicityThreshold: toxicity score above this triggers spread widening (e.g., 0.6).
//   - FlowCooldownPeriod: stay wide for this duration after toxicity detected (e.g., 120s).
//   - FlowMaxSpreadMultiplier: maximum spread widening factor (e.g., 3.0x).
//   - FlowVelocityNormalization: fills/minute that saturates the velocity
//     component of the toxicity score at 1.0; venue- and symbol-dependent,
//     defaults to 3.0 if unset.
type StrategyConfig struct {
	Gamma            float64       `mapstructure:"gamma"`
	Sigma            float64       `mapstructure:"sigma"`
	K                float64       `mapstructure:"k"`
	T                float64       `mapstructure:"t"`
	DefaultSpreadBps int           `mapstructure:"default_spread_bps"`
	OrderSizeUSD     float64       `mapstructure:"order_size_usd"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	StaleBookTimeout time.Duration `mapstructure:"stale_book_timeout"`

	FlowWindow                time.Duration `mapstructure:"flow_window"`
	FlowToxicityThreshold     float64       `mapstructure:"flow_toxicity_threshold"`
	FlowCooldownPeriod        time.Duration `mapstructure:"flow_cooldown_period"`
	FlowMaxSpreadMultiplier   float64       `mapstructure:"flow_max_spread_multiplier"`
	FlowVelocityNormalization float64       `mapstructure:"flow_velocity_normalization"`
}

// RiskConfig sets the ordered checks the risk manager applies to every
// order request (spec.md §4.8): kill-switch, drawdown, open-order count,
// global exposure, then per-symbol limit.
type RiskConfig struct {
	MaxDrawdownPct     float64            `mapstructure:"max_drawdown_pct"`
	MaxOpenOrders      int                `mapstructure:"max_open_orders"`
	MaxExposure        float64            `mapstructure:"max_exposure"`
	PerSymbolLimits    map[string]float64 `mapstructure:"per_symbol_limits"`
	KillSwitchDropPct  float64            `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindow   time.Duration      `mapstructure:"kill_switch_window"`
	CooldownAfterKill  time.Duration      `mapstructure:"cooldown_after_kill"`
}

// JournalConfig controls the mmap'd event log (C4).
type JournalConfig struct {
	Dir          string `mapstructure:"dir"`
	PageSizeMB   int    `mapstructure:"page_size_mb"`
	SyncOnRotate bool   `mapstructure:"sync_on_rotate"`
}

// IPCConfig controls the external command/market-data/report fabric
// (C10). Prefix namespaces the five logical channels
// (<prefix>.md/order/report/query/subscribe); Transport names the
// substitution documented in SPEC_FULL.md/DESIGN.md (NATS over loopback
// TCP in place of the spec's ZeroMQ sockets). SocketPath is required by
// Validate but the embedded broker does not bind it.
type IPCConfig struct {
	Prefix       string `mapstructure:"prefix"`
	Transport    string `mapstructure:"transport"`
	SocketPath   string `mapstructure:"socket_path"`
}

// StoreConfig sets where position/kill-switch state is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Dir       string `mapstructure:"dir"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxAgeDays int   `mapstructure:"max_age_days"`
	MaxBackups int   `mapstructure:"max_backups"`
}

// DashboardConfig controls the web/WebSocket UI snapshot server (C12).
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TB_PRIVATE_KEY, TB_API_KEY, TB_API_SECRET, TB_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env. Only meaningful when exactly one
	// account is configured; multi-account secrets are provisioned via the
	// register_account IPC command instead.
	if len(cfg.Accounts) == 1 {
		if key := os.Getenv("TB_PRIVATE_KEY"); key != "" {
			cfg.Accounts[0].PrivateKey = key
		}
		if key := os.Getenv("TB_API_KEY"); key != "" {
			cfg.Accounts[0].ApiKey = key
		}
		if secret := os.Getenv("TB_API_SECRET"); secret != "" {
			cfg.Accounts[0].Secret = secret
		}
		if pass := os.Getenv("TB_PASSPHRASE"); pass != "" {
			cfg.Accounts[0].Passphrase = pass
		}
	}
	if v := os.Getenv("TB_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one entry in exchanges is required")
	}
	for _, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchanges: name is required")
		}
		if ex.RESTBaseURL == "" {
			return fmt.Errorf("exchanges[%s].rest_base_url is required", ex.Name)
		}
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one entry in symbols is required")
	}
	for _, sym := range c.Symbols {
		if sym.Name == "" {
			return fmt.Errorf("symbols: name is required")
		}
		if sym.TickSize <= 0 {
			return fmt.Errorf("symbols[%s].tick_size must be > 0", sym.Name)
		}
	}
	if c.Strategy.Gamma <= 0 {
		return fmt.Errorf("strategy.gamma must be > 0")
	}
	if c.Strategy.OrderSizeUSD <= 0 {
		return fmt.Errorf("strategy.order_size_usd must be > 0")
	}
	if c.Risk.MaxDrawdownPct <= 0 {
		return fmt.Errorf("risk.max_drawdown_pct must be > 0")
	}
	if c.Risk.MaxOpenOrders <= 0 {
		return fmt.Errorf("risk.max_open_orders must be > 0")
	}
	if c.Risk.MaxExposure <= 0 {
		return fmt.Errorf("risk.max_exposure must be > 0")
	}
	if c.Journal.Dir == "" {
		return fmt.Errorf("journal.dir is required")
	}
	if c.IPC.SocketPath == "" {
		return fmt.Errorf("ipc.socket_path is required")
	}
	return nil
}
