// Package config defines all configuration for the market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun         bool                 `mapstructure:"dry_run"`
	Wallet         WalletConfig         `mapstructure:"wallet"`
	API            APIConfig            `mapstructure:"api"`
	Strategy       StrategyConfig       `mapstructure:"strategy"`
	Risk           RiskConfig           `mapstructure:"risk"`
	Scanner        ScannerConfig        `mapstructure:"scanner"`
	Store          StoreConfig          `mapstructure:"store"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Dashboard      DashboardConfig      `mapstructure:"dashboard"`
	Merger         MergerConfig         `mapstructure:"merger"`
	Sniper         SniperConfig         `mapstructure:"sniper"`
	Oracle         OracleConfig         `mapstructure:"oracle"`
	MarketDB       MarketDBConfig       `mapstructure:"market_db"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// StrategyConfig tunes the binary-market quote ladder solver (internal/solver).
//
//   - NumLevels: number of price levels quoted per side.
//   - BaseOffset: price distance (decimal, e.g. 0.01) of level 0 below best
//     ask; level L sits (L+1)*BaseOffset below it.
//   - LevelSizeUSD: target notional per level, converted to token size at
//     quote time by dividing by the YES mid price; both sides post that same
//     size, capped so the full ladder fits the remaining risk budget.
//   - MinProfitMargin: the ladder is only quoted while combined Up+Down
//     price stays below 1 - MinProfitMargin.
//   - MaxImbalance: inventory imbalance (|up-down|/(up+down)) beyond which
//     the overweighted side's ladder is suppressed entirely.
//   - ProfitabilityMode: "best_level" (default, checks level 0 only) or
//     "worst_case" (checks every level).
//   - TakerEnabled/MaxTakerSizeUSD/MinTakerSizeUSD: instant Fill-Or-Kill
//     arbitrage scan parameters.
//   - DiffEpsilonTicks: an open order within this many ticks of a target
//     level is treated as already matching it.
//   - RefreshInterval: how often to recompute and reconcile quotes.
//   - StaleBookTimeout: cancel all orders if no book update within this window.
//
// Flow Detection (Phase 1):
//   - FlowWindow: rolling time window for tracking fills (e.g., 60s).
//   - FlowToxicityThreshold: toxicity score above this triggers spread widening (e.g., 0.6).
//   - FlowCooldownPeriod: time constant of the exponential decay of the widening once adverse flow ends (e.g., 120s).
//   - FlowMaxSpreadMultiplier: maximum spread widening factor (e.g., 3.0x) applied to BaseOffset.
type StrategyConfig struct {
	NumLevels         int           `mapstructure:"num_levels"`
	BaseOffset        float64       `mapstructure:"base_offset"`
	LevelSizeUSD      float64       `mapstructure:"level_size_usd"`
	MinProfitMargin   float64       `mapstructure:"min_profit_margin"`
	MaxImbalance      float64       `mapstructure:"max_imbalance"`
	ProfitabilityMode string        `mapstructure:"profitability_mode"`
	TakerEnabled      bool          `mapstructure:"taker_enabled"`
	MaxTakerSizeUSD   float64       `mapstructure:"max_taker_size_usd"`
	MinTakerSizeUSD   float64       `mapstructure:"min_taker_size_usd"`
	DiffEpsilonTicks  int64         `mapstructure:"diff_epsilon_ticks"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	StaleBookTimeout  time.Duration `mapstructure:"stale_book_timeout"`

	// Phase 1: Toxic flow detection
	FlowWindow              time.Duration `mapstructure:"flow_window"`
	FlowToxicityThreshold   float64       `mapstructure:"flow_toxicity_threshold"`
	FlowCooldownPeriod      time.Duration `mapstructure:"flow_cooldown_period"`
	FlowMaxSpreadMultiplier float64       `mapstructure:"flow_max_spread_multiplier"`
}

// RiskConfig sets hard limits that trigger order cancellation (kill switch).
//
//   - MaxPositionPerMarket: max USD exposure in any single market.
//   - MaxGlobalExposure: max USD exposure across ALL active markets combined.
//   - MaxMarketsActive: cap on how many markets the bot trades simultaneously.
//   - KillSwitchDropPct: if price moves this % within the window, kill switch fires.
//   - KillSwitchWindowSec: time window for measuring rapid price movement.
//   - MaxDailyLoss: max combined (realized + unrealized) loss before kill switch.
//   - CooldownAfterKill: how long the kill switch stays engaged after firing.
type RiskConfig struct {
	MaxPositionPerMarket float64       `mapstructure:"max_position_per_market"`
	MaxGlobalExposure    float64       `mapstructure:"max_global_exposure"`
	MaxMarketsActive     int           `mapstructure:"max_markets_active"`
	KillSwitchDropPct    float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec  int           `mapstructure:"kill_switch_window_sec"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`

	// HaltThreshold is the fraction of the pivot (high-watermark) balance
	// below which the balance manager trips its hard halt: current <
	// pivot * HaltThreshold cancels everything and blocks new placements
	// (e.g. 0.10 halts once the account has dropped to 10% of its peak).
	HaltThreshold float64 `mapstructure:"halt_threshold"`
}

// MergerConfig tunes the market merger: it watches for mergeable
// Up/Down position pairs and posts combine-positions calls when doing so
// is profitable.
type MergerConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	MinMergePairs        int64   `mapstructure:"min_merge_pairs"`
	MergeProfitThreshold float64 `mapstructure:"merge_profit_threshold"`
	MaxMergeImbalance    float64 `mapstructure:"max_merge_imbalance"`
	MaxCostSpread        float64 `mapstructure:"max_cost_spread"`
}

// SniperConfig tunes the opportunity-monitor that watches near-resolution
// markets for a stale no-asks condition against a static price_to_beat.
//
//   - ExpiringWithin (expiring_within in YAML): how close to resolution a
//     market must be before the sniper starts watching it.
//   - DynamicThresholdMin/Max/Tau: the no-asks staleness threshold decays
//     exponentially from Max towards Min with time constant Tau as
//     resolution approaches, so the bot gets more trigger-happy the closer
//     the clock runs to zero.
//   - FinalSecondsBypass: inside this window before market end, the
//     dynamic-threshold wait above is skipped entirely — a no-asks
//     condition fires as soon as it's observed. The guardian safety
//     margin below is never bypassed, at any time remaining.
//   - OracleBpsThreshold: maximum distance, in bps, the reference price
//     may sit from price_to_beat before the no-asks side is treated as
//     mispriced rather than merely quiet.
//   - GuardianSafetyBps: extra margin added to OracleBpsThreshold before
//     firing, to absorb oracle noise.
//   - OrderPctOfCollateral: FOK buy size as a fraction of available
//     collateral.
type SniperConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	ExpiringWithin       time.Duration `mapstructure:"expiring_within"`
	HeartbeatEvery       int           `mapstructure:"heartbeat_every"`
	DynamicThresholdMin  time.Duration `mapstructure:"dynamic_threshold_min_seconds"`
	DynamicThresholdMax  time.Duration `mapstructure:"dynamic_threshold_max_seconds"`
	DynamicThresholdTau  time.Duration `mapstructure:"dynamic_threshold_tau"`
	FinalSecondsBypass   time.Duration `mapstructure:"final_seconds_bypass"`
	OracleBpsThreshold   float64       `mapstructure:"oracle_bps_threshold"`
	GuardianSafetyBps    float64       `mapstructure:"guardian_safety_bps"`
	OrderPctOfCollateral float64       `mapstructure:"order_pct_of_collateral"`
}

// OracleConfig points at the external price feeds the opportunity monitor
// compares the book against. Two feed families exist:
//
//   - DirectFeedURLs: raw exchange streams pushing
//     {topic, type, timestamp, payload:{symbol, timestamp, value}} frames.
//   - ReportFeedURLs: signed-report streams (Chainlink Data Streams style)
//     whose frames carry a feed_id, the full signed report blob, and the
//     decoded OHLC fields. These require ChainlinkClientID/StreamsSecret
//     for the HMAC connect headers; FeedSymbols maps each feed_id to the
//     asset symbol it prices.
type OracleConfig struct {
	DirectFeedURLs []string          `mapstructure:"direct_feed_urls"`
	ReportFeedURLs []string          `mapstructure:"report_feed_urls"`
	Symbols        []string          `mapstructure:"symbols"`      // symbols subscribed on direct feeds
	FeedSymbols    map[string]string `mapstructure:"feed_symbols"` // feed_id → symbol, for signed reports

	ChainlinkClientID string `mapstructure:"chainlink_client_id"`
	StreamsSecret     string `mapstructure:"streams_secret"`

	PollInterval time.Duration `mapstructure:"poll_interval"`
	CacheAddr    string        `mapstructure:"cache_addr"` // redis address for the shared price cache
}

// MarketDBConfig is the read-only Postgres connection used to look up
// markets expiring within a configured horizon.
type MarketDBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ReconciliationConfig controls the periodic REST-authoritative
// order/position reconciliation task.
type ReconciliationConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// ScannerConfig controls how the bot discovers and filters tradeable markets.
// The scanner polls the Gamma API and ranks markets by opportunity score:
// score = spread * sqrt(volume24h) * min(liquidity/10000, 1).
type ScannerConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MinLiquidity        float64       `mapstructure:"min_liquidity"`
	MinVolume24h        float64       `mapstructure:"min_volume_24h"`
	MinSpread           float64       `mapstructure:"min_spread"`
	MaxEndDateDays      int           `mapstructure:"max_end_date_days"`
	ExcludeSlugs        []string      `mapstructure:"exclude_slugs"`
	IncludeConditionIDs []string      `mapstructure:"include_condition_ids"`
	IncludeSlugs        []string      `mapstructure:"include_slugs"`
	IncludeKeywords     []string      `mapstructure:"include_keywords"`
	ExcludeKeywords     []string      `mapstructure:"exclude_keywords"`
}

// StoreConfig sets where position data is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
// A .env file in the working directory is loaded first, if present, so
// local development doesn't require exporting secrets into the shell;
// existing environment variables always take precedence over .env values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}
	if id := os.Getenv("CHAINLINK_CLIENT_ID"); id != "" {
		cfg.Oracle.ChainlinkClientID = id
	}
	if secret := os.Getenv("STREAMS_SECRET"); secret != "" {
		cfg.Oracle.StreamsSecret = secret
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Strategy.NumLevels <= 0 {
		return fmt.Errorf("strategy.num_levels must be > 0")
	}
	if c.Strategy.LevelSizeUSD <= 0 {
		return fmt.Errorf("strategy.level_size_usd must be > 0")
	}
	if c.Risk.MaxPositionPerMarket <= 0 {
		return fmt.Errorf("risk.max_position_per_market must be > 0")
	}
	if c.Risk.MaxGlobalExposure <= 0 {
		return fmt.Errorf("risk.max_global_exposure must be > 0")
	}
	if c.Risk.MaxMarketsActive <= 0 {
		return fmt.Errorf("risk.max_markets_active must be > 0")
	}
	if c.Risk.HaltThreshold < 0 || c.Risk.HaltThreshold >= 1 {
		return fmt.Errorf("risk.halt_threshold must be in [0, 1)")
	}
	if c.Merger.Enabled && c.Merger.MinMergePairs <= 0 {
		return fmt.Errorf("merger.min_merge_pairs must be > 0 when merger.enabled is true")
	}
	if c.Sniper.Enabled && c.Sniper.OrderPctOfCollateral <= 0 {
		return fmt.Errorf("sniper.order_pct_of_collateral must be > 0 when sniper.enabled is true")
	}
	if c.Sniper.Enabled && c.MarketDB.DSN == "" {
		return fmt.Errorf("market_db.dsn is required when sniper.enabled is true")
	}
	return nil
}
