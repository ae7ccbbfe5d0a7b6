package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App              AppConfig              `mapstructure:"app"`
	Logging          logging.Config         `mapstructure:"logging"`
	Database         DatabaseConfig         `mapstructure:"database"`
	Redis            RedisConfig            `mapstructure:"redis"`
	Scheduler        SchedulerConfig        `mapstructure:"scheduler"`
	LiquidityManager LiquidityManagerConfig `mapstructure:"liquidity_manager"`
	Wallets          []WalletConfig         `mapstructure:"wallets"`
	Ethereum         EthereumConfig         `mapstructure:"ethereum"`
	Chains           []ChainConfig          `mapstructure:"chains"`
	Tokens           []TokenConfig          `mapstructure:"tokens"`
	LiFi             LiFiConfig             `mapstructure:"lifi"`
	CCTP             CCTPConfig             `mapstructure:"cctp"`
	WarpRoutes       []WarpRouteConfig      `mapstructure:"warp_routes"`
	USDT0            USDT0Config            `mapstructure:"usdt0"`
	Worker           WorkerConfig           `mapstructure:"worker"`
	Health           HealthConfig           `mapstructure:"health"`
	API              APIConfig              `mapstructure:"api"`
	Alerting         AlertingConfig         `mapstructure:"alerting"`
	Export           ExportConfig           `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig locates the job queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SchedulerConfig governs tick startup and cross-instance exclusion.
type SchedulerConfig struct {
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ThresholdsConfig are the band widths below and above target, as fractions.
type ThresholdsConfig struct {
	Deficit float64 `mapstructure:"deficit"`
	Surplus float64 `mapstructure:"surplus"`
}

// ChainToken names a token on one chain.
type ChainToken struct {
	ChainID uint64         `mapstructure:"chain_id"`
	Address common.Address `mapstructure:"address"`
}

// LiquidityManagerConfig tunes analysis, quoting and allocation.
type LiquidityManagerConfig struct {
	MaxQuoteSlippage float64             `mapstructure:"max_quote_slippage"`
	Thresholds       ThresholdsConfig    `mapstructure:"thresholds"`
	Interval         time.Duration       `mapstructure:"interval"`
	MinTrade         decimal.Decimal     `mapstructure:"min_trade"`
	QuoteTimeout     time.Duration       `mapstructure:"quote_timeout"`
	WalletStrategies map[string][]string `mapstructure:"wallet_strategies"`
	CoreTokens       []ChainToken        `mapstructure:"core_tokens"`
}

// WalletConfig is a managed wallet. The signing key is read from the SignerKeyEnv variable.
type WalletConfig struct {
	Address      common.Address `mapstructure:"address"`
	Class        string         `mapstructure:"class"`
	SignerKeyEnv string         `mapstructure:"signer_key_env"`
}

// SignerKey returns the private key hex for the wallet, or "" when unset.
func (w WalletConfig) SignerKey() string {
	if w.SignerKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(w.SignerKeyEnv))
}

// EthereumConfig covers RPC behaviour shared by every chain.
type EthereumConfig struct {
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReceiptPoll    time.Duration `mapstructure:"receipt_poll"`
}

// ChainConfig is one chain's RPC endpoint.
type ChainConfig struct {
	ChainID uint64 `mapstructure:"chain_id"`
	RPCURL  string `mapstructure:"rpc_url"`
}

// TokenConfig is a monitored token. An empty Wallets list applies it to every wallet.
type TokenConfig struct {
	Address       common.Address   `mapstructure:"address"`
	ChainID       uint64           `mapstructure:"chain_id"`
	Type          string           `mapstructure:"type"`
	MinBalance    decimal.Decimal  `mapstructure:"min_balance"`
	TargetBalance decimal.Decimal  `mapstructure:"target_balance"`
	Wallets       []common.Address `mapstructure:"wallets"`
}

// LiFiConfig parameterises the LiFi client and provider.
type LiFiConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Integrator        string        `mapstructure:"integrator"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	SwapSlippage      float64       `mapstructure:"swap_slippage"`
	Chains            []uint64      `mapstructure:"chains"`
}

// CCTPChainConfig is the CCTP deployment on one chain.
type CCTPChainConfig struct {
	ChainID            uint64         `mapstructure:"chain_id"`
	Domain             uint32         `mapstructure:"domain"`
	Token              common.Address `mapstructure:"token"`
	TokenMessenger     common.Address `mapstructure:"token_messenger"`
	MessageTransmitter common.Address `mapstructure:"message_transmitter"`
}

// CCTPConfig covers the attestation service and per-chain deployments.
type CCTPConfig struct {
	IrisURL           string            `mapstructure:"iris_url"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second"`
	Chains            []CCTPChainConfig `mapstructure:"chains"`
}

// WarpRouteMember is a chain a warp route is bridged to.
type WarpRouteMember struct {
	ChainID   uint64         `mapstructure:"chain_id"`
	Token     common.Address `mapstructure:"token"`
	Synthetic common.Address `mapstructure:"synthetic"`
}

// WarpRouteConfig is one warp route.
type WarpRouteConfig struct {
	Collateral ChainToken        `mapstructure:"collateral"`
	Chains     []WarpRouteMember `mapstructure:"chains"`
}

// USDT0ChainConfig is the OFT deployment on one chain.
type USDT0ChainConfig struct {
	ChainID         uint64         `mapstructure:"chain_id"`
	EID             uint32         `mapstructure:"eid"`
	Type            string         `mapstructure:"type"`
	Contract        common.Address `mapstructure:"contract"`
	Token           common.Address `mapstructure:"token"`
	UnderlyingToken common.Address `mapstructure:"underlying_token"`
}

// USDT0Config lists OFT deployments and the LayerZero scan API used to confirm deliveries.
type USDT0Config struct {
	Chains            []USDT0ChainConfig `mapstructure:"chains"`
	ScanAPIURL        string             `mapstructure:"scan_api_url"`
	Timeout           time.Duration      `mapstructure:"timeout"`
	RequestsPerSecond float64            `mapstructure:"requests_per_second"`
}

// WorkerConfig sizes the job worker pool.
// Lease must outlast JobTimeout so a live attempt is never reaped.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	Lease        time.Duration `mapstructure:"lease"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// HealthConfig drives the periodic health check of the run command.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	WindowMinutes int           `mapstructure:"window_minutes"`
}

// APIConfig configures the monitoring HTTP server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("REBALANCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "liquidity-rebalancer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "rebalancer")

	v.SetDefault("scheduler.align_to_interval", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c71646d))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("liquidity_manager.max_quote_slippage", 0.005)
	v.SetDefault("liquidity_manager.thresholds.deficit", 0.1)
	v.SetDefault("liquidity_manager.thresholds.surplus", 0.1)
	v.SetDefault("liquidity_manager.interval", "5m")
	v.SetDefault("liquidity_manager.min_trade", "0")
	v.SetDefault("liquidity_manager.quote_timeout", "30s")

	v.SetDefault("ethereum.dial_timeout", "10s")
	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.receipt_poll", "2s")

	v.SetDefault("lifi.base_url", "https://li.quest")
	v.SetDefault("lifi.integrator", "liquidity-rebalancer")
	v.SetDefault("lifi.timeout", "20s")
	v.SetDefault("lifi.requests_per_second", 2.0)

	v.SetDefault("cctp.iris_url", "https://iris-api.circle.com")
	v.SetDefault("cctp.timeout", "10s")
	v.SetDefault("cctp.requests_per_second", 5.0)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.job_timeout", "10m")
	v.SetDefault("worker.lease", "15m")
	v.SetDefault("worker.reap_interval", "30s")

	v.SetDefault("usdt0.scan_api_url", "https://scan.layerzero-api.com/v1")
	v.SetDefault("usdt0.timeout", "10s")
	v.SetDefault("usdt0.requests_per_second", 5.0)

	v.SetDefault("health.check_interval", "5m")
	v.SetDefault("health.window_minutes", 60)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")

	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToAddressHook(),
			toDecimalHook(),
		)
	}
}

var (
	addressType = reflect.TypeOf(common.Address{})
	decimalType = reflect.TypeOf(decimal.Decimal{})
)

func stringToAddressHook() mapstructure.DecodeHookFuncType {
	return func(_, to reflect.Type, data any) (any, error) {
		raw, ok := data.(string)
		if to != addressType || !ok {
			return data, nil
		}
		s := strings.TrimSpace(raw)
		if s == "" {
			return common.Address{}, nil
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	}
}

func toDecimalHook() mapstructure.DecodeHookFuncType {
	return func(_, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q: %w", v, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	lm := c.LiquidityManager
	if lm.Interval <= 0 {
		return fmt.Errorf("liquidity_manager.interval must be greater than zero")
	}
	if lm.MaxQuoteSlippage < 0 || lm.MaxQuoteSlippage >= 1 {
		return fmt.Errorf("liquidity_manager.max_quote_slippage must be within [0, 1)")
	}
	if lm.Thresholds.Deficit < 0 || lm.Thresholds.Surplus < 0 {
		return fmt.Errorf("liquidity_manager.thresholds cannot be negative")
	}
	if lm.MinTrade.IsNegative() {
		return fmt.Errorf("liquidity_manager.min_trade cannot be negative")
	}
	for class, strategies := range lm.WalletStrategies {
		for _, s := range strategies {
			if !liquidity.Strategy(s).Known() {
				return fmt.Errorf("liquidity_manager.wallet_strategies.%s: unknown strategy %q", class, s)
			}
		}
	}

	rpc := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.RPCURL == "" {
			return fmt.Errorf("chains: chain %d has no rpc_url", ch.ChainID)
		}
		rpc[ch.ChainID] = true
	}
	for _, t := range c.Tokens {
		if !rpc[t.ChainID] {
			return fmt.Errorf("tokens: %s on chain %d has no configured rpc", t.Address.Hex(), t.ChainID)
		}
		switch liquidity.TokenType(t.Type) {
		case liquidity.TokenTypeERC20, liquidity.TokenTypeNative, "":
		default:
			return fmt.Errorf("tokens: %s has unknown type %q", t.Address.Hex(), t.Type)
		}
		if t.TargetBalance.IsNegative() || t.MinBalance.IsNegative() {
			return fmt.Errorf("tokens: %s balances cannot be negative", t.Address.Hex())
		}
	}

	for i, w := range c.Wallets {
		if w.Class == "" {
			return fmt.Errorf("wallets[%d].class must be set", i)
		}
		if _, ok := lm.WalletStrategies[w.Class]; !ok {
			return fmt.Errorf("wallets[%d]: class %q has no wallet_strategies entry", i, w.Class)
		}
		if w.SignerKeyEnv == "" {
			return fmt.Errorf("wallets[%d].signer_key_env must be set", i)
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be greater than zero")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be greater than zero")
	}
	if c.Worker.Lease <= c.Worker.JobTimeout {
		return fmt.Errorf("worker.lease (%s) must be longer than worker.job_timeout (%s)", c.Worker.Lease, c.Worker.JobTimeout)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Strategies returns the ordered strategy allow-list for a wallet class.
func (c *Config) Strategies(class string) []liquidity.Strategy {
	names := c.LiquidityManager.WalletStrategies[class]
	out := make([]liquidity.Strategy, 0, len(names))
	for _, n := range names {
		out = append(out, liquidity.Strategy(n))
	}
	return out
}

// TokensFor lists the tokens monitored for a wallet.
func (c *Config) TokensFor(wallet common.Address) []liquidity.TokenConfig {
	var out []liquidity.TokenConfig
	for _, t := range c.Tokens {
		if len(t.Wallets) > 0 && !containsAddress(t.Wallets, wallet) {
			continue
		}
		typ := liquidity.TokenType(t.Type)
		if typ == "" {
			typ = liquidity.TokenTypeERC20
		}
		out = append(out, liquidity.TokenConfig{
			Address:       t.Address,
			ChainID:       t.ChainID,
			Type:          typ,
			MinBalance:    t.MinBalance,
			TargetBalance: t.TargetBalance,
		})
	}
	return out
}

// CoreTokens resolves the fallback intermediaries against the monitored token list.
func (c *Config) CoreTokens() []liquidity.TokenConfig {
	out := make([]liquidity.TokenConfig, 0, len(c.LiquidityManager.CoreTokens))
	for _, ct := range c.LiquidityManager.CoreTokens {
		tc := liquidity.TokenConfig{Address: ct.Address, ChainID: ct.ChainID, Type: liquidity.TokenTypeERC20}
		for _, t := range c.Tokens {
			if t.ChainID == ct.ChainID && t.Address == ct.Address {
				tc.MinBalance, tc.TargetBalance = t.MinBalance, t.TargetBalance
				break
			}
		}
		out = append(out, tc)
	}
	return out
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
