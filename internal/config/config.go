package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/logging"
	"peg-stabilizer/internal/stabilizer"
)

// EnvPrefix prefixes every environment override, e.g. STABILIZER_CHAIN_RPC_URL.
const EnvPrefix = "STABILIZER"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Protocol   ProtocolConfig   `mapstructure:"protocol"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	API        APIConfig        `mapstructure:"api"`
	Export     ExportConfig     `mapstructure:"export"`
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
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs keeper cadence.
type SchedulerConfig struct {
	TrackInterval     time.Duration `mapstructure:"track_interval"`
	StabilizeInterval time.Duration `mapstructure:"stabilize_interval"`
	AlignToBucket     bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey   int64         `mapstructure:"advisory_lock_key"`
	StartupDelay      time.Duration `mapstructure:"startup_delay"`
}

// ChainConfig covers the read-only pair watch.
type ChainConfig struct {
	RPCURL             string        `mapstructure:"rpc_url"`
	PairAddress        string        `mapstructure:"pair_address"`
	TokenAddress       string        `mapstructure:"token_address"`
	TokenDecimals      uint8         `mapstructure:"token_decimals"`
	CollateralDecimals uint8         `mapstructure:"collateral_decimals"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

// ProtocolConfig sizes the stabilization core.
type ProtocolConfig struct {
	PriceTarget     *uint256.Int      `mapstructure:"price_target"`
	DefaultPrice    *uint256.Int      `mapstructure:"default_price"`
	SampleLength    uint64            `mapstructure:"sample_length"`
	SampleMemory    uint64            `mapstructure:"sample_memory"`
	ReserveLookback uint64            `mapstructure:"reserve_lookback"`
	ReserveMinRatio *uint256.Int      `mapstructure:"reserve_min_ratio"`
	Skew            SkewConfig        `mapstructure:"skew"`
	Params          stabilizer.Params `mapstructure:"params"`
	Accounts        AccountsConfig    `mapstructure:"accounts"`
}

// SkewConfig bounds the auction pre-pledge bias, in bps.
type SkewConfig struct {
	Initial uint64 `mapstructure:"initial"`
	Floor   uint64 `mapstructure:"floor"`
	Ceiling uint64 `mapstructure:"ceiling"`
	Step    uint64 `mapstructure:"step"`
}

// AccountsConfig names the protocol and operator addresses.
type AccountsConfig struct {
	Self       common.Address   `mapstructure:"self"`
	Reserve    common.Address   `mapstructure:"reserve"`
	DAO        common.Address   `mapstructure:"dao"`
	Treasury   common.Address   `mapstructure:"treasury"`
	RewardPool common.Address   `mapstructure:"reward_pool"`
	Keeper     common.Address   `mapstructure:"keeper"`
	Admins     []common.Address `mapstructure:"admins"`
}

// SimulationConfig drives the offline engine run.
type SimulationConfig struct {
	Start             uint64        `mapstructure:"start"`
	Duration          time.Duration `mapstructure:"duration"`
	Step              time.Duration `mapstructure:"step"`
	TokenReserve      *uint256.Int  `mapstructure:"token_reserve"`
	CollateralReserve *uint256.Int  `mapstructure:"collateral_reserve"`
	TotalBonded       *uint256.Int  `mapstructure:"total_bonded"`
	ReserveBalance    *uint256.Int  `mapstructure:"reserve_balance"`
	Seed              int64         `mapstructure:"seed"`
	ShockBps          uint64        `mapstructure:"shock_bps"`
	ArbitrageurFunds  *uint256.Int  `mapstructure:"arbitrageur_funds"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Retention    time.Duration  `mapstructure:"retention"`
	Channels     []string       `mapstructure:"channels"`
	Events       []string       `mapstructure:"events"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig controls the read-only HTTP API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Debug   bool   `mapstructure:"debug"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from a .env file, the config file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "peg-stabilizer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// empty defaults register the keys so environment overrides reach Unmarshal
	for _, key := range []string{
		"database.dsn",
		"chain.rpc_url", "chain.pair_address", "chain.token_address",
		"alerting.telegram.bot_token", "alerting.telegram.chat_id",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.track_interval", "1m")
	v.SetDefault("scheduler.stabilize_interval", "30m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70656753))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("chain.token_decimals", 18)
	v.SetDefault("chain.collateral_decimals", 18)
	v.SetDefault("chain.request_timeout", "10s")

	p := stabilizer.DefaultParams()
	v.SetDefault("protocol.price_target", "1")
	v.SetDefault("protocol.default_price", "0")
	v.SetDefault("protocol.sample_length", 60)
	v.SetDefault("protocol.sample_memory", 60)
	v.SetDefault("protocol.reserve_lookback", 3_600)
	v.SetDefault("protocol.reserve_min_ratio", "0.4")
	v.SetDefault("protocol.skew.initial", 5_000)
	v.SetDefault("protocol.skew.floor", 0)
	v.SetDefault("protocol.skew.ceiling", 10_000)
	v.SetDefault("protocol.skew.step", 500)
	v.SetDefault("protocol.params.cooldown_seconds", p.CooldownSeconds)
	v.SetDefault("protocol.params.price_lookback", p.PriceLookback)
	v.SetDefault("protocol.params.upper_threshold_bps", p.UpperThresholdBps)
	v.SetDefault("protocol.params.lower_threshold_bps", p.LowerThresholdBps)
	v.SetDefault("protocol.params.upper_override_bps", p.UpperOverrideBps)
	v.SetDefault("protocol.params.lower_override_bps", p.LowerOverrideBps)
	v.SetDefault("protocol.params.annual_yield_bps", p.AnnualYieldBps)
	v.SetDefault("protocol.params.max_supply_expansion_bps", p.MaxSupplyExpansionBps)
	v.SetDefault("protocol.params.reserve_skim_bps", p.ReserveSkimBps)
	v.SetDefault("protocol.params.max_reserve_skim_bps", p.MaxReserveSkimBps)
	v.SetDefault("protocol.params.cuts.dao", p.Cuts.DAO)
	v.SetDefault("protocol.params.cuts.lp", p.Cuts.LP)
	v.SetDefault("protocol.params.cuts.treasury", p.Cuts.Treasury)
	v.SetDefault("protocol.params.cuts.caller", p.Cuts.Caller)
	v.SetDefault("protocol.params.caller_reward_floor", fixed.Format(p.CallerRewardFloor))
	v.SetDefault("protocol.params.auction_duration", p.AuctionDuration)
	v.SetDefault("protocol.params.auction_end_discount_bps", p.AuctionEndDiscountBps)
	v.SetDefault("protocol.accounts.self", "0x000000000000000000000000000000000000057a")
	v.SetDefault("protocol.accounts.reserve", "0x000000000000000000000000000000000000a5e5")
	v.SetDefault("protocol.accounts.dao", "0x0000000000000000000000000000000000000da0")
	v.SetDefault("protocol.accounts.treasury", "0x0000000000000000000000000000000000007ea5")
	v.SetDefault("protocol.accounts.reward_pool", "0x0000000000000000000000000000000000009001")
	v.SetDefault("protocol.accounts.keeper", "0x000000000000000000000000000000000000cee9")
	v.SetDefault("protocol.accounts.admins", []string{"0x00000000000000000000000000000000000000ad"})

	v.SetDefault("simulation.start", 1_700_000_000)
	v.SetDefault("simulation.duration", "72h")
	v.SetDefault("simulation.step", "1m")
	v.SetDefault("simulation.token_reserve", "1000000")
	v.SetDefault("simulation.collateral_reserve", "1000000")
	v.SetDefault("simulation.total_bonded", "500000")
	v.SetDefault("simulation.reserve_balance", "300000")
	v.SetDefault("simulation.seed", 1)
	v.SetDefault("simulation.shock_bps", 150)
	v.SetDefault("simulation.arbitrageur_funds", "250000")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 1.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.events", []string{"auction_created", "auction_finalized", "supply_expanded"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8088")
	v.SetDefault("api.debug", false)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			StringToFixedHookFunc(),
			StringToAddressHookFunc(),
		)
	}
}

var (
	fixedPtrType = reflect.TypeOf(&uint256.Int{})
	fixedType    = reflect.TypeOf(uint256.Int{})
	addressType  = reflect.TypeOf(common.Address{})
)

// StringToFixedHookFunc decodes decimal strings and plain numbers such as "0.4" or 2
// into 18-decimal fixed-point values.
func StringToFixedHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != fixedPtrType && to != fixedType {
			return data, nil
		}
		var text string
		switch from.Kind() {
		case reflect.String:
			text = strings.TrimSpace(data.(string))
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			text = fmt.Sprint(data)
		default:
			return data, nil
		}
		if text == "" {
			return data, nil
		}
		v, err := fixed.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("invalid fixed-point value %q: %w", text, err)
		}
		if to == fixedType {
			return *v, nil
		}
		return v, nil
	}
}

// StringToAddressHookFunc decodes hex strings into addresses.
func StringToAddressHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != addressType {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return common.Address{}, nil
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.TrackInterval <= 0 {
		return fmt.Errorf("scheduler.track_interval must be greater than zero")
	}
	if c.Scheduler.StabilizeInterval < c.Scheduler.TrackInterval {
		return fmt.Errorf("scheduler.stabilize_interval must not be shorter than track_interval")
	}
	if c.Protocol.PriceTarget == nil || c.Protocol.PriceTarget.IsZero() {
		return fmt.Errorf("protocol.price_target must be greater than zero")
	}
	if c.Protocol.SampleLength == 0 || c.Protocol.SampleMemory == 0 {
		return fmt.Errorf("protocol.sample_length and sample_memory must be greater than zero")
	}
	if c.Protocol.ReserveMinRatio == nil {
		return fmt.Errorf("protocol.reserve_min_ratio must be set")
	}
	if err := c.Protocol.Params.Validate(); err != nil {
		return fmt.Errorf("protocol.params: %w", err)
	}
	acc := c.Protocol.Accounts
	if acc.Self == (common.Address{}) || acc.Reserve == (common.Address{}) {
		return fmt.Errorf("protocol.accounts.self and reserve 必须配置")
	}
	if c.Simulation.Step <= 0 || c.Simulation.Duration < c.Simulation.Step {
		return fmt.Errorf("simulation.step must be positive and not longer than duration")
	}
	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// WatchEnabled reports whether a live pair is configured.
func (c *Config) WatchEnabled() bool {
	return c.Chain.RPCURL != "" && c.Chain.PairAddress != ""
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
