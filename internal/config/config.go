package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

var (
	ServiceName    = ""
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	APIKeys                 []APIKeyConfig            `mapstructure:"api_keys"`
	Port                    map[string]string         `mapstructure:"port"`
	Exchanges               map[string]ExchangeConfig `mapstructure:"exchanges"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
	Engine                  EngineConfig              `mapstructure:"engine"`
	Profiling               ProfilingConfig           `mapstructure:"profiling"`
}

type APIKeyConfig struct {
	Name      string `mapstructure:"name"`
	Key       string `mapstructure:"key"`
	Active    bool   `mapstructure:"active"`
	ExpiredAt any    `mapstructure:"expired_at"`
}

type NatsJetstreamConfig struct {
	URL             string                   `mapstructure:"url"`
	MaxRetries      int                      `mapstructure:"max_retries"`
	ReconnectFactor float64                  `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration            `mapstructure:"min_jitter"`
	MaxJitter       time.Duration            `mapstructure:"max_jitter"`
	TimeoutHandler  map[string]time.Duration `mapstructure:"timeout_handler"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type ExchangeConfig struct {
	Name       string        `mapstructure:"name"`
	APIKey     string        `mapstructure:"api_key"`
	APISecret  string        `mapstructure:"api_secret"`
	BaseURL    string        `mapstructure:"base_url"`
	StreamURL  string        `mapstructure:"stream_url"`
	RecvWindow int64         `mapstructure:"recv_window"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

type EngineConfig struct {
	// Venue selects the gateway: "binance" or "paper".
	Venue             string          `mapstructure:"venue"`
	TradableSymbols   []string        `mapstructure:"tradable_symbols"`
	QuoteAssets       []string        `mapstructure:"quote_assets"`
	HistoryLimit      int             `mapstructure:"history_limit"`
	ArchivedRestore   int             `mapstructure:"archived_restore"`
	CancelConcurrency int             `mapstructure:"cancel_concurrency"`
	IdempotencyTTL    time.Duration   `mapstructure:"idempotency_ttl"`
	SyncInterval      time.Duration   `mapstructure:"sync_interval"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
	PriceFeed         PriceFeedConfig `mapstructure:"price_feed"`
	Notifier          NotifierConfig  `mapstructure:"notifier"`
	Risk              RiskConfig      `mapstructure:"risk"`
	Paper             PaperConfig     `mapstructure:"paper"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        uint64        `mapstructure:"max_retries"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
}

type PriceFeedConfig struct {
	// Mode is "rest" or "stream"; the stream falls back to rest for stale symbols.
	Mode         string        `mapstructure:"mode"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	MaxStaleness time.Duration `mapstructure:"max_staleness"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type NotifierConfig struct {
	BufferSize int  `mapstructure:"buffer_size"`
	JetStream  bool `mapstructure:"jetstream"`
}

type RiskConfig struct {
	MaxNotional decimal.Decimal `mapstructure:"max_notional"`
	KillSwitch  bool            `mapstructure:"kill_switch"`
}

type PaperConfig struct {
	Balances map[string]decimal.Decimal `mapstructure:"balances"`
	Symbols  []PaperSymbolConfig        `mapstructure:"symbols"`
}

type PaperSymbolConfig struct {
	Symbol       string          `mapstructure:"symbol"`
	BaseAsset    string          `mapstructure:"base_asset"`
	QuoteAsset   string          `mapstructure:"quote_asset"`
	QuantityStep decimal.Decimal `mapstructure:"quantity_step"`
	PriceTick    decimal.Decimal `mapstructure:"price_tick"`
	MinQuantity  decimal.Decimal `mapstructure:"min_quantity"`
	MinNotional  decimal.Decimal `mapstructure:"min_notional"`
}

type ProfilingConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ServerAddress   string `mapstructure:"server_address"`
	ApplicationName string `mapstructure:"application_name"`
}

// EnvPrefix prefixes environment overrides, e.g. EXECUTION_ENGINE_ENGINE_VENUE
// overrides engine.venue for keys present in the file.
const EnvPrefix = "EXECUTION_ENGINE"

// LoadConfig reads configPath (./config.yml when empty) into Env. A path
// without a .yml or .yaml extension is looked up as a yml config name.
func LoadConfig(configPath string) error {
	v := viper.New()
	resolveConfigFile(v, strings.TrimSpace(configPath))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %q: %w", configPath, err)
	}

	cfg := new(EnvConfig)
	// decimals are read from quoted strings
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return fmt.Errorf("decode config %q: %w", v.ConfigFileUsed(), err)
	}

	Env = cfg
	return nil
}

func resolveConfigFile(v *viper.Viper, configPath string) {
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yml", ".yaml":
		v.SetConfigFile(configPath)
		return
	}

	name, dir := "config", "."
	if configPath != "" {
		name, dir = filepath.Base(configPath), filepath.Dir(configPath)
	}
	v.SetConfigName(name)
	v.SetConfigType("yml")
	v.AddConfigPath(dir)
}
