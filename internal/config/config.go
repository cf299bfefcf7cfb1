package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"tick-feed-supervisor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Credential  CredentialConfig  `mapstructure:"credential"`
	Market      MarketConfig      `mapstructure:"market"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	Sink        SinkConfig        `mapstructure:"sink"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// CredentialConfig governs the token store and the renewal daemon.
type CredentialConfig struct {
	Path           string        `mapstructure:"path"`
	RenewURL       string        `mapstructure:"renew_url"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	RenewalBuffer  time.Duration `mapstructure:"renewal_buffer"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// MarketConfig describes the daily trading window in exchange-local time.
type MarketConfig struct {
	Open     string `mapstructure:"open"`
	Close    string `mapstructure:"close"`
	Timezone string `mapstructure:"timezone"`
}

// StreamConfig tunes the provider connection and reconnect behaviour.
type StreamConfig struct {
	URL             string        `mapstructure:"url"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	BatchDelay      time.Duration `mapstructure:"batch_delay"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	StableReset     time.Duration `mapstructure:"stable_reset"`
	MalformedRatio  float64       `mapstructure:"malformed_ratio"`
	MalformedMinMsg uint32        `mapstructure:"malformed_min_messages"`
	BreakerInterval time.Duration `mapstructure:"breaker_interval"`
}

// InstrumentsConfig locates the security id mapping.
type InstrumentsConfig struct {
	MappingPath string `mapstructure:"mapping_path"`
	GroupSize   int    `mapstructure:"group_size"`
}

// SinkConfig sets tick output behaviour.
type SinkConfig struct {
	Dir string `mapstructure:"dir"`
}

// DatabaseConfig encapsulates the optional PostgreSQL tick archive.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Channels []string       `mapstructure:"channels"`
	Buffer   int            `mapstructure:"buffer"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot sink.
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

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TICKFEEDER")
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
	v.SetDefault("app.name", "tickfeeder")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("credential.path", "dhan_token.json")
	v.SetDefault("credential.renew_url", "https://api.dhan.co/v2/RenewToken")
	v.SetDefault("credential.check_interval", "1h")
	v.SetDefault("credential.renewal_buffer", "6h")
	v.SetDefault("credential.request_timeout", "10s")

	v.SetDefault("market.open", "09:00")
	v.SetDefault("market.close", "15:31")
	v.SetDefault("market.timezone", "Asia/Kolkata")

	v.SetDefault("stream.url", "wss://api-feed.dhan.co")
	v.SetDefault("stream.dial_timeout", "10s")
	v.SetDefault("stream.read_timeout", "30s")
	v.SetDefault("stream.ping_interval", "20s")
	v.SetDefault("stream.batch_size", 20)
	v.SetDefault("stream.batch_delay", "1200ms")
	v.SetDefault("stream.backoff_initial", "1s")
	v.SetDefault("stream.backoff_max", "60s")
	v.SetDefault("stream.stable_reset", "30s")
	v.SetDefault("stream.malformed_ratio", 0.5)
	v.SetDefault("stream.malformed_min_messages", 50)
	v.SetDefault("stream.breaker_interval", "30s")

	v.SetDefault("instruments.mapping_path", "mapping_security_ids.csv")
	v.SetDefault("instruments.group_size", 350)

	v.SetDefault("sink.dir", "data_ticks")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x7469636b))

	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.buffer", 128)
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
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Credential.Path == "" {
		return fmt.Errorf("credential.path must be set")
	}
	if c.Credential.CheckInterval < 10*time.Minute {
		return fmt.Errorf("credential.check_interval must be at least 10m, got %s", c.Credential.CheckInterval)
	}
	if c.Credential.CheckInterval >= c.Credential.RenewalBuffer {
		return fmt.Errorf("credential.check_interval (%s) must be shorter than credential.renewal_buffer (%s)",
			c.Credential.CheckInterval, c.Credential.RenewalBuffer)
	}
	if c.Stream.BackoffInitial <= 0 {
		return fmt.Errorf("stream.backoff_initial must be positive")
	}
	if c.Stream.BackoffMax < c.Stream.BackoffInitial {
		return fmt.Errorf("stream.backoff_max must not be below stream.backoff_initial")
	}
	if c.Stream.BatchSize <= 0 {
		return fmt.Errorf("stream.batch_size must be greater than zero")
	}
	if c.Stream.MalformedRatio <= 0 || c.Stream.MalformedRatio > 1 {
		return fmt.Errorf("stream.malformed_ratio must be in (0, 1]")
	}
	if c.Instruments.GroupSize <= 0 {
		return fmt.Errorf("instruments.group_size must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
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
