package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"perfwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Retention RetentionConfig `mapstructure:"retention"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Server    ServerConfig    `mapstructure:"server"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Alerts    []AlertSeed     `mapstructure:"alerts"`
	Export    ExportConfig    `mapstructure:"export"`
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
	Migrate         bool          `mapstructure:"migrate"`
}

// MonitorConfig governs the evaluation loop.
type MonitorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	SourceTimeout   time.Duration `mapstructure:"source_timeout"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// RetentionConfig controls purging of resolved incidents.
type RetentionConfig struct {
	Window   time.Duration `mapstructure:"window"`
	Schedule string        `mapstructure:"schedule"`
}

// NotifyConfig sizes the in-process event bus.
type NotifyConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// ServerConfig exposes the observer websocket and metrics endpoints.
type ServerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	WSPath      string `mapstructure:"ws_path"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// SourcesConfig lists the metric providers to register.
type SourcesConfig struct {
	HTTP     []HTTPSourceConfig   `mapstructure:"http"`
	Redis    RedisSourceConfig    `mapstructure:"redis"`
	Ethereum EthereumSourceConfig `mapstructure:"ethereum"`
}

// HTTPSourceConfig reads one numeric field from a JSON endpoint.
type HTTPSourceConfig struct {
	Metric  string        `mapstructure:"metric"`
	URL     string        `mapstructure:"url"`
	Field   string        `mapstructure:"field"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisSourceConfig points at a redis instance to sample.
type RedisSourceConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EthereumSourceConfig covers node health sampling.
type EthereumSourceConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertSeed is an initial threshold configuration for one metric.
type AlertSeed struct {
	Metric           string  `mapstructure:"metric"`
	Warning          float64 `mapstructure:"warning"`
	Critical         float64 `mapstructure:"critical"`
	Enabled          *bool   `mapstructure:"enabled"`
	BreachesRequired int     `mapstructure:"breaches_required"`
	NormalRequired   int     `mapstructure:"normal_required"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	DefaultDays int `mapstructure:"default_days"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PERFWATCH")
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
	v.SetDefault("app.name", "perfwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrate", true)

	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.source_timeout", "5s")
	v.SetDefault("monitor.startup_delay", "0s")
	v.SetDefault("monitor.align_to_interval", false)
	v.SetDefault("monitor.advisory_lock_key", int64(0))

	v.SetDefault("retention.window", "2160h")
	v.SetDefault("retention.schedule", "@daily")

	v.SetDefault("notify.buffer_size", 64)

	v.SetDefault("server.listen_addr", "")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.metrics_path", "/metrics")

	v.SetDefault("sources.ethereum.request_timeout", "10s")

	v.SetDefault("export.default_days", 30)
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
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be greater than zero")
	}
	if c.Monitor.SourceTimeout <= 0 {
		return fmt.Errorf("monitor.source_timeout must be greater than zero")
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("retention.window must be greater than zero")
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		return fmt.Errorf("retention.schedule: %w", err)
	}
	if c.Notify.BufferSize < 0 {
		return fmt.Errorf("notify.buffer_size cannot be negative")
	}
	for i, src := range c.Sources.HTTP {
		if src.Metric == "" || src.URL == "" {
			return fmt.Errorf("sources.http[%d] requires metric and url", i)
		}
	}
	for i, seed := range c.Alerts {
		if seed.Metric == "" {
			return fmt.Errorf("alerts[%d].metric is required", i)
		}
		if seed.BreachesRequired < 0 || seed.NormalRequired < 0 {
			return fmt.Errorf("alerts[%d] streak requirements cannot be negative", i)
		}
	}
	return nil
}

// ResolveDays returns either the CLI override or config default.
func (c *Config) ResolveDays(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.DefaultDays
}
