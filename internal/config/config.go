// Package config defines all configuration for the trading bridge.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via BRIDGE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Host      HostConfig      `mapstructure:"host"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Predict   PredictConfig   `mapstructure:"predict"`
	Trailing  TrailingConfig  `mapstructure:"trailing"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// HostConfig controls the TCP listener for the Execution Host link.
type HostConfig struct {
	Port             int           `mapstructure:"port"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	DispatchTimeout  time.Duration `mapstructure:"dispatch_timeout"`
}

// DashboardConfig controls the WebSocket/HTTP server for dashboard clients.
type DashboardConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	QueueCapacity  int      `mapstructure:"queue_capacity"`
}

// SettingsConfig sets the persisted-settings file and the values adopted
// when no file exists yet.
type SettingsConfig struct {
	Path                 string  `mapstructure:"path"`
	MinConfidenceDefault float64 `mapstructure:"min_confidence_default"`
	AutoTradeDefault     bool    `mapstructure:"auto_trade_default"`
}

// PredictConfig tunes the prediction gateway.
//
//   - URL: base URL of the external model service. Empty means the
//     rule-based predictor serves every request directly.
//   - Timeout: hard deadline per model call.
//   - CacheCapacity / CacheTTL: prediction result cache bounds.
type PredictConfig struct {
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CacheCapacity int           `mapstructure:"cache_capacity"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// TrailingConfig tunes the smart trailing-stop controller.
type TrailingConfig struct {
	Throttle      time.Duration `mapstructure:"throttle"`
	MaxMoveATR    float64       `mapstructure:"max_move_atr"`
	MinConfidence float64       `mapstructure:"min_confidence"`
}

// TradingConfig holds trade sizing and the per-instrument point values used
// for PnL. Instruments absent from PointValues use 1.0.
type TradingConfig struct {
	DefaultQuantity float64            `mapstructure:"default_quantity"`
	PointValues     map[string]float64 `mapstructure:"point_values"`
}

// StoreConfig selects the optional durable stores. Empty values mean no-op
// implementations; the bridge is fully functional without either.
type StoreConfig struct {
	EventLogPath string `mapstructure:"event_log_path"`
	RedisAddr    string `mapstructure:"redis_addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides (BRIDGE_ prefix,
// dots replaced by underscores: e.g. BRIDGE_HOST_PORT).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("defaults must unmarshal: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host.port", 9999)
	v.SetDefault("host.heartbeat_timeout", 30*time.Second)
	v.SetDefault("host.dispatch_timeout", 100*time.Millisecond)
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("dashboard.queue_capacity", 256)
	v.SetDefault("settings.path", "data/settings.json")
	v.SetDefault("settings.min_confidence_default", 0.6)
	v.SetDefault("settings.auto_trade_default", false)
	v.SetDefault("predict.timeout", 5*time.Second)
	v.SetDefault("predict.cache_capacity", 1000)
	v.SetDefault("predict.cache_ttl", 5*time.Minute)
	v.SetDefault("trailing.throttle", 15*time.Second)
	v.SetDefault("trailing.max_move_atr", 0.5)
	v.SetDefault("trailing.min_confidence", 0.6)
	v.SetDefault("trading.default_quantity", 1.0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Host.Port <= 0 || c.Host.Port > 65535 {
		return fmt.Errorf("host.port must be in (0, 65535]")
	}
	if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be in (0, 65535]")
	}
	if c.Host.Port == c.Dashboard.Port {
		return fmt.Errorf("host.port and dashboard.port must differ")
	}
	if c.Dashboard.QueueCapacity <= 0 {
		return fmt.Errorf("dashboard.queue_capacity must be > 0")
	}
	if c.Settings.Path == "" {
		return fmt.Errorf("settings.path is required")
	}
	if c.Settings.MinConfidenceDefault < 0 || c.Settings.MinConfidenceDefault > 1 {
		return fmt.Errorf("settings.min_confidence_default must be in [0, 1]")
	}
	if c.Predict.Timeout <= 0 {
		return fmt.Errorf("predict.timeout must be > 0")
	}
	if c.Predict.CacheCapacity <= 0 {
		return fmt.Errorf("predict.cache_capacity must be > 0")
	}
	if c.Trailing.MaxMoveATR <= 0 {
		return fmt.Errorf("trailing.max_move_atr must be > 0")
	}
	if c.Trailing.MinConfidence < 0 || c.Trailing.MinConfidence > 1 {
		return fmt.Errorf("trailing.min_confidence must be in [0, 1]")
	}
	if c.Trading.DefaultQuantity <= 0 {
		return fmt.Errorf("trading.default_quantity must be > 0")
	}
	for instr, pv := range c.Trading.PointValues {
		if pv <= 0 {
			return fmt.Errorf("trading.point_values[%q] must be > 0", instr)
		}
	}
	return nil
}

// PointValue returns the configured point value for an instrument (1.0 when
// unconfigured).
func (c *Config) PointValue(instrument string) float64 {
	if pv, ok := c.Trading.PointValues[instrument]; ok {
		return pv
	}
	return 1.0
}
