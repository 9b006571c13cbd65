package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Steam    SteamConfig    `yaml:"steam" mapstructure:"steam"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the warehouse backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SteamConfig configures the catalog source API clients.
type SteamConfig struct {
	AppListURL    string `yaml:"applist_url" mapstructure:"applist_url"`
	AppDetailsURL string `yaml:"appdetails_url" mapstructure:"appdetails_url"`
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent"`

	// MaxRetries is the total attempt budget per call, including the
	// first try.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// RequestIntervalMS is the minimum spacing between detail calls,
	// enforced even on success. The source's rate limit is undocumented;
	// 2000ms is the highest rate observed to be safe.
	RequestIntervalMS int `yaml:"request_interval_ms" mapstructure:"request_interval_ms"`

	TimeoutSecs     int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ListTimeoutSecs int `yaml:"list_timeout_secs" mapstructure:"list_timeout_secs"`
}

// StorageConfig configures the object store for raw and processed blobs.
type StorageConfig struct {
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey       string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey       string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	UseSSL          bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	RawPrefix       string `yaml:"raw_prefix" mapstructure:"raw_prefix"`
	ProcessedPrefix string `yaml:"processed_prefix" mapstructure:"processed_prefix"`
}

// PipelineConfig configures sampling and fetch concurrency.
type PipelineConfig struct {
	// SampleSize is how many random identifiers the validator resolves
	// to estimate the resolvable fraction of the universe.
	SampleSize int `yaml:"sample_size" mapstructure:"sample_size"`

	// Headroom pads the extrapolated working-set size to compensate for
	// sampling error.
	Headroom float64 `yaml:"headroom" mapstructure:"headroom"`

	// ResampleFraction is the share of already-known identifiers
	// re-fetched on incremental runs to catch attribute drift.
	ResampleFraction float64 `yaml:"resample_fraction" mapstructure:"resample_fraction"`

	// Workers bounds the number of in-flight detail fetches.
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// ServerConfig configures the scheduler webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("steam.applist_url", "https://api.steampowered.com/ISteamApps/GetAppList/v2/")
	v.SetDefault("steam.appdetails_url", "https://steamspy.com/api.php")
	v.SetDefault("steam.user_agent", "catalog-cli/1.0")
	v.SetDefault("steam.max_retries", 5)
	v.SetDefault("steam.request_interval_ms", 2000)
	v.SetDefault("steam.timeout_secs", 10)
	v.SetDefault("steam.list_timeout_secs", 20)
	v.SetDefault("storage.bucket", "catalog-artifacts")
	v.SetDefault("storage.raw_prefix", "raw")
	v.SetDefault("storage.processed_prefix", "processed")
	v.SetDefault("pipeline.sample_size", 100)
	v.SetDefault("pipeline.headroom", 1.5)
	v.SetDefault("pipeline.resample_fraction", 0.01)
	v.SetDefault("pipeline.workers", 3)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
