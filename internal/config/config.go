package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Scoring  ScoringConfig  `yaml:"scoring" mapstructure:"scoring"`
	Parser   ParserConfig   `yaml:"parser" mapstructure:"parser"`
	Enrich   EnrichConfig   `yaml:"enrich" mapstructure:"enrich"`
	Notify   NotifyConfig   `yaml:"notify" mapstructure:"notify"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=postgres sqlite memory"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PipelineConfig configures run-level behavior.
type PipelineConfig struct {
	MaxListingsPerRun int  `yaml:"max_listings_per_run" mapstructure:"max_listings_per_run" validate:"gte=0"`
	OpportunityCount  int  `yaml:"opportunity_count" mapstructure:"opportunity_count" validate:"gt=0"`
	OwnerRunLock      bool `yaml:"owner_run_lock" mapstructure:"owner_run_lock"`
}

// ScoringConfig configures the demand scoring engine.
type ScoringConfig struct {
	DefaultCategoryMedian float64 `yaml:"default_category_median" mapstructure:"default_category_median" validate:"gt=0"`
	HotWVSThreshold       float64 `yaml:"hot_wvs_threshold" mapstructure:"hot_wvs_threshold"`
	MinTopicConfidence    float64 `yaml:"min_topic_confidence" mapstructure:"min_topic_confidence" validate:"gte=0,lte=1"`
}

// ParserConfig configures the feature parser.
type ParserConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1"`
}

// EnrichConfig configures the optional Claude enrichment extractor.
// An empty key disables enrichment entirely.
type EnrichConfig struct {
	Key                 string  `yaml:"key" mapstructure:"key"`
	Model               string  `yaml:"model" mapstructure:"model"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`
	MaxListings         int     `yaml:"max_listings" mapstructure:"max_listings" validate:"gte=0"`
}

// NotifyConfig configures the external notification sink.
type NotifyConfig struct {
	WebhookURL string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	OwnerEmail string  `yaml:"owner_email" mapstructure:"owner_email"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int    `yaml:"port" mapstructure:"port" validate:"gt=0,lte=65535"`
	Cron string `yaml:"cron" mapstructure:"cron"`
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
	v.SetEnvPrefix("MARKETPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "marketpulse.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("pipeline.max_listings_per_run", 2000)
	v.SetDefault("pipeline.opportunity_count", 10)
	v.SetDefault("pipeline.owner_run_lock", true)
	v.SetDefault("scoring.default_category_median", 150)
	v.SetDefault("scoring.hot_wvs_threshold", 4.5)
	v.SetDefault("scoring.min_topic_confidence", 0.6)
	v.SetDefault("parser.concurrency", 4)
	v.SetDefault("enrich.model", "claude-haiku-4-5-20251001")
	v.SetDefault("enrich.confidence_threshold", 0.6)
	v.SetDefault("enrich.max_listings", 25)
	v.SetDefault("notify.rate_per_sec", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks structural constraints on the loaded configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrap(err, "config: validate")
	}
	return nil
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
