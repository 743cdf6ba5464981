package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Store:    StoreConfig{Driver: "sqlite", DatabaseURL: "test.db"},
		Pipeline: PipelineConfig{OpportunityCount: 10},
		Scoring:  ScoringConfig{DefaultCategoryMedian: 150, MinTopicConfidence: 0.6},
		Parser:   ParserConfig{Concurrency: 4},
		Server:   ServerConfig{Port: 8080},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "marketpulse.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 2000, cfg.Pipeline.MaxListingsPerRun)
	assert.Equal(t, 10, cfg.Pipeline.OpportunityCount)
	assert.True(t, cfg.Pipeline.OwnerRunLock)
	assert.InDelta(t, 150, cfg.Scoring.DefaultCategoryMedian, 1e-9)
	assert.InDelta(t, 4.5, cfg.Scoring.HotWVSThreshold, 1e-9)
	assert.Equal(t, 4, cfg.Parser.Concurrency)
	assert.Empty(t, cfg.Enrich.Key, "enrichment is off by default")
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MARKETPULSE_STORE_DRIVER", "memory")
	t.Setenv("MARKETPULSE_SCORING_HOT_WVS_THRESHOLD", "5.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.InDelta(t, 5.5, cfg.Scoring.HotWVSThreshold, 1e-9)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	bad := validConfig()
	bad.Store.Driver = "mysql"
	assert.Error(t, bad.Validate())

	bad = validConfig()
	bad.Pipeline.OpportunityCount = 0
	assert.Error(t, bad.Validate())

	bad = validConfig()
	bad.Scoring.MinTopicConfidence = 1.5
	assert.Error(t, bad.Validate())

	bad = validConfig()
	bad.Server.Port = 0
	assert.Error(t, bad.Validate())
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	err := InitLogger(LogConfig{Level: "not-a-level"})
	assert.Error(t, err)
}
