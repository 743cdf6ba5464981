package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/studioforge/marketpulse/internal/enrich"
	"github.com/studioforge/marketpulse/internal/notify"
	"github.com/studioforge/marketpulse/internal/pipeline"
	"github.com/studioforge/marketpulse/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "marketpulse.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// env bundles the assembled pipeline with its store for command handlers.
type env struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

func (e *env) Close() {
	_ = e.Store.Close()
}

func initPipeline(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	vocab, err := pipeline.LoadVocabulary()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var enricher pipeline.Extractor
	if cfg.Enrich.Key != "" {
		enricher = enrich.NewExtractor(enrich.NewClient(cfg.Enrich.Key), cfg.Enrich.Model)
	}

	var notifier pipeline.OpportunityNotifier = notify.Noop{}
	if cfg.Notify.WebhookURL != "" {
		wh := notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.RatePerSec)
		wh.SetOwnerEmail(cfg.Notify.OwnerEmail)
		notifier = wh
	}

	benchmarks := pipeline.NewBenchmarks(cfg.Scoring.DefaultCategoryMedian)
	publisher := pipeline.NewPublisher(st, notifier, pipeline.PublisherConfig{
		OpportunityCount: cfg.Pipeline.OpportunityCount,
		MinConfidence:    cfg.Scoring.MinTopicConfidence,
		HotWVSThreshold:  cfg.Scoring.HotWVSThreshold,
	})

	p := pipeline.New(st, pipeline.NewPatternExtractor(vocab), enricher, benchmarks, publisher, pipeline.Options{
		MaxListings:       cfg.Pipeline.MaxListingsPerRun,
		ParserConcurrency: cfg.Parser.Concurrency,
		OwnerRunLock:      cfg.Pipeline.OwnerRunLock,
		EnrichBelow:       cfg.Enrich.ConfidenceThreshold,
	})

	return &env{Store: st, Pipeline: p}, nil
}
