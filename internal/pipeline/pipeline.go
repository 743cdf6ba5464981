package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/studioforge/marketpulse/internal/model"
	"github.com/studioforge/marketpulse/internal/store"
)

// ErrRunInProgress is returned when an owner already has a running pipeline
// and the run lock is enabled.
var ErrRunInProgress = eris.New("pipeline: a run is already in progress for this owner")

// Options tune one pipeline instance.
type Options struct {
	MaxListings       int
	ParserConcurrency int
	OwnerRunLock      bool
	EnrichBelow       float64
}

// Pipeline drives one demand-intelligence run end to end:
// ingest, parse, enrich, cluster, score, publish.
type Pipeline struct {
	store      store.Store
	extractor  Extractor
	enricher   Extractor
	benchmarks *Benchmarks
	engine     *ScoringEngine
	publisher  *Publisher
	opts       Options
}

// New assembles a pipeline. enricher may be nil, which disables the
// enrichment pass entirely.
func New(st store.Store, extractor, enricher Extractor, benchmarks *Benchmarks, publisher *Publisher, opts Options) *Pipeline {
	if opts.ParserConcurrency < 1 {
		opts.ParserConcurrency = 1
	}
	return &Pipeline{
		store:      st,
		extractor:  extractor,
		enricher:   enricher,
		benchmarks: benchmarks,
		engine:     NewScoringEngine(st, benchmarks),
		publisher:  publisher,
		opts:       opts,
	}
}

// Run executes one full pipeline run for an owner. searchTerm may be empty,
// which switches clustering to style-rollup mode. The returned run carries
// its final status and stage counts; a non-nil error always corresponds to a
// failed run row.
func (p *Pipeline) Run(ctx context.Context, ownerID, searchTerm string) (*model.Run, error) {
	if p.opts.OwnerRunLock {
		active, err := p.store.ActiveRunForOwner(ctx, ownerID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: check active run")
		}
		if active != nil {
			return active, ErrRunInProgress
		}
	}

	run, err := p.store.CreateRun(ctx, ownerID, searchTerm)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("owner_id", ownerID))
	log.Info("pipeline: run started", zap.String("search_term", searchTerm))

	now := time.Now().UTC()
	var counts model.StageCounts

	// Ingest.
	staged, err := IngestStage(ctx, p.store, run, p.opts.MaxListings)
	if err != nil {
		return run, p.fail(ctx, run, counts, err)
	}
	counts.CleanListings = staged
	p.track(ctx, run.ID, counts, "ingest")
	if staged == 0 {
		log.Warn("pipeline: no listings ingested, finishing partial")
		return run, p.finish(ctx, run, counts, model.RunStatusPartial, "no raw listings matched")
	}

	listings, err := p.store.ListCleanListings(ctx, run.ID)
	if err != nil {
		return run, p.fail(ctx, run, counts, eris.Wrap(err, "pipeline: list clean listings"))
	}

	// Parse.
	parsed, err := ParseStage(ctx, p.store, p.extractor, listings, p.opts.ParserConcurrency)
	if err != nil {
		return run, p.fail(ctx, run, counts, err)
	}
	counts.ParsedSignals = parsed
	p.track(ctx, run.ID, counts, "parse")

	// Enrich. Best effort: enrichment trouble never sinks the run.
	if p.enricher != nil {
		counts.Enriched = p.enrich(ctx, listings)
		p.track(ctx, run.ID, counts, "enrich")
	}

	signals, err := p.signalIndex(ctx, run.ID)
	if err != nil {
		return run, p.fail(ctx, run, counts, err)
	}

	// Cluster.
	created, memberships, err := ClusterStage(ctx, p.store, run, listings, signals)
	if err != nil {
		return run, p.fail(ctx, run, counts, err)
	}
	counts.NewClusters = created
	counts.Memberships = memberships
	p.track(ctx, run.ID, counts, "cluster")

	// Score. Benchmarks fall back to defaults if history cannot be read.
	if err := p.benchmarks.Load(ctx, p.store); err != nil {
		log.Warn("pipeline: benchmark load failed, using defaults", zap.Error(err))
	}
	scored, err := p.engine.ScoreRun(ctx, run, now)
	if err != nil {
		return run, p.fail(ctx, run, counts, err)
	}
	counts.ScoredTopics = scored
	p.track(ctx, run.ID, counts, "score")

	// Publish.
	published, err := p.publisher.Publish(ctx, run, now)
	if err != nil {
		return run, p.fail(ctx, run, counts, err)
	}
	counts.Opportunities = published
	p.track(ctx, run.ID, counts, "publish")

	log.Info("pipeline: run finished",
		zap.Int("clean_listings", counts.CleanListings),
		zap.Int("scored_topics", counts.ScoredTopics),
		zap.Int("opportunities", counts.Opportunities),
	)
	return run, p.finish(ctx, run, counts, model.RunStatusSuccess, "")
}

// enrich re-extracts low-confidence signals with the enrichment extractor,
// keeping the better of the two results per listing.
func (p *Pipeline) enrich(ctx context.Context, listings []model.CleanListing) int {
	if len(listings) == 0 {
		return 0
	}
	enriched := 0
	signals, err := p.signalIndex(ctx, listings[0].RunID)
	if err != nil {
		zap.L().Warn("pipeline: enrich skipped, cannot read signals", zap.Error(err))
		return 0
	}

	for _, listing := range listings {
		existing, ok := signals[listing.ID]
		if ok && existing.Confidence >= p.opts.EnrichBelow {
			continue
		}
		sig, err := p.enricher.Extract(ctx, listing)
		if err != nil {
			zap.L().Warn("pipeline: enrich extract failed",
				zap.String("listing_id", listing.ID),
				zap.Error(err),
			)
			continue
		}
		if ok && sig.Confidence <= existing.Confidence {
			continue
		}
		if err := p.store.UpsertParsedSignal(ctx, sig); err != nil {
			zap.L().Warn("pipeline: enrich store failed",
				zap.String("listing_id", listing.ID),
				zap.Error(err),
			)
			continue
		}
		enriched++
	}
	return enriched
}

func (p *Pipeline) signalIndex(ctx context.Context, runID string) (map[string]model.ParsedSignal, error) {
	sigs, err := p.store.ListParsedSignals(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list parsed signals")
	}
	index := make(map[string]model.ParsedSignal, len(sigs))
	for _, s := range sigs {
		index[s.ListingID] = s
	}
	return index, nil
}

// track persists intermediate stage counts so a run row is inspectable while
// the run is still going.
func (p *Pipeline) track(ctx context.Context, runID string, counts model.StageCounts, stage string) {
	if err := p.store.UpdateRunCounts(ctx, runID, counts); err != nil {
		zap.L().Warn("pipeline: update run counts failed",
			zap.String("run_id", runID),
			zap.String("stage", stage),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) finish(ctx context.Context, run *model.Run, counts model.StageCounts, status model.RunStatus, summary string) error {
	run.Counts = counts
	run.Status = status
	run.Error = summary
	p.track(ctx, run.ID, counts, "finish")
	if err := p.store.FinishRun(ctx, run.ID, status, summary); err != nil {
		return eris.Wrap(err, "pipeline: finish run")
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, run *model.Run, counts model.StageCounts, cause error) error {
	zap.L().Error("pipeline: run failed", zap.String("run_id", run.ID), zap.Error(cause))
	if err := p.finish(ctx, run, counts, model.RunStatusFailed, cause.Error()); err != nil {
		zap.L().Error("pipeline: mark failed", zap.Error(err))
	}
	return cause
}
