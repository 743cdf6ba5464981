package pipeline

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/studioforge/marketpulse/internal/model"
	"github.com/studioforge/marketpulse/internal/store"
)

// ScoreInputs are the raw facts one listing contributes to its score.
type ScoreInputs struct {
	Price           float64
	Watchers        int
	Bids            int
	DaysActive      int
	CategoryMedian  float64
	SimilarListings int
}

// ListingScore is the computed demand score with its components. WVS carries
// four decimal places, the components two. Confidence reflects how much
// evidence the score rests on, not how high it is.
type ListingScore struct {
	WVS            float64
	Velocity       float64
	PriceFactor    float64
	CompetitionAdj float64
	Confidence     float64
}

// DemandLabel names the WVS band for display surfaces.
func DemandLabel(wvs float64) string {
	switch {
	case wvs > 5:
		return "High Demand"
	case wvs > 2:
		return "Solid Demand"
	case wvs > 1:
		return "Moderate Demand"
	default:
		return "Low Demand"
	}
}

// ComputeWVS scores one listing. Bids count double watchers because a bid is
// money on the table, not curiosity. Listings priced more than twice the
// category median get a further 1.5x price penalty; the price factor floor of
// 0.1 keeps giveaway prices from producing unbounded scores.
func ComputeWVS(in ScoreInputs) ListingScore {
	days := in.DaysActive
	if days < 1 {
		days = 1
	}
	velocity := (float64(in.Watchers) + 2*float64(in.Bids)) / float64(days)

	median := in.CategoryMedian
	if median < 1 {
		median = 1
	}
	priceFactor := in.Price / median
	if priceFactor > 2 {
		priceFactor *= 1.5
	}
	if priceFactor < 0.1 {
		priceFactor = 0.1
	}

	competitionAdj := 1 / (1 + float64(in.SimilarListings))

	confidence := 0.5
	if in.Watchers+in.Bids >= 10 {
		confidence += 0.2
	}
	if days >= 7 {
		confidence += 0.2
	}
	if confidence > 1 {
		confidence = 1
	}

	return ListingScore{
		WVS:            round4(velocity * (1 / priceFactor) * competitionAdj),
		Velocity:       round2(velocity),
		PriceFactor:    round2(priceFactor),
		CompetitionAdj: round2(competitionAdj),
		Confidence:     confidence,
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

// ScoringEngine folds listing scores into daily topic scores and the global
// style and size rollups.
type ScoringEngine struct {
	store      store.Store
	benchmarks *Benchmarks
}

// NewScoringEngine wires a scoring engine over the given store and benchmarks.
func NewScoringEngine(st store.Store, benchmarks *Benchmarks) *ScoringEngine {
	return &ScoringEngine{store: st, benchmarks: benchmarks}
}

type rollupAcc struct {
	wvsSum   float64
	listings int
	prices   []float64
}

// ScoreRun scores every topic attached to the run: writes per-listing scores
// back onto active clean listings, upserts one TopicScoreDaily row per topic
// for the run date, and refreshes the style and size rollups touched by the
// run's listings. Returns the number of topics scored.
func (e *ScoringEngine) ScoreRun(ctx context.Context, run *model.Run, now time.Time) (int, error) {
	topics, err := e.store.RunTopics(ctx, run.ID)
	if err != nil {
		return 0, eris.Wrap(err, "score: list run topics")
	}

	styleAcc := map[string]*rollupAcc{}
	sizeAcc := map[string]*rollupAcc{}
	scored := 0

	for _, topic := range topics {
		members, err := e.store.TopicMembers(ctx, run.ID, topic.ID)
		if err != nil {
			return scored, eris.Wrapf(err, "score: members of %s", topic.Slug)
		}
		if len(members) == 0 {
			continue
		}

		// Every other member of the topic competes with this listing.
		similar := len(members) - 1

		var (
			wvsSum, velocitySum, confSum float64
			auctions, active             int
			prices                       []float64
		)
		for _, m := range members {
			style := ""
			if m.Signal != nil {
				style = m.Signal.Style
			}
			score := ComputeWVS(ScoreInputs{
				Price:           m.Listing.Price,
				Watchers:        m.Listing.WatcherCount,
				Bids:            m.Listing.BidCount,
				DaysActive:      m.Listing.DaysActive(now),
				CategoryMedian:  e.benchmarks.MedianFor(style),
				SimilarListings: similar,
			})

			if m.Listing.State == model.ListingActive {
				if err := e.store.UpdateListingScore(ctx, m.Listing.ID, score.WVS, score.Velocity); err != nil {
					return scored, eris.Wrapf(err, "score: write back %s", m.Listing.ID)
				}
				active++
			}

			wvsSum += score.WVS
			velocitySum += score.Velocity
			prices = append(prices, m.Listing.Price)
			if m.Listing.IsAuction {
				auctions++
			}
			if m.Signal != nil {
				confSum += m.Signal.Confidence
			}

			if m.Signal != nil && m.Signal.Style != "" {
				foldRollup(styleAcc, m.Signal.Style, score.WVS, m.Listing.Price)
			}
			if m.Signal != nil && m.Signal.SizeBucket != "" {
				foldRollup(sizeAcc, m.Signal.SizeBucket, score.WVS, m.Listing.Price)
			}
		}

		n := float64(len(members))
		daily := model.TopicScoreDaily{
			TopicID:            topic.ID,
			Date:               now,
			WVS:                round4(wvsSum / n),
			Velocity:           round2(velocitySum / n),
			MedianPrice:        round2(quantile(prices, 0.5)),
			UpperQuartilePrice: round2(quantile(prices, 0.75)),
			AuctionIntensity:   round2(float64(auctions) / n),
			Confidence:         round2(confSum / n),
		}
		if err := e.store.UpsertTopicScore(ctx, daily); err != nil {
			return scored, eris.Wrapf(err, "score: upsert daily score for %s", topic.Slug)
		}
		scored++

		zap.L().Debug("score: topic scored",
			zap.String("topic", topic.Slug),
			zap.Float64("wvs", daily.WVS),
			zap.Int("members", len(members)),
			zap.Int("active", active),
		)
	}

	if err := e.flushRollups(ctx, styleAcc, sizeAcc, now); err != nil {
		return scored, err
	}
	return scored, nil
}

func foldRollup(acc map[string]*rollupAcc, key string, wvs, price float64) {
	a, ok := acc[key]
	if !ok {
		a = &rollupAcc{}
		acc[key] = a
	}
	a.wvsSum += wvs
	a.listings++
	a.prices = append(a.prices, price)
}

// flushRollups upserts the style and size aggregates. Style demand is scaled
// to a 0..10 band, size demand to 0..100, matching the surfaces that read
// them.
func (e *ScoringEngine) flushRollups(ctx context.Context, styles, sizes map[string]*rollupAcc, now time.Time) error {
	for style, a := range styles {
		avg := a.wvsSum / float64(a.listings)
		if err := e.store.UpsertStyleRollup(ctx, model.StyleRollup{
			Style:       style,
			AvgWVS:      round4(avg),
			DemandScore: round2(math.Min(avg*10, 10)),
			Listings:    a.listings,
			MedianPrice: round2(quantile(a.prices, 0.5)),
			UpdatedAt:   now,
		}); err != nil {
			return eris.Wrapf(err, "score: upsert style rollup %q", style)
		}
	}
	for bucket, a := range sizes {
		avg := a.wvsSum / float64(a.listings)
		if err := e.store.UpsertSizeRollup(ctx, model.SizeRollup{
			SizeBucket:  bucket,
			AvgWVS:      round4(avg),
			DemandScore: round2(math.Min(avg*10, 100)),
			Listings:    a.listings,
			MedianPrice: round2(quantile(a.prices, 0.5)),
			UpdatedAt:   now,
		}); err != nil {
			return eris.Wrapf(err, "score: upsert size rollup %q", bucket)
		}
	}
	return nil
}

// quantile returns the q-th quantile of values using nearest-rank on a sorted
// copy. Returns 0 for an empty slice.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
