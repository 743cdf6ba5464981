package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/studioforge/marketpulse/internal/model"
	"github.com/studioforge/marketpulse/internal/store"
)

// OpportunityNotifier delivers published opportunities to an outward channel.
// Delivery failures are the notifier's problem to report; the publisher only
// logs them.
type OpportunityNotifier interface {
	NotifyHot(ctx context.Context, ownerID string, opportunities []model.Opportunity) error
}

// PublisherConfig tunes the publish stage.
type PublisherConfig struct {
	OpportunityCount int
	MinConfidence    float64
	MinEvidence      int
	HotWVSThreshold  float64
	MaxEvidenceURLs  int
}

// Publisher turns the day's topic scores into ranked owner-facing
// opportunities.
type Publisher struct {
	store    store.Store
	notifier OpportunityNotifier
	cfg      PublisherConfig
}

// NewPublisher wires a publisher. A nil notifier disables outward delivery.
func NewPublisher(st store.Store, notifier OpportunityNotifier, cfg PublisherConfig) *Publisher {
	if cfg.OpportunityCount < 1 {
		cfg.OpportunityCount = 10
	}
	if cfg.MinEvidence < 1 {
		cfg.MinEvidence = 5
	}
	if cfg.MaxEvidenceURLs < 1 {
		cfg.MaxEvidenceURLs = 10
	}
	return &Publisher{store: st, notifier: notifier, cfg: cfg}
}

// Publish ranks the run's topics by today's score and upserts up to the
// configured number of opportunities for the owner. Candidates that fail a
// guardrail are dropped with a log line and the next candidate takes the
// rank, so published ranks are always sequential from 1.
func (p *Publisher) Publish(ctx context.Context, run *model.Run, now time.Time) (int, error) {
	topics, err := p.store.RunTopics(ctx, run.ID)
	if err != nil {
		return 0, eris.Wrap(err, "publish: list run topics")
	}
	if len(topics) == 0 {
		return 0, nil
	}
	byID := make(map[string]model.TopicCluster, len(topics))
	for _, t := range topics {
		byID[t.ID] = t
	}

	terms, err := p.store.InterestTerms(ctx, run.OwnerID)
	if err != nil {
		return 0, eris.Wrap(err, "publish: load interest terms")
	}
	// The run's own search term counts as an implicit interest. An owner
	// with neither gets nothing published.
	if len(terms) == 0 && run.SearchTerm != "" {
		terms = []string{run.SearchTerm}
	}
	if len(terms) == 0 {
		zap.L().Info("publish: owner has no interest terms, nothing to publish",
			zap.String("owner_id", run.OwnerID),
		)
		return 0, nil
	}
	interest := make(map[string]bool, len(terms))
	for _, term := range terms {
		interest[Slugify(term)] = true
	}

	// Over-fetch so guardrail drops still leave a full list.
	scores, err := p.store.TopTopicScores(ctx, now, p.cfg.MinConfidence, 2*p.cfg.OpportunityCount)
	if err != nil {
		return 0, eris.Wrap(err, "publish: top topic scores")
	}

	var published []model.Opportunity
	rank := 1
	for _, score := range scores {
		if rank > p.cfg.OpportunityCount {
			break
		}
		topic, ok := byID[score.TopicID]
		if !ok {
			continue
		}
		// Only topics matching an interest term are surfaced.
		if !interest[topic.Slug] {
			continue
		}

		opp, reason, err := p.buildOpportunity(ctx, run, topic, score, now, rank)
		if err != nil {
			return len(published), err
		}
		if reason != "" {
			zap.L().Info("publish: candidate dropped",
				zap.String("topic", topic.Slug),
				zap.String("reason", reason),
			)
			continue
		}

		if err := p.store.UpsertOpportunity(ctx, *opp); err != nil {
			return len(published), eris.Wrapf(err, "publish: upsert opportunity %s", topic.Slug)
		}
		published = append(published, *opp)
		rank++
	}

	p.notify(ctx, run.OwnerID, published, now)
	return len(published), nil
}

// buildOpportunity assembles one candidate and checks the guardrails.
// A non-empty reason means the candidate was rejected, not errored.
func (p *Publisher) buildOpportunity(ctx context.Context, run *model.Run, topic model.TopicCluster, score model.TopicScoreDaily, now time.Time, rank int) (*model.Opportunity, string, error) {
	members, err := p.store.TopicMembers(ctx, run.ID, topic.ID)
	if err != nil {
		return nil, "", eris.Wrapf(err, "publish: members of %s", topic.Slug)
	}

	sizes := map[string]int{}
	mediums := map[string]int{}
	keywords := map[string]int{}
	var evidence []string
	for _, m := range members {
		// Sold listings are demand evidence too.
		if len(evidence) < p.cfg.MaxEvidenceURLs {
			evidence = append(evidence, m.Listing.SourceURL)
		}
		if m.Signal == nil {
			continue
		}
		if m.Signal.SizeBucket != "" {
			sizes[m.Signal.SizeBucket]++
		}
		if m.Signal.Medium != "" {
			mediums[m.Signal.Medium]++
		}
		if m.Signal.Subject != "" {
			keywords[m.Signal.Subject]++
		}
		if m.Signal.Style != "" {
			keywords[m.Signal.Style]++
		}
		for _, c := range m.Signal.ColorTags {
			keywords[c]++
		}
	}

	if len(evidence) < p.cfg.MinEvidence {
		return nil, fmt.Sprintf("evidence %d below minimum %d", len(evidence), p.cfg.MinEvidence), nil
	}
	if score.Confidence < p.cfg.MinConfidence {
		return nil, fmt.Sprintf("confidence %.2f below minimum %.2f", score.Confidence, p.cfg.MinConfidence), nil
	}

	band := model.PriceBand{
		Min:    int(math.Round(score.MedianPrice * 0.8)),
		Median: int(math.Round(score.MedianPrice)),
		Max:    int(math.Round(score.UpperQuartilePrice * 1.1)),
	}
	if band.Median <= 0 {
		return nil, "price band median is zero", nil
	}

	kw := topTerms(keywords, 3)
	if len(kw) == 0 {
		return nil, "no keywords extracted", nil
	}

	return &model.Opportunity{
		ID:           uuid.New().String(),
		OwnerID:      run.OwnerID,
		Date:         now,
		Rank:         rank,
		TopicID:      topic.ID,
		TopicLabel:   topic.Label,
		WVS:          score.WVS,
		Velocity:     score.Velocity,
		PriceBand:    band,
		Sizes:        topTerms(sizes, 3),
		Mediums:      topTerms(mediums, 3),
		Keywords:     kw,
		EvidenceURLs: evidence,
		Confidence:   score.Confidence,
	}, "", nil
}

// notify records the in-app notification and pushes hot opportunities to the
// outward channel. Neither failure mode fails the run.
func (p *Publisher) notify(ctx context.Context, ownerID string, published []model.Opportunity, now time.Time) {
	if len(published) == 0 {
		return
	}

	n := model.Notification{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Kind:      "opportunities",
		Message:   fmt.Sprintf("%d new opportunities published for %s", len(published), now.Format("2006-01-02")),
		CreatedAt: now,
	}
	if err := p.store.InsertNotification(ctx, n); err != nil {
		zap.L().Warn("publish: insert notification failed", zap.Error(err))
	}

	if p.notifier == nil {
		return
	}
	var hot []model.Opportunity
	for _, o := range published {
		if o.WVS >= p.cfg.HotWVSThreshold {
			hot = append(hot, o)
		}
	}
	if len(hot) > 3 {
		hot = hot[:3]
	}
	if len(hot) == 0 {
		return
	}
	if err := p.notifier.NotifyHot(ctx, ownerID, hot); err != nil {
		zap.L().Warn("publish: hot opportunity webhook failed", zap.Error(err))
	}
}

// topTerms returns the n most frequent keys, ties broken alphabetically.
func topTerms(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
