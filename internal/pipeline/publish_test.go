package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioforge/marketpulse/internal/model"
	"github.com/studioforge/marketpulse/internal/store"
)

type captureNotifier struct {
	owner string
	hot   []model.Opportunity
	calls int
}

func (c *captureNotifier) NotifyHot(_ context.Context, ownerID string, opps []model.Opportunity) error {
	c.owner = ownerID
	c.hot = opps
	c.calls++
	return nil
}

// seedScoredTopic stages a fully scored topic with n member listings.
func seedScoredTopic(t *testing.T, st store.Store, run *model.Run, label string, n int, wvs, confidence float64) {
	t.Helper()
	ctx := context.Background()

	topic, _, err := st.GetOrCreateTopic(ctx, Slugify(label), label, run.ID)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		id := topic.Slug + "-l" + string(rune('a'+i))
		_, err := st.InsertCleanListings(ctx, []model.CleanListing{{
			ID:         id,
			RunID:      run.ID,
			OwnerID:    run.OwnerID,
			SourceURL:  "https://m.example/" + id,
			Title:      label,
			Price:      100,
			State:      model.ListingActive,
			ObservedAt: time.Now().Add(time.Duration(i) * time.Minute),
			DedupeHash: id,
		}})
		require.NoError(t, err)
		require.NoError(t, st.UpsertParsedSignal(ctx, model.ParsedSignal{
			ListingID:  id,
			SizeBucket: SizeMedium,
			Medium:     "acrylic",
			Subject:    "abstract",
			Confidence: confidence,
			Extractor:  model.ExtractorPatternRules,
		}))
		require.NoError(t, st.UpsertMembership(ctx, model.TopicMembership{
			RunID: run.ID, TopicID: topic.ID, ListingID: id, Weight: 1,
		}))
	}

	require.NoError(t, st.UpsertTopicScore(ctx, model.TopicScoreDaily{
		TopicID:            topic.ID,
		Date:               time.Now().UTC(),
		WVS:                wvs,
		Velocity:           wvs / 2,
		MedianPrice:        100,
		UpperQuartilePrice: 130,
		Confidence:         confidence,
	}))
}

func TestPublisher_PublishesRankedOpportunities(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	run, err := st.CreateRun(ctx, "owner-1", "abstract painting")
	require.NoError(t, err)

	seedScoredTopic(t, st, run, "abstract painting", 6, 5.0, 0.9)
	seedScoredTopic(t, st, run, "seascape", 6, 3.0, 0.8)
	require.NoError(t, st.SetInterestTerms(ctx, "owner-1", []string{"abstract painting", "seascape"}))

	notifier := &captureNotifier{}
	pub := NewPublisher(st, notifier, PublisherConfig{
		OpportunityCount: 10,
		MinConfidence:    0.6,
		HotWVSThreshold:  4.5,
	})

	n, err := pub.Publish(ctx, run, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	opps, err := st.ListOpportunities(ctx, "owner-1", now)
	require.NoError(t, err)
	require.Len(t, opps, 2)
	assert.Equal(t, 1, opps[0].Rank)
	assert.Equal(t, "abstract painting", opps[0].TopicLabel)
	assert.Equal(t, 2, opps[1].Rank)
	assert.Equal(t, "seascape", opps[1].TopicLabel)

	// Price band: 0.8x median, median, 1.1x upper quartile.
	assert.Equal(t, model.PriceBand{Min: 80, Median: 100, Max: 143}, opps[0].PriceBand)
	assert.Contains(t, opps[0].Keywords, "abstract")
	assert.Contains(t, opps[0].Mediums, "acrylic")
	assert.Contains(t, opps[0].Sizes, SizeMedium)
	assert.Len(t, opps[0].EvidenceURLs, 6)

	// Only the 5.0 topic is hot.
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, "owner-1", notifier.owner)
	require.Len(t, notifier.hot, 1)
	assert.Equal(t, "abstract painting", notifier.hot[0].TopicLabel)

	// In-app notification landed too.
	notes := st.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "owner-1", notes[0].OwnerID)
	assert.Equal(t, "opportunities", notes[0].Kind)
}

func TestPublisher_GuardrailThinEvidence(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	run, err := st.CreateRun(ctx, "owner-1", "")
	require.NoError(t, err)

	seedScoredTopic(t, st, run, "strong topic", 6, 4.0, 0.9)
	seedScoredTopic(t, st, run, "thin topic", 3, 6.0, 0.9) // highest score, too little evidence
	require.NoError(t, st.SetInterestTerms(ctx, "owner-1", []string{"strong topic", "thin topic"}))

	pub := NewPublisher(st, nil, PublisherConfig{OpportunityCount: 10, MinConfidence: 0.6})
	n, err := pub.Publish(ctx, run, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	opps, err := st.ListOpportunities(ctx, "owner-1", now)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	// The survivor takes rank 1; ranks never have gaps.
	assert.Equal(t, 1, opps[0].Rank)
	assert.Equal(t, "strong topic", opps[0].TopicLabel)
}

func TestPublisher_GuardrailLowConfidence(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	run, err := st.CreateRun(ctx, "owner-1", "")
	require.NoError(t, err)
	seedScoredTopic(t, st, run, "vague topic", 6, 4.0, 0.4)
	require.NoError(t, st.SetInterestTerms(ctx, "owner-1", []string{"vague topic"}))

	pub := NewPublisher(st, nil, PublisherConfig{OpportunityCount: 10, MinConfidence: 0.6})
	n, err := pub.Publish(ctx, run, now)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, st.Notifications(), "nothing published means no notification")
}

func TestPublisher_InterestTermGate(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	run, err := st.CreateRun(ctx, "owner-1", "")
	require.NoError(t, err)

	seedScoredTopic(t, st, run, "abstract painting", 6, 5.0, 0.9)
	seedScoredTopic(t, st, run, "pet portrait", 6, 4.0, 0.9)

	require.NoError(t, st.SetInterestTerms(ctx, "owner-1", []string{"Abstract Painting"}))

	pub := NewPublisher(st, nil, PublisherConfig{OpportunityCount: 10, MinConfidence: 0.6})
	n, err := pub.Publish(ctx, run, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	opps, err := st.ListOpportunities(ctx, "owner-1", now)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, "abstract painting", opps[0].TopicLabel)
}

func TestPublisher_NoInterestsPublishesNothing(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	// A term-less rollup run for an owner without stored interest terms.
	run, err := st.CreateRun(ctx, "owner-1", "")
	require.NoError(t, err)
	seedScoredTopic(t, st, run, "abstract painting", 6, 5.0, 0.9)

	pub := NewPublisher(st, nil, PublisherConfig{OpportunityCount: 10, MinConfidence: 0.6})
	n, err := pub.Publish(ctx, run, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublisher_SearchTermIsImplicitInterest(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	run, err := st.CreateRun(ctx, "owner-1", "abstract painting")
	require.NoError(t, err)
	seedScoredTopic(t, st, run, "abstract painting", 6, 5.0, 0.9)

	pub := NewPublisher(st, nil, PublisherConfig{OpportunityCount: 10, MinConfidence: 0.6})
	n, err := pub.Publish(ctx, run, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPublisher_CapsOpportunityCount(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	run, err := st.CreateRun(ctx, "owner-1", "")
	require.NoError(t, err)

	labels := []string{"one", "two", "three", "four", "five"}
	for i, label := range labels {
		seedScoredTopic(t, st, run, label, 5, float64(10-i), 0.9)
	}
	require.NoError(t, st.SetInterestTerms(ctx, "owner-1", labels))

	pub := NewPublisher(st, nil, PublisherConfig{OpportunityCount: 3, MinConfidence: 0.6})
	n, err := pub.Publish(ctx, run, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	opps, err := st.ListOpportunities(ctx, "owner-1", now)
	require.NoError(t, err)
	require.Len(t, opps, 3)
	assert.Equal(t, "one", opps[0].TopicLabel)
	assert.Equal(t, "three", opps[2].TopicLabel)
}
