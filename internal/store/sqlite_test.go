package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioforge/marketpulse/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "owner-1", "abstract painting")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	active, err := st.ActiveRunForOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, run.ID, active.ID)

	counts := model.StageCounts{CleanListings: 10, ParsedSignals: 9, ScoredTopics: 1}
	require.NoError(t, st.UpdateRunCounts(ctx, run.ID, counts))
	require.NoError(t, st.FinishRun(ctx, run.ID, model.RunStatusSuccess, ""))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	assert.Equal(t, counts, got.Counts)
	require.NotNil(t, got.EndedAt)

	// Finished runs no longer hold the owner lock.
	active, err = st.ActiveRunForOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	runs, err := st.ListRuns(ctx, RunFilter{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	runs, err = st.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSQLite_RunNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetRun(ctx, "nope")
	require.Error(t, err)

	err = st.FinishRun(ctx, "nope", model.RunStatusFailed, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_RawAndCleanListings(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	watchers := 7
	n, err := st.InsertRawListings(ctx, []model.RawListing{
		{OwnerID: "owner-1", SourceURL: "https://m.example/1", Title: "one", Price: 80, Currency: "USD", WatcherCount: &watchers, State: model.ListingActive, SearchTerm: "floral", ObservedAt: time.Now().UTC()},
		{OwnerID: "owner-1", SourceURL: "https://m.example/2", Title: "two", Price: 95, Currency: "USD", State: model.ListingSold, SearchTerm: "floral", ObservedAt: time.Now().UTC()},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	raw, err := st.ListRawListings(ctx, "owner-1", "floral", 0)
	require.NoError(t, err)
	require.Len(t, raw, 2)

	// Watcher count round-trips as nullable.
	var withWatchers, withoutWatchers int
	for _, r := range raw {
		if r.WatcherCount != nil {
			withWatchers++
			assert.Equal(t, 7, *r.WatcherCount)
		} else {
			withoutWatchers++
		}
	}
	assert.Equal(t, 1, withWatchers)
	assert.Equal(t, 1, withoutWatchers)

	run, err := st.CreateRun(ctx, "owner-1", "floral")
	require.NoError(t, err)

	clean := []model.CleanListing{
		{ID: "c1", RunID: run.ID, OwnerID: "owner-1", SourceURL: "https://m.example/1", Title: "one", Price: 80, Currency: "USD", State: model.ListingActive, ObservedAt: time.Now().UTC(), DedupeHash: "h1"},
		{ID: "c2", RunID: run.ID, OwnerID: "owner-1", SourceURL: "https://m.example/2", Title: "two", Price: 95, Currency: "USD", State: model.ListingSold, ObservedAt: time.Now().UTC(), DedupeHash: "h2"},
		// Duplicate hash within the run is ignored.
		{ID: "c3", RunID: run.ID, OwnerID: "owner-1", SourceURL: "https://m.example/1", Title: "one dup", Price: 80, Currency: "USD", State: model.ListingActive, ObservedAt: time.Now().UTC(), DedupeHash: "h1"},
	}
	inserted, err := st.InsertCleanListings(ctx, clean)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	got, err := st.ListCleanListings(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, st.UpdateListingScore(ctx, "c1", 3.1415, 2.5))
	got, err = st.ListCleanListings(ctx, run.ID)
	require.NoError(t, err)
	for _, l := range got {
		if l.ID == "c1" {
			assert.InDelta(t, 3.1415, l.WVS, 1e-9)
			assert.InDelta(t, 2.5, l.Velocity, 1e-9)
		}
	}
}

func TestSQLite_SignalsAndTopicMembers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "owner-1", "seascape")
	require.NoError(t, err)

	_, err = st.InsertCleanListings(ctx, []model.CleanListing{
		{ID: "c1", RunID: run.ID, OwnerID: "owner-1", SourceURL: "u1", Title: "t1", State: model.ListingActive, ObservedAt: time.Now().UTC(), DedupeHash: "h1"},
		{ID: "c2", RunID: run.ID, OwnerID: "owner-1", SourceURL: "u2", Title: "t2", State: model.ListingActive, ObservedAt: time.Now().UTC().Add(time.Minute), DedupeHash: "h2"},
	})
	require.NoError(t, err)

	w, h := 24, 36
	sig := model.ParsedSignal{
		ListingID:  "c1",
		Width:      &w,
		Height:     &h,
		SizeBucket: "large",
		Medium:     "oil",
		Subject:    "seascape",
		ColorTags:  []string{"blue", "teal"},
		Confidence: 0.9,
		Extractor:  model.ExtractorPatternRules,
	}
	require.NoError(t, st.UpsertParsedSignal(ctx, sig))

	// Upsert replaces in place.
	sig.Confidence = 0.95
	sig.Extractor = model.ExtractorClaude
	require.NoError(t, st.UpsertParsedSignal(ctx, sig))

	sigs, err := st.ListParsedSignals(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.InDelta(t, 0.95, sigs[0].Confidence, 1e-9)
	assert.Equal(t, model.ExtractorClaude, sigs[0].Extractor)
	assert.Equal(t, []string{"blue", "teal"}, sigs[0].ColorTags)
	require.NotNil(t, sigs[0].Width)
	assert.Equal(t, 24, *sigs[0].Width)

	topic, created, err := st.GetOrCreateTopic(ctx, "seascape", "seascape", run.ID)
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = st.GetOrCreateTopic(ctx, "seascape", "Seascape", run.ID)
	require.NoError(t, err)
	assert.False(t, created)

	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, st.UpsertMembership(ctx, model.TopicMembership{
			RunID: run.ID, TopicID: topic.ID, ListingID: id, Weight: 1,
		}))
	}

	topics, err := st.RunTopics(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, topics, 1)

	members, err := st.TopicMembers(ctx, run.ID, topic.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	// c1 carries its signal, c2 has none.
	require.NotNil(t, members[0].Signal)
	assert.Equal(t, "oil", members[0].Signal.Medium)
	assert.Nil(t, members[1].Signal)
}

func TestSQLite_TopicScoresAndRollups(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run, err := st.CreateRun(ctx, "owner-1", "x")
	require.NoError(t, err)
	topic, _, err := st.GetOrCreateTopic(ctx, "x", "x", run.ID)
	require.NoError(t, err)

	score := model.TopicScoreDaily{
		TopicID: topic.ID, Date: now, WVS: 2.5, Velocity: 1.2,
		MedianPrice: 100, UpperQuartilePrice: 140, AuctionIntensity: 0.3, Confidence: 0.8,
	}
	require.NoError(t, st.UpsertTopicScore(ctx, score))

	// Same day upsert overwrites, regardless of time of day.
	score.WVS = 3.0
	score.Date = now.Add(2 * time.Hour)
	require.NoError(t, st.UpsertTopicScore(ctx, score))

	top, err := st.TopTopicScores(ctx, now, 0.6, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.InDelta(t, 3.0, top[0].WVS, 1e-9)

	// Below the confidence floor nothing comes back.
	top, err = st.TopTopicScores(ctx, now, 0.9, 10)
	require.NoError(t, err)
	assert.Empty(t, top)

	require.NoError(t, st.UpsertStyleRollup(ctx, model.StyleRollup{Style: "modern", AvgWVS: 0.4, DemandScore: 4, Listings: 12, MedianPrice: 110, UpdatedAt: now}))
	require.NoError(t, st.UpsertStyleRollup(ctx, model.StyleRollup{Style: "modern", AvgWVS: 0.5, DemandScore: 5, Listings: 15, MedianPrice: 120, UpdatedAt: now}))
	require.NoError(t, st.UpsertSizeRollup(ctx, model.SizeRollup{SizeBucket: "medium", AvgWVS: 0.2, DemandScore: 2, Listings: 9, MedianPrice: 90, UpdatedAt: now}))

	medians, err := st.StyleMedianPrices(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 120, medians["modern"], 1e-9)
}

func TestSQLite_OpportunitiesAndInterests(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SetInterestTerms(ctx, "owner-1", []string{"abstract", "seascape"}))
	terms, err := st.InterestTerms(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"abstract", "seascape"}, terms)

	require.NoError(t, st.SetInterestTerms(ctx, "owner-1", []string{"floral"}))
	terms, err = st.InterestTerms(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"floral"}, terms, "set replaces the whole list")

	opp := model.Opportunity{
		OwnerID:      "owner-1",
		Date:         now,
		Rank:         1,
		TopicID:      "t1",
		TopicLabel:   "floral",
		WVS:          4.2,
		Velocity:     2.0,
		PriceBand:    model.PriceBand{Min: 80, Median: 100, Max: 140},
		Sizes:        []string{"medium"},
		Mediums:      []string{"acrylic"},
		Keywords:     []string{"floral", "pink"},
		EvidenceURLs: []string{"https://m.example/1"},
		Confidence:   0.85,
	}
	require.NoError(t, st.UpsertOpportunity(ctx, opp))

	// A later run the same day replaces the rank 1 slot.
	opp.TopicLabel = "floral v2"
	require.NoError(t, st.UpsertOpportunity(ctx, opp))

	opps, err := st.ListOpportunities(ctx, "owner-1", now)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, "floral v2", opps[0].TopicLabel)
	assert.Equal(t, model.PriceBand{Min: 80, Median: 100, Max: 140}, opps[0].PriceBand)
	assert.Equal(t, []string{"floral", "pink"}, opps[0].Keywords)

	require.NoError(t, st.InsertNotification(ctx, model.Notification{
		OwnerID: "owner-1", Kind: "opportunities", Message: "1 new opportunity",
	}))
}
