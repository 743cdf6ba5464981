package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioforge/marketpulse/internal/model"
	"github.com/studioforge/marketpulse/internal/store"
)

func testPipeline(t *testing.T, st store.Store, notifier OpportunityNotifier) *Pipeline {
	t.Helper()
	vocab, err := LoadVocabulary()
	require.NoError(t, err)

	benchmarks := NewBenchmarks(150)
	publisher := NewPublisher(st, notifier, PublisherConfig{
		OpportunityCount: 10,
		MinConfidence:    0.6,
		HotWVSThreshold:  4.5,
	})
	return New(st, NewPatternExtractor(vocab), nil, benchmarks, publisher, Options{
		ParserConcurrency: 2,
		OwnerRunLock:      true,
	})
}

func seedRawListings(t *testing.T, st store.Store, owner, term string, n int) {
	t.Helper()
	titles := []string{
		`Abstract Oil Painting 24" x 36" Blue Contemporary`,
		"Large Abstract Acrylic 30x40 Teal Modern Wall Art",
		"Abstract Watercolor 12x16 Green Minimalist",
		"Original Abstract Acrylic Painting 24x36 Gold",
	}
	rows := make([]model.RawListing, n)
	for i := range rows {
		watchers := 6 + i
		rows[i] = model.RawListing{
			OwnerID:      owner,
			SourceURL:    fmt.Sprintf("https://m.example/%s/%d", term, i),
			Title:        titles[i%len(titles)],
			Price:        90 + float64(i)*10,
			Currency:     "USD",
			IsAuction:    i%3 == 0,
			BidCount:     i % 3,
			WatcherCount: &watchers,
			State:        model.ListingActive,
			SearchTerm:   term,
			ObservedAt:   time.Now().UTC().Add(-time.Duration(2+i) * 24 * time.Hour),
		}
	}
	_, err := st.InsertRawListings(context.Background(), rows)
	require.NoError(t, err)
}

func TestPipeline_EndToEnd(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	notifier := &captureNotifier{}

	seedRawListings(t, st, "owner-1", "abstract painting", 12)

	p := testPipeline(t, st, notifier)
	run, err := p.Run(ctx, "owner-1", "abstract painting")
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Equal(t, 12, run.Counts.CleanListings)
	assert.Equal(t, 12, run.Counts.ParsedSignals)
	assert.Equal(t, 1, run.Counts.NewClusters)
	assert.Equal(t, 12, run.Counts.Memberships)
	assert.Equal(t, 1, run.Counts.ScoredTopics)
	assert.Equal(t, 1, run.Counts.Opportunities)

	// The stored run row reached the same terminal state.
	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, stored.Status)
	require.NotNil(t, stored.EndedAt)
	assert.Equal(t, run.Counts, stored.Counts)

	opps, err := st.ListOpportunities(ctx, "owner-1", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, "abstract painting", opps[0].TopicLabel)
	assert.Equal(t, 1, opps[0].Rank)
	assert.NotEmpty(t, opps[0].Keywords)
	assert.Greater(t, opps[0].PriceBand.Median, 0)
	assert.NotEmpty(t, opps[0].EvidenceURLs)

	notes := st.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "owner-1", notes[0].OwnerID)
}

func TestPipeline_NoListingsIsPartial(t *testing.T) {
	st := store.NewMemory()

	p := testPipeline(t, st, nil)
	run, err := p.Run(context.Background(), "owner-1", "no such term")
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusPartial, run.Status)
	assert.Zero(t, run.Counts.CleanListings)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, stored.Status)
	assert.Equal(t, "no raw listings matched", stored.Error)
}

func TestPipeline_OwnerRunLock(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	// A run is already in flight for this owner.
	active, err := st.CreateRun(ctx, "owner-1", "seascape")
	require.NoError(t, err)

	p := testPipeline(t, st, nil)
	run, err := p.Run(ctx, "owner-1", "floral")
	require.ErrorIs(t, err, ErrRunInProgress)
	require.NotNil(t, run)
	assert.Equal(t, active.ID, run.ID)

	// A different owner is unaffected.
	seedRawListings(t, st, "owner-2", "floral", 6)
	run2, err := p.Run(ctx, "owner-2", "floral")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run2.Status)
}

func TestPipeline_RerunConverges(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	seedRawListings(t, st, "owner-1", "abstract painting", 8)
	p := testPipeline(t, st, nil)

	run1, err := p.Run(ctx, "owner-1", "abstract painting")
	require.NoError(t, err)
	require.Equal(t, model.RunStatusSuccess, run1.Status)

	run2, err := p.Run(ctx, "owner-1", "abstract painting")
	require.NoError(t, err)
	require.Equal(t, model.RunStatusSuccess, run2.Status)

	// Same day, same owner: the second run overwrites the same ranked slots.
	opps, err := st.ListOpportunities(ctx, "owner-1", time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, opps, 1)

	// The topic was reused, not recreated.
	assert.Equal(t, 1, run1.Counts.NewClusters)
	assert.Zero(t, run2.Counts.NewClusters)
}
