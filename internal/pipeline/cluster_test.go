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

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abstract painting", "abstract-painting"},
		{"  Abstract   Painting  ", "abstract-painting"},
		{"Côte d'Azur Landscape", "cote-d-azur-landscape"},
		{"mid-century modern", "mid-century-modern"},
		{"Über ART!!", "uber-art"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), "input %q", tt.in)
	}
}

func TestClusterStage_SearchTermMode(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "owner-1", "abstract painting")
	require.NoError(t, err)

	listings := seedListings(t, st, run.ID, 3)

	created, memberships, err := ClusterStage(ctx, st, run, listings, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 3, memberships)

	topics, err := st.RunTopics(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "abstract-painting", topics[0].Slug)
	assert.Equal(t, "abstract painting", topics[0].Label)
	assert.Equal(t, run.ID, topics[0].FirstRunID)

	members, err := st.TopicMembers(ctx, run.ID, topics[0].ID)
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestClusterStage_ReusesTopicAcrossRuns(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	run1, err := st.CreateRun(ctx, "owner-1", "seascape")
	require.NoError(t, err)
	created, _, err := ClusterStage(ctx, st, run1, seedListings(t, st, run1.ID, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	run2, err := st.CreateRun(ctx, "owner-1", "Seascape")
	require.NoError(t, err)
	created, _, err = ClusterStage(ctx, st, run2, seedListings(t, st, run2.ID, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, created, "same slug must not create a second topic")
}

func TestClusterStage_StyleRollupMode(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "owner-1", "")
	require.NoError(t, err)

	listings := seedListings(t, st, run.ID, 3)
	signals := map[string]model.ParsedSignal{
		listings[0].ID: {ListingID: listings[0].ID, Style: "impressionist"},
		listings[1].ID: {ListingID: listings[1].ID, Style: "impressionist"},
		// listings[2] has no style signal and stays unclustered.
	}

	created, memberships, err := ClusterStage(ctx, st, run, listings, signals)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 2, memberships)

	topics, err := st.RunTopics(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "impressionist", topics[0].Slug)
}

func TestClusterStage_Idempotent(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "owner-1", "floral")
	require.NoError(t, err)
	listings := seedListings(t, st, run.ID, 2)

	_, m1, err := ClusterStage(ctx, st, run, listings, nil)
	require.NoError(t, err)
	_, m2, err := ClusterStage(ctx, st, run, listings, nil)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)

	topics, err := st.RunTopics(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	members, err := st.TopicMembers(ctx, run.ID, topics[0].ID)
	require.NoError(t, err)
	assert.Len(t, members, 2, "re-clustering must not duplicate memberships")
}

func seedListings(t *testing.T, st store.Store, runID string, n int) []model.CleanListing {
	t.Helper()
	listings := make([]model.CleanListing, n)
	for i := range listings {
		listings[i] = model.CleanListing{
			ID:         runID + "-l" + string(rune('a'+i)),
			RunID:      runID,
			OwnerID:    "owner-1",
			Title:      "listing",
			State:      model.ListingActive,
			ObservedAt: time.Now().Add(time.Duration(i) * time.Minute),
			DedupeHash: runID + "-h" + string(rune('a'+i)),
		}
	}
	_, err := st.InsertCleanListings(context.Background(), listings)
	require.NoError(t, err)
	return listings
}
