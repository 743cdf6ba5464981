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

func TestBenchmarks_DefaultBeforeLoad(t *testing.T) {
	b := NewBenchmarks(150)
	assert.InDelta(t, 150, b.MedianFor("impressionist"), 1e-9)
}

func TestBenchmarks_LoadAndFallback(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, st.UpsertStyleRollup(ctx, model.StyleRollup{
		Style:       "impressionist",
		MedianPrice: 220,
		UpdatedAt:   time.Now(),
	}))
	require.NoError(t, st.UpsertStyleRollup(ctx, model.StyleRollup{
		Style:     "folk art", // no price history yet
		UpdatedAt: time.Now(),
	}))

	b := NewBenchmarks(150)
	require.NoError(t, b.Load(ctx, st))

	assert.InDelta(t, 220, b.MedianFor("impressionist"), 1e-9)
	assert.InDelta(t, 150, b.MedianFor("folk art"), 1e-9, "zero median falls back to default")
	assert.InDelta(t, 150, b.MedianFor("unknown style"), 1e-9)
}
