package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/studioforge/marketpulse/internal/store"
)

// Benchmarks serves category median prices to the scoring engine. It is a
// snapshot, not a live view: call Load once per run so every listing in the
// run scores against the same medians.
type Benchmarks struct {
	defaultMedian float64

	mu      sync.RWMutex
	medians map[string]float64
}

// NewBenchmarks builds an empty benchmark set that answers every lookup with
// the default median until Load is called.
func NewBenchmarks(defaultMedian float64) *Benchmarks {
	return &Benchmarks{
		defaultMedian: defaultMedian,
		medians:       map[string]float64{},
	}
}

// Load snapshots the per-style median prices accumulated by prior runs.
func (b *Benchmarks) Load(ctx context.Context, st store.Store) error {
	medians, err := st.StyleMedianPrices(ctx)
	if err != nil {
		return eris.Wrap(err, "benchmarks: load style medians")
	}
	b.mu.Lock()
	b.medians = medians
	b.mu.Unlock()
	return nil
}

// MedianFor returns the benchmark median price for a style, falling back to
// the default when the style is unknown or has no price history yet.
func (b *Benchmarks) MedianFor(style string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if m, ok := b.medians[style]; ok && m > 0 {
		return m
	}
	return b.defaultMedian
}
