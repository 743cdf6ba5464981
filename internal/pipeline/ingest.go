package pipeline

import (
	"context"
	"encoding/hex"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/studioforge/marketpulse/internal/model"
	"github.com/studioforge/marketpulse/internal/store"
)

// DedupeHash computes the stable dedupe key for a listing. It is a pure
// function of the source URL, so re-ingesting the same listing in a later
// run yields the same hash. FNV-1a/64 keeps the key short; the truncation
// is collision-tolerant because the key is only unique per run.
func DedupeHash(sourceURL string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sourceURL))
	return hex.EncodeToString(h.Sum(nil))
}

// IngestStage copies raw listing rows for one owner into run-scoped clean
// listings, deduplicated by source URL hash. Returns the number of rows
// actually staged; zero rows is a soft outcome the orchestrator turns into
// a partial run.
func IngestStage(ctx context.Context, st store.Store, run *model.Run, maxListings int) (int, error) {
	raw, err := st.ListRawListings(ctx, run.OwnerID, run.SearchTerm, maxListings)
	if err != nil {
		return 0, eris.Wrap(err, "ingest: list raw listings")
	}
	if len(raw) == 0 {
		return 0, nil
	}

	seen := make(map[string]bool, len(raw))
	clean := make([]model.CleanListing, 0, len(raw))
	for _, r := range raw {
		hash := DedupeHash(r.SourceURL)
		if seen[hash] {
			continue
		}
		seen[hash] = true

		watchers := 0
		if r.WatcherCount != nil {
			watchers = *r.WatcherCount
		}
		clean = append(clean, model.CleanListing{
			ID:           uuid.New().String(),
			RunID:        run.ID,
			OwnerID:      r.OwnerID,
			SourceURL:    r.SourceURL,
			Title:        r.Title,
			Price:        r.Price,
			Currency:     r.Currency,
			IsAuction:    r.IsAuction,
			BidCount:     r.BidCount,
			WatcherCount: watchers,
			State:        r.State,
			SearchTerm:   r.SearchTerm,
			ObservedAt:   r.ObservedAt,
			DedupeHash:   hash,
		})
	}

	n, err := st.InsertCleanListings(ctx, clean)
	if err != nil {
		return n, eris.Wrap(err, "ingest: insert clean listings")
	}

	zap.L().Info("ingest: staged clean listings",
		zap.String("run_id", run.ID),
		zap.Int("raw", len(raw)),
		zap.Int("staged", n),
	)
	return n, nil
}
