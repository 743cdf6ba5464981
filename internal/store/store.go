package store

import (
	"context"
	"time"

	"github.com/studioforge/marketpulse/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  model.RunStatus `json:"status,omitempty"`
	OwnerID string          `json:"owner_id,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Offset  int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the demand pipeline.
// All writes keyed by a natural key (slug, (topic, date), (owner, date, rank),
// style, size bucket) are upserts, so re-running any stage converges instead
// of duplicating rows.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, ownerID, searchTerm string) (*model.Run, error)
	UpdateRunCounts(ctx context.Context, runID string, counts model.StageCounts) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, errSummary string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	ActiveRunForOwner(ctx context.Context, ownerID string) (*model.Run, error)

	// Raw listings (written by the import surface, read by ingestion)
	InsertRawListings(ctx context.Context, rows []model.RawListing) (int, error)
	ListRawListings(ctx context.Context, ownerID, searchTerm string, limit int) ([]model.RawListing, error)

	// Clean listings
	InsertCleanListings(ctx context.Context, listings []model.CleanListing) (int, error)
	ListCleanListings(ctx context.Context, runID string) ([]model.CleanListing, error)
	UpdateListingScore(ctx context.Context, listingID string, wvs, velocity float64) error

	// Parsed signals
	UpsertParsedSignal(ctx context.Context, sig model.ParsedSignal) error
	ListParsedSignals(ctx context.Context, runID string) ([]model.ParsedSignal, error)

	// Topics
	GetOrCreateTopic(ctx context.Context, slug, label, runID string) (*model.TopicCluster, bool, error)
	UpsertMembership(ctx context.Context, m model.TopicMembership) error
	RunTopics(ctx context.Context, runID string) ([]model.TopicCluster, error)
	TopicMembers(ctx context.Context, runID, topicID string) ([]model.MemberListing, error)

	// Scores and rollups
	UpsertTopicScore(ctx context.Context, s model.TopicScoreDaily) error
	TopTopicScores(ctx context.Context, date time.Time, minConfidence float64, limit int) ([]model.TopicScoreDaily, error)
	UpsertStyleRollup(ctx context.Context, r model.StyleRollup) error
	UpsertSizeRollup(ctx context.Context, r model.SizeRollup) error
	StyleMedianPrices(ctx context.Context) (map[string]float64, error)

	// Opportunities and notifications
	InterestTerms(ctx context.Context, ownerID string) ([]string, error)
	SetInterestTerms(ctx context.Context, ownerID string, terms []string) error
	UpsertOpportunity(ctx context.Context, o model.Opportunity) error
	ListOpportunities(ctx context.Context, ownerID string, date time.Time) ([]model.Opportunity, error)
	InsertNotification(ctx context.Context, n model.Notification) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
