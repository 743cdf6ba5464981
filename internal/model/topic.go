package model

import "time"

// TopicCluster is a durable named grouping of listings sharing a search term
// or style. Created on first encounter of a slug and reused across runs.
type TopicCluster struct {
	ID         string    `json:"id"`
	Slug       string    `json:"slug"`
	Label      string    `json:"label"`
	FirstRunID string    `json:"first_run_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// TopicMembership relates one listing to one cluster for a run.
type TopicMembership struct {
	RunID     string  `json:"run_id"`
	TopicID   string  `json:"topic_id"`
	ListingID string  `json:"listing_id"`
	Weight    float64 `json:"weight"`
}

// TopicScoreDaily is the per-topic aggregate demand signal for one date.
// Upserted by (topic, date).
type TopicScoreDaily struct {
	TopicID            string    `json:"topic_id"`
	Date               time.Time `json:"date"`
	WVS                float64   `json:"wvs"`
	Velocity           float64   `json:"velocity"`
	MedianPrice        float64   `json:"median_price"`
	UpperQuartilePrice float64   `json:"upper_quartile_price"`
	AuctionIntensity   float64   `json:"auction_intensity"`
	Confidence         float64   `json:"confidence"`
}

// StyleRollup is the global cross-run aggregate for one style term.
// Keyed by style, last write wins.
type StyleRollup struct {
	Style       string    `json:"style"`
	AvgWVS      float64   `json:"avg_wvs"`
	DemandScore float64   `json:"demand_score"`
	Listings    int       `json:"listings"`
	MedianPrice float64   `json:"median_price"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SizeRollup is the global cross-run aggregate for one size bucket.
type SizeRollup struct {
	SizeBucket  string    `json:"size_bucket"`
	AvgWVS      float64   `json:"avg_wvs"`
	DemandScore float64   `json:"demand_score"`
	Listings    int       `json:"listings"`
	MedianPrice float64   `json:"median_price"`
	UpdatedAt   time.Time `json:"updated_at"`
}
