package model

import (
	"math"
	"time"
)

// ListingState distinguishes live listings from historical sold rows.
type ListingState string

const (
	ListingActive ListingState = "active"
	ListingSold   ListingState = "sold"
)

// RawListing is an unprocessed marketplace row as delivered by the scrape
// layer. WatcherCount is a pointer because historical exports often omit it.
type RawListing struct {
	OwnerID      string       `json:"owner_id"`
	SourceURL    string       `json:"source_url"`
	Title        string       `json:"title"`
	Price        float64      `json:"price"`
	Currency     string       `json:"currency"`
	IsAuction    bool         `json:"is_auction"`
	BidCount     int          `json:"bid_count"`
	WatcherCount *int         `json:"watcher_count,omitempty"`
	State        ListingState `json:"state"`
	SearchTerm   string       `json:"search_term,omitempty"`
	ObservedAt   time.Time    `json:"observed_at"`
}

// CleanListing is a deduplicated listing staged for one run. Read-only for
// every stage after ingestion, except the score/velocity columns which the
// scoring engine writes back in place.
type CleanListing struct {
	ID           string       `json:"id"`
	RunID        string       `json:"run_id"`
	OwnerID      string       `json:"owner_id"`
	SourceURL    string       `json:"source_url"`
	Title        string       `json:"title"`
	Price        float64      `json:"price"`
	Currency     string       `json:"currency"`
	IsAuction    bool         `json:"is_auction"`
	BidCount     int          `json:"bid_count"`
	WatcherCount int          `json:"watcher_count"`
	State        ListingState `json:"state"`
	SearchTerm   string       `json:"search_term,omitempty"`
	ObservedAt   time.Time    `json:"observed_at"`
	DedupeHash   string       `json:"dedupe_hash"`

	// Written back by the scoring stage for active listings.
	WVS      float64 `json:"wvs,omitempty"`
	Velocity float64 `json:"velocity,omitempty"`
}

// DaysActive returns the whole number of days the listing has been visible
// as of now, floored at 1. Computed from ObservedAt uniformly; there is no
// separate first-seen bookkeeping.
func (l CleanListing) DaysActive(now time.Time) int {
	days := int(math.Ceil(now.Sub(l.ObservedAt).Hours() / 24))
	if days < 1 {
		return 1
	}
	return days
}
