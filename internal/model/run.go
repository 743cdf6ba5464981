package model

import "time"

// RunStatus represents the terminal or in-flight state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status is one of the three end states.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusPartial || s == RunStatusFailed
}

// StageCounts holds per-stage row counters accumulated over one run.
type StageCounts struct {
	CleanListings int `json:"clean_listings"`
	ParsedSignals int `json:"parsed_signals"`
	Enriched      int `json:"enriched"`
	NewClusters   int `json:"new_clusters"`
	Memberships   int `json:"memberships"`
	ScoredTopics  int `json:"scored_topics"`
	Opportunities int `json:"opportunities"`
}

// Run represents a single execution of the demand pipeline for one owner.
type Run struct {
	ID         string      `json:"id"`
	OwnerID    string      `json:"owner_id"`
	SearchTerm string      `json:"search_term,omitempty"`
	Status     RunStatus   `json:"status"`
	Counts     StageCounts `json:"counts"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
}
