package model

import "time"

// PriceBand is the recommended listing price range for an opportunity.
type PriceBand struct {
	Min    int `json:"min"`
	Median int `json:"median"`
	Max    int `json:"max"`
}

// Opportunity is a published, user-facing recommendation. Upserted by
// (owner, date, rank) so later runs on the same day overwrite the same slot.
type Opportunity struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Date         time.Time `json:"date"`
	Rank         int       `json:"rank"`
	TopicID      string    `json:"topic_id"`
	TopicLabel   string    `json:"topic_label"`
	WVS          float64   `json:"wvs"`
	Velocity     float64   `json:"velocity"`
	PriceBand    PriceBand `json:"price_band"`
	Sizes        []string  `json:"sizes,omitempty"`
	Mediums      []string  `json:"mediums,omitempty"`
	Keywords     []string  `json:"keywords"`
	EvidenceURLs []string  `json:"evidence_urls"`
	Confidence   float64   `json:"confidence"`
}

// Notification is an in-app inbox record created by the publisher.
type Notification struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
