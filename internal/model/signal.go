package model

// Extractor identifiers recorded on each parsed signal so low-confidence rows
// can later be reprocessed by a more expensive method.
const (
	ExtractorPatternRules = "pattern-rules"
	ExtractorClaude       = "claude-enrich"
)

// ParsedSignal holds the structured attributes extracted from one listing
// title. Created once per clean listing and never mutated afterwards, except
// when the enrichment extractor replaces a low-confidence pattern parse.
type ParsedSignal struct {
	ListingID  string   `json:"listing_id"`
	Width      *int     `json:"width,omitempty"`
	Height     *int     `json:"height,omitempty"`
	SizeBucket string   `json:"size_bucket,omitempty"`
	Medium     string   `json:"medium,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Style      string   `json:"style,omitempty"`
	ColorTags  []string `json:"color_tags,omitempty"`
	Confidence float64  `json:"confidence"`
	Extractor  string   `json:"extractor"`
}

// MemberListing pairs a clean listing with its parsed signal for one topic.
// This is the one canonical shape the publisher consumes; the join is
// normalized at the store boundary.
type MemberListing struct {
	Listing CleanListing  `json:"listing"`
	Signal  *ParsedSignal `json:"signal,omitempty"`
}
