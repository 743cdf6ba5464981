package enrich

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/studioforge/marketpulse/internal/model"
	"github.com/studioforge/marketpulse/internal/pipeline"
)

const systemPrompt = `You extract structured attributes from art listing titles.
Respond with a single JSON object and nothing else:
{"width": int or null, "height": int or null, "medium": string or null,
"subject": string or null, "style": string or null, "colors": [strings]}
Dimensions are in inches. Use lowercase single words or short phrases.
Use null for anything the title does not state.`

// Extractor implements pipeline.Extractor on top of the Claude API. It is
// the second-pass extractor for titles the pattern rules could not read.
type Extractor struct {
	client    Client
	model     string
	maxTokens int64
}

// NewExtractor builds a Claude-backed extractor.
func NewExtractor(client Client, modelID string) *Extractor {
	return &Extractor{client: client, model: modelID, maxTokens: 256}
}

func (e *Extractor) Name() string { return model.ExtractorClaude }

type extraction struct {
	Width   *int     `json:"width"`
	Height  *int     `json:"height"`
	Medium  *string  `json:"medium"`
	Subject *string  `json:"subject"`
	Style   *string  `json:"style"`
	Colors  []string `json:"colors"`
}

// Extract asks the model for attributes and maps them onto a ParsedSignal.
// Confidence follows the same accumulation as the pattern parser but from a
// higher base, capped at 0.95 so enriched rows never claim certainty.
func (e *Extractor) Extract(ctx context.Context, listing model.CleanListing) (model.ParsedSignal, error) {
	resp, err := e.client.Complete(ctx, CompletionRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    systemPrompt,
		Prompt:    listing.Title,
	})
	if err != nil {
		return model.ParsedSignal{}, err
	}
	resp.Usage.LogCost(e.model)

	var ext extraction
	if err := json.Unmarshal([]byte(stripFences(resp.Text)), &ext); err != nil {
		return model.ParsedSignal{}, eris.Wrapf(err, "enrich: parse model output for %s", listing.ID)
	}

	sig := model.ParsedSignal{
		ListingID: listing.ID,
		Extractor: e.Name(),
		ColorTags: lowerAll(ext.Colors),
	}

	confidence := 0.6
	if ext.Width != nil && ext.Height != nil && *ext.Width > 0 && *ext.Height > 0 {
		sig.Width = ext.Width
		sig.Height = ext.Height
		sig.SizeBucket = pipeline.SizeBucketFor(*ext.Width * *ext.Height)
		confidence += 0.15
	}
	if v := deref(ext.Medium); v != "" {
		sig.Medium = strings.ToLower(v)
		confidence += 0.1
	}
	if v := deref(ext.Subject); v != "" {
		sig.Subject = strings.ToLower(v)
		confidence += 0.1
	}
	if v := deref(ext.Style); v != "" {
		sig.Style = strings.ToLower(v)
		confidence += 0.1
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	sig.Confidence = confidence

	return sig, nil
}

// stripFences tolerates models wrapping the JSON in a markdown code block.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
