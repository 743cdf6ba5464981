package pipeline

import (
	"context"
	"regexp"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/studioforge/marketpulse/internal/model"
	"github.com/studioforge/marketpulse/internal/store"
)

// Extractor produces a ParsedSignal from a clean listing's title. The
// pattern extractor is the default; a higher-cost enrichment extractor can
// sit behind the same interface for low-confidence rows.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, listing model.CleanListing) (model.ParsedSignal, error)
}

// Size bucket names derived from canvas area (width * height).
const (
	SizeSmall      = "small"
	SizeMedium     = "medium"
	SizeLarge      = "large"
	SizeExtraLarge = "extra-large"
)

// dimensionsRe matches the first `<int> x <int>` pair in a title, tolerating
// inch marks and whitespace, e.g. `24x36`, `24" x 36"`, `24 in x 36 in`.
var dimensionsRe = regexp.MustCompile(`(?i)(\d{1,3})\s*(?:"|''|in\.?|inch(?:es)?)?\s*[x×]\s*(\d{1,3})`)

// PatternExtractor is the deterministic regex/vocabulary title parser.
type PatternExtractor struct {
	vocab *Vocabulary
}

// NewPatternExtractor builds the default extractor over the embedded vocabulary.
func NewPatternExtractor(vocab *Vocabulary) *PatternExtractor {
	return &PatternExtractor{vocab: vocab}
}

func (e *PatternExtractor) Name() string { return model.ExtractorPatternRules }

// Extract runs the independent pattern rules over the listing title.
// It never fails: a title that matches nothing yields a baseline-confidence
// signal with all attributes empty.
func (e *PatternExtractor) Extract(_ context.Context, listing model.CleanListing) (model.ParsedSignal, error) {
	title := listing.Title
	sig := model.ParsedSignal{
		ListingID: listing.ID,
		Extractor: e.Name(),
	}

	confidence := 0.5

	if m := dimensionsRe.FindStringSubmatch(title); m != nil {
		w, errW := strconv.Atoi(m[1])
		h, errH := strconv.Atoi(m[2])
		if errW == nil && errH == nil && w > 0 && h > 0 {
			sig.Width = &w
			sig.Height = &h
			sig.SizeBucket = SizeBucketFor(w * h)
			confidence += 0.2
		}
	}

	if sig.Medium = e.vocab.FirstMatch(title, e.vocab.Media); sig.Medium != "" {
		confidence += 0.1
	}
	if sig.Subject = e.vocab.FirstMatch(title, e.vocab.Subjects); sig.Subject != "" {
		confidence += 0.1
	}
	if sig.Style = e.vocab.FirstMatch(title, e.vocab.Styles); sig.Style != "" {
		confidence += 0.1
	}
	sig.ColorTags = e.vocab.AllMatches(title, e.vocab.Colors)

	if confidence > 1.0 {
		confidence = 1.0
	}
	sig.Confidence = confidence

	return sig, nil
}

// SizeBucketFor maps a canvas area in square inches to a named bucket.
func SizeBucketFor(area int) string {
	switch {
	case area < 200:
		return SizeSmall
	case area < 600:
		return SizeMedium
	case area < 1200:
		return SizeLarge
	default:
		return SizeExtraLarge
	}
}

// ParseStage extracts one ParsedSignal per clean listing, best-effort.
// Items are independent, so extraction fans out across a bounded worker
// group; per-record failures are logged and skipped, never fatal.
func ParseStage(ctx context.Context, st store.Store, extractor Extractor, listings []model.CleanListing, concurrency int) (int, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	parsed := 0

	for _, listing := range listings {
		g.Go(func() error {
			sig, err := extractor.Extract(gCtx, listing)
			if err != nil {
				zap.L().Warn("parse: extract failed",
					zap.String("listing_id", listing.ID),
					zap.Error(err),
				)
				return nil
			}
			if err := st.UpsertParsedSignal(gCtx, sig); err != nil {
				zap.L().Warn("parse: store signal failed",
					zap.String("listing_id", listing.ID),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			parsed++
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return parsed, nil
}
