package pipeline

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/studioforge/marketpulse/internal/model"
	"github.com/studioforge/marketpulse/internal/store"
)

var (
	slugCleaner = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)
	slugHyphens = regexp.MustCompile(`-{2,}`)
)

// Slugify folds a label to its canonical cluster key: diacritics stripped,
// lowercased, runs of non-alphanumerics collapsed to single hyphens.
// "Côte d'Azur Landscape " and "cote dazur landscape" map to the same slug.
func Slugify(label string) string {
	folded, _, err := transform.String(slugCleaner, label)
	if err != nil {
		folded = label
	}
	s := strings.ToLower(strings.TrimSpace(folded))
	s = slugInvalid.ReplaceAllString(s, "-")
	s = slugHyphens.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// ClusterStage assigns every staged listing to a topic cluster and records
// run-scoped memberships. In search-term mode all listings join the term's
// cluster; in rollup mode (no term) listings group by extracted style, and
// rows with no style signal are left unclustered.
func ClusterStage(ctx context.Context, st store.Store, run *model.Run, listings []model.CleanListing, signals map[string]model.ParsedSignal) (created, memberships int, err error) {
	topics := make(map[string]*model.TopicCluster)

	for _, listing := range listings {
		label := run.SearchTerm
		if label == "" {
			sig, ok := signals[listing.ID]
			if !ok || sig.Style == "" {
				continue
			}
			label = sig.Style
		}

		slug := Slugify(label)
		if slug == "" {
			continue
		}

		topic, ok := topics[slug]
		if !ok {
			var isNew bool
			topic, isNew, err = st.GetOrCreateTopic(ctx, slug, label, run.ID)
			if err != nil {
				return created, memberships, eris.Wrapf(err, "cluster: get or create topic %q", slug)
			}
			topics[slug] = topic
			if isNew {
				created++
			}
		}

		m := model.TopicMembership{
			RunID:     run.ID,
			TopicID:   topic.ID,
			ListingID: listing.ID,
			Weight:    1.0,
		}
		if err := st.UpsertMembership(ctx, m); err != nil {
			return created, memberships, eris.Wrapf(err, "cluster: upsert membership for %s", listing.ID)
		}
		memberships++
	}

	zap.L().Info("cluster: assigned memberships",
		zap.String("run_id", run.ID),
		zap.Int("topics_created", created),
		zap.Int("memberships", memberships),
	)
	return created, memberships, nil
}
