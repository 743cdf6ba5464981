package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/studioforge/marketpulse/internal/model"
	"github.com/studioforge/marketpulse/internal/pipeline"
)

var (
	feedOwner string
	feedDate  string
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the published opportunity feed for an owner",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		date := time.Now().UTC()
		if feedDate != "" {
			date, err = time.Parse("2006-01-02", feedDate)
			if err != nil {
				return eris.Wrapf(err, "feed: parse date %q", feedDate)
			}
		}

		opps, err := st.ListOpportunities(ctx, feedOwner, date)
		if err != nil {
			return eris.Wrap(err, "feed: list opportunities")
		}
		if len(opps) == 0 {
			fmt.Fprintln(os.Stderr, "No opportunities for that date.")
			return nil
		}

		formatFeed(os.Stdout, opps)
		return nil
	},
}

var interestsCmd = &cobra.Command{
	Use:   "interests [terms...]",
	Short: "Show or replace an owner's interest terms",
	Long:  "With no arguments prints the owner's interest terms. With arguments replaces them; publishing only surfaces topics matching these terms.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		owner, _ := cmd.Flags().GetString("owner")

		if len(args) > 0 {
			if err := st.SetInterestTerms(ctx, owner, args); err != nil {
				return eris.Wrap(err, "interests: set")
			}
		}

		terms, err := st.InterestTerms(ctx, owner)
		if err != nil {
			return eris.Wrap(err, "interests: list")
		}
		if len(terms) == 0 {
			fmt.Println("(none; all topics are published)")
			return nil
		}
		fmt.Println(strings.Join(terms, ", "))
		return nil
	},
}

func init() {
	feedCmd.Flags().StringVar(&feedOwner, "owner", "", "owner ID (required)")
	feedCmd.Flags().StringVar(&feedDate, "date", "", "feed date as YYYY-MM-DD (default today)")
	_ = feedCmd.MarkFlagRequired("owner")

	interestsCmd.Flags().String("owner", "", "owner ID (required)")
	_ = interestsCmd.MarkFlagRequired("owner")

	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(interestsCmd)
}

// formatFeed writes the ranked opportunity table to w.
func formatFeed(out io.Writer, opps []model.Opportunity) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tTOPIC\tWVS\tDEMAND\tBAND\tKEYWORDS\tCONF\tEVIDENCE")
	_, _ = fmt.Fprintln(w, "----\t-----\t---\t------\t----\t--------\t----\t--------")

	for _, o := range opps {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%.4f\t%s\t$%d-$%d-$%d\t%s\t%.2f\t%d\n",
			o.Rank,
			o.TopicLabel,
			o.WVS,
			pipeline.DemandLabel(o.WVS),
			o.PriceBand.Min, o.PriceBand.Median, o.PriceBand.Max,
			strings.Join(o.Keywords, ","),
			o.Confidence,
			len(o.EvidenceURLs),
		)
	}
	_ = w.Flush()
}
