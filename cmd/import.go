package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/studioforge/marketpulse/internal/fetcher"
)

var (
	importOwner string
	importFile  string
	importSheet string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a marketplace XLSX export into raw listings",
	Long:  "Reads a marketplace listing export and loads the rows as raw listings for the owner. The next pipeline run picks them up.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		listings, err := fetcher.ReadListings(importFile, importOwner, fetcher.XLSXOptions{
			SheetName: importSheet,
		})
		if err != nil {
			return err
		}
		if len(listings) == 0 {
			return eris.New("import: export contained no usable rows")
		}

		n, err := st.InsertRawListings(ctx, listings)
		if err != nil {
			return eris.Wrap(err, "import: insert raw listings")
		}

		zap.L().Info("import complete",
			zap.String("owner_id", importOwner),
			zap.String("file", importFile),
			zap.Int("rows", n),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importOwner, "owner", "", "owner ID the listings belong to (required)")
	importCmd.Flags().StringVar(&importFile, "file", "", "path to the XLSX export (required)")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "sheet name (default first sheet)")
	_ = importCmd.MarkFlagRequired("owner")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
