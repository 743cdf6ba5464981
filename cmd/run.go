package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/studioforge/marketpulse/internal/pipeline"
)

var (
	runOwner string
	runTerm  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the demand pipeline for one owner",
	Long:  "Executes a full pipeline run: ingest, parse, enrich, cluster, score, publish. With no --term the run clusters by extracted style instead of search term.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Pipeline.Run(ctx, runOwner, runTerm)
		if err != nil {
			if eris.Is(err, pipeline.ErrRunInProgress) && run != nil {
				zap.L().Warn("run already in progress", zap.String("active_run_id", run.ID))
				return err
			}
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("run complete",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Int("opportunities", run.Counts.Opportunities),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runCmd.Flags().StringVar(&runOwner, "owner", "", "owner ID the run belongs to (required)")
	runCmd.Flags().StringVar(&runTerm, "term", "", "search term to cluster on; empty switches to style rollup mode")
	_ = runCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(runCmd)
}
