package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/pipeline"
)

var (
	analyzeTicker string
	analyzeName   string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run a full analysis for a single ticker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runID := uuid.NewString()
		zap.L().Info("starting one-off analysis",
			zap.String("run_id", runID),
			zap.String("ticker", analyzeTicker),
		)

		err = env.Pipeline.Run(ctx, runID, pipeline.Request{
			Symbol: analyzeTicker,
			Name:   analyzeName,
		})
		if err != nil {
			return eris.Wrap(err, "analysis run")
		}

		detail, err := env.Store.GetTickerDetail(ctx, analyzeTicker)
		if err != nil {
			return eris.Wrap(err, "load ticker detail")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeTicker, "ticker", "", "stock symbol (required)")
	analyzeCmd.Flags().StringVar(&analyzeName, "name", "", "company name")
	_ = analyzeCmd.MarkFlagRequired("ticker")
	rootCmd.AddCommand(analyzeCmd)
}
