package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "episteme",
	Short: "Investment commentary analysis pipeline",
	Long:  "Fetches stock commentary from Reddit and analyst sites, distills it into deduplicated thesis points with criticism validation, and tracks per-ticker sentiment.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
