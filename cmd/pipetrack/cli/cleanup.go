package cli

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/veleda/pipetrack/internal/config"
	"github.com/veleda/pipetrack/internal/logger"
	"github.com/veleda/pipetrack/internal/repository/sqlite"
)

var keepRuns int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune terminal pipeline runs past the retention limit and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_ = godotenv.Load()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log := logger.New("pipetrack", logger.ParseLevel(cfg.Log.Level))

		keep := cfg.Store.MaxRuns
		if keepRuns > 0 {
			keep = keepRuns
		}

		ctx := cmd.Context()
		store, err := sqlite.Open(ctx, cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		removed, err := store.CleanupRuns(ctx, keep)
		if err != nil {
			return fmt.Errorf("cleanup runs: %w", err)
		}
		log.Info("cleanup finished", "removed", removed, "keep", keep)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&keepRuns, "keep", 0, "override store.max_runs retention for this invocation")
	rootCmd.AddCommand(cleanupCmd)
}
