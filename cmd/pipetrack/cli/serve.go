package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/veleda/pipetrack/internal/config"
	"github.com/veleda/pipetrack/internal/httpx"
	"github.com/veleda/pipetrack/internal/logger"
	"github.com/veleda/pipetrack/internal/repository/sqlite"
	"github.com/veleda/pipetrack/internal/service/alert"
	"github.com/veleda/pipetrack/internal/service/analyzer"
	"github.com/veleda/pipetrack/internal/service/cipoller"
	"github.com/veleda/pipetrack/internal/service/engine"
	"github.com/veleda/pipetrack/internal/service/trigger"
	"github.com/veleda/pipetrack/internal/service/webhookmon"
	"github.com/veleda/pipetrack/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline tracking server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_ = godotenv.Load()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log := logger.New("pipetrack", logger.ParseLevel(cfg.Log.Level))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := sqlite.Open(ctx, cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		hub := ws.NewHub(log)
		alerts := alert.New(store, hub, log)

		eng := engine.New(store, store, store, alerts, hub, log)
		if err := eng.Restore(ctx); err != nil {
			return fmt.Errorf("restore runs: %w", err)
		}

		perf := analyzer.New(cfg.Analyzer, alerts, log)
		detector := trigger.New(eng, store, cfg.Trigger, log)

		var poller *cipoller.Poller
		if cfg.CI.Enabled {
			client := cipoller.NewClient(cfg.CI, log)
			poller = cipoller.New(client, eng, perf, store, cfg.CI, log)
			detector.RegisterSource("content-platform", poller.TriggerWorkflow)
		}

		monitor := webhookmon.New(store, eng, detector, alerts, cfg.Webhook, log)
		if err := monitor.Restore(ctx); err != nil {
			return fmt.Errorf("restore webhooks: %w", err)
		}

		router := httpx.NewRouter(eng, monitor, alerts, perf, store, hub, store.Ping, cfg.Server, log)
		defer router.Close()

		go detector.Run(ctx)
		go monitor.Run(ctx)
		if poller != nil {
			go poller.Run(ctx)
		}
		go janitor(ctx, store, cfg.Store, log)

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}

		errorCh := make(chan error, 1)
		go func() {
			log.Info("server starting", "addr", cfg.Server.Addr, "version", version, "ci_polling", cfg.CI.Enabled)
			errorCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("graceful shutdown failed", "error", err)
			}
			log.Info("server stopped")
		case err := <-errorCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}
		return nil
	},
}

// janitor prunes terminal runs past the retention limit on a fixed cadence.
func janitor(ctx context.Context, store *sqlite.Store, cfg config.StoreConfig, log *slog.Logger) {
	if cfg.CleanupInterval <= 0 {
		return
	}
	t := time.NewTicker(cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed, err := store.CleanupRuns(ctx, cfg.MaxRuns)
			if err != nil {
				log.Warn("run cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				log.Info("old runs pruned", "removed", removed, "keep", cfg.MaxRuns)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
