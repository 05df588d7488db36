package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/bitlabstudio/pypispy-agent/internal/agent"
	"github.com/bitlabstudio/pypispy-agent/internal/config"
	"github.com/bitlabstudio/pypispy-agent/internal/exporter"
	"github.com/bitlabstudio/pypispy-agent/internal/logging"
	"github.com/bitlabstudio/pypispy-agent/internal/version"
)

var (
	watchInterval time.Duration
	listenAddr    string
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a collection pass on an interval and serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return watch(cmd.Context(), cfg, logging.New(cfg.LogLevel, cfg.LogFormat))
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "interval", time.Hour, "Time between collection passes")
	cmd.Flags().StringVar(&listenAddr, "listen-addr", ":9108", "HTTP listen address for metrics and status (empty disables)")
	return cmd
}

func watch(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	c, err := newComponents(cfg, logger)
	if err != nil {
		return err
	}
	store := agent.NewStore()

	runErr := make(chan error, 1)
	go func() {
		runErr <- runLoop(ctx, c, store, cfg, logger)
	}()

	if cfg.Watch.ListenAddr == "" {
		return <-runErr
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.metrics.Handler())
	exporter.NewHTTPAPI(cfg.ServerName, version.Value(), store).Register(mux)
	server := exporter.NewServer(cfg.Watch.ListenAddr, mux, logger)

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(serverCtx)
	}()

	select {
	case err := <-runErr:
		cancel()
		<-serverErr
		return err
	case err := <-serverErr:
		if err != nil {
			return err
		}
		return <-runErr
	}
}

func runLoop(ctx context.Context, c components, store *agent.Store, cfg config.Config, logger *slog.Logger) error {
	ticker := time.NewTicker(cfg.Watch.Interval)
	defer ticker.Stop()

	for {
		summary, err := c.agent.Run(ctx)
		if len(summary.Results) > 0 || err == nil {
			store.Update(summary)
		}
		writeTextfile(c.metrics, cfg.Metrics.TextfilePath, logger)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
