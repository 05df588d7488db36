package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bitlabstudio/pypispy-agent/internal/agent"
	"github.com/bitlabstudio/pypispy-agent/internal/config"
	"github.com/bitlabstudio/pypispy-agent/internal/errlog"
	"github.com/bitlabstudio/pypispy-agent/internal/exporter"
	"github.com/bitlabstudio/pypispy-agent/internal/forwarder"
	"github.com/bitlabstudio/pypispy-agent/internal/logging"
	"github.com/bitlabstudio/pypispy-agent/internal/venv"
	"github.com/bitlabstudio/pypispy-agent/internal/version"
)

var (
	configFile      string
	logLevel        string
	errorLogPath    string
	metricsTextfile string
	abortOnReport   bool
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pypispy-agent",
		Short: "Report installed Python packages of local virtualenvs",
		Long: `pypispy-agent runs the package-listing tool inside every configured
virtualenv and submits each listing to the collection API.

Without a subcommand it performs a single pass and exits 0, even when some
environments failed. Failures are appended to the error log and reported
to the API.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			_, err = runOnce(cmd.Context(), cfg, logging.New(cfg.LogLevel, cfg.LogFormat))
			return err
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Path to YAML config file (default $PYPISPY_CONFIG_FILE)")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&errorLogPath, "error-log", "", "Path of the append-only error log")
	flags.StringVar(&metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file after each run")
	flags.BoolVar(&abortOnReport, "abort-on-error-report-failure", false, "Stop the run when an error report cannot be delivered")

	root.AddCommand(newWatchCmd(), newListCmd(), newVersionCmd())
	return root
}

// loadConfig layers changed command-line flags over file and environment
// settings.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	return config.Load(configFile, func(c *config.Config) {
		if flags.Changed("log-level") {
			c.LogLevel = logLevel
		}
		if flags.Changed("error-log") {
			c.ErrorLogPath = errorLogPath
		}
		if flags.Changed("metrics-textfile") {
			c.Metrics.TextfilePath = metricsTextfile
		}
		if flags.Changed("abort-on-error-report-failure") {
			c.AbortOnErrorReportFailure = abortOnReport
		}
		if flags.Changed("interval") {
			c.Watch.Interval = watchInterval
		}
		if flags.Changed("listen-addr") {
			c.Watch.ListenAddr = listenAddr
		}
	})
}

// components holds the wired collaborators of one agent process.
type components struct {
	agent   *agent.Agent
	metrics *exporter.PrometheusExporter
}

func newComponents(cfg config.Config, logger *slog.Logger) (components, error) {
	encoding, err := forwarder.ParseEncoding(cfg.HTTP.Encoding)
	if err != nil {
		return components{}, err
	}
	errLog := errlog.New(cfg.ErrorLogPath)
	sender := forwarder.NewSender(cfg.HTTP.Timeout, encoding, version.UserAgent())
	client := forwarder.NewClient(sender, cfg.APIURL, errLog, logger)
	lister := venv.NewPipLister(cfg.EnvironmentsRoot, cfg.Listing.Command, cfg.Listing.Timeout)
	metrics := exporter.NewPrometheusExporter(cfg.ServerName, len(cfg.Environments))
	return components{
		agent:   agent.New(cfg, lister, client, errLog, metrics, logger),
		metrics: metrics,
	}, nil
}

func runOnce(ctx context.Context, cfg config.Config, logger *slog.Logger) (agent.Summary, error) {
	logger.Info("starting pypispy agent",
		slog.String("version", version.Value()),
		slog.String("serverName", cfg.ServerName),
		slog.String("apiUrl", cfg.APIURL),
		slog.Int("environments", len(cfg.Environments)),
	)
	c, err := newComponents(cfg, logger)
	if err != nil {
		return agent.Summary{}, err
	}
	summary, runErr := c.agent.Run(ctx)
	writeTextfile(c.metrics, cfg.Metrics.TextfilePath, logger)
	return summary, runErr
}

func writeTextfile(metrics *exporter.PrometheusExporter, path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	if err := metrics.WriteTextfile(path); err != nil {
		logger.Warn("metrics textfile write failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}
