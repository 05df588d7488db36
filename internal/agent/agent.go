// Package agent runs the collection pass: list the packages of every
// configured environment, submit them, and report failures.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bitlabstudio/pypispy-agent/internal/config"
	"github.com/bitlabstudio/pypispy-agent/internal/forwarder"
	"github.com/bitlabstudio/pypispy-agent/internal/venv"
)

// Submitter delivers reports to the collection API.
type Submitter interface {
	SubmitPackages(ctx context.Context, report forwarder.PackageReport, name string) (*forwarder.Response, error)
	SubmitError(ctx context.Context, report forwarder.ErrorReport) (*forwarder.Response, error)
}

// Recorder observes agent activity, typically for metrics.
type Recorder interface {
	ObserveListing(environment string, elapsed time.Duration, err error)
	ObserveResult(result Result)
	ObserveRun(summary Summary)
}

// Agent is the collection agent for one host.
type Agent struct {
	cfg     config.Config
	lister  venv.Lister
	client  Submitter
	errlog  forwarder.ErrorLog
	metrics Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// New wires an Agent. metrics may be nil.
func New(cfg config.Config, lister venv.Lister, client Submitter, errlog forwarder.ErrorLog, metrics Recorder, logger *slog.Logger) *Agent {
	cfg.Environments = append([]string{}, cfg.Environments...)
	return &Agent{
		cfg:     cfg,
		lister:  lister,
		client:  client,
		errlog:  errlog,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// ListPackages returns the raw package listing of environment name.
func (a *Agent) ListPackages(ctx context.Context, name string) (string, error) {
	start := a.now()
	listing, err := a.lister.List(ctx, name)
	if a.metrics != nil {
		a.metrics.ObserveListing(name, a.now().Sub(start), err)
	}
	return listing, err
}

// BuildReport lists environment name and attaches the account identity.
func (a *Agent) BuildReport(ctx context.Context, name string) (forwarder.PackageReport, error) {
	listing, err := a.ListPackages(ctx, name)
	if err != nil {
		return forwarder.PackageReport{}, err
	}
	return forwarder.PackageReport{
		Email:       a.cfg.Email,
		APIKey:      a.cfg.APIKey,
		ServerName:  a.cfg.ServerName,
		PackageInfo: listing,
	}, nil
}

// SubmitReport posts report for environment name. Unexpected statuses
// other than 404 and 500 are returned as *forwarder.APIError.
func (a *Agent) SubmitReport(ctx context.Context, report forwarder.PackageReport, name string) (*forwarder.Response, error) {
	return a.client.SubmitPackages(ctx, report, name)
}

// SubmitErrorReport posts trace as the error report for environment name.
func (a *Agent) SubmitErrorReport(ctx context.Context, trace, name string) (*forwarder.Response, error) {
	report := forwarder.NewErrorReport(a.now(), a.cfg.Email, a.cfg.APIKey, a.cfg.ServerName, name, trace)
	return a.client.SubmitError(ctx, report)
}

// Run processes every environment once, in configured order. A failing
// environment never stops the run. The returned error is non-nil only when
// ctx is cancelled or an error report fails with AbortOnErrorReportFailure
// set.
func (a *Agent) Run(ctx context.Context) (Summary, error) {
	summary := Summary{
		RunID:      uuid.NewString(),
		ServerName: a.cfg.ServerName,
		StartedAt:  a.now(),
		Results:    make([]Result, 0, len(a.cfg.Environments)),
	}
	logger := a.logger.With(slog.String("runId", summary.RunID))
	logger.Info("collection run started", slog.Int("environments", len(a.cfg.Environments)))

	var runErr error
	for _, name := range a.cfg.Environments {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		result, err := a.processEnvironment(ctx, logger, name)
		summary.Results = append(summary.Results, result)
		if a.metrics != nil {
			a.metrics.ObserveResult(result)
		}
		if err != nil {
			runErr = err
			break
		}
	}

	summary.FinishedAt = a.now()
	if a.metrics != nil {
		a.metrics.ObserveRun(summary)
	}
	logger.Info("collection run finished",
		slog.Int("submitted", summary.Submitted()),
		slog.Int("failed", summary.Failed()),
		slog.Duration("duration", summary.Duration()),
	)
	return summary, runErr
}

func (a *Agent) processEnvironment(ctx context.Context, logger *slog.Logger, name string) (Result, error) {
	start := a.now()
	logger = logger.With(slog.String("environment", name))
	result := Result{Environment: name}

	stage := "list packages"
	report, err := a.BuildReport(ctx, name)
	if err == nil {
		stage = "submit report"
		var resp *forwarder.Response
		resp, err = a.SubmitReport(ctx, report, name)
		if resp != nil {
			result.StatusCode = resp.StatusCode
		}
	}
	if err == nil {
		result.State = StateSubmitted
		result.Duration = a.now().Sub(start)
		logger.Info("package report submitted", slog.Int("status", result.StatusCode))
		return result, nil
	}

	trace := Trace(name, stage, err)
	result.Error = err.Error()
	logger.Error("environment failed",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
		slog.String("trace", trace),
	)
	a.recordLocal(logger, err)

	_, reportErr := a.SubmitErrorReport(ctx, trace, name)
	result.Duration = a.now().Sub(start)
	if reportErr == nil {
		result.State = StateErrorReported
		return result, nil
	}

	result.State = StateErrorReportFailed
	logger.Error("error report failed", slog.String("error", reportErr.Error()))
	if a.cfg.AbortOnErrorReportFailure {
		return result, fmt.Errorf("error report for %q: %w", name, reportErr)
	}
	return result, nil
}

// recordLocal writes err to the local error log as a single line.
func (a *Agent) recordLocal(logger *slog.Logger, err error) {
	if a.errlog == nil {
		return
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	if werr := a.errlog.Write(msg); werr != nil {
		logger.Warn("error log write failed", slog.String("error", werr.Error()))
	}
}
