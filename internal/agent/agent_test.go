package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitlabstudio/pypispy-agent/internal/config"
	"github.com/bitlabstudio/pypispy-agent/internal/errlog"
	"github.com/bitlabstudio/pypispy-agent/internal/forwarder"
	"github.com/bitlabstudio/pypispy-agent/internal/venv"
)

type fakeLister struct {
	listings map[string]string
	errs     map[string]error
	calls    []string
}

func (f *fakeLister) List(ctx context.Context, name string) (string, error) {
	f.calls = append(f.calls, name)
	if err := f.errs[name]; err != nil {
		return "", err
	}
	return f.listings[name], nil
}

type fakeSubmitter struct {
	packages    []string
	reports     []forwarder.PackageReport
	errReports  []forwarder.ErrorReport
	packageErrs map[string]error
	errorErr    error
}

func (f *fakeSubmitter) SubmitPackages(ctx context.Context, report forwarder.PackageReport, name string) (*forwarder.Response, error) {
	f.packages = append(f.packages, name)
	f.reports = append(f.reports, report)
	if err := f.packageErrs[name]; err != nil {
		return &forwarder.Response{StatusCode: http.StatusBadRequest}, err
	}
	return &forwarder.Response{StatusCode: http.StatusOK}, nil
}

func (f *fakeSubmitter) SubmitError(ctx context.Context, report forwarder.ErrorReport) (*forwarder.Response, error) {
	f.errReports = append(f.errReports, report)
	if f.errorErr != nil {
		return nil, f.errorErr
	}
	return &forwarder.Response{StatusCode: http.StatusOK}, nil
}

type memLog struct {
	lines []string
}

func (m *memLog) Write(msg string) error {
	m.lines = append(m.lines, msg)
	return nil
}

type countingRecorder struct {
	listings int
	results  []Result
	runs     int
}

func (c *countingRecorder) ObserveListing(string, time.Duration, error) { c.listings++ }

func (c *countingRecorder) ObserveResult(r Result) { c.results = append(c.results, r) }

func (c *countingRecorder) ObserveRun(Summary) { c.runs++ }

func testConfig(envs ...string) config.Config {
	cfg := config.DefaultConfig()
	cfg.ServerName = "web-1"
	cfg.Email = "ops@example.com"
	cfg.APIKey = "key-123"
	cfg.APIURL = "https://collector.test/"
	cfg.Environments = envs
	return cfg
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSubmitsEachEnvironmentInOrder(t *testing.T) {
	envs := []string{"envC", "envA", "envB", "envD"}
	lister := &fakeLister{listings: map[string]string{"envA": "pkg==1.0\n"}}
	sub := &fakeSubmitter{}
	rec := &countingRecorder{}
	a := New(testConfig(envs...), lister, sub, &memLog{}, rec, noopLogger())

	summary, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(sub.packages, ",") != strings.Join(envs, ",") {
		t.Fatalf("expected submissions in order %v, got %v", envs, sub.packages)
	}
	if summary.Submitted() != len(envs) || summary.Failed() != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if rec.listings != len(envs) || len(rec.results) != len(envs) || rec.runs != 1 {
		t.Fatalf("unexpected recorder counts %+v", rec)
	}
	if summary.RunID == "" {
		t.Fatalf("expected run id")
	}
}

func TestBuildReportCarriesIdentity(t *testing.T) {
	lister := &fakeLister{listings: map[string]string{"envA": "a==1\n", "envB": "b==2\n"}}
	a := New(testConfig("envA", "envB"), lister, &fakeSubmitter{}, &memLog{}, nil, noopLogger())

	for _, name := range []string{"envA", "envB"} {
		report, err := a.BuildReport(context.Background(), name)
		if err != nil {
			t.Fatalf("build %s: %v", name, err)
		}
		if report.ServerName != "web-1" || report.Email != "ops@example.com" || report.APIKey != "key-123" {
			t.Fatalf("identity fields changed for %s: %+v", name, report)
		}
		if report.PackageInfo != lister.listings[name] {
			t.Fatalf("unexpected package info %q", report.PackageInfo)
		}
	}
}

func TestRunEmptyEnvironmentsIsNoop(t *testing.T) {
	lister := &fakeLister{}
	sub := &fakeSubmitter{}
	summary, err := New(testConfig(), lister, sub, &memLog{}, nil, noopLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(lister.calls) != 0 || len(sub.packages) != 0 || len(summary.Results) != 0 {
		t.Fatalf("expected no work, got lister=%v submitter=%v", lister.calls, sub.packages)
	}
}

func TestRunListingFailureIsReportedAndRunContinues(t *testing.T) {
	subErr := &venv.SubprocessError{Environment: "envA", Command: []string{"pip", "freeze"}, ExitCode: 1, Stderr: "pip: broken", Err: errors.New("exit status 1")}
	lister := &fakeLister{
		listings: map[string]string{"envB": "b==2\n"},
		errs:     map[string]error{"envA": subErr},
	}
	sub := &fakeSubmitter{}
	log := &memLog{}
	a := New(testConfig("envA", "envB"), lister, sub, log, nil, noopLogger())

	summary, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sub.errReports) != 1 || sub.errReports[0].VenvName != "envA" {
		t.Fatalf("expected 1 error report for envA, got %+v", sub.errReports)
	}
	if len(log.lines) != 1 || !strings.Contains(log.lines[0], "exited with code 1") {
		t.Fatalf("expected 1 local log line, got %q", log.lines)
	}
	if strings.Join(sub.packages, ",") != "envB" {
		t.Fatalf("expected envB still submitted, got %v", sub.packages)
	}
	trace := sub.errReports[0].StackTrace
	for _, want := range []string{`environment "envA": list packages failed`, "*venv.SubprocessError", "pip: broken"} {
		if !strings.Contains(trace, want) {
			t.Fatalf("expected %q in trace:\n%s", want, trace)
		}
	}
	if summary.Results[0].State != StateErrorReported || summary.Results[1].State != StateSubmitted {
		t.Fatalf("unexpected states %+v", summary.Results)
	}
	report := sub.errReports[0]
	if report.User != "ops@example.com" || report.APIKey != "key-123" || report.ServerName != "web-1" || report.Date == "" {
		t.Fatalf("unexpected error report identity %+v", report)
	}
}

func TestRunSubmitFailureIsReported(t *testing.T) {
	apiErr := &forwarder.APIError{URL: "https://collector.test/venv/envA/", StatusCode: 400, Payload: map[string]any{"error": "bad"}}
	lister := &fakeLister{listings: map[string]string{"envA": "a==1\n"}}
	sub := &fakeSubmitter{packageErrs: map[string]error{"envA": apiErr}}
	a := New(testConfig("envA"), lister, sub, &memLog{}, nil, noopLogger())

	summary, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sub.errReports) != 1 || !strings.Contains(sub.errReports[0].StackTrace, "submit report failed") {
		t.Fatalf("unexpected error reports %+v", sub.errReports)
	}
	if summary.Results[0].StatusCode != 400 {
		t.Fatalf("expected status 400 recorded, got %d", summary.Results[0].StatusCode)
	}
}

func TestRunErrorReportFailureGuarded(t *testing.T) {
	lister := &fakeLister{errs: map[string]error{"envA": errors.New("boom"), "envB": errors.New("boom")}}
	sub := &fakeSubmitter{errorErr: &forwarder.TransportError{URL: "x", Err: errors.New("refused")}}
	a := New(testConfig("envA", "envB"), lister, sub, &memLog{}, nil, noopLogger())

	summary, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("guarded run should not fail: %v", err)
	}
	if len(sub.errReports) != 2 {
		t.Fatalf("expected both environments attempted, got %d", len(sub.errReports))
	}
	for _, r := range summary.Results {
		if r.State != StateErrorReportFailed {
			t.Fatalf("unexpected state %+v", r)
		}
	}
}

func TestRunErrorReportFailureAborts(t *testing.T) {
	lister := &fakeLister{errs: map[string]error{"envA": errors.New("boom")}}
	sub := &fakeSubmitter{errorErr: &forwarder.TransportError{URL: "x", Err: errors.New("refused")}}
	cfg := testConfig("envA", "envB")
	cfg.AbortOnErrorReportFailure = true
	a := New(cfg, lister, sub, &memLog{}, nil, noopLogger())

	summary, err := a.Run(context.Background())
	var transportErr *forwarder.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(summary.Results) != 1 || len(lister.calls) != 1 {
		t.Fatalf("expected run to stop after envA, got %+v", summary.Results)
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lister := &fakeLister{}
	_, err := New(testConfig("envA"), lister, &fakeSubmitter{}, &memLog{}, nil, noopLogger()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(lister.calls) != 0 {
		t.Fatalf("expected no listing after cancel")
	}
}

// apiServer counts requests per path and answers with the status chosen by
// statusFor.
type apiServer struct {
	mu    sync.Mutex
	paths []string
}

func (s *apiServer) handler(statusFor func(path string) int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.mu.Unlock()
		w.WriteHeader(statusFor(r.URL.Path))
	})
}

func (s *apiServer) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.paths {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

func newHTTPAgent(t *testing.T, lister venv.Lister, envs []string, statusFor func(string) int) (*Agent, *apiServer, string) {
	t.Helper()
	api := &apiServer{}
	server := httptest.NewServer(api.handler(statusFor))
	t.Cleanup(server.Close)

	logPath := filepath.Join(t.TempDir(), "error.log")
	cfg := testConfig(envs...)
	cfg.APIURL = server.URL + "/"
	errLog := errlog.New(logPath)
	client := forwarder.NewClient(forwarder.NewSender(2*time.Second, forwarder.EncodingForm, ""), cfg.APIURL, errLog, noopLogger())
	return New(cfg, lister, client, errLog, nil, noopLogger()), api, logPath
}

func logLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestScenarioAllEnvironmentsSucceed(t *testing.T) {
	lister := &fakeLister{listings: map[string]string{"envA": "pkg==1.0\n", "envB": "other==2.0\n"}}
	a, api, logPath := newHTTPAgent(t, lister, []string{"envA", "envB"}, func(string) int { return http.StatusOK })

	if _, err := a.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := api.count("/venv/"); got != 2 {
		t.Fatalf("expected 2 submissions, got %d", got)
	}
	if got := api.count("/error/"); got != 0 {
		t.Fatalf("expected 0 error reports, got %d", got)
	}
	if lines := logLines(t, logPath); len(lines) != 0 {
		t.Fatalf("expected empty error log, got %q", lines)
	}
}

func TestScenarioListingFailure(t *testing.T) {
	lister := &fakeLister{
		listings: map[string]string{"envB": "other==2.0\n"},
		errs:     map[string]error{"envA": &venv.SubprocessError{Environment: "envA", Command: []string{"pip", "freeze"}, ExitCode: 2, Err: errors.New("exit status 2")}},
	}
	a, api, logPath := newHTTPAgent(t, lister, []string{"envA", "envB"}, func(string) int { return http.StatusOK })

	if _, err := a.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := api.count("/error/"); got != 1 {
		t.Fatalf("expected 1 error report, got %d", got)
	}
	if got := api.count("/venv/envB/"); got != 1 {
		t.Fatalf("expected envB submitted, got %d", got)
	}
	if lines := logLines(t, logPath); len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %q", lines)
	}
}

func TestScenarioNotFoundAndServerErrorDoNotRaise(t *testing.T) {
	lister := &fakeLister{listings: map[string]string{"envA": "a==1\n", "envB": "b==1\n"}}
	statusFor := func(path string) int {
		if path == "/venv/envA/" {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	}
	a, api, logPath := newHTTPAgent(t, lister, []string{"envA", "envB"}, statusFor)

	summary, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Failed() != 0 {
		t.Fatalf("404 and 500 should not fail the environment: %+v", summary.Results)
	}
	if got := api.count("/error/"); got != 0 {
		t.Fatalf("expected no error reports, got %d", got)
	}
	lines := logLines(t, logPath)
	if len(lines) != 2 || !strings.Contains(lines[0], "URL not found: ") || !strings.HasSuffix(lines[1], " Server error") {
		t.Fatalf("unexpected log lines %q", lines)
	}
}
