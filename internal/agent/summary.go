package agent

import "time"

// State is the final state of one environment within a run.
type State string

const (
	// StateSubmitted: Pending -> Listed -> Submitted.
	StateSubmitted State = "submitted"
	// StateErrorReported: Pending -> Failed -> ErrorReported.
	StateErrorReported State = "error_reported"
	// StateErrorReportFailed is a failure whose error report could not be
	// delivered either.
	StateErrorReportFailed State = "error_report_failed"
)

// Result describes how one environment fared.
type Result struct {
	Environment string        `json:"environment"`
	State       State         `json:"state"`
	StatusCode  int           `json:"statusCode,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Summary collects the results of one pass over all environments.
type Summary struct {
	RunID      string    `json:"runId"`
	ServerName string    `json:"serverName"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Results    []Result  `json:"results"`
}

// Submitted counts environments whose listing was delivered.
func (s Summary) Submitted() int {
	return s.count(StateSubmitted)
}

// Failed counts environments that ended on the failure path.
func (s Summary) Failed() int {
	return len(s.Results) - s.Submitted()
}

// Duration is the wall time of the run.
func (s Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s Summary) count(state State) int {
	n := 0
	for _, r := range s.Results {
		if r.State == state {
			n++
		}
	}
	return n
}
