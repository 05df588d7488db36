package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bitlabstudio/pypispy-agent/internal/venv"
)

// Trace renders err as a multi-line report: a header naming the
// environment and stage, then each error in the wrap chain with its type,
// then subprocess stderr when available.
func Trace(environment, stage string, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "environment %q: %s failed\n", environment, stage)
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "  %T: %s\n", e, e.Error())
	}
	var subErr *venv.SubprocessError
	if errors.As(err, &subErr) && subErr.Stderr != "" {
		b.WriteString("stderr:\n")
		for _, line := range strings.Split(subErr.Stderr, "\n") {
			b.WriteString("  " + line + "\n")
		}
	}
	return b.String()
}
