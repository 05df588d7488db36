package version

// value is overridden at build time with
// -ldflags "-X github.com/bitlabstudio/pypispy-agent/internal/version.value=v1.2.3".
var value = "dev"

// Value returns the agent version string.
func Value() string {
	if value == "" {
		return "dev"
	}
	return value
}

// UserAgent is the User-Agent header sent with every API request.
func UserAgent() string {
	return "pypispy-agent/" + Value()
}
