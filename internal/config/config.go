package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the agent.
type Config struct {
	ServerName                string        `yaml:"serverName"`
	Environments              []string      `yaml:"environments"`
	EnvironmentsRoot          string        `yaml:"environmentsRoot"`
	Email                     string        `yaml:"email"`
	APIKey                    string        `yaml:"apiKey"`
	APIURL                    string        `yaml:"apiUrl"`
	LogLevel                  string        `yaml:"logLevel"`
	LogFormat                 string        `yaml:"logFormat"`
	ErrorLogPath              string        `yaml:"errorLog"`
	AbortOnErrorReportFailure bool          `yaml:"abortOnErrorReportFailure"`
	Listing                   ListingConfig `yaml:"listing"`
	HTTP                      HTTPConfig    `yaml:"http"`
	Metrics                   MetricsConfig `yaml:"metrics"`
	Watch                     WatchConfig   `yaml:"watch"`
}

// ListingConfig configures the package-listing subprocess.
type ListingConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPConfig configures requests to the collection API.
type HTTPConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Encoding string        `yaml:"encoding"`
}

// MetricsConfig configures Prometheus output.
type MetricsConfig struct {
	// TextfilePath, when set, receives the metrics after every run in the
	// node_exporter textfile format.
	TextfilePath string `yaml:"textfilePath"`
}

// WatchConfig configures the long-running mode.
type WatchConfig struct {
	Interval   time.Duration `yaml:"interval"`
	ListenAddr string        `yaml:"listenAddr"`
}

const minWatchInterval = time.Minute

// DefaultConfig returns sane defaults for the agent.
func DefaultConfig() Config {
	return Config{
		EnvironmentsRoot: "~/.virtualenvs",
		APIURL:           "https://pypispy.com/api/v1/",
		LogLevel:         "info",
		LogFormat:        "json",
		ErrorLogPath:     "error.log",
		Listing: ListingConfig{
			Command: []string{"pip", "freeze"},
			Timeout: 2 * time.Minute,
		},
		HTTP: HTTPConfig{
			Timeout:  30 * time.Second,
			Encoding: "form",
		},
		Watch: WatchConfig{
			Interval:   time.Hour,
			ListenAddr: ":9108",
		},
	}
}

// Load builds the configuration by merging defaults, the optional YAML
// file, and environment variables. The apply hooks run last, which is where
// command-line flags are layered on.
func Load(configFile string, apply ...func(*Config)) (Config, error) {
	cfg := DefaultConfig()

	if configFile == "" {
		configFile = os.Getenv("PYPISPY_CONFIG_FILE")
	}
	if configFile != "" {
		if err := loadFromFile(configFile, &cfg); err != nil {
			return Config{}, err
		}
	}

	// env > file
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	for _, fn := range apply {
		fn(&cfg)
	}

	if cfg.ServerName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.ServerName = host
		}
	}
	if cfg.APIURL != "" && !strings.HasSuffix(cfg.APIURL, "/") {
		cfg.APIURL += "/"
	}
	if cfg.Watch.Interval < minWatchInterval {
		cfg.Watch.Interval = minWatchInterval
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration that would make every request fail.
func (c Config) Validate() error {
	var errs []error
	if c.ServerName == "" {
		errs = append(errs, errors.New("server name is required"))
	}
	if c.Email == "" {
		errs = append(errs, errors.New("email is required"))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api url %q must be an absolute http(s) URL", c.APIURL))
	}
	if len(c.Environments) > 0 && c.EnvironmentsRoot == "" {
		errs = append(errs, errors.New("environments root is required"))
	}
	seen := make(map[string]struct{}, len(c.Environments))
	for _, name := range c.Environments {
		if err := validateEnvironmentName(name); err != nil {
			errs = append(errs, err)
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("environment %q listed twice", name))
		}
		seen[name] = struct{}{}
	}
	if len(c.Listing.Command) == 0 || c.Listing.Command[0] == "" {
		errs = append(errs, errors.New("listing command must not be empty"))
	}
	if c.Listing.Timeout < 0 || c.HTTP.Timeout < 0 {
		errs = append(errs, errors.New("timeouts must be non-negative"))
	}
	switch strings.ToLower(c.HTTP.Encoding) {
	case "", "form", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown encoding %q (want form or json)", c.HTTP.Encoding))
	}
	return errors.Join(errs...)
}

// validateEnvironmentName rejects names that would change the meaning of
// the request URL they are concatenated into.
func validateEnvironmentName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid environment name %q", name)
	}
	if url.PathEscape(name) != name {
		return fmt.Errorf("environment name %q is not URL-safe", name)
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path provided by operator
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	type fileConfig Config
	var fileCfg fileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	mergeConfigs(cfg, Config(fileCfg))
	return nil
}

func mergeConfigs(base *Config, override Config) {
	if override.ServerName != "" {
		base.ServerName = override.ServerName
	}
	if len(override.Environments) > 0 {
		base.Environments = append([]string{}, override.Environments...)
	}
	if override.EnvironmentsRoot != "" {
		base.EnvironmentsRoot = override.EnvironmentsRoot
	}
	if override.Email != "" {
		base.Email = override.Email
	}
	if override.APIKey != "" {
		base.APIKey = override.APIKey
	}
	if override.APIURL != "" {
		base.APIURL = override.APIURL
	}
	if override.LogLevel != "" {
		base.LogLevel = override.LogLevel
	}
	if override.LogFormat != "" {
		base.LogFormat = override.LogFormat
	}
	if override.ErrorLogPath != "" {
		base.ErrorLogPath = override.ErrorLogPath
	}
	if override.AbortOnErrorReportFailure {
		base.AbortOnErrorReportFailure = true
	}
	if len(override.Listing.Command) > 0 {
		base.Listing.Command = append([]string{}, override.Listing.Command...)
	}
	if override.Listing.Timeout != 0 {
		base.Listing.Timeout = override.Listing.Timeout
	}
	if override.HTTP.Timeout != 0 {
		base.HTTP.Timeout = override.HTTP.Timeout
	}
	if override.HTTP.Encoding != "" {
		base.HTTP.Encoding = override.HTTP.Encoding
	}
	if override.Metrics.TextfilePath != "" {
		base.Metrics.TextfilePath = override.Metrics.TextfilePath
	}
	if override.Watch.Interval != 0 {
		base.Watch.Interval = override.Watch.Interval
	}
	if override.Watch.ListenAddr != "" {
		base.Watch.ListenAddr = override.Watch.ListenAddr
	}
}

// lookupEnv prefers the PYPISPY_ prefixed variable over the bare settings
// name.
func lookupEnv(key string) string {
	if v := os.Getenv("PYPISPY_" + key); v != "" {
		return v
	}
	return os.Getenv(key)
}

// applyEnvOverrides ignores malformed optional values like the file layer
// does, but fails on a malformed VENVS since it selects what gets reported.
func applyEnvOverrides(cfg *Config) error {
	if v := lookupEnv("SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	if v := lookupEnv("VENVS"); v != "" {
		parsed, err := parseList(v)
		if err != nil {
			return fmt.Errorf("parse VENVS %q: %w", v, err)
		}
		cfg.Environments = parsed
	}
	if v := lookupEnv("VENVS_DIR"); v != "" {
		cfg.EnvironmentsRoot = v
	}
	if v := lookupEnv("EMAIL"); v != "" {
		cfg.Email = v
	}
	if v := lookupEnv("API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := lookupEnv("API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("PYPISPY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PYPISPY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("PYPISPY_ERROR_LOG"); v != "" {
		cfg.ErrorLogPath = v
	}
	if v := os.Getenv("PYPISPY_ABORT_ON_ERROR_REPORT_FAILURE"); v != "" {
		if bv, err := strconv.ParseBool(v); err == nil {
			cfg.AbortOnErrorReportFailure = bv
		}
	}
	if v := os.Getenv("PYPISPY_LIST_COMMAND"); v != "" {
		if fields := strings.Fields(v); len(fields) > 0 {
			cfg.Listing.Command = fields
		}
	}
	if v := os.Getenv("PYPISPY_LIST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Listing.Timeout = d
		}
	}
	if v := os.Getenv("PYPISPY_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.Timeout = d
		}
	}
	if v := os.Getenv("PYPISPY_ENCODING"); v != "" {
		cfg.HTTP.Encoding = v
	}
	if v := os.Getenv("PYPISPY_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.TextfilePath = v
	}
	if v := os.Getenv("PYPISPY_WATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watch.Interval = d
		}
	}
	if v := os.Getenv("PYPISPY_LISTEN_ADDR"); v != "" {
		cfg.Watch.ListenAddr = v
	}
	return nil
}

// parseList accepts a JSON array or a comma separated list.
func parseList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var parsed []string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, err
		}
		return parsed, nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}
