// Package config loads crontabber's configuration via viper: a job list (in
// either the preferred table form or the legacy free-form text form), the
// ledger/run-log store, retry timing, telemetry, metrics, logging, and the
// optional read-only HTTP server — file and environment (CRONTABBER_
// prefixed) sources composed in ascending precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/riverfield/crontabber/internal/descriptor"
	"github.com/riverfield/crontabber/internal/errs"
	"github.com/riverfield/crontabber/internal/frequency"
	"github.com/riverfield/crontabber/internal/registry"
)

// JobConfig is one entry in the table form of the `jobs` list.
type JobConfig struct {
	AppName          string         `mapstructure:"app_name"`
	ClassIdentity    string         `mapstructure:"class_identity"`
	Frequency        string         `mapstructure:"frequency"`
	TimeOfDay        string         `mapstructure:"time_of_day"`
	DependsOn        []string       `mapstructure:"depends_on"`
	IsBackfill       bool           `mapstructure:"is_backfill"`
	BackfillWindow   string         `mapstructure:"backfill_window"`
	BackfillMaxCatch int            `mapstructure:"backfill_max_catchup"`
	Config           map[string]any `mapstructure:"config"`
}

// StoreConfig selects and configures the ledger's backing Store.
type StoreConfig struct {
	Type         string `mapstructure:"type"` // sqlite|postgres
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	ConnMaxAge   int    `mapstructure:"conn_max_age"` // seconds
}

// RunLogConfig configures the append-only run log; DSN defaults to Store's
// when omitted.
type RunLogConfig struct {
	DSN string `mapstructure:"dsn"`
}

// TelemetryConfig configures the optional Sentry-style error reporter.
type TelemetryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// MetricsConfig configures the optional Prometheus /metrics surface.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LogConfig configures structured logging: lumberjack-backed rotating file
// output plus a TTY color handler on stderr.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig configures the optional read-only HTTP introspection surface.
type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// RecurringConfig is one ledger-independent trigger, outside the dependency
// graph and nagios health reporting (see internal/recurring).
type RecurringConfig struct {
	Name          string         `mapstructure:"name"`
	Schedule      string         `mapstructure:"schedule"`
	ClassIdentity string         `mapstructure:"class_identity"`
	Config        map[string]any `mapstructure:"config"`
}

// Config is the root of the parsed configuration tree.
type Config struct {
	Jobs           []JobConfig       `mapstructure:"jobs"`
	JobsText       string            `mapstructure:"jobs_text"` // legacy free-form form
	ErrorRetryTime int64             `mapstructure:"error_retry_time"`
	Store          StoreConfig       `mapstructure:"store"`
	RunLog         RunLogConfig      `mapstructure:"run_log"`
	Telemetry      TelemetryConfig   `mapstructure:"telemetry"`
	Metrics        MetricsConfig     `mapstructure:"metrics"`
	Log            LogConfig         `mapstructure:"log"`
	Server         ServerConfig      `mapstructure:"server"`
	Recurring      []RecurringConfig `mapstructure:"recurring"`
}

// DefaultErrorRetrySeconds is applied when error_retry_time is unset.
const DefaultErrorRetrySeconds = 300

// Load reads configPath (TOML/YAML/JSON, auto-detected by viper from the
// extension) and layers in CRONTABBER_-prefixed environment variables.
// Command-line flags are not bound here: Load uses its own viper instance,
// so callers apply any flag overrides to the returned Config themselves.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("CRONTABBER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	dec := viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
	})
	if err := v.Unmarshal(cfg, dec); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	switch cfg.Store.Type {
	case "", "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("store.type %q: must be sqlite or postgres", cfg.Store.Type)
	}
	if cfg.ErrorRetryTime <= 0 {
		cfg.ErrorRetryTime = DefaultErrorRetrySeconds
	}
	if cfg.RunLog.DSN == "" {
		cfg.RunLog.DSN = cfg.Store.DSN
	}
	return cfg, nil
}

// BuildDescriptors parses every job entry (table form and legacy text form)
// into a descriptor.Descriptor, constructing its JobInvoker via reg. Entries
// are validated (frequency, time-of-day, the >=86400 pairing rule) but NOT
// dependency-resolved here; call depgraph.Resolve (or Configtest) separately.
func (c *Config) BuildDescriptors(reg *registry.Registry) ([]descriptor.Descriptor, error) {
	var out []descriptor.Descriptor

	for _, jc := range c.Jobs {
		d, err := buildOne(jc, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}

	legacy, err := parseLegacyJobs(c.JobsText)
	if err != nil {
		return nil, err
	}
	for _, jc := range legacy {
		d, err := buildOne(jc, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}

	return out, nil
}

func buildOne(jc JobConfig, reg *registry.Registry) (descriptor.Descriptor, error) {
	var zero descriptor.Descriptor
	appName := jc.AppName
	if appName == "" {
		appName = jc.ClassIdentity
	}
	if appName == "" {
		return zero, &errs.JobDescriptionError{Reason: "missing app_name/class_identity"}
	}
	if jc.ClassIdentity == "" {
		return zero, &errs.JobDescriptionError{AppName: appName, Reason: "missing class_identity"}
	}
	if jc.Frequency == "" {
		return zero, &errs.JobDescriptionError{AppName: appName, Reason: "missing frequency"}
	}

	freqSeconds, err := frequency.Parse(jc.Frequency)
	if err != nil {
		return zero, err
	}
	var tod *frequency.TimeOfDay
	if jc.TimeOfDay != "" {
		parsed, err := frequency.ParseTimeOfDay(jc.TimeOfDay)
		if err != nil {
			return zero, err
		}
		tod = &parsed
	}
	if err := frequency.Validate(freqSeconds, tod); err != nil {
		return zero, err
	}

	invoker, err := reg.Build(jc.ClassIdentity, jc.Config)
	if err != nil {
		return zero, &errs.JobDescriptionError{AppName: appName, Reason: err.Error()}
	}
	if jc.IsBackfill {
		window := time.Duration(freqSeconds) * time.Second
		if jc.BackfillWindow != "" {
			ws, err := frequency.Parse(jc.BackfillWindow)
			if err != nil {
				return zero, err
			}
			window = time.Duration(ws) * time.Second
		}
		maxCatchup := jc.BackfillMaxCatch
		if maxCatchup <= 0 {
			maxCatchup = 30
		}
		invoker = registry.WithBackfillWindow(invoker, window, maxCatchup)
	}

	return descriptor.Descriptor{
		AppName:          appName,
		ClassIdentity:    jc.ClassIdentity,
		FrequencySeconds: freqSeconds,
		TimeOfDay:        tod,
		DependsOn:        jc.DependsOn,
		IsBackfill:       jc.IsBackfill,
		Invoke:           invoker,
	}, nil
}

// parseLegacyJobs parses the free-form text form: one job per line (or
// comma/semicolon separated), each "<class_identity>|<frequency>[|<time_of_day>]",
// '#'-prefixed lines are comments. class_identity doubles as app_name in
// this form, since the legacy source line carries no separate identifier.
func parseLegacyJobs(text string) ([]JobConfig, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	replacer := strings.NewReplacer(",", "\n", ";", "\n")
	var out []JobConfig
	for _, line := range strings.Split(replacer.Replace(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, &errs.JobDescriptionError{Reason: fmt.Sprintf("malformed job line %q", line)}
		}
		jc := JobConfig{
			ClassIdentity: strings.TrimSpace(parts[0]),
			Frequency:     strings.TrimSpace(parts[1]),
		}
		if len(parts) == 3 {
			jc.TimeOfDay = strings.TrimSpace(parts[2])
		}
		out = append(out, jc)
	}
	return out, nil
}
