// Package config handles dray configuration
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys recognized in config files, DRAY_* environment variables and flags
const (
	KeyRetryExternalTasks = "retry-external-tasks"
	KeyDisableNumFailures = "disable-num-failures"
	KeyRetryDelay         = "retry-delay"
	KeyWorkers            = "workers"
	KeyPollInterval       = "poll-interval"
	KeyCheckCompleteOnRun = "check-complete-on-run"
	KeyHistoryURL         = "history-url"
	KeyMetricsAddr        = "metrics-addr"
	KeyLogLevel           = "log-level"
	KeyLogFormat          = "log-format"
	KeyLogFile            = "log-file"
	KeyTaskFile           = "task-file"
	KeyWebhookURL         = "webhook-url"
	KeyWebhookSecret      = "webhook-secret"
	KeyWebhookEvents      = "webhook-events"
)

// EnvPrefix is prepended to environment overrides, e.g. DRAY_RETRY_DELAY
const EnvPrefix = "DRAY"

// Config holds dray configuration
type Config struct {
	// Retry policy
	RetryExternalTasks bool
	DisableNumFailures int // <= 0 means no ceiling
	RetryDelay         time.Duration

	// Worker settings
	Workers            int
	PollInterval       time.Duration
	CheckCompleteOnRun bool

	// Build history, empty disables recording
	HistoryURL string

	// Metrics server address, empty disables it
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Workflow file describing the tasks
	TaskFile string

	// Lifecycle event webhook, empty URL disables it
	WebhookURL    string
	WebhookSecret string
	WebhookEvents []string // Empty means every event
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		RetryExternalTasks: false,
		DisableNumFailures: 0,
		RetryDelay:         3 * time.Second,
		Workers:            1,
		PollInterval:       100 * time.Millisecond,
		CheckCompleteOnRun: true,
		LogLevel:           "INFO",
		LogFormat:          "text",
		TaskFile:           "dray.toml",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyRetryExternalTasks, d.RetryExternalTasks)
	v.SetDefault(KeyDisableNumFailures, d.DisableNumFailures)
	v.SetDefault(KeyRetryDelay, d.RetryDelay.String())
	v.SetDefault(KeyWorkers, d.Workers)
	v.SetDefault(KeyPollInterval, d.PollInterval.String())
	v.SetDefault(KeyCheckCompleteOnRun, d.CheckCompleteOnRun)
	v.SetDefault(KeyHistoryURL, d.HistoryURL)
	v.SetDefault(KeyMetricsAddr, d.MetricsAddr)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFormat, d.LogFormat)
	v.SetDefault(KeyLogFile, d.LogFile)
	v.SetDefault(KeyTaskFile, d.TaskFile)
	v.SetDefault(KeyWebhookURL, d.WebhookURL)
	v.SetDefault(KeyWebhookSecret, d.WebhookSecret)
	v.SetDefault(KeyWebhookEvents, []string{})
}

// Load builds the configuration from defaults, the optional config file at
// path, DRAY_* environment variables and any changed flags, in increasing
// order of precedence. The result is validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if flags != nil {
		for _, key := range Keys() {
			if f := flags.Lookup(key); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", key, err)
				}
			}
		}
	}

	retryDelay, err := ParseDelay(v.GetString(KeyRetryDelay))
	if err != nil {
		return nil, ValidationErrors{{Field: KeyRetryDelay, Value: v.GetString(KeyRetryDelay), Message: err.Error()}}
	}
	pollInterval, err := ParseDelay(v.GetString(KeyPollInterval))
	if err != nil {
		return nil, ValidationErrors{{Field: KeyPollInterval, Value: v.GetString(KeyPollInterval), Message: err.Error()}}
	}

	cfg := &Config{
		RetryExternalTasks: v.GetBool(KeyRetryExternalTasks),
		DisableNumFailures: v.GetInt(KeyDisableNumFailures),
		RetryDelay:         retryDelay,
		Workers:            v.GetInt(KeyWorkers),
		PollInterval:       pollInterval,
		CheckCompleteOnRun: v.GetBool(KeyCheckCompleteOnRun),
		HistoryURL:         v.GetString(KeyHistoryURL),
		MetricsAddr:        v.GetString(KeyMetricsAddr),
		LogLevel:           strings.ToUpper(v.GetString(KeyLogLevel)),
		LogFormat:          strings.ToLower(v.GetString(KeyLogFormat)),
		LogFile:            v.GetString(KeyLogFile),
		TaskFile:           v.GetString(KeyTaskFile),
		WebhookURL:         v.GetString(KeyWebhookURL),
		WebhookSecret:      v.GetString(KeyWebhookSecret),
		WebhookEvents:      v.GetStringSlice(KeyWebhookEvents),
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

// Keys lists every recognized configuration key
func Keys() []string {
	return []string{
		KeyRetryExternalTasks, KeyDisableNumFailures, KeyRetryDelay,
		KeyWorkers, KeyPollInterval, KeyCheckCompleteOnRun,
		KeyHistoryURL, KeyMetricsAddr,
		KeyLogLevel, KeyLogFormat, KeyLogFile, KeyTaskFile,
		KeyWebhookURL, KeyWebhookSecret, KeyWebhookEvents,
	}
}

// ParseDelay accepts a Go duration ("250ms", "3s") or a plain number of
// seconds, which may be fractional ("0.001", "5").
func ParseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Settings returns the effective configuration as ordered key/value pairs
func (c *Config) Settings() [][2]string {
	return [][2]string{
		{KeyRetryExternalTasks, strconv.FormatBool(c.RetryExternalTasks)},
		{KeyDisableNumFailures, strconv.Itoa(c.DisableNumFailures)},
		{KeyRetryDelay, c.RetryDelay.String()},
		{KeyWorkers, strconv.Itoa(c.Workers)},
		{KeyPollInterval, c.PollInterval.String()},
		{KeyCheckCompleteOnRun, strconv.FormatBool(c.CheckCompleteOnRun)},
		{KeyHistoryURL, c.HistoryURL},
		{KeyMetricsAddr, c.MetricsAddr},
		{KeyLogLevel, c.LogLevel},
		{KeyLogFormat, c.LogFormat},
		{KeyLogFile, c.LogFile},
		{KeyTaskFile, c.TaskFile},
		{KeyWebhookURL, c.WebhookURL},
		{KeyWebhookSecret, mask(c.WebhookSecret)},
		{KeyWebhookEvents, strings.Join(c.WebhookEvents, ",")},
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
