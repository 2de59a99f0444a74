package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestParseDelay(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"3s", 3 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"1h30m", 90 * time.Minute, false},
		{"0.001", time.Millisecond, false}, // float seconds
		{"5", 5 * time.Second, false},
		{" 2s ", 2 * time.Second, false},
		{"-1s", -time.Second, false}, // rejected later by Validate
		{"", 0, true},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseDelay(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDelay(%q) error = %v; wantErr %v", tt.input, err, tt.wantErr)
			}
			if result != tt.expected {
				t.Errorf("ParseDelay(%q) = %v; want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	d := Default()
	if cfg.RetryExternalTasks != d.RetryExternalTasks {
		t.Errorf("RetryExternalTasks = %v; want %v", cfg.RetryExternalTasks, d.RetryExternalTasks)
	}
	if cfg.DisableNumFailures != 0 {
		t.Errorf("DisableNumFailures = %d; want 0 (unlimited)", cfg.DisableNumFailures)
	}
	if cfg.RetryDelay != 3*time.Second {
		t.Errorf("RetryDelay = %v; want 3s", cfg.RetryDelay)
	}
	if cfg.Workers != 1 {
		t.Errorf("Workers = %d; want 1", cfg.Workers)
	}
	if !cfg.CheckCompleteOnRun {
		t.Error("CheckCompleteOnRun should default to true")
	}
	if cfg.LogLevel != "INFO" || cfg.LogFormat != "text" {
		t.Errorf("logging = %s/%s; want INFO/text", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("DRAY_RETRY_EXTERNAL_TASKS", "true")
	t.Setenv("DRAY_DISABLE_NUM_FAILURES", "2")
	t.Setenv("DRAY_RETRY_DELAY", "0.001")
	t.Setenv("DRAY_WORKERS", "4")
	t.Setenv("DRAY_LOG_LEVEL", "debug")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.RetryExternalTasks {
		t.Error("RetryExternalTasks should be true")
	}
	if cfg.DisableNumFailures != 2 {
		t.Errorf("DisableNumFailures = %d; want 2", cfg.DisableNumFailures)
	}
	if cfg.RetryDelay != time.Millisecond {
		t.Errorf("RetryDelay = %v; want 1ms", cfg.RetryDelay)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d; want 4", cfg.Workers)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %s; want DEBUG", cfg.LogLevel)
	}
}

func TestLoadFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dray-config.toml")
	content := `
retry-external-tasks = true
disable-num-failures = 5
retry-delay = 0.5
workers = 2
history-url = "sqlite://.dray/history.db"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int(KeyWorkers, 1, "")
	flags.String(KeyRetryDelay, "3s", "")
	if err := flags.Parse([]string{"--workers=8"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.RetryExternalTasks || cfg.DisableNumFailures != 5 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.RetryDelay != 500*time.Millisecond {
		t.Errorf("RetryDelay = %v; want 500ms from file (flag unchanged)", cfg.RetryDelay)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d; want 8 from flag", cfg.Workers)
	}
	if cfg.HistoryURL != "sqlite://.dray/history.db" {
		t.Errorf("HistoryURL = %q", cfg.HistoryURL)
	}
}

func TestSettingsMasksSecret(t *testing.T) {
	cfg := Default()
	cfg.WebhookSecret = "s3cret"
	for _, kv := range cfg.Settings() {
		if strings.Contains(kv[1], "s3cret") {
			t.Errorf("%s leaks the webhook secret", kv[0])
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml"), nil); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"negative retry delay", func(c *Config) { c.RetryDelay = -time.Second }, KeyRetryDelay},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, KeyPollInterval},
		{"no workers", func(c *Config) { c.Workers = 0 }, KeyWorkers},
		{"bad history scheme", func(c *Config) { c.HistoryURL = "mysql://x" }, KeyHistoryURL},
		{"bad log level", func(c *Config) { c.LogLevel = "LOUD" }, KeyLogLevel},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, KeyLogFormat},
		{"bad webhook url", func(c *Config) { c.WebhookURL = "ftp://hooks" }, KeyWebhookURL},
	}

	if errs := Default().Validate(); len(errs) != 0 {
		t.Fatalf("default config invalid: %v", errs)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 || errs[0].Field != tt.field {
				t.Errorf("Validate() = %v; want one error on %s", errs, tt.field)
			}
		})
	}
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("DRAY_WORKERS", "0")
	t.Setenv("DRAY_LOG_FORMAT", "xml")

	_, err := Load("", nil)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Load error = %v; want ValidationErrors", err)
	}
	if len(verrs) != 2 {
		t.Errorf("Expected 2 validation errors, got %d", len(verrs))
	}
	if !strings.Contains(verrs.Error(), "2 validation errors") {
		t.Errorf("unexpected message: %s", verrs.Error())
	}
}
