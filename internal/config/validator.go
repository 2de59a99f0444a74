package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cloud-shuttle/dray/internal/history"
	"github.com/cloud-shuttle/dray/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "retry-delay")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogFormats returns the accepted log output formats
func ValidLogFormats() []string {
	return []string{logging.FormatText, logging.FormatJSON}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.RetryDelay < 0 {
		errs = append(errs, ValidationError{Field: KeyRetryDelay, Value: c.RetryDelay, Message: "must not be negative"})
	}
	if c.PollInterval <= 0 {
		errs = append(errs, ValidationError{Field: KeyPollInterval, Value: c.PollInterval, Message: "must be positive"})
	}
	if c.Workers < 1 {
		errs = append(errs, ValidationError{Field: KeyWorkers, Value: c.Workers, Message: "must be at least 1"})
	}
	if c.HistoryURL != "" && !history.SupportedURL(c.HistoryURL) {
		errs = append(errs, ValidationError{Field: KeyHistoryURL, Value: c.HistoryURL, Message: "scheme must be sqlite://, postgres:// or postgresql://"})
	}
	if c.WebhookURL != "" && !strings.HasPrefix(c.WebhookURL, "http://") && !strings.HasPrefix(c.WebhookURL, "https://") {
		errs = append(errs, ValidationError{Field: KeyWebhookURL, Value: c.WebhookURL, Message: "must be an http:// or https:// URL"})
	}
	if !logging.ValidLevel(c.LogLevel) {
		errs = append(errs, ValidationError{Field: KeyLogLevel, Value: c.LogLevel, Message: "must be one of DEBUG, INFO, WARN, ERROR"})
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.LogFormat)) {
		errs = append(errs, ValidationError{Field: KeyLogFormat, Value: c.LogFormat, Message: "must be text or json"})
	}

	return errs
}
