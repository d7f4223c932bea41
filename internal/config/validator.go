package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "log.format")
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

// ValidLogFormats returns the accepted log.format values
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate checks the configuration; nil when valid
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Orchestrator.Session == "" {
		errs = append(errs, ValidationError{"orchestrator.session", c.Orchestrator.Session, "must not be empty"})
	}
	if c.Orchestrator.DefaultTimeout < 0 {
		errs = append(errs, ValidationError{"orchestrator.default_timeout", c.Orchestrator.DefaultTimeout, "must not be negative"})
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, ValidationError{"journal.path", c.Journal.Path, "required when journal is enabled"})
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, ValidationError{"metrics.addr", c.Metrics.Addr, "required when metrics are enabled"})
	}
	if c.Server.Addr == "" {
		errs = append(errs, ValidationError{"server.addr", c.Server.Addr, "must not be empty"})
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, ValidationError{"log.level", c.Log.Level, "must be debug, info, warn or error"})
	}
	if !slices.Contains(ValidLogFormats(), c.Log.Format) {
		errs = append(errs, ValidationError{"log.format", c.Log.Format, "must be text or json"})
	}

	return errs
}
