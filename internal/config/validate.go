package config

import (
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// MaxTimeoutSeconds is the largest operation timeout whose millisecond value
// still fits a signed 32-bit integer.
const MaxTimeoutSeconds = math.MaxInt32 / 1000

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that must stop startup from those that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether startup should be refused.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// Validate checks c, clamps out-of-range numeric values to safe limits and
// logs every problem found. Identity and transport problems are fatal.
func (c *Config) Validate() ValidationResult {
	var r ValidationResult

	if c.AgentID != "" {
		if _, err := uuid.Parse(c.AgentID); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("agent_id %q is not a valid UUID", c.AgentID))
		}
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url scheme must be http, https, ws or wss, got %q", u.Scheme))
		}
	}

	for _, ch := range c.AuthToken {
		if unicode.IsControl(ch) {
			r.Fatals = append(r.Fatals, fmt.Errorf("auth_token contains control characters"))
			break
		}
	}

	switch c.Engine {
	case EngineWUA, EngineSimulated:
	default:
		r.Fatals = append(r.Fatals, fmt.Errorf("engine %q is not valid (use %s or %s)", c.Engine, EngineWUA, EngineSimulated))
	}

	c.SearchTimeoutSeconds = clampInt(&r, "search_timeout_seconds", c.SearchTimeoutSeconds, 0, MaxTimeoutSeconds)
	c.DownloadTimeoutSeconds = clampInt(&r, "download_timeout_seconds", c.DownloadTimeoutSeconds, 0, MaxTimeoutSeconds)
	c.InstallTimeoutSeconds = clampInt(&r, "install_timeout_seconds", c.InstallTimeoutSeconds, 0, MaxTimeoutSeconds)
	c.MaxConcurrentCommands = clampInt(&r, "max_concurrent_commands", c.MaxConcurrentCommands, 1, 64)
	c.CommandQueueSize = clampInt(&r, "command_queue_size", c.CommandQueueSize, 1, 10000)
	c.CallHistorySize = clampInt(&r, "call_history_size", c.CallHistorySize, 1, 100000)

	if c.CommandRatePerSecond <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("command_rate_per_second %v must be positive, using 20", c.CommandRatePerSecond))
		c.CommandRatePerSecond = 20
	}

	if strings.TrimSpace(c.SearchCriteria) == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("search_criteria is empty, using default"))
		c.SearchCriteria = Default().SearchCriteria
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}

func clampInt(r *ValidationResult, key string, value, lo, hi int) int {
	switch {
	case value < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, value, lo))
		return lo
	case value > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, value, hi))
		return hi
	}
	return value
}
