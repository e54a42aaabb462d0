package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateClient(cfg, ve)
	validateReconnect(cfg, ve)
	validateHTTP(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if cfg.Events.BufferSize < 0 {
		ve.Add("events.buffer_size must be >= 0")
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validTransports = map[string]bool{
	"websocket": true,
	"http":      true,
}

func validateClient(cfg *Config, ve *ValidationError) {
	c := cfg.Client
	if !validTransports[c.Transport] {
		ve.Add("client.transport %q is invalid (want websocket or http)", c.Transport)
	}
	switch c.Transport {
	case "websocket":
		validateURL(ve, "client.url", c.URL, "ws", "wss")
		if c.Subprotocol == "" {
			ve.Add("client.subprotocol must not be empty")
		}
	case "http":
		validateURL(ve, "client.http_url", c.HTTPURL, "http", "https")
	}
	for name := range c.Headers {
		if strings.TrimSpace(name) == "" {
			ve.Add("client.headers contains an empty header name")
		}
	}
	if c.QueryTimeout < 0 {
		ve.Add("client.query_timeout must be >= 0")
	}
	if c.StopTimeout <= 0 {
		ve.Add("client.stop_timeout must be > 0")
	}
	if c.HandshakeTimeout <= 0 {
		ve.Add("client.handshake_timeout must be > 0")
	}
	if c.KeepAliveTimeout < 0 {
		ve.Add("client.keepalive_timeout must be >= 0")
	}
	if c.WriteTimeout < 0 {
		ve.Add("client.write_timeout must be >= 0")
	}
	if c.ReadLimit < 0 {
		ve.Add("client.read_limit must be >= 0")
	}
}

func validateURL(ve *ValidationError, field, raw string, schemes ...string) {
	if raw == "" {
		ve.Add("%s must not be empty", field)
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		ve.Add("%s %q is not a valid URL: %v", field, raw, err)
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				ve.Add("%s %q has no host", field, raw)
			}
			return
		}
	}
	ve.Add("%s %q must use scheme %s", field, raw, strings.Join(schemes, " or "))
}

func validateReconnect(cfg *Config, ve *ValidationError) {
	r := cfg.Reconnect
	if !r.Enabled {
		return
	}
	if r.MaxAttempts < 0 {
		ve.Add("reconnect.max_attempts must be >= 0")
	}
	if r.MinDelay <= 0 {
		ve.Add("reconnect.min_delay must be > 0")
	}
	if r.MaxDelay < r.MinDelay {
		ve.Add("reconnect.max_delay must be >= reconnect.min_delay")
	}
	if r.AttemptsPerMin < 0 {
		ve.Add("reconnect.attempts_per_min must be >= 0")
	}
	if r.AttemptsPerMin > 0 && r.Burst <= 0 {
		ve.Add("reconnect.burst must be > 0 when attempts_per_min is set")
	}
}

func validateHTTP(cfg *Config, ve *ValidationError) {
	h := cfg.HTTP
	if h.ConnTimeout < 0 || h.RespTimeout < 0 {
		ve.Add("http timeouts must be >= 0")
	}
	if h.CircuitBreaker.Enabled && h.CircuitBreaker.Timeout < 0 {
		ve.Add("http.circuit_breaker.timeout must be >= 0")
	}
	if h.RateLimit.RequestsPerMin < 0 {
		ve.Add("http.rate_limit.requests_per_min must be >= 0")
	}
	if h.RateLimit.RequestsPerMin > 0 && h.RateLimit.Burst <= 0 {
		ve.Add("http.rate_limit.burst must be > 0 when requests_per_min is set")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want stdout or noop)", cfg.Tracer.Exporter)
	}
}
