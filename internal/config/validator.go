package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers quotaguard-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("event_output", validateEventOutput); err != nil {
		return fmt.Errorf("failed to register event_output validator: %w", err)
	}
	return nil
}

// validateDuration accepts non-negative time.ParseDuration strings.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// validateEventOutput accepts "stdout", "stderr", "none" or "file://<absolute-dir>".
func validateEventOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	switch output {
	case "stdout", "stderr", "none":
		return true
	}
	if path, ok := strings.CutPrefix(output, "file://"); ok {
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

// EventDir returns the directory of a file:// event output, or "".
func (c *EventsConfig) EventDir() string {
	path, ok := strings.CutPrefix(c.Output, "file://")
	if !ok {
		return ""
	}
	return path
}

// Validate validates the configuration using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateStores(); err != nil {
		return err
	}
	return c.validateAbuseLadder()
}

// validateStores checks the settings each chosen backend needs.
func (c *Config) validateStores() error {
	if c.Store.Primary.Backend == "redis" && len(c.Store.Primary.Redis.Addrs) == 0 {
		return errors.New("store.primary.redis.addrs is required for the redis backend")
	}
	if c.Store.Fallback.Enabled && c.Store.Fallback.DSN == "" {
		return errors.New("store.fallback.dsn is required when the fallback store is enabled")
	}
	if c.Events.RedisStream.Enabled && c.Store.Primary.Backend != "redis" {
		return errors.New("events.redis_stream requires the redis primary backend")
	}
	return nil
}

// validateAbuseLadder keeps the thresholds ordered.
func (c *Config) validateAbuseLadder() error {
	if c.Abuse.LongBlockThreshold < c.Abuse.ShortBlockThreshold {
		return fmt.Errorf("abuse.long_block_threshold (%d) must not be below abuse.short_block_threshold (%d)",
			c.Abuse.LongBlockThreshold, c.Abuse.ShortBlockThreshold)
	}
	if Duration(c.Abuse.LongBlock, 0) < Duration(c.Abuse.ShortBlock, 0) {
		return errors.New("abuse.long_block must not be shorter than abuse.short_block")
	}
	if c.Abuse.Patterns.SequentialRun > c.Abuse.Patterns.SampleSize {
		return fmt.Errorf("abuse.patterns.sequential_run (%d) exceeds abuse.patterns.sample_size (%d)",
			c.Abuse.Patterns.SequentialRun, c.Abuse.Patterns.SampleSize)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration such as 250ms, 30s or 1h", field)
	case "cidr|ip":
		return fmt.Sprintf("%s must be an IP address or CIDR range", field)
	case "datetime":
		return fmt.Sprintf("%s must be an RFC 3339 timestamp such as 2026-12-31T23:59:59Z", field)
	case "event_output":
		return fmt.Sprintf("%s must be 'stdout', 'stderr', 'none' or 'file://<absolute-dir>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
