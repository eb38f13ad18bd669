package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers the config-specific rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	if err := v.RegisterValidation("bus_driver", validateBusDriver); err != nil {
		return fmt.Errorf("failed to register bus_driver validator: %w", err)
	}
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateAuditOutput accepts "stdout", "none" or "file://<absolute-dir>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" || output == "none" {
		return true
	}
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

// validateBusDriver accepts "memory" or "redis".
func validateBusDriver(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "memory", "redis":
		return true
	}
	return false
}

// validateDuration accepts any time.ParseDuration string.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if c.Bus.Driver == "redis" && c.Bus.Redis.Addr == "" {
		return errors.New("bus.redis.addr is required when bus.driver is redis")
	}
	if c.Store.SnapshotDir != "" && !filepath.IsAbs(c.Store.SnapshotDir) {
		return fmt.Errorf("store.snapshot_dir must be an absolute path, got %q", c.Store.SnapshotDir)
	}
	return nil
}

// AuditDir returns the directory of a file:// audit output, or "".
func (c *Config) AuditDir() string {
	if strings.HasPrefix(c.Audit.Output, "file://") {
		return strings.TrimPrefix(c.Audit.Output, "file://")
	}
	return ""
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout', 'none' or 'file://<absolute-path>'", field)
	case "bus_driver":
		return fmt.Sprintf("%s must be 'memory' or 'redis'", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration like 500ms or 24h", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
