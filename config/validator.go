package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("env", validateEnvironment)
	_ = validate.RegisterValidation("file_exists", validateFileExists)
	_ = validate.RegisterValidation("host", validateHost)
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs validation and returns ValidationErrors
// listing every offending field.
func ValidateWithDetails(cfg *Config) error {
	cfg.Tracing.normalize()

	var details ValidationErrors
	if err := validate.Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return err
		}
		for _, fe := range validationErrors {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}
	if err := cfg.validateDependencies(); err != nil {
		var deps ValidationErrors
		if !errors.As(err, &deps) {
			return err
		}
		details = append(details, deps...)
	}
	if len(details) > 0 {
		return details
	}
	return nil
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	case "file_exists":
		return "file does not exist"
	case "host":
		return "is not a valid host"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	validEnvs := []string{"development", "staging", "production"}
	for _, valid := range validEnvs {
		if env == valid {
			return true
		}
	}
	return false
}

// validateFileExists accepts an empty path or a regular file.
func validateFileExists(fl validator.FieldLevel) bool {
	path := fl.Field().String()
	if path == "" {
		return true
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// validateHost accepts an empty value, hostnames, IPv4/IPv6 and host:port.
func validateHost(fl validator.FieldLevel) bool {
	host := fl.Field().String()
	for _, r := range host {
		if !isValidHostChar(r) {
			return false
		}
	}
	return true
}

func isValidHostChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '.', r == ':', r == '_', r == '[', r == ']':
		return true
	default:
		return false
	}
}
