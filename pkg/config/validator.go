package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ajitpratap0/mcp-engine-go/pkg/transport"
)

// RegisterCustomValidators registers engine specific validation rules
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("transport_type", validateTransportType); err != nil {
		return fmt.Errorf("failed to register transport_type validator: %w", err)
	}
	return nil
}

// validateTransportType accepts the transport types the factory can build
func validateTransportType(fl validator.FieldLevel) bool {
	switch transport.TransportType(fl.Field().String()) {
	case transport.TransportTypeStdio, transport.TransportTypeWebSocket, transport.TransportTypeHTTP:
		return true
	default:
		return false
	}
}

// Validate checks the configuration and reports every violation at once
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if c.Session.IdleAfter > 0 && c.Session.Timeout > 0 && c.Session.IdleAfter > c.Session.Timeout {
		return errors.New("Config.Session.IdleAfter must not exceed Config.Session.Timeout")
	}
	if c.Tracing.Enabled && c.Tracing.Exporter != "noop" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("Config.Tracing.Endpoint is required for the %s exporter", c.Tracing.Exporter)
	}
	return nil
}

// formatValidationErrors joins the field errors into one readable message
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
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "transport_type":
		return fmt.Sprintf("%s must be one of: stdio websocket http", field)
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s is out of range (%s %s)", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
