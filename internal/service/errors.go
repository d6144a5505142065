package service

import (
	"errors"
	"fmt"
)

var (
	// Recovered locally by materializing a default; never reaches a caller
	ErrConfigurationNotFound = errors.New("budget configuration not found")

	// The durable store or the shared cache could not be reached
	ErrStoreUnavailable = errors.New("store unavailable")

	// A deny-list write triggered by abuse escalation failed
	ErrEscalationWrite = errors.New("escalation deny-list write failed")
)

// ValidationError reports invalid administrative input for one field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"error"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
