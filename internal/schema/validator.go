package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// eventNamePattern matches CloudTrail API names such as "PutBucketPolicy".
var eventNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)

// Validator checks canonical events after normalization.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	// MaxFuture bounds clock skew for event timestamps. Old events are
	// accepted so historical windows can be replayed.
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxFuture: 15 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("event_name", func(fl validator.FieldLevel) bool {
		return eventNamePattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event against the canonical schema.
func (v *Validator) Validate(event *Event, now time.Time) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if v.maxFuture > 0 && event.EventTime.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("event_time in future: %v (max skew: %v)", event.EventTime, v.maxFuture)
	}

	return nil
}

// ValidEventName checks if an API name matches the expected format.
func ValidEventName(name string) bool {
	return eventNamePattern.MatchString(name)
}
