package schema

import (
	"errors"
	"fmt"
)

// Normalization failure sentinels, usable with errors.Is.
var (
	ErrMissingField     = errors.New("missing required field")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrMalformedPayload = errors.New("malformed payload")
)

// ErrorKind classifies a NormalizationError.
type ErrorKind string

const (
	KindMissingField     ErrorKind = "MissingField"
	KindInvalidTimestamp ErrorKind = "InvalidTimestamp"
	KindMalformedPayload ErrorKind = "MalformedPayload"
)

// NormalizationError is returned when a raw payload cannot be turned into
// a canonical event. It is never retried.
type NormalizationError struct {
	Kind  ErrorKind
	Field string
	Err   error
}

// Error returns the error message.
func (e *NormalizationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("normalize: %s (%s): %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("normalize: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NormalizationError) Unwrap() error {
	return e.Err
}

func missingField(field string) error {
	return &NormalizationError{Kind: KindMissingField, Field: field, Err: ErrMissingField}
}

func invalidTimestamp(field string, err error) error {
	return &NormalizationError{
		Kind:  KindInvalidTimestamp,
		Field: field,
		Err:   fmt.Errorf("%w: %v", ErrInvalidTimestamp, err),
	}
}

func malformed(field string, err error) error {
	return &NormalizationError{
		Kind:  KindMalformedPayload,
		Field: field,
		Err:   fmt.Errorf("%w: %v", ErrMalformedPayload, err),
	}
}

// IsNormalizationError reports whether err is a NormalizationError.
func IsNormalizationError(err error) bool {
	var ne *NormalizationError
	return errors.As(err, &ne)
}
