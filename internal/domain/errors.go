package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports a bad or missing input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ModelNotReadyError is returned when scoring against an untrained algorithm.
type ModelNotReadyError struct {
	Algorithm string
}

func (e *ModelNotReadyError) Error() string {
	return "model not loaded"
}

// UnknownAlgorithmError is returned for names outside the fixed set.
type UnknownAlgorithmError struct {
	Algorithm string
}

func (e *UnknownAlgorithmError) Error() string {
	return fmt.Sprintf("unknown algorithm: %q", e.Algorithm)
}

// NotTrainedError is returned when selecting or reading metrics of an
// algorithm that was never trained.
type NotTrainedError struct {
	Algorithm string
}

func (e *NotTrainedError) Error() string {
	return fmt.Sprintf("algorithm %s has not been trained", e.Algorithm)
}

// DataUnavailableError is returned when the reference dataset cannot be read.
type DataUnavailableError struct {
	Path string
	Err  error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("training data unavailable at %s: %v", e.Path, e.Err)
}

func (e *DataUnavailableError) Unwrap() error {
	return e.Err
}

var (
	// ErrFeatureOrder is returned when a vector does not match the order an
	// algorithm was trained with.
	ErrFeatureOrder = errors.New("feature vector order mismatch")

	// ErrPolicy is returned when a decision cannot be computed.
	ErrPolicy = errors.New("decision policy failed")

	// ErrNonFiniteScore is returned when a model produces a NaN or infinite
	// probability.
	ErrNonFiniteScore = errors.New("model produced a non-finite probability")

	// ErrOverlay is returned when a business rule fails to evaluate.
	ErrOverlay = errors.New("business rule overlay failed")
)
