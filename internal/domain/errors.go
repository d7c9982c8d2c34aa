package domain

import (
	"errors"
	"fmt"
)

// ErrDataFetch marks failures raised by a DataProvider.
var ErrDataFetch = errors.New("data fetch failed")

// ConfigError reports an invalid or incomplete analyzer configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// DataFetchError wraps a provider failure for a model.
type DataFetchError struct {
	Model string
	Err   error
}

func (e *DataFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Model, e.Err)
}

func (e *DataFetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrDataFetch) match any DataFetchError.
func (e *DataFetchError) Is(target error) bool {
	return target == ErrDataFetch
}

// InsufficientDataError is a soft failure: there was not enough data to judge.
type InsufficientDataError struct {
	Need   int
	Got    int
	Reason string
}

func (e *InsufficientDataError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("insufficient data (need %d, got %d)", e.Need, e.Got)
}

// AlgorithmError isolates the failure of a single detector.
type AlgorithmError struct {
	Algorithm Algorithm
	Err       error
}

func (e *AlgorithmError) Error() string {
	return fmt.Sprintf("algorithm %s: %v", e.Algorithm, e.Err)
}

func (e *AlgorithmError) Unwrap() error {
	return e.Err
}
