package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the analysis pipeline
var (
	ErrMalformedInput   = errors.New("malformed input")
	ErrInsufficientData = errors.New("insufficient data")
	ErrConfigurationGap = errors.New("configuration gap")
	ErrLockTimeout      = errors.New("lock timeout")
	ErrCacheCorruption  = errors.New("cache corruption")
	ErrConfiguration    = errors.New("invalid configuration")
)

// MalformedSampleError describes a record that could not be parsed
type MalformedSampleError struct {
	Line   int
	Field  string
	Raw    string
	Reason string
}

func (e *MalformedSampleError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed sample at line %d: %s %q: %s", e.Line, e.Field, e.Raw, e.Reason)
	}
	return fmt.Sprintf("malformed sample: %s %q: %s", e.Field, e.Raw, e.Reason)
}

func (e *MalformedSampleError) Unwrap() error { return ErrMalformedInput }

// InsufficientDataError is returned when fewer samples than the statistical
// minimum are available
type InsufficientDataError struct {
	Metric string
	Have   int
	Need   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: have %d samples, need %d", e.Metric, e.Have, e.Need)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// LockTimeoutError is returned when another builder holds a cache lock too long
type LockTimeoutError struct {
	Path   string
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock %s", e.Waited, e.Path)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

// CacheCorruptionError is returned when a cache artifact fails to parse
type CacheCorruptionError struct {
	Path  string
	Cause error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cache artifact %s: %v", e.Path, e.Cause)
}

func (e *CacheCorruptionError) Unwrap() []error { return []error{ErrCacheCorruption, e.Cause} }

// ConfigurationError reports a malformed parameter combination
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }
