package neuralvps

import (
	"errors"
	"fmt"
)

var (
	// index errors
	ErrEmptyIndex = errors.New("index is empty")
	ErrInvalidK   = errors.New("k must be positive")
	ErrNoQueries  = errors.New("dataset has no query images")

	// identity / pose errors
	ErrBadFilename  = errors.New("filename does not match <prefix>_<id>_<suffix>.<ext>")
	ErrPoseNotFound = errors.New("pose record not found")

	// storage errors
	ErrInvalidMatrix = errors.New("invalid matrix data")
)

// ConfigurationError reports an unknown or invalid configuration value
type ConfigurationError struct {
	Option string
	Value  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unknown %s: %q", e.Option, e.Value)
}

// MissingResourceError reports an absent GPU, cluster cache or checkpoint
type MissingResourceError struct {
	Resource string
	Path     string
	Hint     string
}

func (e *MissingResourceError) Error() string {
	msg := "could not find " + e.Resource
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Hint != "" {
		msg += ", " + e.Hint
	}
	return msg
}

// Recoverable reports whether the run may continue without the resource.
// Only a missing checkpoint is recoverable.
func (e *MissingResourceError) Recoverable() bool {
	return e.Resource == ResourceCheckpoint
}

// Resource names used in MissingResourceError
const (
	ResourceGPU          = "GPU"
	ResourceClusterCache = "clusters"
	ResourceCheckpoint   = "checkpoint"
)

// DimensionMismatchError reports vectors whose length differs from the index
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Want, e.Got)
}
