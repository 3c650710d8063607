package model

import "fmt"

// ConfigurationError reports an unsupported or inconsistent configuration
// value. It is raised eagerly at construction and is not retryable.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return e.Reason
}

func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// StateError reports an operation attempted in the wrong model lifecycle
// state, such as prediction before a completed fit.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return e.Reason
}

func NewStateError(format string, args ...interface{}) *StateError {
	return &StateError{Reason: fmt.Sprintf(format, args...)}
}
