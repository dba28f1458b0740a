// Package callerr defines the error taxonomy shared by the call builder, the
// cache facade and the execution engine.
//
// Only three kinds of errors cross the package boundaries of this module:
//
//   - configuration errors (ErrConfiguration): setup bugs such as an empty call
//     identity or using the distributed cache tier before it was initialized
//   - parameter errors (ErrParameter): invalid call inputs detected before any I/O
//   - provider errors (ErrProvider): connection or execution failures reported by
//     the data source, always carrying the call identity and the original cause
//
// Cache failures are absorbed by the cache facade and never surface as errors.
package callerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration classifies setup errors. Match with errors.Is.
	ErrConfiguration = errors.New("configuration error")
	// ErrParameter classifies invalid call parameters. Match with errors.Is.
	ErrParameter = errors.New("parameter error")
	// ErrProvider classifies data source failures. Match with errors.Is.
	ErrProvider = errors.New("provider error")
)

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigError returns a *ConfigError for field.
func NewConfigError(field, format string, args ...any) error {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ParamError reports an invalid call parameter.
type ParamError struct {
	Param   string
	Message string
}

// Error implements the error interface.
func (e *ParamError) Error() string {
	return "parameter error in " + e.Param + ": " + e.Message
}

// Is reports whether target is ErrParameter.
func (e *ParamError) Is(target error) bool {
	return target == ErrParameter
}

// NewParamError returns a *ParamError for param.
func NewParamError(param, format string, args ...any) error {
	return &ParamError{Param: param, Message: fmt.Sprintf(format, args...)}
}

// ProviderError wraps a data source failure with the identity of the call
// that triggered it.
type ProviderError struct {
	Identity string
	CallID   string
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("provider error: %s %s: %v", e.Op, e.Identity, e.Err)
	}
	return fmt.Sprintf("provider error: %s %s [%s]: %v", e.Op, e.Identity, e.CallID, e.Err)
}

// Unwrap returns the original cause.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrProvider.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}
