// Package errors defines the two error kinds of the content build engine.
//
// ContentlayerError covers infrastructure failures (configuration evaluation,
// filesystem enumeration, worker transport). BuildError is scoped to a single
// document and carries the formatted validation tree that caused it. Both
// survive a round trip through the worker protocol via Wire.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType represents the two categories of errors.
type ErrorType string

const (
	ErrorTypeContentlayer ErrorType = "ContentlayerError"
	ErrorTypeBuild        ErrorType = "BuildError"
)

// ContentlayerError is an infrastructure failure tagged with the module and
// method it originated from.
type ContentlayerError struct {
	Module      string
	Method      string
	Description string
	Cause       error
}

// NewContentlayerError creates an infrastructure error.
func NewContentlayerError(module, method, description string, cause error) *ContentlayerError {
	return &ContentlayerError{
		Module:      module,
		Method:      method,
		Description: description,
		Cause:       cause,
	}
}

// Error implements the error interface.
func (e *ContentlayerError) Error() string {
	msg := fmt.Sprintf("%s.%s: %s", e.Module, e.Method, e.Description)
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}

	return msg
}

// Unwrap returns the underlying cause error.
func (e *ContentlayerError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ContentlayerError from the same module and method.
func (e *ContentlayerError) Is(target error) bool {
	var t *ContentlayerError
	if errors.As(target, &t) {
		return e.Module == t.Module && e.Method == t.Method
	}

	return false
}

// BuildError is a per-document schema or resolver failure.
type BuildError struct {
	DocumentType string
	DocumentID   string
	// Detail is the formatted validation tree or resolver failure message.
	Detail string
	Cause  error
}

// NewBuildError creates a build error for one document.
func NewBuildError(documentType, documentID, detail string) *BuildError {
	return &BuildError{
		DocumentType: documentType,
		DocumentID:   documentID,
		Detail:       detail,
	}
}

// Formatter is implemented by validation errors that render as a tree.
type Formatter interface {
	Format() string
}

// FromValidation wraps a validation failure into a BuildError.
func FromValidation(documentType, documentID string, verr Formatter) *BuildError {
	return NewBuildError(documentType, documentID, verr.Format())
}

// WrapBuild wraps an arbitrary resolver failure into a BuildError.
func WrapBuild(documentType, documentID string, cause error) *BuildError {
	var be *BuildError
	if errors.As(cause, &be) {
		return be
	}

	return &BuildError{
		DocumentType: documentType,
		DocumentID:   documentID,
		Detail:       cause.Error(),
		Cause:        cause,
	}
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return e.Detail
}

// Unwrap returns the underlying cause error.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// Annotations returns the structured log fields identifying the document.
func (e *BuildError) Annotations() []interface{} {
	return []interface{}{"documentType", e.DocumentType, "documentId", e.DocumentID}
}

// IsBuildError checks if an error is a per-document build error.
func IsBuildError(err error) bool {
	var be *BuildError

	return errors.As(err, &be)
}

// IsContentlayerError checks if an error is an infrastructure error.
func IsContentlayerError(err error) bool {
	var ce *ContentlayerError

	return errors.As(err, &ce)
}

// Annotations extracts log fields from a typed error, or nil.
func Annotations(err error) []interface{} {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Annotations()
	}
	var ce *ContentlayerError
	if errors.As(err, &ce) {
		return []interface{}{"module", ce.Module, "method", ce.Method}
	}

	return nil
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// ErrorHandler provides centralized error logging for recoverable failures.
type ErrorHandler struct {
	logger Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs an error with the annotations of its kind. Build errors are
// warnings; everything else is logged at error level.
func (h *ErrorHandler) Handle(ctx context.Context, err error, fields ...interface{}) {
	if err == nil || h.logger == nil {
		return
	}

	var be *BuildError
	var ce *ContentlayerError
	switch {
	case errors.As(err, &be):
		h.logger.Warn(ctx, err, "Error building document", append(be.Annotations(), fields...)...)
	case errors.As(err, &ce):
		h.logger.Error(ctx, err, "Contentlayer error",
			append([]interface{}{"module", ce.Module, "method", ce.Method}, fields...)...)
	default:
		h.logger.Error(ctx, err, "Unhandled error occurred", fields...)
	}
}

// Wire is the serialised form of a typed error sent across the worker protocol.
type Wire struct {
	Tag          ErrorType `json:"_tag"`
	Module       string    `json:"module,omitempty"`
	Method       string    `json:"method,omitempty"`
	Description  string    `json:"description,omitempty"`
	DocumentType string    `json:"documentType,omitempty"`
	DocumentID   string    `json:"documentId,omitempty"`
	Detail       string    `json:"parseError,omitempty"`
}

// ToWire converts an error into its wire form. Untyped errors are reported as
// ContentlayerErrors of the given module and method.
func ToWire(err error, module, method string) *Wire {
	if err == nil {
		return nil
	}

	var be *BuildError
	if errors.As(err, &be) {
		return &Wire{
			Tag:          ErrorTypeBuild,
			DocumentType: be.DocumentType,
			DocumentID:   be.DocumentID,
			Detail:       be.Detail,
		}
	}

	var ce *ContentlayerError
	if errors.As(err, &ce) {
		desc := ce.Description
		if ce.Cause != nil {
			desc += ": " + ce.Cause.Error()
		}

		return &Wire{Tag: ErrorTypeContentlayer, Module: ce.Module, Method: ce.Method, Description: desc}
	}

	return &Wire{Tag: ErrorTypeContentlayer, Module: module, Method: method, Description: err.Error()}
}

// Err converts the wire form back into a typed error.
func (w *Wire) Err() error {
	if w == nil {
		return nil
	}
	if w.Tag == ErrorTypeBuild {
		return NewBuildError(w.DocumentType, w.DocumentID, w.Detail)
	}

	return NewContentlayerError(w.Module, w.Method, w.Description, nil)
}
