package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the face detection worker
 *
 * Every failure that ends up on a job record carries one of the codes below.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Detector construction errors
	ErrorMissingDependency ErrorCode = "MISSING_DEPENDENCY"
	ErrorWeightAcquisition ErrorCode = "WEIGHT_ACQUISITION_FAILED"

	// Processing errors
	ErrorInferenceFailed   ErrorCode = "INFERENCE_FAILED"
	ErrorInvalidImage      ErrorCode = "INVALID_IMAGE"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"

	// ErrorUnknown is reported for errors that carry no code
	ErrorUnknown ErrorCode = "PROCESSING_ERROR"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is matches another ProcessingError with the same code
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks against a code
var (
	ErrMissingDependency = &ProcessingError{Code: ErrorMissingDependency}
	ErrWeightAcquisition = &ProcessingError{Code: ErrorWeightAcquisition}
	ErrInferenceFailed   = &ProcessingError{Code: ErrorInferenceFailed}
	ErrInvalidImage      = &ProcessingError{Code: ErrorInvalidImage}
)

// ErrFileTooLarge is wrapped by loaders that reject input over the size limit
var ErrFileTooLarge = stderrors.New("file size exceeds maximum")

// Factory functions for common errors

func NewMissingDependencyError(backend string, installHint string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorMissingDependency,
		Message:   fmt.Sprintf("%s is an optional detector backend, ensure it is installed. %s", backend, installHint),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"backend": backend,
		},
	}
}

func NewWeightAcquisitionError(fileName string, sourceURL string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorWeightAcquisition,
		Message:   fmt.Sprintf("Failed to acquire weights file %s", fileName),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"file_name":  fileName,
			"source_url": sourceURL,
		},
		Cause: cause,
	}
}

func NewInferenceFailedError(jobID string, detector string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInferenceFailed,
		Message:   fmt.Sprintf("Face detection failed with detector: %s", detector),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"detector": detector,
		},
		Cause: cause,
	}
}

func NewInvalidImageError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidImage,
		Message:   "Image could not be loaded or decoded",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store detection results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// CodeOf returns the code of the first ProcessingError in err's chain
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ErrorUnknown
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
