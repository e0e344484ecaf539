package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

/**
 * Custom error types for the digitizer worker
 *
 * Layer boundaries return (T, error) where the error is a *ProcessingError
 * carrying one of the codes below. Callers absorb them at the scope the
 * failure belongs to (block, table, page, file).
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Engine / recognition errors
	ErrorEngineUnavailable     ErrorCode = "ENGINE_UNAVAILABLE"
	ErrorOCRFailed             ErrorCode = "OCR_FAILED"
	ErrorBlockExtractionFailed ErrorCode = "BLOCK_EXTRACTION_FAILED"
	ErrorTableExtractionFailed ErrorCode = "TABLE_EXTRACTION_FAILED"
	ErrorLayoutDetectionFailed ErrorCode = "LAYOUT_DETECTION_FAILED"

	// Document errors
	ErrorRenderFailed      ErrorCode = "RENDER_FAILED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Storage errors
	ErrorStorageFailed       ErrorCode = "STORAGE_FAILED"
	ErrorDatabaseFailed      ErrorCode = "DATABASE_FAILED"
	ErrorRecoveryStateFailed ErrorCode = "RECOVERY_STATE_FAILED"

	// Setup errors
	ErrorConfigInvalid ErrorCode = "CONFIG_INVALID"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	File      string
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

// CodeOf returns the code of the first ProcessingError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Factory functions for common errors

func NewEngineUnavailableError(engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEngineUnavailable,
		Message:   fmt.Sprintf("OCR engine unavailable: %s", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewOCRFailedError(file string, engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR failed with engine: %s", engine),
		File:      file,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewBlockExtractionError(file string, blockID int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorBlockExtractionFailed,
		Message:   fmt.Sprintf("Block %d extraction failed", blockID),
		File:      file,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"block_id": blockID,
		},
		Cause: cause,
	}
}

func NewTableExtractionError(file string, page, index int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorTableExtractionFailed,
		Message:   fmt.Sprintf("Table %d on page %d failed", index, page),
		File:      file,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page":  page,
			"index": index,
		},
		Cause: cause,
	}
}

func NewLayoutDetectionError(file string, page int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorLayoutDetectionFailed,
		Message:   fmt.Sprintf("Layout detection failed on page %d", page),
		File:      file,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page": page,
		},
		Cause: cause,
	}
}

func NewRenderFailedError(file string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRenderFailed,
		Message:   "Failed to rasterize document",
		File:      file,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewUnsupportedFormatError(file string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		File:      file,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewProcessingTimeoutError(file string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		File:      file,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(file string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing results",
		File:      file,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewDatabaseFailedError(operation string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDatabaseFailed,
		Message:   fmt.Sprintf("Database operation failed: %s", operation),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"operation": operation,
		},
		Cause: cause,
	}
}

func NewRecoveryStateError(path string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRecoveryStateFailed,
		Message:   "Failed to persist recovery state",
		File:      path,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewConfigInvalidError(message string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorConfigInvalid,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}
	if e.File != "" {
		result["file"] = e.File
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// NewQuarantineError reports crashed-run files left in place
func NewQuarantineError(paths []string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRecoveryStateFailed,
		Message:   "Failed to quarantine files from a crashed run",
		File:      strings.Join(paths, ", "),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"count": len(paths)},
		Cause:     cause,
	}
}
