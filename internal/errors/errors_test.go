package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestCodeOf(t *testing.T) {
	cause := stderrors.New("boom")
	wrapped := fmt.Errorf("outer: %w", NewOCRFailedError("a.pdf", "tesseract", cause))

	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"direct", NewRenderFailedError("a.pdf", cause), ErrorRenderFailed},
		{"wrapped", wrapped, ErrorOCRFailed},
		{"plain", cause, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}

	if !stderrors.Is(wrapped, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	if !Is(wrapped, ErrorOCRFailed) {
		t.Error("expected Is to match OCR_FAILED")
	}
}

func TestToMap(t *testing.T) {
	err := NewProcessingTimeoutError("scan.tif", 2*time.Minute, stderrors.New("deadline"))
	m := err.ToMap()

	if m["error_code"] != "PROCESSING_TIMEOUT" {
		t.Errorf("error_code = %v", m["error_code"])
	}
	if m["file"] != "scan.tif" {
		t.Errorf("file = %v", m["file"])
	}
	if m["timeout_duration"] != "2m0s" {
		t.Errorf("timeout_duration = %v", m["timeout_duration"])
	}
	if m["cause"] != "deadline" {
		t.Errorf("cause = %v", m["cause"])
	}
}
