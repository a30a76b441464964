package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestProcessingErrorUnwrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := NewWeightAcquisitionError("yolov8n-face.pt", "https://example.com/w", cause)

	if !stderrors.Is(err, cause) {
		t.Fatal("expected the original cause to be reachable through errors.Is")
	}
	if !stderrors.Is(err, ErrWeightAcquisition) {
		t.Fatal("expected error to match the weight acquisition sentinel")
	}
	if stderrors.Is(err, ErrMissingDependency) {
		t.Fatal("weight acquisition error must not match the missing dependency sentinel")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error message %q should include the cause", err.Error())
	}
}

func TestMissingDependencyMessageHasInstallHint(t *testing.T) {
	err := NewMissingDependencyError("opencv", "Please build with -tags gocv")
	if !strings.Contains(err.Error(), "-tags gocv") {
		t.Errorf("missing dependency message %q lacks install hint", err.Error())
	}
	if err.Details["backend"] != "opencv" {
		t.Errorf("expected backend detail, got %v", err.Details)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"direct", NewInvalidImageError("job-1", nil), ErrorInvalidImage},
		{"wrapped", fmt.Errorf("outer: %w", NewInferenceFailedError("job-1", "yolo", nil)), ErrorInferenceFailed},
		{"plain", fmt.Errorf("boom"), ErrorUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Errorf("CodeOf() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestToMap(t *testing.T) {
	err := NewProcessingTimeoutError("job-9", 2*time.Second, fmt.Errorf("deadline"))
	m := err.ToMap()

	if m["error_code"] != string(ErrorProcessingTimeout) {
		t.Errorf("error_code = %v", m["error_code"])
	}
	if m["timeout_duration"] != "2s" {
		t.Errorf("timeout_duration = %v", m["timeout_duration"])
	}
	if m["cause"] != "deadline" {
		t.Errorf("cause = %v", m["cause"])
	}
}
