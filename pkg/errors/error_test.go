package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "pvfexec/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{FrameTruncated, "Stream ended before a full frame was read"},
		{ArtifactCorrupted, "Artifact is corrupted"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{BlobBombLimit, 400},
		{ArtifactNotFound, 404},
		{PrecheckFailed, 422},
		{PoolExhausted, 429},
		{PoolClosed, 503},
		{PrepareTimeout, 504},
		{KernelCallFailed, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrap(originalErr, HostCommunication)

	if wrappedErr.Code != HostCommunication {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, HostCommunication)
	}
	if wrappedErr.Unwrap() != originalErr {
		t.Error("Unwrap() should return original error")
	}
	if Wrap(nil, HostCommunication) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestGetCodeThroughWrapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil error", err: nil, want: Success},
		{name: "custom error", err: New(WorkerDied), want: WorkerDied},
		{name: "fmt wrapped", err: fmt.Errorf("spawn: %w", New(SpawnFailed)), want: SpawnFailed},
		{name: "standard error", err: errors.New("standard error"), want: InternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ArtifactNotFound))

	if !Is(err, ArtifactNotFound) {
		t.Error("Is() should return true for matching code")
	}
	if Is(err, ArtifactWrite) {
		t.Error("Is() should return false for non-matching code")
	}
	if Is(nil, ArtifactNotFound) {
		t.Error("Is() should return false for nil error")
	}
}

func TestKernelError(t *testing.T) {
	err := KernelError("getrusage before", errors.New("EINVAL"))
	if err.Code != KernelCallFailed {
		t.Fatalf("KernelError should use KernelCallFailed, got %v", err.Code)
	}
	if err.Error() != "getrusage before: EINVAL" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if err.Details["op"] != "getrusage before" {
		t.Fatalf("op detail not set")
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError("timeout", "must be positive")
	if err.Code != ValidationFailed {
		t.Error("ValidationError should use ValidationFailed code")
	}
	if err.Details["field"] != "timeout" {
		t.Error("Field detail not set")
	}
}
