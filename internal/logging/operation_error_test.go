package logging

import (
	"errors"
	"testing"
)

func TestNewOperationErrorNilPassthrough(t *testing.T) {
	if err := NewOperationError("op", "req", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("connection refused")
	err := NewOperationError("maskclient.upload", "req-7", base)

	if got, want := err.Error(), "maskclient.upload (request_id=req-7): connection refused"; got != want {
		t.Fatalf("unexpected message: %q", got)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to reach the wrapped error")
	}

	noID := NewOperationError("cache.get", "", base)
	if got, want := noID.Error(), "cache.get: connection refused"; got != want {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn", false)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Fatal("debug should be disabled at warn level")
	}
	if !logger.Core().Enabled(1) {
		t.Fatal("warn should be enabled at warn level")
	}
}
