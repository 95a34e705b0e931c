package logging

import (
	"errors"
	"testing"
)

func TestOperationErrorFormatsAndUnwraps(t *testing.T) {
	root := errors.New("boom")
	err := NewOperationError("usecase.extract", "req-1", root)

	if err.Error() != "usecase.extract (request_id=req-1): boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, root) {
		t.Fatal("expected OperationError to unwrap to the root cause")
	}

	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.extract" {
		t.Fatalf("expected OperationError, got %T", err)
	}
}

func TestNewOperationErrorPassesNilThrough(t *testing.T) {
	if err := NewOperationError("noop", "", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestNewLoggerModes(t *testing.T) {
	for _, mode := range []string{"debug", "release"} {
		logger, err := NewLogger(mode)
		if err != nil {
			t.Fatalf("mode %s: unexpected error: %v", mode, err)
		}
		WithOperation(logger, "test", "req").Debug("hello")
	}
}
