package apperr

import (
	"errors"
	"testing"
)

func TestOfUnwraps(t *testing.T) {
	base := New(KindSpawnFailed, "exec %q failed", "agent")
	wrapped := Wrap(base, KindAgentError, "while starting session")

	if got := Of(wrapped); got != KindAgentError {
		t.Fatalf("Of(wrapped) = %q, want %q", got, KindAgentError)
	}
	if !Is(base, KindSpawnFailed) {
		t.Fatalf("Is(base, KindSpawnFailed) = false")
	}
	if !errors.Is(wrapped, wrapped) {
		t.Fatalf("errors.Is self-comparison failed")
	}

	var e *Error
	if !errors.As(wrapped, &e) {
		t.Fatalf("errors.As failed to unwrap *Error")
	}
	if e.cause == nil {
		t.Fatalf("expected cause to be preserved")
	}
}

func TestOfNonAppErr(t *testing.T) {
	if got := Of(errors.New("plain")); got != KindInternal {
		t.Fatalf("Of(plain) = %q, want %q", got, KindInternal)
	}
	if got := Of(nil); got != "" {
		t.Fatalf("Of(nil) = %q, want empty", got)
	}
}
