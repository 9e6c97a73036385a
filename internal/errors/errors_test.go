// Package errors tests for the error-code taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

// TestNewAndWrap verifies message formatting with and without a cause.
func TestNewAndWrap(t *testing.T) {
	plain := New(ErrSyncFailed, "push rejected")
	if plain.Error() != "[SYNC_FAILED] push rejected" {
		t.Errorf("Error() = %q, want [SYNC_FAILED] push rejected", plain.Error())
	}

	cause := stderrors.New("connection reset")
	wrapped := Wrap(ErrSyncOffline, "server unreachable", cause)
	if wrapped.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want the cause", wrapped.Unwrap())
	}
	if got := wrapped.Error(); got != "[SYNC_OFFLINE] server unreachable: connection reset" {
		t.Errorf("Error() = %q", got)
	}
}

// TestIsWalksTheChain verifies code matching through wrapped errors.
func TestIsWalksTheChain(t *testing.T) {
	inner := New(ErrAuthRequired, "no session")
	outer := fmt.Errorf("sync aborted: %w", inner)

	if !Is(outer, ErrAuthRequired) {
		t.Error("Is(outer, ErrAuthRequired) = false, want true")
	}
	if Is(outer, ErrSyncStalled) {
		t.Error("Is(outer, ErrSyncStalled) = true, want false")
	}
	if Is(nil, ErrAuthRequired) {
		t.Error("Is(nil, code) = true, want false")
	}
	if Is(stderrors.New("plain"), ErrAuthRequired) {
		t.Error("Is(plain, code) = true, want false")
	}
}
