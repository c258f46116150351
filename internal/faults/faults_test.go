package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	errCooldown := Precondition("cooldown active")
	errOverflow := Invariant("overflow")

	wrapped := fmt.Errorf("stabilize: %w", errCooldown)
	if !errors.Is(wrapped, errCooldown) {
		t.Fatal("wrapped error should match its sentinel")
	}
	if !IsPrecondition(wrapped) {
		t.Fatal("wrapped error should match the precondition class")
	}
	if IsInvariant(wrapped) {
		t.Fatal("precondition must not match the invariant class")
	}
	if !IsInvariant(fmt.Errorf("mul: %w", errOverflow)) {
		t.Fatal("overflow should be an invariant violation")
	}
	if errors.Is(errCooldown, errOverflow) {
		t.Fatal("distinct sentinels must not match each other")
	}
}
