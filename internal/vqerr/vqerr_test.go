package vqerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsAreDistinct(t *testing.T) {
	all := []error{
		ErrInvalidArgument, ErrNotInitialised, ErrAlreadyInitialised,
		ErrNoResource, ErrNotFound, ErrAlreadyExists, ErrInvalidApp,
		ErrNoResourceForRTPHeader, ErrStream, ErrInternal,
	}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			if errors.Is(a, b) {
				t.Fatalf("sentinel %d (%v) should not match sentinel %d (%v)", i, a, j, b)
			}
		}
	}
}

func TestWrappedSentinelMatchesIs(t *testing.T) {
	wrapped := fmt.Errorf("pool: %w: capacity 4 exhausted", ErrNoResource)
	if !errors.Is(wrapped, ErrNoResource) {
		t.Fatalf("wrapped error should match errors.Is against its sentinel")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("wrapped error should not match an unrelated sentinel")
	}
}
