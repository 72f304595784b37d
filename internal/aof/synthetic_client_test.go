package aof

import (
	"context"
	"testing"
)

func TestSyntheticClientMarking(t *testing.T) {
	ctx := context.Background()
	if IsSyntheticClient(ctx) {
		t.Error("a bare context should not be marked synthetic")
	}

	marked := WithSyntheticClient(ctx)
	if !IsSyntheticClient(marked) {
		t.Error("expected WithSyntheticClient to mark the context")
	}
}

func TestSyntheticClientMarkingDoesNotLeakToParent(t *testing.T) {
	parent := context.Background()
	_ = WithSyntheticClient(parent)
	if IsSyntheticClient(parent) {
		t.Error("marking a derived context must not affect the parent")
	}
}
