package memory

import (
	"context"
	"errors"
	"testing"

	"kaskade/internal/domain"
	"kaskade/internal/storage"
)

func TestExecutionStore_InsertAndGet(t *testing.T) {
	store := NewExecutionStore()
	ctx := context.Background()

	records := []*domain.ExecutionRecord{
		{IntentID: "i2", SessionID: "s1", Outcome: domain.OutcomeExecuted, TimestampMs: 2000},
		{IntentID: "i1", SessionID: "s1", Outcome: domain.OutcomeFailedTransient, TimestampMs: 1000},
		{IntentID: "i3", SessionID: "s2", Outcome: domain.OutcomeExecuted, TimestampMs: 1500},
	}
	for _, r := range records {
		if err := store.Insert(ctx, r); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := store.GetBySessionID(ctx, "s1")
	if err != nil {
		t.Fatalf("GetBySessionID failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].IntentID != "i1" || got[1].IntentID != "i2" {
		t.Errorf("wrong order: %s, %s", got[0].IntentID, got[1].IntentID)
	}
}

func TestExecutionStore_DuplicateAndInvalid(t *testing.T) {
	store := NewExecutionStore()
	ctx := context.Background()

	r := &domain.ExecutionRecord{IntentID: "i1", SessionID: "s1"}
	if err := store.Insert(ctx, r); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, r); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
	if err := store.Insert(ctx, &domain.ExecutionRecord{SessionID: "s1"}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestExecutionStore_EmptySession(t *testing.T) {
	store := NewExecutionStore()
	got, err := store.GetBySessionID(context.Background(), "none")
	if err != nil {
		t.Fatalf("GetBySessionID failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %d", len(got))
	}
}
