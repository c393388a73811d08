package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"kaskade/internal/domain"
	"kaskade/internal/storage"
)

func testSession(id string, createdAt int64) *domain.Session {
	return &domain.Session{
		ID:                id,
		UserID:            "user1",
		Pair:              domain.NewPair("TON", "USDT"),
		CreatedAtMs:       createdAt,
		TotalAmountIn:     200,
		ChunkAmountIn:     20,
		RemainingAmountIn: 200,
		Thresholds:        domain.DefaultThresholds(),
		State:             domain.SessionActive,
	}
}

func TestSessionStore_InsertAndGet(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()

	if err := store.Insert(ctx, testSession("s1", 1000)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByID(ctx, "s1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.RemainingAmountIn != 200 {
		t.Errorf("RemainingAmountIn mismatch: got %d, want 200", got.RemainingAmountIn)
	}

	// Returned value is a copy.
	got.RemainingAmountIn = 0
	again, _ := store.GetByID(ctx, "s1")
	if again.RemainingAmountIn != 200 {
		t.Errorf("store mutated through returned pointer")
	}
}

func TestSessionStore_DuplicateKey(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()

	if err := store.Insert(ctx, testSession("s1", 1000)); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	err := store.Insert(ctx, testSession("s1", 1000))
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestSessionStore_InsertRejectsBrokenLedger(t *testing.T) {
	store := NewSessionStore()
	s := testSession("s1", 1000)
	s.RemainingAmountIn = 150

	err := store.Insert(context.Background(), s)
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestSessionStore_NotFound(t *testing.T) {
	store := NewSessionStore()
	_, err := store.GetByID(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSessionStore_ListByStateOrdering(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()

	_ = store.Insert(ctx, testSession("c", 3000))
	_ = store.Insert(ctx, testSession("b", 1000))
	_ = store.Insert(ctx, testSession("a", 1000))
	paused := testSession("p", 500)
	paused.State = domain.SessionPaused
	_ = store.Insert(ctx, paused)

	got, err := store.ListByState(ctx, domain.SessionActive)
	if err != nil {
		t.Fatalf("ListByState failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %d sessions, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, id)
		}
	}

	byUser, _ := store.ListByUser(ctx, "user1")
	if len(byUser) != 4 {
		t.Errorf("ListByUser: got %d, want 4", len(byUser))
	}
}

func TestSessionStore_UpdateState(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()
	_ = store.Insert(ctx, testSession("s1", 1000))

	updated, err := store.UpdateState(ctx, "s1", 0, domain.SessionPaused)
	if err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}
	if updated.State != domain.SessionPaused || updated.Version != 1 {
		t.Errorf("got state=%s version=%d", updated.State, updated.Version)
	}

	if _, err := store.UpdateState(ctx, "s1", 0, domain.SessionActive); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("stale version: expected ErrConflict, got %v", err)
	}
	if _, err := store.UpdateState(ctx, "s1", 1, domain.SessionExpired); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("paused->expired: expected ErrInvalidTransition, got %v", err)
	}
}

func TestSessionStore_ApplyExecution(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()
	_ = store.Insert(ctx, testSession("s1", 1000))

	updated, err := store.ApplyExecution(ctx, "s1", 0, domain.Fill{AmountIn: 20, AmountOut: 50, ExecutedAt: 2000})
	if err != nil {
		t.Fatalf("ApplyExecution failed: %v", err)
	}
	if updated.ExecutedAmountIn != 20 || updated.RemainingAmountIn != 180 || updated.NumExecutedChunks != 1 {
		t.Errorf("ledger mismatch: %+v", updated)
	}
	if err := updated.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}

	if _, err := store.ApplyExecution(ctx, "s1", 0, domain.Fill{AmountIn: 20}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestSessionStore_ApplyExecutionRejectsCancelled(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()
	_ = store.Insert(ctx, testSession("s1", 1000))

	cancelled, err := store.UpdateState(ctx, "s1", 0, domain.SessionCancelled)
	if err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}

	_, err = store.ApplyExecution(ctx, "s1", cancelled.Version, domain.Fill{AmountIn: 20})
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestSessionStore_ApplyExecutionRespectsApproval(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()
	sess := testSession("s1", 1000)
	approved := uint64(30)
	sess.ApprovedAmountIn = &approved
	_ = store.Insert(ctx, sess)

	updated, err := store.ApplyExecution(ctx, "s1", 0, domain.Fill{AmountIn: 20, ExecutedAt: 1})
	if err != nil {
		t.Fatalf("ApplyExecution failed: %v", err)
	}

	if _, err := store.ApplyExecution(ctx, "s1", updated.Version, domain.Fill{AmountIn: 20, ExecutedAt: 2}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("overspend: expected ErrInvalidInput, got %v", err)
	}
	got, _ := store.GetByID(ctx, "s1")
	if got.ExecutedAmountIn != 20 || got.Version != updated.Version {
		t.Errorf("rejected fill changed the ledger: %+v", got)
	}
}

func TestSessionStore_ConcurrentApplyOnlyOneWins(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()
	_ = store.Insert(ctx, testSession("s1", 1000))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ApplyExecution(ctx, "s1", 0, domain.Fill{AmountIn: 20, AmountOut: 1, ExecutedAt: 2000})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	got, _ := store.GetByID(ctx, "s1")
	if got.ExecutedAmountIn != 20 {
		t.Errorf("ExecutedAmountIn: got %d, want 20", got.ExecutedAmountIn)
	}
}
