package postbox

import (
	"context"
	"testing"
	"time"
)

func openTestPostbox(t *testing.T) *Postbox {
	t.Helper()
	p, err := OpenPath(t.TempDir(), false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func recvWithTimeout[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a snapshot")
		var zero T
		return zero
	}
}

func TestAccountRecordsSubscriptionEmitsInitialAndUpdatedSnapshots(t *testing.T) {
	p := openTestPostbox(t)
	ctx := context.Background()

	sub, err := p.AccountRecords(ctx)
	if err != nil {
		t.Fatalf("AccountRecords: %v", err)
	}
	defer sub.Dispose()

	initial := recvWithTimeout(t, sub.Stream.C())
	if len(initial) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", initial)
	}

	if _, err := Transaction(ctx, p, func(m *Modifier) (struct{}, error) {
		return struct{}{}, m.SetRecord(42, []byte("payload"))
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}

	updated := recvWithTimeout(t, sub.Stream.C())
	if len(updated) != 1 || updated[0].ID != 42 || string(updated[0].Value) != "payload" {
		t.Fatalf("unexpected updated snapshot: %+v", updated)
	}
}

func TestSharedDataSubscriptionIgnoresUnrelatedKeys(t *testing.T) {
	p := openTestPostbox(t)
	ctx := context.Background()

	sub, err := p.SharedData(ctx, []string{"watched"})
	if err != nil {
		t.Fatalf("SharedData: %v", err)
	}
	defer sub.Dispose()
	_ = recvWithTimeout(t, sub.Stream.C())

	if _, err := Transaction(ctx, p, func(m *Modifier) (struct{}, error) {
		return struct{}{}, m.SetSharedData("unwatched", []byte("noise"))
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}

	select {
	case snap := <-sub.Stream.C():
		t.Fatalf("unexpected snapshot for an unwatched key: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}

	if _, err := Transaction(ctx, p, func(m *Modifier) (struct{}, error) {
		return struct{}{}, m.SetSharedData("watched", []byte("signal"))
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}

	snap := recvWithTimeout(t, sub.Stream.C())
	if string(snap["watched"]) != "signal" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestDisposeRemovesSubscriptionFromRegistry(t *testing.T) {
	p := openTestPostbox(t)
	ctx := context.Background()

	sub, err := p.AccountRecords(ctx)
	if err != nil {
		t.Fatalf("AccountRecords: %v", err)
	}
	_ = recvWithTimeout(t, sub.Stream.C())

	before := p.driver.registry.bag.Len()
	sub.Dispose()

	// Dispose submits removal as a job; run a transaction to force the
	// worker to drain its queue before asserting the registry shrank.
	if _, err := Transaction(ctx, p, func(m *Modifier) (struct{}, error) {
		return struct{}{}, m.SetRecord(1, []byte("after-dispose"))
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}

	if after := p.driver.registry.bag.Len(); after != before-1 {
		t.Fatalf("registry size = %d, want %d", after, before-1)
	}
}

func TestCurrentAccountIDAllocatesTemporaryAccountOnce(t *testing.T) {
	p := openTestPostbox(t)
	ctx := context.Background()

	id1, found1, err := p.CurrentAccountID(ctx, true)
	if err != nil {
		t.Fatalf("CurrentAccountID: %v", err)
	}
	if !found1 {
		t.Fatalf("expected an account to be allocated")
	}

	id2, found2, err := p.CurrentAccountID(ctx, true)
	if err != nil {
		t.Fatalf("CurrentAccountID: %v", err)
	}
	if !found2 || id2 != id1 {
		t.Fatalf("expected the same account on repeat calls, got %d and %d", id1, id2)
	}

	value, err := Transaction(ctx, p, func(m *Modifier) ([]byte, error) {
		v, _, err := m.GetRecord(int64(id1))
		return v, err
	})
	if err != nil {
		t.Fatalf("read allocated record: %v", err)
	}
	sessionID, isTemp := IsTemporaryAccountRecord(value)
	if !isTemp {
		t.Fatalf("expected the allocated record to carry the temporary marker")
	}
	if sessionID != p.TemporarySessionID() {
		t.Fatalf("got session %d, want %d", sessionID, p.TemporarySessionID())
	}
}

func TestCurrentAccountIDWithoutAllocationReturnsNotFound(t *testing.T) {
	p := openTestPostbox(t)
	ctx := context.Background()

	_, found, err := p.CurrentAccountID(ctx, false)
	if err != nil {
		t.Fatalf("CurrentAccountID: %v", err)
	}
	if found {
		t.Fatalf("expected no account to be found before any allocation")
	}
}
