package postbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"postbox/pkg/metrics"
	"postbox/pkg/telemetry"
	"postbox/pkg/valuebox"
)

func openTestDriver(t *testing.T) *driver {
	t.Helper()
	vb, err := valuebox.Open(t.TempDir(), false)
	if err != nil {
		t.Fatalf("valuebox.Open: %v", err)
	}
	d := newDriver(vb, metrics.NewSet(), 64, 0, nil)
	t.Cleanup(func() {
		d.close()
		vb.Close()
	})
	return d
}

func transactionOn[T any](d *driver, fn ModifierFunc[T]) (T, error) {
	p := &Postbox{driver: d}
	return Transaction(context.Background(), p, fn)
}

func TestTransactionCommitsAcrossTables(t *testing.T) {
	d := openTestDriver(t)

	_, err := transactionOn(d, func(m *Modifier) (struct{}, error) {
		if err := m.SetRecord(1, []byte("alice")); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, m.SetSharedData("greeting", []byte("hello"))
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	got, err := transactionOn(d, func(m *Modifier) ([]byte, error) {
		v, _, err := m.GetRecord(1)
		return v, err
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "alice" {
		t.Fatalf("got %q, want %q", got, "alice")
	}
}

func TestTransactionAbortDiscardsWrites(t *testing.T) {
	d := openTestDriver(t)

	_, err := transactionOn(d, func(m *Modifier) (struct{}, error) {
		if err := m.SetRecord(1, []byte("before-abort")); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, errIntentional
	})
	if err == nil {
		t.Fatalf("expected error from aborted transaction")
	}

	found, err := transactionOn(d, func(m *Modifier) (bool, error) {
		_, ok, err := m.GetRecord(1)
		return ok, err
	})
	if err != nil {
		t.Fatalf("read after abort: %v", err)
	}
	if found {
		t.Fatalf("record should not exist after aborted transaction")
	}
}

var errIntentional = errPlain("intentional abort")

type errPlain string

func (e errPlain) Error() string { return string(e) }

func TestCounterMonotonicAcrossSeparateTransactions(t *testing.T) {
	d := openTestDriver(t)

	first, err := transactionOn(d, func(m *Modifier) (int32, error) {
		return m.AllocateNextStableMessageID()
	})
	if err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	second, err := transactionOn(d, func(m *Modifier) (int32, error) {
		return m.AllocateNextStableMessageID()
	})
	if err != nil {
		t.Fatalf("alloc 2: %v", err)
	}
	if first != 1 || second != 2 {
		t.Fatalf("got %d, %d, want 1, 2", first, second)
	}
}

func TestPanicInModifierIsIsolatedAndCountsAsAbort(t *testing.T) {
	d := openTestDriver(t)

	_, err := transactionOn(d, func(m *Modifier) (struct{}, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatalf("expected error from panicking transaction")
	}

	// the worker must still be alive afterward
	_, err = transactionOn(d, func(m *Modifier) (struct{}, error) {
		return struct{}{}, m.SetRecord(2, []byte("still-alive"))
	})
	if err != nil {
		t.Fatalf("transaction after panic: %v", err)
	}
}

func TestItemCollectionInfosViewFullRebuildOnInfoOp(t *testing.T) {
	d := openTestDriver(t)

	var view *itemCollectionInfosView
	_, err := transactionOn(d, func(m *Modifier) (struct{}, error) {
		v, err := newItemCollectionInfosView(m.tx, []int32{7}, m.infos, m.items)
		if err != nil {
			return struct{}{}, err
		}
		view = v
		d.registry.add(&itemCollectionInfosSubscription{view: v, stream: newStream[ItemCollectionInfosSnapshot](1)})
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_, err = transactionOn(d, func(m *Modifier) (struct{}, error) {
		return struct{}{}, m.ReplaceInfos(7, []ItemCollectionInfoEntry{{CollectionID: 100, Info: []byte("first")}})
	})
	if err != nil {
		t.Fatalf("replace infos: %v", err)
	}

	snap := view.Snapshot()
	entries := snap[7]
	if len(entries) != 1 || entries[0].CollectionID != 100 {
		t.Fatalf("unexpected snapshot after replace: %+v", entries)
	}
}

func TestItemCollectionInfosViewTargetedRefreshOnItemOp(t *testing.T) {
	d := openTestDriver(t)

	var view *itemCollectionInfosView
	stream := newStream[ItemCollectionInfosSnapshot](1)
	_, err := transactionOn(d, func(m *Modifier) (struct{}, error) {
		if err := m.ReplaceInfos(3, []ItemCollectionInfoEntry{{CollectionID: 55, Info: []byte("meta")}}); err != nil {
			return struct{}{}, err
		}
		v, err := newItemCollectionInfosView(m.tx, []int32{3}, m.infos, m.items)
		if err != nil {
			return struct{}{}, err
		}
		view = v
		d.registry.add(&itemCollectionInfosSubscription{view: v, stream: stream})
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	// The setup transaction's own ReplaceInfos makes the new view emit once;
	// drain that snapshot so the worker has room to emit the next one.
	<-stream.C()

	if first := view.Snapshot()[3][0].FirstItem; first != nil {
		t.Fatalf("expected no items yet, got %+v", first)
	}

	_, err = transactionOn(d, func(m *Modifier) (struct{}, error) {
		return struct{}{}, m.ReplaceItems(3, 55, []ItemEntry{{ItemID: 9, Value: []byte("item-9")}})
	})
	if err != nil {
		t.Fatalf("replace items: %v", err)
	}

	entry := view.Snapshot()[3][0]
	if entry.FirstItem == nil || entry.FirstItem.ItemID != 9 {
		t.Fatalf("expected targeted refresh to pick up item 9, got %+v", entry.FirstItem)
	}
}

func TestSubmitRespectsRateLimiter(t *testing.T) {
	vb, err := valuebox.Open(t.TempDir(), false)
	if err != nil {
		t.Fatalf("valuebox.Open: %v", err)
	}
	d := newDriver(vb, metrics.NewSet(), 64, 5, nil)
	t.Cleanup(func() { d.close(); vb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Drain the initial burst so the next submit has to wait for a fresh
	// token; a limiter of 5/s with a near-immediate deadline should then
	// see the context expire before the worker runs the job.
	for i := 0; i < 6; i++ {
		d.submit(context.Background(), func(d *driver) {})
	}

	ran := make(chan struct{}, 1)
	d.submit(ctx, func(d *driver) { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatalf("expected the rate limiter to block this submission past the deadline")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTelemetryRecordsATraceExec(t *testing.T) {
	telDir := t.TempDir()
	tel, err := telemetry.New(telDir, 4096, 16, time.Hour, 1<<20)
	if err != nil {
		t.Fatalf("telemetry.New: %v", err)
	}
	defer tel.Close()

	vb, err := valuebox.Open(t.TempDir(), false)
	if err != nil {
		t.Fatalf("valuebox.Open: %v", err)
	}
	d := newDriver(vb, metrics.NewSet(), 64, 0, tel)
	t.Cleanup(func() { d.close(); vb.Close() })

	if _, err := transactionOn(d, func(m *Modifier) (struct{}, error) {
		return struct{}{}, m.SetRecord(1, []byte("traced"))
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}

	tel.Close()
	data, err := os.ReadFile(filepath.Join(telDir, "transaction.jsonl"))
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected a transaction trace to be written")
	}
}
