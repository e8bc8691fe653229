package postbox

import "testing"

func TestBagInsertGet(t *testing.T) {
	b := NewBag[string]()
	h := b.Insert("alpha")
	v, ok := b.Get(h)
	if !ok || v != "alpha" {
		t.Fatalf("Get = %q, %v, want alpha, true", v, ok)
	}
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
}

func TestBagRemoveIsO1AndStable(t *testing.T) {
	b := NewBag[int]()
	h1 := b.Insert(1)
	h2 := b.Insert(2)
	h3 := b.Insert(3)

	b.Remove(h2)
	if _, ok := b.Get(h2); ok {
		t.Fatalf("h2 still present after Remove")
	}
	if v, ok := b.Get(h1); !ok || v != 1 {
		t.Fatalf("h1 corrupted by removing h2: %d, %v", v, ok)
	}
	if v, ok := b.Get(h3); !ok || v != 3 {
		t.Fatalf("h3 corrupted by removing h2: %d, %v", v, ok)
	}
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
}

func TestBagHandleReuseDoesNotAliasStaleHandle(t *testing.T) {
	b := NewBag[string]()
	h1 := b.Insert("first")
	b.Remove(h1)
	h2 := b.Insert("second")

	if h1.index != h2.index {
		t.Fatalf("expected freelist reuse of the same slot index")
	}
	if _, ok := b.Get(h1); ok {
		t.Fatalf("stale handle h1 resolved to the new occupant of its slot")
	}
	v, ok := b.Get(h2)
	if !ok || v != "second" {
		t.Fatalf("Get(h2) = %q, %v, want second, true", v, ok)
	}
}

func TestBagRemoveUnknownHandleIsNoop(t *testing.T) {
	b := NewBag[int]()
	h := b.Insert(42)
	bogus := BagHandle{index: 99, gen: 0}
	b.Remove(bogus)
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after removing an out-of-range handle", b.Len())
	}
	b.Remove(h)
	b.Remove(h)
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after double-remove", b.Len())
	}
}

func TestBagItemsSnapshotDuringMutation(t *testing.T) {
	b := NewBag[int]()
	b.Insert(1)
	h2 := b.Insert(2)
	b.Insert(3)

	items := b.Items()
	b.Remove(h2)
	b.Insert(4)

	if len(items) != 3 {
		t.Fatalf("snapshot mutated after Remove/Insert: got %v", items)
	}
}
