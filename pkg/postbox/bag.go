package postbox

// Bag is an insertion container that hands back a stable, opaque handle
// for every element it holds. Handles stay valid until the element is
// removed; removal is O(1) and never shifts another element's handle.
// Iteration snapshots the live elements at the time Items is called, so a
// handler that inserts or removes into the same Bag mid-iteration cannot
// corrupt the in-progress loop.
//
// Internally this is a generation-tagged slot map: a removed slot is
// pushed onto a freelist and its generation bumped, so a stale handle
// from before the removal can never alias a different, later element.
type Bag[T any] struct {
	slots []bagSlot[T]
	free  []int
	count int
}

type bagSlot[T any] struct {
	value occupiedOrNot[T]
	gen   uint32
}

type occupiedOrNot[T any] struct {
	v        T
	occupied bool
}

// BagHandle is an opaque, stable reference to one element of a Bag.
type BagHandle struct {
	index int
	gen   uint32
}

// NewBag returns an empty Bag.
func NewBag[T any]() *Bag[T] {
	return &Bag[T]{}
}

// Insert adds v and returns a handle that stays valid until Remove(h).
func (b *Bag[T]) Insert(v T) BagHandle {
	if n := len(b.free); n > 0 {
		idx := b.free[n-1]
		b.free = b.free[:n-1]
		slot := &b.slots[idx]
		slot.value = occupiedOrNot[T]{v: v, occupied: true}
		b.count++
		return BagHandle{index: idx, gen: slot.gen}
	}
	idx := len(b.slots)
	b.slots = append(b.slots, bagSlot[T]{value: occupiedOrNot[T]{v: v, occupied: true}})
	b.count++
	return BagHandle{index: idx, gen: 0}
}

// Remove deletes the element referenced by h, if it is still present.
// Removing an already-removed or unknown handle is a no-op.
func (b *Bag[T]) Remove(h BagHandle) {
	if h.index < 0 || h.index >= len(b.slots) {
		return
	}
	slot := &b.slots[h.index]
	if !slot.value.occupied || slot.gen != h.gen {
		return
	}
	var zero T
	slot.value = occupiedOrNot[T]{v: zero, occupied: false}
	slot.gen++
	b.free = append(b.free, h.index)
	b.count--
}

// Get returns the element referenced by h and whether it is still present.
func (b *Bag[T]) Get(h BagHandle) (T, bool) {
	if h.index < 0 || h.index >= len(b.slots) {
		var zero T
		return zero, false
	}
	slot := &b.slots[h.index]
	if !slot.value.occupied || slot.gen != h.gen {
		var zero T
		return zero, false
	}
	return slot.value.v, true
}

// Len returns the number of live elements.
func (b *Bag[T]) Len() int { return b.count }

// Items returns a snapshot of the currently live elements, in slot order.
// Mutating the Bag after Items returns does not affect the returned slice.
func (b *Bag[T]) Items() []T {
	out := make([]T, 0, b.count)
	for i := range b.slots {
		if b.slots[i].value.occupied {
			out = append(out, b.slots[i].value.v)
		}
	}
	return out
}
