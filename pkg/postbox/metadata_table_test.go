package postbox

import (
	"reflect"
	"testing"

	"postbox/pkg/keys"
	"postbox/pkg/valuebox"
)

func openTestValueBox(t *testing.T) *valuebox.ValueBox {
	t.Helper()
	vb, err := valuebox.Open(t.TempDir(), false)
	if err != nil {
		t.Fatalf("valuebox.Open: %v", err)
	}
	t.Cleanup(func() { vb.Close() })
	return vb
}

func TestMetadataCounterAllocationIsMonotonic(t *testing.T) {
	vb := openTestValueBox(t)
	m := newMetadataTable()

	vtx, err := vb.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tx := &txContext{vtx: vtx}
	log := newOpLog()

	first, err := m.AllocatePeerNextMessageID(tx, log, keys.PeerID(1), 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	second, err := m.AllocatePeerNextMessageID(tx, log, keys.PeerID(1), 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if first != 1 || second != 2 {
		t.Fatalf("got %d, %d, want 1, 2", first, second)
	}

	if err := m.beforeCommit(tx, log); err != nil {
		t.Fatalf("beforeCommit: %v", err)
	}
	if err := vtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	m.clearMemoryCache(true)

	vtx2, err := vb.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tx2 := &txContext{vtx: vtx2}
	third, err := m.AllocatePeerNextMessageID(tx2, newOpLog(), keys.PeerID(1), 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if third != 3 {
		t.Fatalf("third = %d, want 3 (counter should persist across transactions)", third)
	}
	vtx2.Discard()
	m.clearMemoryCache(false)
}

func TestMetadataAbortRollsBackDirtyWrite(t *testing.T) {
	vb := openTestValueBox(t)
	m := newMetadataTable()

	vtx, err := vb.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tx := &txContext{vtx: vtx}
	log := newOpLog()

	if err := m.SetChatListInitialized(tx, log); err != nil {
		t.Fatalf("SetChatListInitialized: %v", err)
	}
	initialized, err := m.IsChatListInitialized(tx)
	if err != nil || !initialized {
		t.Fatalf("expected flag visible within the same transaction: %v, %v", initialized, err)
	}

	vtx.Discard()
	m.clearMemoryCache(false)

	vtx2, err := vb.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tx2 := &txContext{vtx: vtx2}
	initialized2, err := m.IsChatListInitialized(tx2)
	if err != nil {
		t.Fatalf("IsChatListInitialized: %v", err)
	}
	if initialized2 {
		t.Fatalf("flag should have rolled back after discard, but is still set")
	}
}

func TestChatListTotalUnreadStateRoundTrips(t *testing.T) {
	vb := openTestValueBox(t)
	m := newMetadataTable()

	vtx, err := vb.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tx := &txContext{vtx: vtx}
	log := newOpLog()

	want := ChatListTotalUnreadState{
		AbsoluteCounters: []PeerSummaryCounters{{Tag: "tagA", MessageCount: 5, ChatCount: 2}},
	}
	if err := m.SetChatListTotalUnreadState(tx, log, want); err != nil {
		t.Fatalf("SetChatListTotalUnreadState: %v", err)
	}
	got, err := m.ChatListTotalUnreadState(tx)
	if err != nil {
		t.Fatalf("ChatListTotalUnreadState: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
