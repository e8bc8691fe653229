package maintenance

import (
	"context"
	"encoding/binary"
	"testing"

	"postbox/pkg/postbox"
)

func openTestPostbox(t *testing.T) *postbox.Postbox {
	t.Helper()
	pb, err := postbox.OpenPath(t.TempDir(), false)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { pb.Close() })
	return pb
}

func TestReclaimTemporaryAccountsRemovesOtherSessionsOnly(t *testing.T) {
	pb := openTestPostbox(t)
	ctx := context.Background()

	ownAccount, err := pb.AllocatedTemporaryAccountId(ctx)
	if err != nil {
		t.Fatalf("AllocatedTemporaryAccountId: %v", err)
	}

	var orphanID int64
	const orphanSession int64 = 99999
	if _, err := postbox.Transaction(ctx, pb, func(m *postbox.Modifier) (struct{}, error) {
		orphanID = 424242
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(orphanSession))
		return struct{}{}, m.SetRecord(orphanID, buf)
	}); err != nil {
		t.Fatalf("seed orphan record: %v", err)
	}

	reclaimed, err := ReclaimTemporaryAccounts(ctx, pb)
	if err != nil {
		t.Fatalf("ReclaimTemporaryAccounts: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	ownStillExists, err := postbox.Transaction(ctx, pb, func(m *postbox.Modifier) (bool, error) {
		_, ok, err := m.GetRecord(int64(ownAccount))
		return ok, err
	})
	if err != nil {
		t.Fatalf("check own account: %v", err)
	}
	if !ownStillExists {
		t.Fatalf("own session's temporary account must survive a reclamation sweep")
	}

	orphanStillExists, err := postbox.Transaction(ctx, pb, func(m *postbox.Modifier) (bool, error) {
		_, ok, err := m.GetRecord(orphanID)
		return ok, err
	})
	if err != nil {
		t.Fatalf("check orphan: %v", err)
	}
	if orphanStillExists {
		t.Fatalf("orphaned temporary account should have been reclaimed")
	}
}

func TestReclaimTemporaryAccountsIsNoopWithoutOrphans(t *testing.T) {
	pb := openTestPostbox(t)
	ctx := context.Background()

	if _, err := pb.AllocatedTemporaryAccountId(ctx); err != nil {
		t.Fatalf("AllocatedTemporaryAccountId: %v", err)
	}

	reclaimed, err := ReclaimTemporaryAccounts(ctx, pb)
	if err != nil {
		t.Fatalf("ReclaimTemporaryAccounts: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("reclaimed = %d, want 0", reclaimed)
	}
}
