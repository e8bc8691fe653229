package postbox

import "postbox/pkg/keys"

// ReplaceInfosOp records that a namespace's whole item-collection-infos
// list was replaced in this transaction.
type ReplaceInfosOp struct {
	Namespace int32
}

// ReplaceItemsOp records that one collection's items were replaced.
type ReplaceItemsOp struct {
	Namespace    int32
	CollectionID int64
}

// RecordOp describes one account-record transition: before/after are nil
// on insert/delete respectively.
type RecordOp struct {
	ID     keys.AccountRecordID
	Before []byte
	After  []byte
}

// MetadataOp marks that a metadata counter category changed, for views
// that care about current-id changes (spec §3, "current-id change").
type MetadataOp struct {
	Prefix byte
}

// OpLog accumulates the semantic deltas of one in-flight transaction.
// The driver clears every slice/set here once the views have been
// notified, before the tables' beforeCommit flushes run.
type OpLog struct {
	InfoOps           []ReplaceInfosOp
	ItemOps           []ReplaceItemsOp
	RecordOps         []RecordOp
	MetadataOps       []MetadataOp
	UpdatedSharedKeys map[string]struct{}
}

func newOpLog() *OpLog {
	return &OpLog{UpdatedSharedKeys: make(map[string]struct{})}
}

func (l *OpLog) clear() {
	l.InfoOps = l.InfoOps[:0]
	l.ItemOps = l.ItemOps[:0]
	l.RecordOps = l.RecordOps[:0]
	l.MetadataOps = l.MetadataOps[:0]
	for k := range l.UpdatedSharedKeys {
		delete(l.UpdatedSharedKeys, k)
	}
}

func (l *OpLog) empty() bool {
	return len(l.InfoOps) == 0 && len(l.ItemOps) == 0 && len(l.RecordOps) == 0 &&
		len(l.MetadataOps) == 0 && len(l.UpdatedSharedKeys) == 0
}
