package postbox

// ItemCollectionInfosEntry is one row of an ItemCollectionInfosView
// snapshot: a collection's info blob plus its current lowest-keyed item,
// if the collection has any items at all.
type ItemCollectionInfosEntry struct {
	CollectionID int64
	Info         []byte
	FirstItem    *ItemEntry
}

// ItemCollectionInfosSnapshot maps each of a view's parameter namespaces
// to its ordered sequence of entries, in the table's native infos order.
type ItemCollectionInfosSnapshot map[int32][]ItemCollectionInfosEntry

func cloneInfosSnapshot(s ItemCollectionInfosSnapshot) ItemCollectionInfosSnapshot {
	out := make(ItemCollectionInfosSnapshot, len(s))
	for ns, entries := range s {
		out[ns] = append([]ItemCollectionInfosEntry(nil), entries...)
	}
	return out
}

// itemCollectionInfosView is a materialized projection of the infos and
// items tables, scoped to a fixed set of namespaces, that recomputes
// incrementally from the operation log of each committed transaction.
type itemCollectionInfosView struct {
	namespaces []int32
	infos      *itemCollectionInfosTable
	items      *itemCollectionItemsTable
	snapshot   ItemCollectionInfosSnapshot
}

func newItemCollectionInfosView(tx *txContext, namespaces []int32, infos *itemCollectionInfosTable, items *itemCollectionItemsTable) (*itemCollectionInfosView, error) {
	v := &itemCollectionInfosView{namespaces: namespaces, infos: infos, items: items}
	snap, err := v.reloadAll(tx)
	if err != nil {
		return nil, err
	}
	v.snapshot = snap
	return v, nil
}

func (v *itemCollectionInfosView) reloadAll(tx *txContext) (ItemCollectionInfosSnapshot, error) {
	snap := make(ItemCollectionInfosSnapshot, len(v.namespaces))
	for _, ns := range v.namespaces {
		entries, err := v.reloadNamespace(tx, ns)
		if err != nil {
			return nil, err
		}
		snap[ns] = entries
	}
	return snap, nil
}

func (v *itemCollectionInfosView) reloadNamespace(tx *txContext, ns int32) ([]ItemCollectionInfosEntry, error) {
	infoList, err := v.infos.Infos(tx, ns)
	if err != nil {
		return nil, err
	}
	entries := make([]ItemCollectionInfosEntry, 0, len(infoList))
	for _, info := range infoList {
		entry, err := v.buildEntry(tx, ns, info)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (v *itemCollectionInfosView) buildEntry(tx *txContext, ns int32, info ItemCollectionInfoEntry) (ItemCollectionInfosEntry, error) {
	first, ok, err := v.items.LeastItem(tx, ns, info.CollectionID)
	if err != nil {
		return ItemCollectionInfosEntry{}, err
	}
	entry := ItemCollectionInfosEntry{CollectionID: info.CollectionID, Info: info.Info}
	if ok {
		firstCopy := first
		entry.FirstItem = &firstCopy
	}
	return entry, nil
}

func (v *itemCollectionInfosView) namespaceInParams(ns int32) bool {
	for _, n := range v.namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// replay implements the two-tier strategy from the view subsystem design:
// an info-op anywhere forces a full rebuild of every parameter namespace;
// otherwise each item-op only refreshes the affected collection's entry.
func (v *itemCollectionInfosView) replay(tx *txContext, log *OpLog) (bool, error) {
	if len(log.InfoOps) == 0 && len(log.ItemOps) == 0 {
		return false, nil
	}

	reloadNamespaces := make(map[int32]struct{})
	for _, op := range log.InfoOps {
		reloadNamespaces[op.Namespace] = struct{}{}
	}
	if len(reloadNamespaces) > 0 {
		snap, err := v.reloadAll(tx)
		if err != nil {
			return false, err
		}
		v.snapshot = snap
		return true, nil
	}

	reloadCollections := make(map[collectionKey]struct{})
	for _, op := range log.ItemOps {
		reloadCollections[collectionKey{namespace: op.Namespace, id: op.CollectionID}] = struct{}{}
	}
	if len(reloadCollections) == 0 {
		return false, nil
	}

	changed := false
	next := cloneInfosSnapshot(v.snapshot)
	for _, ns := range v.namespaces {
		entries := next[ns]
		for i, entry := range entries {
			if _, reload := reloadCollections[collectionKey{namespace: ns, id: entry.CollectionID}]; !reload {
				continue
			}
			first, ok, err := v.items.LeastItem(tx, ns, entry.CollectionID)
			if err != nil {
				return false, err
			}
			var firstPtr *ItemEntry
			if ok {
				firstCopy := first
				firstPtr = &firstCopy
			}
			entries[i].FirstItem = firstPtr
			changed = true
		}
		next[ns] = entries
	}
	if !changed {
		return false, nil
	}
	v.snapshot = next
	return true, nil
}

// Snapshot returns the view's current materialized projection.
func (v *itemCollectionInfosView) Snapshot() ItemCollectionInfosSnapshot {
	return cloneInfosSnapshot(v.snapshot)
}
