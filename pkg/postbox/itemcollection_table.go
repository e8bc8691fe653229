package postbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"postbox/pkg/keys"
)

// ItemCollectionInfoEntry is one (collectionId, opaque info blob) pair, in
// whatever order the caller supplied to ReplaceInfos — the domain schema
// for info payloads is an external collaborator, so the table stores it
// as an opaque blob.
type ItemCollectionInfoEntry struct {
	CollectionID int64
	Info         []byte
}

// ItemEntry is one (itemId, opaque item blob) pair within a collection.
type ItemEntry struct {
	ItemID keys.ItemID
	Value  []byte
}

type infosEntry struct {
	list    []ItemCollectionInfoEntry
	present bool
}

// itemCollectionInfosTable stores the whole ordered infos list for a
// namespace as a single row, so "native infos order" (spec's ordering
// invariant) is exactly the order the caller supplied, not a derived sort.
type itemCollectionInfosTable struct {
	committed map[int32]infosEntry
	dirty     map[int32]infosEntry
	preDirty  map[int32]infosEntry
}

func newItemCollectionInfosTable() *itemCollectionInfosTable {
	return &itemCollectionInfosTable{
		committed: make(map[int32]infosEntry),
		dirty:     make(map[int32]infosEntry),
		preDirty:  make(map[int32]infosEntry),
	}
}

func (t *itemCollectionInfosTable) read(tx *txContext, namespace int32) ([]ItemCollectionInfoEntry, bool, error) {
	if e, ok := t.dirty[namespace]; ok {
		return e.list, e.present, nil
	}
	if e, ok := t.committed[namespace]; ok {
		return e.list, e.present, nil
	}
	v, ok, err := tx.vtx.Get(tableItemCollectionInfo, keys.ItemCollectionInfosKey(namespace))
	if err != nil {
		return nil, false, fmt.Errorf("itemcollectioninfos: read: %w", err)
	}
	if !ok {
		t.committed[namespace] = infosEntry{present: false}
		return nil, false, nil
	}
	var list []ItemCollectionInfoEntry
	if err := json.Unmarshal(v, &list); err != nil {
		return nil, false, fmt.Errorf("itemcollectioninfos: decode namespace %d: %w", namespace, err)
	}
	t.committed[namespace] = infosEntry{list: list, present: true}
	return list, true, nil
}

// Infos returns the current ordered infos list for namespace.
func (t *itemCollectionInfosTable) Infos(tx *txContext, namespace int32) ([]ItemCollectionInfoEntry, error) {
	list, _, err := t.read(tx, namespace)
	return list, err
}

// ReplaceInfos overwrites the whole ordered infos list for namespace and
// emits a ReplaceInfosOp, even if the new list happens to equal the old
// one: unlike record/shared-data writes, replacement is not equality-gated.
func (t *itemCollectionInfosTable) ReplaceInfos(tx *txContext, log *OpLog, namespace int32, infos []ItemCollectionInfoEntry) error {
	if _, staged := t.dirty[namespace]; !staged {
		prev, existed, err := t.read(tx, namespace)
		if err != nil {
			return err
		}
		t.preDirty[namespace] = infosEntry{list: prev, present: existed}
	}
	t.dirty[namespace] = infosEntry{list: infos, present: true}
	log.InfoOps = append(log.InfoOps, ReplaceInfosOp{Namespace: namespace})
	return nil
}

func (t *itemCollectionInfosTable) beforeCommit(tx *txContext, log *OpLog) error {
	for namespace, e := range t.dirty {
		key := keys.ItemCollectionInfosKey(namespace)
		v, err := json.Marshal(e.list)
		if err != nil {
			return fmt.Errorf("itemcollectioninfos: encode namespace %d: %w", namespace, err)
		}
		if err := tx.vtx.Set(tableItemCollectionInfo, key, v); err != nil {
			return fmt.Errorf("itemcollectioninfos: flush namespace %d: %w", namespace, err)
		}
	}
	return nil
}

func (t *itemCollectionInfosTable) clearMemoryCache(committed bool) {
	if committed {
		for ns, e := range t.dirty {
			t.committed[ns] = e
		}
	} else {
		for ns, e := range t.preDirty {
			t.committed[ns] = e
		}
	}
	t.dirty = make(map[int32]infosEntry)
	t.preDirty = make(map[int32]infosEntry)
}

var _ table = (*itemCollectionInfosTable)(nil)

// --- items ---

type collectionKey struct {
	namespace int32
	id        int64
}

type itemsEntry struct {
	items   []ItemEntry
	present bool
}

// itemCollectionItemsTable stores each collection's items as individually
// keyed rows ordered by ItemID, so a range scan over a collection's prefix
// yields its items in ascending ItemID order. LeastItem loads and caches
// the whole collection and returns its first item.
type itemCollectionItemsTable struct {
	committed map[collectionKey]itemsEntry
	dirty     map[collectionKey]itemsEntry
	preDirty  map[collectionKey]itemsEntry
}

func newItemCollectionItemsTable() *itemCollectionItemsTable {
	return &itemCollectionItemsTable{
		committed: make(map[collectionKey]itemsEntry),
		dirty:     make(map[collectionKey]itemsEntry),
		preDirty:  make(map[collectionKey]itemsEntry),
	}
}

func (t *itemCollectionItemsTable) loadFromStore(tx *txContext, ck collectionKey) ([]ItemEntry, error) {
	var items []ItemEntry
	prefix := keys.ItemCollectionItemPrefix(ck.namespace, ck.id)
	end := keys.PrefixUpperBound(prefix)
	err := tx.vtx.Range(tableItemCollectionItem, prefix, end, func(key, value []byte) (bool, error) {
		if len(key) != 21 {
			return true, nil
		}
		id := keys.ItemID(int64(binary.BigEndian.Uint64(key[13:21])))
		items = append(items, ItemEntry{ItemID: id, Value: append([]byte(nil), value...)})
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("itemcollectionitems: range: %w", err)
	}
	return items, nil
}

func (t *itemCollectionItemsTable) read(tx *txContext, ck collectionKey) ([]ItemEntry, error) {
	if e, ok := t.dirty[ck]; ok {
		return e.items, nil
	}
	if e, ok := t.committed[ck]; ok {
		return e.items, nil
	}
	items, err := t.loadFromStore(tx, ck)
	if err != nil {
		return nil, err
	}
	t.committed[ck] = itemsEntry{items: items, present: true}
	return items, nil
}

// Items returns the current items of one collection in ascending ItemID
// order.
func (t *itemCollectionItemsTable) Items(tx *txContext, namespace int32, collection int64) ([]ItemEntry, error) {
	return t.read(tx, collectionKey{namespace: namespace, id: collection})
}

// LeastItem returns the lowest-keyed item in the collection, if any.
func (t *itemCollectionItemsTable) LeastItem(tx *txContext, namespace int32, collection int64) (ItemEntry, bool, error) {
	items, err := t.read(tx, collectionKey{namespace: namespace, id: collection})
	if err != nil {
		return ItemEntry{}, false, err
	}
	if len(items) == 0 {
		return ItemEntry{}, false, nil
	}
	return items[0], true, nil
}

// ReplaceItems overwrites all items of one collection and emits a
// ReplaceItemsOp.
func (t *itemCollectionItemsTable) ReplaceItems(tx *txContext, log *OpLog, namespace int32, collection int64, items []ItemEntry) error {
	ck := collectionKey{namespace: namespace, id: collection}
	if _, staged := t.dirty[ck]; !staged {
		prev, err := t.read(tx, ck)
		if err != nil {
			return err
		}
		t.preDirty[ck] = itemsEntry{items: prev, present: true}
	}
	sorted := append([]ItemEntry(nil), items...)
	sortItemsByID(sorted)
	t.dirty[ck] = itemsEntry{items: sorted, present: true}
	log.ItemOps = append(log.ItemOps, ReplaceItemsOp{Namespace: namespace, CollectionID: collection})
	return nil
}

func sortItemsByID(items []ItemEntry) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j-1].ItemID > items[j].ItemID; j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
}

func (t *itemCollectionItemsTable) beforeCommit(tx *txContext, log *OpLog) error {
	for ck, e := range t.dirty {
		existing, err := t.loadFromStore(tx, ck)
		if err != nil {
			return err
		}
		for _, old := range existing {
			if err := tx.vtx.Remove(tableItemCollectionItem, keys.ItemCollectionItemKey(ck.namespace, ck.id, old.ItemID)); err != nil {
				return fmt.Errorf("itemcollectionitems: flush remove: %w", err)
			}
		}
		for _, item := range e.items {
			key := keys.ItemCollectionItemKey(ck.namespace, ck.id, item.ItemID)
			if err := tx.vtx.Set(tableItemCollectionItem, key, item.Value); err != nil {
				return fmt.Errorf("itemcollectionitems: flush set: %w", err)
			}
		}
	}
	return nil
}

func (t *itemCollectionItemsTable) clearMemoryCache(committed bool) {
	if committed {
		for ck, e := range t.dirty {
			t.committed[ck] = e
		}
	} else {
		for ck, e := range t.preDirty {
			t.committed[ck] = e
		}
	}
	t.dirty = make(map[collectionKey]itemsEntry)
	t.preDirty = make(map[collectionKey]itemsEntry)
}

var _ table = (*itemCollectionItemsTable)(nil)
