package postbox

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"postbox/pkg/keys"
)

type recordEntry struct {
	value   []byte
	present bool
}

// recordTable stores one blob per AccountRecordID. Writes are
// equality-gated: setting a record to the value it already holds is a
// no-op that emits neither a ValueBox write nor a RecordOp, so views that
// replay the operation log never see a spurious no-op update.
type recordTable struct {
	committed map[keys.AccountRecordID]recordEntry
	dirty     map[keys.AccountRecordID]recordEntry
	preDirty  map[keys.AccountRecordID]recordEntry
}

func newRecordTable() *recordTable {
	return &recordTable{
		committed: make(map[keys.AccountRecordID]recordEntry),
		dirty:     make(map[keys.AccountRecordID]recordEntry),
		preDirty:  make(map[keys.AccountRecordID]recordEntry),
	}
}

func (r *recordTable) read(tx *txContext, id keys.AccountRecordID) ([]byte, bool, error) {
	if e, ok := r.dirty[id]; ok {
		return e.value, e.present, nil
	}
	if e, ok := r.committed[id]; ok {
		return e.value, e.present, nil
	}
	v, ok, err := tx.vtx.Get(tableAccountRecords, keys.AccountRecordKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("records: read: %w", err)
	}
	r.committed[id] = recordEntry{value: v, present: ok}
	return v, ok, nil
}

// Get returns the current value of an account record.
func (r *recordTable) Get(tx *txContext, id keys.AccountRecordID) ([]byte, bool, error) {
	return r.read(tx, id)
}

// Set stores value for id, emitting a RecordOp unless value equals what
// is already stored.
func (r *recordTable) Set(tx *txContext, log *OpLog, id keys.AccountRecordID, value []byte) error {
	before, existed, err := r.read(tx, id)
	if err != nil {
		return err
	}
	if existed && bytes.Equal(before, value) {
		return nil
	}
	if _, staged := r.dirty[id]; !staged {
		r.preDirty[id] = recordEntry{value: before, present: existed}
	}
	r.dirty[id] = recordEntry{value: value, present: true}
	var beforeCopy []byte
	if existed {
		beforeCopy = before
	}
	log.RecordOps = append(log.RecordOps, RecordOp{ID: id, Before: beforeCopy, After: value})
	return nil
}

// Delete removes the record for id, emitting a RecordOp if it existed.
func (r *recordTable) Delete(tx *txContext, log *OpLog, id keys.AccountRecordID) error {
	before, existed, err := r.read(tx, id)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	if _, staged := r.dirty[id]; !staged {
		r.preDirty[id] = recordEntry{value: before, present: true}
	}
	r.dirty[id] = recordEntry{present: false}
	log.RecordOps = append(log.RecordOps, RecordOp{ID: id, Before: before, After: nil})
	return nil
}

// AccountRecord pairs an id with its stored value, returned by List in
// ascending id order.
type AccountRecord struct {
	ID    keys.AccountRecordID
	Value []byte
}

// List scans every account record in key order, honoring whatever this
// transaction has staged but not yet flushed.
func (r *recordTable) List(tx *txContext) ([]AccountRecord, error) {
	var out []AccountRecord
	prefix := []byte{0x01}
	err := tx.vtx.Range(tableAccountRecords, prefix, nil, func(key, value []byte) (bool, error) {
		if len(key) != 9 {
			return true, nil
		}
		id := keys.AccountRecordID(int64(binary.BigEndian.Uint64(key[1:])))
		if _, staged := r.dirty[id]; !staged {
			out = append(out, AccountRecord{ID: id, Value: append([]byte(nil), value...)})
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("records: list: %w", err)
	}
	ids := make([]keys.AccountRecordID, 0, len(r.dirty))
	for id, e := range r.dirty {
		if e.present {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, AccountRecord{ID: id, Value: r.dirty[id].value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *recordTable) beforeCommit(tx *txContext, log *OpLog) error {
	for id, e := range r.dirty {
		key := keys.AccountRecordKey(id)
		if e.present {
			if err := tx.vtx.Set(tableAccountRecords, key, e.value); err != nil {
				return fmt.Errorf("records: flush set %d: %w", id, err)
			}
		} else {
			if err := tx.vtx.Remove(tableAccountRecords, key); err != nil {
				return fmt.Errorf("records: flush remove %d: %w", id, err)
			}
		}
	}
	return nil
}

func (r *recordTable) clearMemoryCache(committed bool) {
	if committed {
		for id, e := range r.dirty {
			r.committed[id] = e
		}
	} else {
		for id, e := range r.preDirty {
			r.committed[id] = e
		}
	}
	r.dirty = make(map[keys.AccountRecordID]recordEntry)
	r.preDirty = make(map[keys.AccountRecordID]recordEntry)
}

var _ table = (*recordTable)(nil)
