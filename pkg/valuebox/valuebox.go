// Package valuebox implements the external ValueBox contract (spec
// §6) over github.com/cockroachdb/pebble: begin/commit transactions,
// get/set/exists/remove keyed by table+key, and ordered range iteration.
//
// One physical pebble.DB backs every table; tables are namespaced by a
// one-byte table id prefixed ahead of the caller's key, so the pebble
// key space never collides across tables.
package valuebox

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"postbox/pkg/logger"
)

// TableID namespaces one logical table within the shared pebble store.
type TableID byte

// ErrNotFound is pebble's not-found error. Transaction.Get does not return
// it for an absent key; it reports absence as ok == false with a nil error.
var ErrNotFound = pebble.ErrNotFound

// ValueBox owns the physical store and hands out Transactions.
type ValueBox struct {
	db         *pebble.DB
	path       string
	syncWrites bool
}

// Open opens (creating if necessary) the pebble store at path.
func Open(path string, syncWrites bool) (*ValueBox, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("valuebox_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("valuebox: open %s: %w", path, err)
	}
	return &ValueBox{db: db, path: path, syncWrites: syncWrites}, nil
}

// Close flushes and closes the underlying store.
func (vb *ValueBox) Close() error {
	if vb.db == nil {
		return nil
	}
	err := vb.db.Close()
	vb.db = nil
	return err
}

func (vb *ValueBox) writeOpts() *pebble.WriteOptions {
	if vb.syncWrites {
		return pebble.Sync
	}
	return pebble.NoSync
}

// IsNotFound reports whether err denotes an absent key.
func IsNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}

func namespacedKey(table TableID, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(table)
	copy(out[1:], key)
	return out
}

// Transaction is a staging area for one Postbox transaction: every
// mutation lands in a pebble.Batch until Commit applies it atomically.
type Transaction struct {
	vb    *ValueBox
	batch *pebble.Batch
}

// Begin starts a new transaction backed by a fresh pebble batch.
func (vb *ValueBox) Begin() (*Transaction, error) {
	return &Transaction{vb: vb, batch: vb.db.NewIndexedBatch()}, nil
}

// Get reads a value, consulting the in-flight batch first (so a value
// written earlier in the same transaction is visible) and falling back
// to the committed store.
func (tx *Transaction) Get(table TableID, key []byte) ([]byte, bool, error) {
	k := namespacedKey(table, key)
	v, closer, err := tx.batch.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("valuebox: get: %w", err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Exists reports whether key is present.
func (tx *Transaction) Exists(table TableID, key []byte) (bool, error) {
	_, ok, err := tx.Get(table, key)
	return ok, err
}

// Set stages a write.
func (tx *Transaction) Set(table TableID, key, value []byte) error {
	if err := tx.batch.Set(namespacedKey(table, key), value, nil); err != nil {
		return fmt.Errorf("valuebox: set: %w", err)
	}
	return nil
}

// Remove stages a delete.
func (tx *Transaction) Remove(table TableID, key []byte) error {
	if err := tx.batch.Delete(namespacedKey(table, key), nil); err != nil {
		return fmt.Errorf("valuebox: remove: %w", err)
	}
	return nil
}

// RangeFunc is invoked for each (key, value) pair visited by Range, in
// ascending key order. Returning false stops iteration early.
type RangeFunc func(key, value []byte) (more bool, err error)

// Range iterates keys in [start, end) order within table. A nil end
// means "no upper bound" (scan to the end of the table).
func (tx *Transaction) Range(table TableID, start, end []byte, fn RangeFunc) error {
	lower := namespacedKey(table, start)
	var upper []byte
	if end != nil {
		upper = namespacedKey(table, end)
	} else {
		upper = namespacedKey(table+1, nil)
	}
	iter, err := tx.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("valuebox: range: %w", err)
	}
	defer iter.Close()
	for iter.SeekGE(lower); iter.Valid(); iter.Next() {
		k := iter.Key()[1:] // strip table-id byte
		kCopy := append([]byte(nil), k...)
		vCopy := append([]byte(nil), iter.Value()...)
		more, ferr := fn(kCopy, vCopy)
		if ferr != nil {
			return ferr
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

// Commit applies the batch to the store atomically.
func (tx *Transaction) Commit() error {
	defer tx.batch.Close()
	if err := tx.vb.db.Apply(tx.batch, tx.vb.writeOpts()); err != nil {
		return fmt.Errorf("valuebox: commit: %w", err)
	}
	return nil
}

// Discard abandons the transaction without applying any staged writes.
func (tx *Transaction) Discard() {
	_ = tx.batch.Close()
}
