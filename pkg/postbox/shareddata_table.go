package postbox

import (
	"bytes"
	"fmt"
)

type sharedDataEntry struct {
	value   []byte
	present bool
}

// sharedDataTable stores caller-addressed blobs under arbitrary string
// keys, mirroring the table-base contract's base use case from the spec's
// shared-data walkthrough: a small cross-cutting store any module can read
// or write by key, with writes equality-gated like the record table.
type sharedDataTable struct {
	committed map[string]sharedDataEntry
	dirty     map[string]sharedDataEntry
	preDirty  map[string]sharedDataEntry
}

func newSharedDataTable() *sharedDataTable {
	return &sharedDataTable{
		committed: make(map[string]sharedDataEntry),
		dirty:     make(map[string]sharedDataEntry),
		preDirty:  make(map[string]sharedDataEntry),
	}
}

func (s *sharedDataTable) read(tx *txContext, key string) ([]byte, bool, error) {
	if e, ok := s.dirty[key]; ok {
		return e.value, e.present, nil
	}
	if e, ok := s.committed[key]; ok {
		return e.value, e.present, nil
	}
	v, ok, err := tx.vtx.Get(tableSharedData, []byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("shareddata: read: %w", err)
	}
	s.committed[key] = sharedDataEntry{value: v, present: ok}
	return v, ok, nil
}

// Get returns a snapshot of every requested key's current value. Keys
// absent from the map are absent from the store.
func (s *sharedDataTable) Get(tx *txContext, requested []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(requested))
	for _, k := range requested {
		v, ok, err := s.read(tx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// Set stores value under key, a no-op if it already holds that value.
func (s *sharedDataTable) Set(tx *txContext, log *OpLog, key string, value []byte) error {
	before, existed, err := s.read(tx, key)
	if err != nil {
		return err
	}
	if existed && bytes.Equal(before, value) {
		return nil
	}
	if _, staged := s.dirty[key]; !staged {
		s.preDirty[key] = sharedDataEntry{value: before, present: existed}
	}
	s.dirty[key] = sharedDataEntry{value: value, present: true}
	log.UpdatedSharedKeys[key] = struct{}{}
	return nil
}

// Remove deletes key, a no-op if it is already absent.
func (s *sharedDataTable) Remove(tx *txContext, log *OpLog, key string) error {
	prev, existed, err := s.read(tx, key)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	if _, staged := s.dirty[key]; !staged {
		s.preDirty[key] = sharedDataEntry{value: prev, present: true}
	}
	s.dirty[key] = sharedDataEntry{present: false}
	log.UpdatedSharedKeys[key] = struct{}{}
	return nil
}

func (s *sharedDataTable) beforeCommit(tx *txContext, log *OpLog) error {
	for key, e := range s.dirty {
		if e.present {
			if err := tx.vtx.Set(tableSharedData, []byte(key), e.value); err != nil {
				return fmt.Errorf("shareddata: flush set %q: %w", key, err)
			}
		} else {
			if err := tx.vtx.Remove(tableSharedData, []byte(key)); err != nil {
				return fmt.Errorf("shareddata: flush remove %q: %w", key, err)
			}
		}
	}
	return nil
}

func (s *sharedDataTable) clearMemoryCache(committed bool) {
	if committed {
		for k, e := range s.dirty {
			s.committed[k] = e
		}
	} else {
		for k, e := range s.preDirty {
			s.committed[k] = e
		}
	}
	s.dirty = make(map[string]sharedDataEntry)
	s.preDirty = make(map[string]sharedDataEntry)
}

var _ table = (*sharedDataTable)(nil)
