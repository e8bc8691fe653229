package postbox

// sharedDataView tracks a fixed set of shared-data keys, emitting a fresh
// snapshot only when one of its own keys was among those updated by a
// committed transaction — the equality gate on SharedData.Set means a
// write that reproduces the current value never reaches here at all.
type sharedDataView struct {
	sharedData *sharedDataTable
	keys       []string
	current    map[string][]byte
}

func newSharedDataView(tx *txContext, sharedData *sharedDataTable, requestedKeys []string) (*sharedDataView, error) {
	v := &sharedDataView{sharedData: sharedData, keys: requestedKeys}
	snap, err := sharedData.Get(tx, requestedKeys)
	if err != nil {
		return nil, err
	}
	v.current = snap
	return v, nil
}

func (v *sharedDataView) replay(tx *txContext, log *OpLog) (bool, error) {
	affected := false
	for _, k := range v.keys {
		if _, ok := log.UpdatedSharedKeys[k]; ok {
			affected = true
			break
		}
	}
	if !affected {
		return false, nil
	}
	snap, err := v.sharedData.Get(tx, v.keys)
	if err != nil {
		return false, err
	}
	v.current = snap
	return true, nil
}

// Snapshot returns the view's current key/value map.
func (v *sharedDataView) Snapshot() map[string][]byte {
	out := make(map[string][]byte, len(v.current))
	for k, val := range v.current {
		out[k] = val
	}
	return out
}
