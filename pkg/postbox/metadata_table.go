package postbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"reflect"

	"postbox/pkg/keys"
)

// metadataEntry is one cached metadata row. present distinguishes a
// cached absence (we asked the store and got nothing) from a value.
type metadataEntry struct {
	value   []byte
	present bool
}

// PeerSummaryCounterTag discriminates one bucket of a chat list's unread
// summary (e.g. a particular filter or chat folder). The reference schema
// leaves the tag's domain unspecified; it round-trips as an opaque string.
type PeerSummaryCounterTag string

// PeerSummaryCounters is the message/chat tally for one tag.
type PeerSummaryCounters struct {
	Tag          PeerSummaryCounterTag `json:"k"`
	MessageCount int32                 `json:"m"`
	ChatCount    int32                 `json:"c"`
}

// ChatListTotalUnreadState is the chat list's unread summary, encoded as
// two tag-keyed counter lists rather than a Go map so the on-disk bytes
// are exact-reproducible regardless of map iteration order.
type ChatListTotalUnreadState struct {
	AbsoluteCounters []PeerSummaryCounters `json:"ad"`
	FilteredCounters []PeerSummaryCounters `json:"fd"`
}

// metadataTable is the Postbox metadata table: the eight small fixed
// categories of process-lifetime and account-lifetime bookkeeping that
// the rest of the engine reads far more often than it writes (spec §4.2).
//
// committed holds values known to match the ValueBox, lazily populated on
// first read and kept for the lifetime of the process since nothing but
// this table ever writes these keys. dirty holds writes staged by the
// in-flight transaction, along with whatever committed held before the
// write so an abort can roll back cleanly.
type metadataTable struct {
	committed map[string]metadataEntry
	dirty     map[string]metadataEntry
	preDirty  map[string]metadataEntry
}

func newMetadataTable() *metadataTable {
	return &metadataTable{
		committed: make(map[string]metadataEntry),
		dirty:     make(map[string]metadataEntry),
		preDirty:  make(map[string]metadataEntry),
	}
}

func (m *metadataTable) read(tx *txContext, key []byte) ([]byte, bool, error) {
	k := string(key)
	if e, ok := m.dirty[k]; ok {
		return e.value, e.present, nil
	}
	if e, ok := m.committed[k]; ok {
		return e.value, e.present, nil
	}
	v, ok, err := tx.vtx.Get(tableMetadata, key)
	if err != nil {
		return nil, false, fmt.Errorf("metadata: read: %w", err)
	}
	m.committed[k] = metadataEntry{value: v, present: ok}
	return v, ok, nil
}

// write stages value under key and appends a MetadataOp to log, unless the
// transaction has already staged a write to this same key (a second write
// to the same key within one transaction still only logs once, mirroring
// the record/shared-data equality gate's spirit of one notification per
// logically distinct change).
func (m *metadataTable) write(tx *txContext, log *OpLog, key, value []byte) error {
	k := string(key)
	if _, staged := m.dirty[k]; !staged {
		prev, ok, err := m.read(tx, key)
		if err != nil {
			return err
		}
		m.preDirty[k] = metadataEntry{value: prev, present: ok}
		prefix := lastByte(k)
		if len(k) == 13 { // [peerId(8), 2, namespace(4)]
			prefix = k[8]
		}
		log.MetadataOps = append(log.MetadataOps, MetadataOp{Prefix: prefix})
	}
	m.dirty[k] = metadataEntry{value: value, present: true}
	return nil
}

func (m *metadataTable) boolFlag(tx *txContext, key []byte) (bool, error) {
	_, ok, err := m.read(tx, key)
	return ok, err
}

func (m *metadataTable) setBoolFlag(tx *txContext, log *OpLog, key []byte) error {
	already, err := m.boolFlag(tx, key)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	return m.write(tx, log, key, []byte{})
}

func (m *metadataTable) IsChatListInitialized(tx *txContext) (bool, error) {
	return m.boolFlag(tx, keys.ChatListInitializedKey())
}

func (m *metadataTable) SetChatListInitialized(tx *txContext, log *OpLog) error {
	return m.setBoolFlag(tx, log, keys.ChatListInitializedKey())
}

func (m *metadataTable) IsPeerHistoryInitialized(tx *txContext, peer keys.PeerID) (bool, error) {
	return m.boolFlag(tx, keys.PeerHistoryInitializedKey(peer))
}

func (m *metadataTable) SetPeerHistoryInitialized(tx *txContext, log *OpLog, peer keys.PeerID) error {
	return m.setBoolFlag(tx, log, keys.PeerHistoryInitializedKey(peer))
}

func (m *metadataTable) IsChatListGroupInitialized(tx *txContext, groupID int32) (bool, error) {
	return m.boolFlag(tx, keys.ChatListGroupInitializedKey(groupID))
}

func (m *metadataTable) SetChatListGroupInitialized(tx *txContext, log *OpLog, groupID int32) error {
	return m.setBoolFlag(tx, log, keys.ChatListGroupInitializedKey(groupID))
}

func (m *metadataTable) IsGroupFeedIndexInitialized(tx *txContext, groupID int32) (bool, error) {
	return m.boolFlag(tx, keys.GroupFeedIndexInitializedKey(groupID))
}

func (m *metadataTable) SetGroupFeedIndexInitialized(tx *txContext, log *OpLog, groupID int32) error {
	return m.setBoolFlag(tx, log, keys.GroupFeedIndexInitializedKey(groupID))
}

// counter reads the u32 stored at key, defaulting to 1 when absent — every
// counter in the reference schema starts at 1, not 0.
func (m *metadataTable) counter(tx *txContext, key []byte) (uint32, error) {
	v, ok, err := m.read(tx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("metadata: counter at %x has unexpected length %d", key, len(v))
	}
	return binary.BigEndian.Uint32(v), nil
}

func (m *metadataTable) setCounter(tx *txContext, log *OpLog, key []byte, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return m.write(tx, log, key, buf)
}

// AllocatePeerNextMessageID returns the next message id for (peer,
// namespace) and advances the counter past it.
func (m *metadataTable) AllocatePeerNextMessageID(tx *txContext, log *OpLog, peer keys.PeerID, namespace int32) (int32, error) {
	key := keys.PeerNextMessageIDKey(peer, namespace)
	cur, err := m.counter(tx, key)
	if err != nil {
		return 0, err
	}
	if err := m.setCounter(tx, log, key, cur+1); err != nil {
		return 0, err
	}
	return int32(cur), nil
}

// AllocateNextStableMessageID returns the next globally stable message id.
func (m *metadataTable) AllocateNextStableMessageID(tx *txContext, log *OpLog) (int32, error) {
	key := keys.NextStableMessageIDKey()
	cur, err := m.counter(tx, key)
	if err != nil {
		return 0, err
	}
	if err := m.setCounter(tx, log, key, cur+1); err != nil {
		return 0, err
	}
	return int32(cur), nil
}

// AllocateNextPeerOperationLogIndex returns the next per-peer operation
// log sequence number.
func (m *metadataTable) AllocateNextPeerOperationLogIndex(tx *txContext, log *OpLog) (int32, error) {
	key := keys.NextPeerOperationLogIndexKey()
	cur, err := m.counter(tx, key)
	if err != nil {
		return 0, err
	}
	if err := m.setCounter(tx, log, key, cur+1); err != nil {
		return 0, err
	}
	return int32(cur), nil
}

func (m *metadataTable) ChatListTotalUnreadState(tx *txContext) (ChatListTotalUnreadState, error) {
	var st ChatListTotalUnreadState
	v, ok, err := m.read(tx, keys.ChatListTotalUnreadStateKey())
	if err != nil || !ok {
		return st, err
	}
	if err := json.Unmarshal(v, &st); err != nil {
		return st, fmt.Errorf("metadata: decode unread state: %w", err)
	}
	return st, nil
}

// SetChatListTotalUnreadState replaces the unread summary, a no-op if it
// already deep-equals st.
func (m *metadataTable) SetChatListTotalUnreadState(tx *txContext, log *OpLog, st ChatListTotalUnreadState) error {
	current, err := m.ChatListTotalUnreadState(tx)
	if err != nil {
		return err
	}
	if reflect.DeepEqual(current, st) {
		return nil
	}
	v, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("metadata: encode unread state: %w", err)
	}
	return m.write(tx, log, keys.ChatListTotalUnreadStateKey(), v)
}

func (m *metadataTable) beforeCommit(tx *txContext, log *OpLog) error {
	for k, e := range m.dirty {
		if err := tx.vtx.Set(tableMetadata, []byte(k), e.value); err != nil {
			return fmt.Errorf("metadata: flush %x: %w", k, err)
		}
	}
	return nil
}

func (m *metadataTable) clearMemoryCache(committed bool) {
	if committed {
		for k, e := range m.dirty {
			m.committed[k] = e
		}
	} else {
		for k, e := range m.preDirty {
			m.committed[k] = e
		}
	}
	m.dirty = make(map[string]metadataEntry)
	m.preDirty = make(map[string]metadataEntry)
}

func lastByte(k string) byte {
	if len(k) == 0 {
		return 0
	}
	return k[len(k)-1]
}

var _ table = (*metadataTable)(nil)
