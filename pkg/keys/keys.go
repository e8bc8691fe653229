// Package keys encodes the fixed-width, big-endian byte keys every
// Postbox table reads and writes. Identifiers are totally ordered
// lexicographically by their byte encoding, which is the index order of
// the underlying ValueBox, so every encoder here packs fields
// big-endian and left-to-right from most to least significant.
package keys

import (
	"encoding/binary"
)

// PeerID is a 64-bit peer identifier.
type PeerID int64

// MessageID identifies a message within a peer's namespace.
type MessageID struct {
	PeerID    PeerID
	Namespace int32
	ID        int32
}

// ItemCollectionID identifies one collection of items within a namespace.
type ItemCollectionID struct {
	Namespace int32
	ID        int64
}

// ItemID identifies one item within an ItemCollection, ordered the same
// way the collection's native key order sorts it.
type ItemID int64

// AccountRecordID identifies one account record.
type AccountRecordID int64

// Metadata table category prefixes, bit-exact per the reference schema.
const (
	MetaChatListInitialized      byte = 0
	MetaPeerHistoryInitialized   byte = 1
	MetaPeerNextMessageID        byte = 2
	MetaNextStableMessageID      byte = 3
	MetaChatListTotalUnreadState byte = 4
	MetaNextPeerOperationLogIdx  byte = 5
	MetaChatListGroupInit        byte = 6
	MetaGroupFeedIndexInit       byte = 7
)

func putBE64(dst []byte, v int64) { binary.BigEndian.PutUint64(dst, uint64(v)) }
func putBE32(dst []byte, v int32) { binary.BigEndian.PutUint32(dst, uint32(v)) }

// ChatListInitializedKey: [0]
func ChatListInitializedKey() []byte {
	return []byte{MetaChatListInitialized}
}

// PeerHistoryInitializedKey: [peerId(8), 1]
func PeerHistoryInitializedKey(peer PeerID) []byte {
	k := make([]byte, 9)
	putBE64(k[:8], int64(peer))
	k[8] = MetaPeerHistoryInitialized
	return k
}

// PeerNextMessageIDKey: [peerId(8), 2, namespace(4)]
func PeerNextMessageIDKey(peer PeerID, namespace int32) []byte {
	k := make([]byte, 13)
	putBE64(k[:8], int64(peer))
	k[8] = MetaPeerNextMessageID
	putBE32(k[9:13], namespace)
	return k
}

// NextStableMessageIDKey: [3]
func NextStableMessageIDKey() []byte {
	return []byte{MetaNextStableMessageID}
}

// ChatListTotalUnreadStateKey: [4]
func ChatListTotalUnreadStateKey() []byte {
	return []byte{MetaChatListTotalUnreadState}
}

// NextPeerOperationLogIndexKey: [5]
func NextPeerOperationLogIndexKey() []byte {
	return []byte{MetaNextPeerOperationLogIdx}
}

// ChatListGroupInitializedKey: [groupId(4), 6]
func ChatListGroupInitializedKey(groupID int32) []byte {
	k := make([]byte, 5)
	putBE32(k[:4], groupID)
	k[4] = MetaChatListGroupInit
	return k
}

// GroupFeedIndexInitializedKey: [groupId(4), 7]
func GroupFeedIndexInitializedKey(groupID int32) []byte {
	k := make([]byte, 5)
	putBE32(k[:4], groupID)
	k[4] = MetaGroupFeedIndexInit
	return k
}

// Category prefixes for the account-manager record table and the
// item-collection tables. A separate set from the metadata prefixes above
// that reuses some of the same byte values; each lives in its own physical
// table namespace (see pkg/valuebox), so the values never collide.
const (
	recordPrefix           byte = 0x01
	itemCollectionInfoPfx  byte = 0x01
	itemCollectionItemPfx  byte = 0x02
)

// AccountRecordKey: [1, id(8)]
func AccountRecordKey(id AccountRecordID) []byte {
	k := make([]byte, 9)
	k[0] = recordPrefix
	putBE64(k[1:], int64(id))
	return k
}

// ItemCollectionInfosKey: [1, namespace(4)] — one row per namespace
// holding the whole ordered infos list for that namespace.
func ItemCollectionInfosKey(namespace int32) []byte {
	k := make([]byte, 5)
	k[0] = itemCollectionInfoPfx
	putBE32(k[1:], namespace)
	return k
}

// ItemCollectionItemKey: [2, namespace(4), collectionId(8), itemId(8)]
func ItemCollectionItemKey(namespace int32, collection int64, item ItemID) []byte {
	k := make([]byte, 21)
	k[0] = itemCollectionItemPfx
	putBE32(k[1:5], namespace)
	putBE64(k[5:13], collection)
	putBE64(k[13:21], int64(item))
	return k
}

// ItemCollectionItemPrefix: [2, namespace(4), collectionId(8)] — the
// prefix shared by every item row in one collection; range-scanning from
// this prefix yields items in ascending ItemID order.
func ItemCollectionItemPrefix(namespace int32, collection int64) []byte {
	k := make([]byte, 13)
	k[0] = itemCollectionItemPfx
	putBE32(k[1:5], namespace)
	putBE64(k[5:13], collection)
	return k
}

// PrefixUpperBound returns the exclusive upper bound of the key range
// sharing prefix p, for use as a Range "end" argument.
func PrefixUpperBound(p []byte) []byte {
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	// all 0xff: no finite upper bound within this length; the caller's
	// range scan should treat a nil end as "no upper bound".
	return nil
}
