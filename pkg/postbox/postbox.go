// Package postbox is an embedded, transactional key/value store that
// underpins a messaging client: atomic multi-table updates with
// in-memory write buffering, and live reactive views that recompute
// incrementally as committed transactions land.
package postbox

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"postbox/pkg/config"
	"postbox/pkg/keys"
	"postbox/pkg/logger"
	"postbox/pkg/metrics"
	"postbox/pkg/telemetry"
	"postbox/pkg/valuebox"
)

// Postbox is the top-level embedded store: tables, a single worker, and
// view registries, opened once per process against one on-disk path.
type Postbox struct {
	driver             *driver
	vb                 *valuebox.ValueBox
	metrics            *metrics.Set
	tel                *telemetry.Telemetry
	temporarySessionID int64
}

// Open opens (creating if necessary) the store described by opts and
// generates a fresh temporarySessionId for this process. opts is
// validated (and defaulted) as if by config.Validate before use.
func Open(opts config.Options) (*Postbox, error) {
	if err := config.Validate(&opts); err != nil {
		return nil, err
	}
	if err := config.EnsureDirs(opts); err != nil {
		return nil, fmt.Errorf("postbox: ensure dirs: %w", err)
	}
	vb, err := valuebox.Open(config.StorePath(opts), opts.SyncWrites)
	if err != nil {
		return nil, err
	}
	var ms *metrics.Set
	if opts.MetricsEnabled {
		ms = metrics.NewSet()
	}
	var tel *telemetry.Telemetry
	if opts.TelemetryEnabled {
		tel, err = telemetry.New(config.TelemetryPath(opts), 4096, 1024, 5*time.Second, 10*1024*1024)
		if err != nil {
			vb.Close()
			return nil, fmt.Errorf("postbox: init telemetry: %w", err)
		}
	}
	sessionID, err := randomSessionID()
	if err != nil {
		vb.Close()
		if tel != nil {
			tel.Close()
		}
		return nil, fmt.Errorf("postbox: generate temporarySessionId: %w", err)
	}
	logger.Info("postbox_open", "path", opts.Path, "temporary_session_id", sessionID)
	return &Postbox{
		driver:             newDriver(vb, ms, opts.WorkerQueueCapacity, opts.MaxTransactionsPerSecond, tel),
		vb:                 vb,
		metrics:            ms,
		tel:                tel,
		temporarySessionID: sessionID,
	}, nil
}

// OpenPath is a convenience wrapper for tests and simple callers that do
// not need a full config.Options: it opens a store directly at path with
// default worker sizing.
func OpenPath(path string, syncWrites bool) (*Postbox, error) {
	return Open(config.Options{Path: path, SyncWrites: syncWrites})
}

func randomSessionID() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// Close drains any work already queued on the worker, then stops it and
// closes the underlying store. Safe to call once; a Postbox is not
// reusable after Close.
func (p *Postbox) Close() error {
	p.driver.close()
	if p.tel != nil {
		p.tel.Close()
	}
	return p.vb.Close()
}

// Metrics returns the Prometheus collector set this Postbox updates.
func (p *Postbox) Metrics() *metrics.Set {
	return p.metrics
}

// TemporarySessionID returns the random 64-bit value generated at open
// time. Records tagged with it are ephemeral and eligible for reclamation
// on next open (see pkg/maintenance).
func (p *Postbox) TemporarySessionID() int64 {
	return p.temporarySessionID
}

// Subscription pairs a live stream with a handle to dispose it. Disposal
// removes the view from the registry on the worker, not synchronously:
// the caller must not assume the view is gone the instant Dispose returns.
type Subscription[T any] struct {
	Stream *Stream[T]
	p      *Postbox
	handle BagHandle
}

// Dispose unregisters the view and closes the stream. Safe to call more
// than once. Both happen on the worker so a concurrent notify() cannot
// race the stream's channel close.
func (s *Subscription[T]) Dispose() {
	ctx := context.Background()
	s.p.driver.submit(ctx, func(d *driver) {
		d.registry.remove(s.handle)
		s.Stream.Dispose()
	})
}

// AccountRecords subscribes to the live listing of every account record.
// The returned stream emits an initial snapshot synchronously before
// returning, then a fresh snapshot whenever a transaction's record or
// metadata operations change it.
func (p *Postbox) AccountRecords(ctx context.Context) (*Subscription[[]AccountRecord], error) {
	stream := newStream[[]AccountRecord](1)
	var handle BagHandle
	_, err := Transaction(ctx, p, func(m *Modifier) (struct{}, error) {
		view, err := newAccountRecordsView(m.tx, m.records)
		if err != nil {
			return struct{}{}, err
		}
		handle = p.driver.registry.add(&accountRecordsSubscription{view: view, stream: stream})
		stream.emit(view.Snapshot())
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return &Subscription[[]AccountRecord]{Stream: stream, p: p, handle: handle}, nil
}

// SharedData subscribes to a fixed set of shared-data keys.
func (p *Postbox) SharedData(ctx context.Context, wantKeys []string) (*Subscription[map[string][]byte], error) {
	stream := newStream[map[string][]byte](1)
	var handle BagHandle
	_, err := Transaction(ctx, p, func(m *Modifier) (struct{}, error) {
		view, err := newSharedDataView(m.tx, m.sharedData, wantKeys)
		if err != nil {
			return struct{}{}, err
		}
		handle = p.driver.registry.add(&sharedDataSubscription{view: view, stream: stream})
		stream.emit(view.Snapshot())
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return &Subscription[map[string][]byte]{Stream: stream, p: p, handle: handle}, nil
}

// ItemCollectionInfos subscribes to the ItemCollectionInfosView for the
// given namespaces.
func (p *Postbox) ItemCollectionInfos(ctx context.Context, namespaces []int32) (*Subscription[ItemCollectionInfosSnapshot], error) {
	stream := newStream[ItemCollectionInfosSnapshot](1)
	var handle BagHandle
	_, err := Transaction(ctx, p, func(m *Modifier) (struct{}, error) {
		view, err := newItemCollectionInfosView(m.tx, namespaces, m.infos, m.items)
		if err != nil {
			return struct{}{}, err
		}
		handle = p.driver.registry.add(&itemCollectionInfosSubscription{view: view, stream: stream})
		stream.emit(view.Snapshot())
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return &Subscription[ItemCollectionInfosSnapshot]{Stream: stream, p: p, handle: handle}, nil
}

// CurrentAccountID returns the account record id the current session is
// using, allocating a temporary one if none exists yet and allocateIfNotExists
// is true. Account selection is a single distinguished shared-data key.
const currentAccountIDKey = "postbox.currentAccountId"

type currentAccount struct {
	id    keys.AccountRecordID
	found bool
}

func (p *Postbox) CurrentAccountID(ctx context.Context, allocateIfNotExists bool) (keys.AccountRecordID, bool, error) {
	result, err := Transaction(ctx, p, func(m *Modifier) (currentAccount, error) {
		existing, err := m.GetSharedData([]string{currentAccountIDKey})
		if err != nil {
			return currentAccount{}, err
		}
		if v, ok := existing[currentAccountIDKey]; ok && len(v) == 8 {
			return currentAccount{id: keys.AccountRecordID(int64(binary.BigEndian.Uint64(v))), found: true}, nil
		}
		if !allocateIfNotExists {
			return currentAccount{}, nil
		}
		id, err := allocateTemporaryAccount(m, p.temporarySessionID)
		if err != nil {
			return currentAccount{}, err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(id))
		if err := m.SetSharedData(currentAccountIDKey, buf); err != nil {
			return currentAccount{}, err
		}
		return currentAccount{id: id, found: true}, nil
	})
	return result.id, result.found, err
}

// AllocatedTemporaryAccountId creates a fresh account record tagged with
// this process's temporarySessionId.
func (p *Postbox) AllocatedTemporaryAccountId(ctx context.Context) (keys.AccountRecordID, error) {
	return Transaction(ctx, p, func(m *Modifier) (keys.AccountRecordID, error) {
		return allocateTemporaryAccount(m, p.temporarySessionID)
	})
}

const nextAccountRecordIDKey = "postbox.nextAccountRecordId"

// allocateTemporaryAccount creates a new account record whose value is
// the 8-byte big-endian encoding of sessionID, the marker upper layers
// and the maintenance scheduler use to recognize ephemeral records
// eligible for reclamation on a later open.
func allocateTemporaryAccount(m *Modifier, sessionID int64) (keys.AccountRecordID, error) {
	id, err := nextAccountRecordID(m)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(sessionID))
	if err := m.SetRecord(int64(id), buf); err != nil {
		return 0, err
	}
	return id, nil
}

func nextAccountRecordID(m *Modifier) (keys.AccountRecordID, error) {
	cur, err := m.GetSharedData([]string{nextAccountRecordIDKey})
	if err != nil {
		return 0, err
	}
	var next uint64 = 1
	if v, ok := cur[nextAccountRecordIDKey]; ok && len(v) == 8 {
		next = binary.BigEndian.Uint64(v)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next+1)
	if err := m.SetSharedData(nextAccountRecordIDKey, buf); err != nil {
		return 0, err
	}
	return keys.AccountRecordID(next), nil
}

// IsTemporaryAccountRecord reports whether value is a temporary-account
// marker written by allocateTemporaryAccount, and if so, which session
// allocated it.
func IsTemporaryAccountRecord(value []byte) (int64, bool) {
	if len(value) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(value)), true
}
