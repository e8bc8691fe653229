package postbox

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"postbox/pkg/keys"
	"postbox/pkg/logger"
	"postbox/pkg/metrics"
	"postbox/pkg/telemetry"
	"postbox/pkg/valuebox"
)

// Modifier is the handle a transaction body receives: every legal
// mutation and read the caller may perform is exposed as a method here,
// so a modifier function can only touch the store through this surface.
type Modifier struct {
	tx         *txContext
	log        *OpLog
	metadata   *metadataTable
	records    *recordTable
	sharedData *sharedDataTable
	infos      *itemCollectionInfosTable
	items      *itemCollectionItemsTable
}

func (m *Modifier) IsChatListInitialized() (bool, error) { return m.metadata.IsChatListInitialized(m.tx) }
func (m *Modifier) SetChatListInitialized() error {
	return m.metadata.SetChatListInitialized(m.tx, m.log)
}

func (m *Modifier) IsPeerHistoryInitialized(peer int64) (bool, error) {
	return m.metadata.IsPeerHistoryInitialized(m.tx, keys.PeerID(peer))
}
func (m *Modifier) SetPeerHistoryInitialized(peer int64) error {
	return m.metadata.SetPeerHistoryInitialized(m.tx, m.log, keys.PeerID(peer))
}

func (m *Modifier) IsChatListGroupInitialized(groupID int32) (bool, error) {
	return m.metadata.IsChatListGroupInitialized(m.tx, groupID)
}
func (m *Modifier) SetChatListGroupInitialized(groupID int32) error {
	return m.metadata.SetChatListGroupInitialized(m.tx, m.log, groupID)
}

func (m *Modifier) IsGroupFeedIndexInitialized(groupID int32) (bool, error) {
	return m.metadata.IsGroupFeedIndexInitialized(m.tx, groupID)
}
func (m *Modifier) SetGroupFeedIndexInitialized(groupID int32) error {
	return m.metadata.SetGroupFeedIndexInitialized(m.tx, m.log, groupID)
}

func (m *Modifier) AllocatePeerNextMessageID(peer int64, namespace int32) (int32, error) {
	return m.metadata.AllocatePeerNextMessageID(m.tx, m.log, keys.PeerID(peer), namespace)
}
func (m *Modifier) AllocateNextStableMessageID() (int32, error) {
	return m.metadata.AllocateNextStableMessageID(m.tx, m.log)
}
func (m *Modifier) AllocateNextPeerOperationLogIndex() (int32, error) {
	return m.metadata.AllocateNextPeerOperationLogIndex(m.tx, m.log)
}

func (m *Modifier) ChatListTotalUnreadState() (ChatListTotalUnreadState, error) {
	return m.metadata.ChatListTotalUnreadState(m.tx)
}
func (m *Modifier) SetChatListTotalUnreadState(st ChatListTotalUnreadState) error {
	return m.metadata.SetChatListTotalUnreadState(m.tx, m.log, st)
}

func (m *Modifier) GetRecord(id int64) ([]byte, bool, error) {
	return m.records.Get(m.tx, keys.AccountRecordID(id))
}
func (m *Modifier) SetRecord(id int64, value []byte) error {
	return m.records.Set(m.tx, m.log, keys.AccountRecordID(id), value)
}
func (m *Modifier) DeleteRecord(id int64) error {
	return m.records.Delete(m.tx, m.log, keys.AccountRecordID(id))
}
func (m *Modifier) ListRecords() ([]AccountRecord, error) {
	return m.records.List(m.tx)
}

func (m *Modifier) GetSharedData(wantKeys []string) (map[string][]byte, error) {
	return m.sharedData.Get(m.tx, wantKeys)
}
func (m *Modifier) SetSharedData(key string, value []byte) error {
	return m.sharedData.Set(m.tx, m.log, key, value)
}
func (m *Modifier) RemoveSharedData(key string) error {
	return m.sharedData.Remove(m.tx, m.log, key)
}

func (m *Modifier) Infos(namespace int32) ([]ItemCollectionInfoEntry, error) {
	return m.infos.Infos(m.tx, namespace)
}
func (m *Modifier) ReplaceInfos(namespace int32, infos []ItemCollectionInfoEntry) error {
	return m.infos.ReplaceInfos(m.tx, m.log, namespace, infos)
}
func (m *Modifier) Items(namespace int32, collection int64) ([]ItemEntry, error) {
	return m.items.Items(m.tx, namespace, collection)
}
func (m *Modifier) ReplaceItems(namespace int32, collection int64, items []ItemEntry) error {
	return m.items.ReplaceItems(m.tx, m.log, namespace, collection, items)
}

// ModifierFunc is a caller-supplied transaction body. It must be pure
// computation over m; it never suspends and never retains m past return.
type ModifierFunc[T any] func(m *Modifier) (T, error)

type job struct {
	run  func(d *driver)
}

// driver owns the single serialized worker that every transaction,
// subscription, and disposal runs on.
type driver struct {
	vb       *valuebox.ValueBox
	metadata *metadataTable
	records  *recordTable
	shared   *sharedDataTable
	infos    *itemCollectionInfosTable
	items    *itemCollectionItemsTable
	registry *subscriptionRegistry
	metrics  *metrics.Set
	limiter  *rate.Limiter
	tel      *telemetry.Telemetry

	jobs chan job
	done chan struct{}
}

// newDriver wires up a worker over vb. maxTxPerSecond throttles how fast
// submit lets callers enqueue work onto the worker; zero or negative
// disables the limiter entirely. tel is optional; a nil tel disables
// per-transaction tracing.
func newDriver(vb *valuebox.ValueBox, ms *metrics.Set, queueCapacity int, maxTxPerSecond float64, tel *telemetry.Telemetry) *driver {
	if queueCapacity <= 0 {
		panic("postbox: worker queue capacity must be positive")
	}
	d := &driver{
		vb:       vb,
		metadata: newMetadataTable(),
		records:  newRecordTable(),
		shared:   newSharedDataTable(),
		infos:    newItemCollectionInfosTable(),
		items:    newItemCollectionItemsTable(),
		registry: newSubscriptionRegistry(),
		metrics:  ms,
		tel:      tel,
		jobs:     make(chan job, queueCapacity),
		done:     make(chan struct{}),
	}
	if maxTxPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(maxTxPerSecond), int(maxTxPerSecond)+1)
	}
	go d.run()
	return d
}

func (d *driver) run() {
	for {
		select {
		case j := <-d.jobs:
			j.run(d)
		case <-d.done:
			return
		}
	}
}

// close drains every job already queued on the worker before stopping it:
// it enqueues a marker job behind whatever is currently buffered and waits
// for the worker to reach it, so a Close racing a burst of submits does not
// discard pending transactions or subscription disposals.
func (d *driver) close() {
	drained := make(chan struct{})
	d.jobs <- job{run: func(d *driver) { close(drained) }}
	<-drained
	close(d.done)
}

// tables returns every table in registration order, the order beforeCommit
// flushes them in.
func (d *driver) tables() []table {
	return []table{d.metadata, d.records, d.shared, d.infos, d.items}
}

// tableNames parallels tables(), giving each a label for TableFlushSeconds.
func (d *driver) tableNames() []string {
	return []string{"metadata", "records", "shared_data", "item_collection_infos", "item_collection_items"}
}

// submit enqueues run to execute on the worker. It returns once the job is
// queued, not once it has run; a caller that needs the outcome waits on
// its own channel, as Transaction does. If ctx ends first, the job is
// dropped without running. When a limiter is configured, submit waits for
// a token before enqueuing so a burst of callers cannot flood the worker
// faster than configured.
func (d *driver) submit(ctx context.Context, run func(d *driver)) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
	}
	select {
	case d.jobs <- job{run: run}:
	case <-ctx.Done():
	}
}

// Transaction runs fn on the worker inside one begin/beforeCommit/commit
// pipeline and returns its result.
func Transaction[T any](ctx context.Context, p *Postbox, fn ModifierFunc[T]) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	resultCh := make(chan outcome, 1)
	p.driver.submit(ctx, func(d *driver) {
		v, err := runTransaction(d, fn)
		resultCh <- outcome{value: v, err: err}
	})
	select {
	case r := <-resultCh:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func runTransaction[T any](d *driver, fn ModifierFunc[T]) (v T, err error) {
	var trace *telemetry.Trace
	if d.tel != nil {
		trace = d.tel.Track("transaction")
		defer trace.Finish()
	}

	vtx, err := d.vb.Begin()
	if err != nil {
		return v, fmt.Errorf("postbox: begin: %w", err)
	}
	if trace != nil {
		trace.Mark("begin")
	}

	tctx := &txContext{vtx: vtx}
	log := newOpLog()
	mod := &Modifier{tx: tctx, log: log, metadata: d.metadata, records: d.records, sharedData: d.shared, infos: d.infos, items: d.items}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("postbox_transaction_panicked", "panic", r)
			vtx.Discard()
			d.invalidateAllCaches(false)
			if d.metrics != nil {
				d.metrics.TransactionsAborted.Inc()
			}
			err = fmt.Errorf("postbox: transaction panicked: %v", r)
			var zero T
			v = zero
		}
	}()

	v, err = fn(mod)
	if trace != nil {
		trace.Mark("modifier")
	}
	if err != nil {
		vtx.Discard()
		d.invalidateAllCaches(false)
		if d.metrics != nil {
			d.metrics.TransactionsAborted.Inc()
		}
		var zero T
		return zero, err
	}

	if err := d.registry.notifyAll(tctx, log, d.metrics); err != nil {
		vtx.Discard()
		d.invalidateAllCaches(false)
		if d.metrics != nil {
			d.metrics.TransactionsAborted.Inc()
		}
		var zero T
		return zero, fmt.Errorf("postbox: view notification: %w", err)
	}
	if trace != nil {
		trace.Mark("notify_views")
	}
	log.clear()

	names := d.tableNames()
	for i, t := range d.tables() {
		flushStart := time.Now()
		err := t.beforeCommit(tctx, log)
		if d.metrics != nil {
			d.metrics.TableFlushSeconds.WithLabelValues(names[i]).Observe(time.Since(flushStart).Seconds())
		}
		if err != nil {
			vtx.Discard()
			d.invalidateAllCaches(false)
			if d.metrics != nil {
				d.metrics.TransactionsAborted.Inc()
			}
			var zero T
			return zero, fmt.Errorf("postbox: beforeCommit: %w", err)
		}
	}

	if trace != nil {
		trace.Mark("before_commit")
	}

	if err := vtx.Commit(); err != nil {
		d.invalidateAllCaches(false)
		logger.Error("postbox_commit_failed", "error", err)
		if d.metrics != nil {
			d.metrics.TransactionsAborted.Inc()
		}
		var zero T
		return zero, fmt.Errorf("postbox: commit: %w", err)
	}
	if trace != nil {
		trace.Mark("commit")
	}

	d.invalidateAllCaches(true)
	if d.metrics != nil {
		d.metrics.TransactionsCommitted.Inc()
	}
	return v, nil
}

func (d *driver) invalidateAllCaches(committed bool) {
	for _, t := range d.tables() {
		t.clearMemoryCache(committed)
	}
}
