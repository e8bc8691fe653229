package postbox

import "postbox/pkg/metrics"

// viewSubscription is the registry's uniform element: whatever concrete
// view and stream kind it wraps, notify replays one transaction's
// operation log against the view and emits a snapshot if it changed.
// The driver iterates a snapshot copy of the registry, so a subscriber
// disposing mid-notification cannot corrupt the in-progress loop (spec's
// Bag-with-snapshot-iteration contract).
type viewSubscription interface {
	notify(tx *txContext, log *OpLog, ms *metrics.Set) error
}

type itemCollectionInfosSubscription struct {
	view   *itemCollectionInfosView
	stream *Stream[ItemCollectionInfosSnapshot]
}

func (s *itemCollectionInfosSubscription) notify(tx *txContext, log *OpLog, ms *metrics.Set) error {
	changed, err := s.view.replay(tx, log)
	if err != nil {
		return err
	}
	if changed {
		s.stream.emit(s.view.Snapshot())
		if ms != nil {
			ms.ViewSnapshotsEmitted.WithLabelValues("item_collection_infos").Inc()
		}
	}
	return nil
}

type accountRecordsSubscription struct {
	view   *accountRecordsView
	stream *Stream[[]AccountRecord]
}

func (s *accountRecordsSubscription) notify(tx *txContext, log *OpLog, ms *metrics.Set) error {
	changed, err := s.view.replay(tx, log)
	if err != nil {
		return err
	}
	if changed {
		s.stream.emit(s.view.Snapshot())
		if ms != nil {
			ms.ViewSnapshotsEmitted.WithLabelValues("account_records").Inc()
		}
	}
	return nil
}

type sharedDataSubscription struct {
	view   *sharedDataView
	stream *Stream[map[string][]byte]
}

func (s *sharedDataSubscription) notify(tx *txContext, log *OpLog, ms *metrics.Set) error {
	changed, err := s.view.replay(tx, log)
	if err != nil {
		return err
	}
	if changed {
		s.stream.emit(s.view.Snapshot())
		if ms != nil {
			ms.ViewSnapshotsEmitted.WithLabelValues("shared_data").Inc()
		}
	}
	return nil
}

// subscriptionRegistry is the Bag of (view, stream) pairs the driver
// notifies during every commit pipeline, after the modifier returns and
// before any table's beforeCommit flush.
type subscriptionRegistry struct {
	bag *Bag[viewSubscription]
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{bag: NewBag[viewSubscription]()}
}

func (r *subscriptionRegistry) add(s viewSubscription) BagHandle {
	return r.bag.Insert(s)
}

func (r *subscriptionRegistry) remove(h BagHandle) {
	r.bag.Remove(h)
}

// notifyAll replays log against a snapshot of every live subscription.
func (r *subscriptionRegistry) notifyAll(tx *txContext, log *OpLog, ms *metrics.Set) error {
	for _, sub := range r.bag.Items() {
		if err := sub.notify(tx, log, ms); err != nil {
			return err
		}
	}
	return nil
}
