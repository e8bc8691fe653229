// Package metrics exposes Prometheus collectors for the Postbox commit
// pipeline. The core engine never starts an HTTP server itself; a host
// process mounts Registry() under /metrics with promhttp if it wants to.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles the collectors one Postbox instance updates.
type Set struct {
	TransactionsCommitted prometheus.Counter
	TransactionsAborted   prometheus.Counter
	ViewSnapshotsEmitted  *prometheus.CounterVec
	TableFlushSeconds     *prometheus.HistogramVec
}

// NewSet constructs a fresh, unregistered Set.
func NewSet() *Set {
	return &Set{
		TransactionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postbox_transactions_committed_total",
			Help: "Total number of transactions whose Commit() succeeded.",
		}),
		TransactionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postbox_transactions_aborted_total",
			Help: "Total number of transactions that were aborted, including those whose Commit() failed.",
		}),
		ViewSnapshotsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postbox_view_snapshots_emitted_total",
			Help: "Total number of snapshots emitted to view subscribers, by view kind.",
		}, []string{"view"}),
		TableFlushSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postbox_table_flush_seconds",
			Help:    "Time spent in beforeCommit flushing one table's dirty state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
	}
}

// Registry returns a Prometheus registry with every collector in Set
// registered, ready for a host process to mount under /metrics.
func (s *Set) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(s.TransactionsCommitted, s.TransactionsAborted, s.ViewSnapshotsEmitted, s.TableFlushSeconds)
	return reg
}
