package postbox

// table is the base contract every concrete Postbox table implements.
// A table buffers its writes against an in-flight transaction's dirty
// cache, materializes them into the ValueBox during beforeCommit, and
// clears whatever in-memory cache it kept once the commit (or abort) is
// final. Tables are driven exclusively by the single serialized worker
// inside the transaction driver; none of this is safe to call concurrently.
type table interface {
	// beforeCommit flushes this table's dirty cache for tx into the
	// ValueBox transaction; log has already been cleared by then and no
	// table appends to it here. It runs once per table, after the caller's
	// modifier function returns and before the ValueBox commit is issued.
	beforeCommit(tx *txContext, log *OpLog) error

	// clearMemoryCache retires whatever this table staged for the
	// transaction that just finished. When committed is true the staged
	// values are now durable, so a table that keeps a read cache may
	// simply promote them; when false the transaction was discarded and
	// any optimistically-applied value must be rolled back so the next
	// transaction observes only what the ValueBox actually holds.
	clearMemoryCache(committed bool)
}
