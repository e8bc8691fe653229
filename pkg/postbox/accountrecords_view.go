package postbox

// accountRecordsView is a materialized listing of every account record,
// reloaded in full whenever a transaction emits a record or metadata
// operation — the account manager's record set is small enough that a
// full rescan is cheaper than tracking per-record deltas.
type accountRecordsView struct {
	records *recordTable
	current []AccountRecord
}

func newAccountRecordsView(tx *txContext, records *recordTable) (*accountRecordsView, error) {
	v := &accountRecordsView{records: records}
	list, err := records.List(tx)
	if err != nil {
		return nil, err
	}
	v.current = list
	return v, nil
}

func (v *accountRecordsView) replay(tx *txContext, log *OpLog) (bool, error) {
	if len(log.RecordOps) == 0 && len(log.MetadataOps) == 0 {
		return false, nil
	}
	list, err := v.records.List(tx)
	if err != nil {
		return false, err
	}
	v.current = list
	return true, nil
}

// Snapshot returns every account record, in ascending id order.
func (v *accountRecordsView) Snapshot() []AccountRecord {
	return append([]AccountRecord(nil), v.current...)
}
