package postbox

import "postbox/pkg/valuebox"

// txContext is the scratch handed to every table during one transaction.
// Because the driver runs exactly one transaction at a time (spec's single
// serialized worker), a table may safely keep its dirty cache as a plain
// struct field between begin and beforeCommit rather than threading it
// through txContext itself.
type txContext struct {
	vtx *valuebox.Transaction
}
