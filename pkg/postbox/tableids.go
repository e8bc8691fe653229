package postbox

import "postbox/pkg/valuebox"

// Physical ValueBox table ids. These namespace the shared pebble store so
// that the metadata category prefixes and the item-collection prefixes,
// which deliberately reuse the same byte values (see pkg/keys), never
// collide on disk.
const (
	tableMetadata           valuebox.TableID = 0
	tableAccountRecords     valuebox.TableID = 1
	tableSharedData         valuebox.TableID = 2
	tableItemCollectionInfo valuebox.TableID = 3
	tableItemCollectionItem valuebox.TableID = 4
)
