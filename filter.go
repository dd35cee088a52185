package sklad

import (
	"github.com/drpcorg/sklad/docs"
	"github.com/drpcorg/sklad/indexing"
)

// HiddenFilter is the default read filter: documents flagged hidden in
// metadata are kept out of every index while still moving watermarks, so a
// later unhide re-enters the stream with a fresh etag.
type HiddenFilter struct{}

func (HiddenFilter) Filter(snap *docs.Snapshot) indexing.Content {
	if snap.Metadata[docs.MetaHidden] == "true" {
		return indexing.FilteredOut()
	}
	return indexing.Indexed(snap.Data)
}
