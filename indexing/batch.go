package indexing

import (
	"encoding/json"
	"time"

	"github.com/drpcorg/sklad/docs"
)

// Content is what the read filter decided an index may see of one document:
// either the (possibly rewritten) document content, or a filtered-out
// marker. A filtered-out item still moves watermarks and still purges stale
// index entries, it just contributes no new ones.
type Content struct {
	value    json.RawMessage
	filtered bool
}

func Indexed(value json.RawMessage) Content {
	return Content{value: value}
}

func FilteredOut() Content {
	return Content{filtered: true}
}

func (c Content) Filtered() bool {
	return c.filtered
}

// Value returns the content and whether the item is indexable.
func (c Content) Value() (json.RawMessage, bool) {
	return c.value, !c.filtered
}

// Item is one document routed to one index.
type Item struct {
	Key     string
	Etag    docs.Etag
	Content Content
}

// Batch is the unit of work for one index in one cycle: accumulated once by
// the distributor, consumed once by the execution step.
type Batch struct {
	Index       string
	Items       []Item
	MinModified time.Time
}

func (b *Batch) add(snap *docs.Snapshot, content Content) {
	b.Items = append(b.Items, Item{Key: snap.Key, Etag: snap.Etag, Content: content})
	if b.MinModified.IsZero() || snap.LastModified.Before(b.MinModified) {
		b.MinModified = snap.LastModified
	}
}

func (b *Batch) Len() int {
	return len(b.Items)
}
