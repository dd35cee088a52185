package docs

import (
	"encoding/json"
	"time"
)

// Metadata keys the store maintains on every document. Keys starting with
// '@' are reserved for the store.
const (
	MetaKey    = "@key"
	MetaEntity = "@entity"
	MetaHidden = "@hidden"
)

type Metadata map[string]string

// Snapshot is a point-in-time copy of one stored document. Snapshots are
// immutable once fetched; later writes produce new snapshots with greater
// etags.
type Snapshot struct {
	Key          string
	Etag         Etag
	LastModified time.Time
	Size         int64
	Metadata     Metadata
	Data         json.RawMessage
}

// Normalize guarantees the snapshot carries its own identifier in metadata.
// The fetch path calls it on every snapshot handed to consumers.
func (s *Snapshot) Normalize() {
	if s.Metadata == nil {
		s.Metadata = Metadata{}
	}
	if _, ok := s.Metadata[MetaKey]; !ok {
		s.Metadata[MetaKey] = s.Key
	}
}

// Entity returns the document's entity-name classifier, empty when the
// document carries none.
func (s *Snapshot) Entity() string {
	return s.Metadata[MetaEntity]
}

// HighestEtag returns the greatest etag in the batch together with the
// snapshot carrying it. The scan runs from the last element to the first
// and adopts an element when its etag is at or above the running maximum,
// so duplicate maxima resolve to the earliest-occurring snapshot. An empty
// batch yields the zero tag and no snapshot.
func HighestEtag(batch []*Snapshot) (Etag, *Snapshot) {
	max := ZeroEtag
	var top *Snapshot
	for i := len(batch) - 1; i >= 0; i-- {
		if s := batch[i]; s.Etag.Compare(max) >= 0 {
			max = s.Etag
			top = s
		}
	}
	return max, top
}
