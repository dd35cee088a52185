package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/drpcorg/sklad/docs"
)

// ErrWriteConflict reports that an index batch lost a write race and should
// be retried on a later cycle with its watermark untouched.
var ErrWriteConflict = errors.New("sklad: index write conflict")

// FetchLimits bounds one document fetch; whichever limit trips first ends
// the batch.
type FetchLimits struct {
	MaxDocs  int
	MaxBytes int64
}

// IndexWork describes one index due for indexing, captured fresh at the
// start of a cycle.
type IndexWork struct {
	Name        string
	LastIndexed docs.Etag // persisted watermark; zero means never indexed
	Entities    []string  // declared entity names; empty matches everything
}

// WatermarkTx mutates index watermarks inside one atomic storage unit.
type WatermarkTx interface {
	UpdateWatermark(index string, tag docs.Etag, modified time.Time) error
}

// Store is the storage contract the engine runs against.
type Store interface {
	// Indexes lists every known index as a work descriptor.
	Indexes() ([]IndexWork, error)
	// IsStale reports whether the index has documents past its watermark.
	IsStale(index string) bool
	// DocumentsAfter returns documents with etags strictly greater than
	// after, in etag order, skipping storage-level gaps, until one of the
	// limits trips.
	DocumentsAfter(ctx context.Context, after docs.Etag, limits FetchLimits) ([]*docs.Snapshot, error)
	// Transact runs fn against a transaction that commits atomically when
	// fn returns nil and is discarded otherwise.
	Transact(fn func(tx WatermarkTx) error) error
}

// Entry is one index entry emitted by a projection.
type Entry struct {
	Field string
	Value string
}

// Projection converts one document into its index entries. key is the
// document key, value the content the read filter produced for it.
type Projection func(key string, value json.RawMessage) ([]Entry, error)

// Registry resolves index names to compiled projections. A false return
// means the definition is gone, usually an index deleted mid-cycle.
type Registry interface {
	Projection(index string) (Projection, bool)
}

// Writer applies one index batch to storage. Implementations own their
// transaction boundary: a batch either applies fully or not at all.
type Writer interface {
	IndexBatch(ctx context.Context, index string, proj Projection, batch *Batch) error
}

// ReadFilter inspects every fetched document before distribution and
// decides what the indexes see of it.
type ReadFilter interface {
	Filter(snap *docs.Snapshot) Content
}

// PassAll hands every document to the indexes unchanged.
type PassAll struct{}

func (PassAll) Filter(snap *docs.Snapshot) Content {
	return Indexed(snap.Data)
}

// Tuner adapts fetch limits to observed throughput and memory pressure.
type Tuner interface {
	Recommend() FetchLimits
	Observe(docCount int, bytes int64, took time.Duration)
}

// Policy selects and bounds the indexes worked per cycle.
type Policy interface {
	FilterDue(works []IndexWork) []IndexWork
}

// MemoryProbe reports bytes of memory available for batch growth; negative
// means unknown and is treated as below any growth threshold.
type MemoryProbe func() int64
