package indexing

import (
	"context"

	"github.com/drpcorg/sklad/docs"
	"github.com/drpcorg/sklad/utils"
)

// maxOutstandingPrefetches caps speculative fetches in flight.
const maxOutstandingPrefetches = 5

// Fetcher reads etag-ordered document batches, preferring prefetched
// results and speculating ahead while the stream looks busy.
type Fetcher struct {
	store Store
	tuner Tuner
	pre   *Prefetcher
	probe MemoryProbe
	log   utils.Logger

	engine        string
	parallel      bool
	modestBatch   int
	growThreshold int64
}

func NewFetcher(store Store, tuner Tuner, pre *Prefetcher, cfg Config) *Fetcher {
	return &Fetcher{
		store:         store,
		tuner:         tuner,
		pre:           pre,
		probe:         cfg.Probe,
		log:           cfg.Logger,
		engine:        cfg.Name,
		parallel:      cfg.MaxConcurrentIndexes > 1,
		modestBatch:   cfg.InitialBatchSize,
		growThreshold: cfg.GrowBatchMemoryThreshold,
	}
}

// Fetch returns the next batch of documents after start, consulting the
// prefetch cache first. atCycle keys any speculative look-ahead this fetch
// launches. The ctx should be the engine's run context: look-aheads outlive
// the cycle that started them.
func (f *Fetcher) Fetch(ctx context.Context, start docs.Etag, atCycle uint64) ([]*docs.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fut, ok := f.pre.Take(start); ok {
		PrefetchEvents.WithLabelValues(f.engine, "hit").Inc()
		batch, err := fut.wait(ctx)
		if err == nil {
			DocsFetched.WithLabelValues(f.engine, "prefetch").Add(float64(len(batch)))
			return batch, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		// a broken speculative result never fails the cycle
		f.log.WarnCtx(ctx, "prefetched batch failed, refetching", "start", start.String(), "err", err)
	} else {
		PrefetchEvents.WithLabelValues(f.engine, "miss").Inc()
	}

	batch, err := f.fetchNow(ctx, start)
	if err != nil {
		return nil, err
	}
	DocsFetched.WithLabelValues(f.engine, "storage").Add(float64(len(batch)))
	f.maybeSpeculate(ctx, batch, atCycle)
	return batch, nil
}

func (f *Fetcher) fetchNow(ctx context.Context, start docs.Etag) ([]*docs.Snapshot, error) {
	batch, err := f.store.DocumentsAfter(ctx, start, f.tuner.Recommend())
	if err != nil {
		return nil, err
	}
	for _, snap := range batch {
		snap.Normalize()
	}
	return batch, nil
}

// maybeSpeculate fetches ahead of the last batch. Speculation stays off for
// sequential engines and dried-up streams, yields when enough fetches are
// already in flight, and stops stacking once batches outgrow the initial
// size with memory below the growth threshold.
func (f *Fetcher) maybeSpeculate(ctx context.Context, batch []*docs.Snapshot, atCycle uint64) {
	limits := f.tuner.Recommend()
	switch {
	case !f.parallel:
		return
	case len(batch) == 0:
		return
	case len(batch) < limits.MaxDocs:
		return
	case f.pre.Outstanding() >= maxOutstandingPrefetches:
		return
	case limits.MaxDocs > f.modestBatch && f.availableMemory() <= f.growThreshold:
		return
	}

	start, _ := docs.HighestEtag(batch)
	fut := newFetchFuture()
	if !f.pre.Put(start, atCycle, fut) {
		return
	}
	PrefetchEvents.WithLabelValues(f.engine, "speculate").Inc()
	go func() {
		next, err := f.fetchNow(ctx, start)
		fut.complete(next, err)
		if err == nil {
			f.maybeSpeculate(ctx, next, atCycle)
		}
	}()
}

func (f *Fetcher) availableMemory() int64 {
	if f.probe == nil {
		return -1
	}
	return f.probe()
}
