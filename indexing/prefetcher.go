package indexing

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/sklad/docs"
	"github.com/drpcorg/sklad/utils"
)

// maxPrefetchAge is how many cycles a speculative result may sit unclaimed
// before eviction.
const maxPrefetchAge = 16

// fetchFuture is the join handle of one asynchronous fetch: completed
// exactly once, waited on any number of times.
type fetchFuture struct {
	done chan struct{}
	docs []*docs.Snapshot
	err  error
}

func newFetchFuture() *fetchFuture {
	return &fetchFuture{done: make(chan struct{})}
}

func (f *fetchFuture) complete(batch []*docs.Snapshot, err error) {
	f.docs, f.err = batch, err
	close(f.done)
}

func (f *fetchFuture) wait(ctx context.Context) ([]*docs.Snapshot, error) {
	select {
	case <-f.done:
		return f.docs, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type prefetchEntry struct {
	start  docs.Etag
	bornAt uint64
	fut    *fetchFuture
}

// Prefetcher holds speculative fetch results keyed by the etag the fetch
// started from. Entries age by engine cycle; unclaimed ones are evicted
// after maxPrefetchAge cycles with their computation observed, never
// silently dropped.
type Prefetcher struct {
	entries *xsync.MapOf[docs.Etag, *prefetchEntry]
	log     utils.Logger
}

func NewPrefetcher(log utils.Logger) *Prefetcher {
	return &Prefetcher{
		entries: xsync.NewMapOf[docs.Etag, *prefetchEntry](),
		log:     log,
	}
}

// Put registers a future for the given starting etag. A live entry for the
// same etag wins: Put reports false and the caller should not run the
// duplicate fetch.
func (p *Prefetcher) Put(start docs.Etag, atCycle uint64, fut *fetchFuture) bool {
	_, loaded := p.entries.LoadOrStore(start, &prefetchEntry{start: start, bornAt: atCycle, fut: fut})
	return !loaded
}

// Take removes and returns the future registered for start. At most one
// caller wins a given entry.
func (p *Prefetcher) Take(start docs.Etag) (*fetchFuture, bool) {
	e, ok := p.entries.LoadAndDelete(start)
	if !ok {
		return nil, false
	}
	return e.fut, true
}

// Outstanding reports how many speculative fetches are registered.
func (p *Prefetcher) Outstanding() int {
	return p.entries.Size()
}

// EvictStale drops entries registered more than maxPrefetchAge cycles ago
// and reports how many. Each evicted computation is drained in the
// background and its failure, if any, logged.
func (p *Prefetcher) EvictStale(cycle uint64) int {
	evicted := 0
	p.entries.Range(func(start docs.Etag, e *prefetchEntry) bool {
		if cycle-e.bornAt <= maxPrefetchAge {
			return true
		}
		if _, ok := p.entries.LoadAndDelete(start); !ok {
			return true // lost the entry to a taker
		}
		evicted++
		go p.observe(e, "stale prefetch discarded")
		return true
	})
	return evicted
}

// Close drains every outstanding entry, waiting for its computation to
// finish, and leaves the cache empty.
func (p *Prefetcher) Close() {
	p.entries.Range(func(start docs.Etag, e *prefetchEntry) bool {
		if _, ok := p.entries.LoadAndDelete(start); ok {
			<-e.fut.done
			if e.fut.err != nil {
				p.log.Warn("outstanding prefetch failed", "start", e.start.String(), "err", e.fut.err)
			}
		}
		return true
	})
}

func (p *Prefetcher) observe(e *prefetchEntry, msg string) {
	<-e.fut.done
	if e.fut.err != nil {
		p.log.Warn(msg, "start", e.start.String(), "err", e.fut.err)
	}
}
