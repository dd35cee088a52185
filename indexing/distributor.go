package indexing

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drpcorg/sklad/docs"
)

// Distribution is the outcome of routing one fetched batch across the
// indexes worked this cycle.
type Distribution struct {
	MaxEtag     docs.Etag
	MaxModified time.Time
	Batches     []*Batch // indexes with accumulated documents
	Advance     []string // indexes behind MaxEtag with nothing to do
}

// Distributor filters fetched documents and routes them per index.
type Distributor struct {
	filter   ReadFilter
	parallel int
}

func NewDistributor(filter ReadFilter, parallel int) *Distributor {
	return &Distributor{filter: filter, parallel: parallel}
}

// Distribute runs the read filter over the batch once, then builds one
// Batch per index: documents at or below the index watermark are skipped
// and entity names must match when declared. An index whose watermark
// already covers the batch maximum gets nothing at all; indexes that end
// up behind yet empty are listed for a deferred watermark advance.
func (d *Distributor) Distribute(ctx context.Context, works []IndexWork, fetched []*docs.Snapshot) (*Distribution, error) {
	maxEtag, top := docs.HighestEtag(fetched)
	dist := &Distribution{MaxEtag: maxEtag}
	if top != nil {
		dist.MaxModified = top.LastModified
	}

	contents := make([]Content, len(fetched))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallel)
	for i, snap := range fetched {
		i, snap := i, snap
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			contents[i] = d.filter.Filter(snap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batches := make([]*Batch, len(works))
	scan, _ := errgroup.WithContext(ctx)
	scan.SetLimit(d.parallel)
	for i, work := range works {
		i, work := i, work
		scan.Go(func() error {
			if work.LastIndexed.Compare(maxEtag) >= 0 {
				return nil // fully caught up, not even an advance
			}
			b := &Batch{Index: work.Name}
			for j, snap := range fetched {
				if snap.Etag.Compare(work.LastIndexed) <= 0 {
					continue
				}
				if !entityMatch(work.Entities, snap.Entity()) {
					continue
				}
				b.add(snap, contents[j])
			}
			batches[i] = b
			return nil
		})
	}
	if err := scan.Wait(); err != nil {
		return nil, err
	}

	for i, work := range works {
		b := batches[i]
		switch {
		case b == nil:
		case b.Len() == 0:
			dist.Advance = append(dist.Advance, work.Name)
		default:
			dist.Batches = append(dist.Batches, b)
		}
	}
	return dist, nil
}

func entityMatch(declared []string, entity string) bool {
	if len(declared) == 0 {
		return true
	}
	for _, name := range declared {
		if strings.EqualFold(name, entity) {
			return true
		}
	}
	return false
}
