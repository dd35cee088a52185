// Package indexing is the background indexing engine: it discovers stale
// indexes, fetches unindexed documents in etag order, distributes them
// across indexes, executes index batches concurrently and durably advances
// per-index watermarks, with speculative prefetching and adaptive batch
// sizing along the way.
package indexing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/drpcorg/sklad/docs"
	"github.com/drpcorg/sklad/utils"
)

type Config struct {
	// Name labels the engine in logs and metrics.
	Name string
	// MaxConcurrentIndexes bounds per-cycle fan-out: read filtering,
	// distribution and index execution. Values above 1 also enable
	// speculative prefetching.
	MaxConcurrentIndexes int
	// MaxIndexesPerCycle bounds the default policy's work selection.
	MaxIndexesPerCycle int
	InitialBatchSize   int
	MaxBatchSize       int
	MaxBatchBytes      int64
	// GrowBatchMemoryThreshold is the available-memory floor, in bytes,
	// below which batches stop growing and speculation stops stacking.
	GrowBatchMemoryThreshold int64
	// IdleInterval is how long an idle engine waits before re-checking
	// for stale indexes, absent a wake-up.
	IdleInterval time.Duration

	Filter ReadFilter
	Tuner  Tuner
	Policy Policy
	Probe  MemoryProbe
	// Maintenance, when set, runs on cycles that found no stale indexes;
	// it reports whether it did anything.
	Maintenance func(ctx context.Context) bool
	Logger      utils.Logger
}

func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxConcurrentIndexes <= 0 {
		c.MaxConcurrentIndexes = 4
	}
	if c.MaxIndexesPerCycle <= 0 {
		c.MaxIndexesPerCycle = 16
	}
	if c.InitialBatchSize <= 0 {
		c.InitialBatchSize = 128
	}
	if c.MaxBatchSize < c.InitialBatchSize {
		c.MaxBatchSize = c.InitialBatchSize * 32
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 64 << 20
	}
	if c.GrowBatchMemoryThreshold <= 0 {
		c.GrowBatchMemoryThreshold = 256 << 20
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if c.Filter == nil {
		c.Filter = PassAll{}
	}
	if c.Probe == nil {
		c.Probe = AvailableMemory
	}
	if c.Tuner == nil {
		c.Tuner = NewBatchTuner(c.InitialBatchSize, c.MaxBatchSize, c.MaxBatchBytes, c.GrowBatchMemoryThreshold, c.Probe)
	}
	if c.Policy == nil {
		c.Policy = FairPolicy{MaxPerCycle: c.MaxIndexesPerCycle}
	}
}

// index batch outcomes, as reported in metrics
const (
	outcomeOK       = "ok"
	outcomeFailed   = "failed"
	outcomeConflict = "conflict"
	outcomeSkipped  = "skipped"
	outcomeMissing  = "missing"
)

// Engine drives indexing cycles against one store. Every engine instance
// keeps its own cycle counter, so several engines over one store stay
// independent.
type Engine struct {
	store    Store
	registry Registry
	writer   Writer
	cfg      Config

	pre     *Prefetcher
	fetcher *Fetcher
	dist    *Distributor

	cycle atomic.Uint64
	wake  chan struct{}
	id    string
	log   utils.Logger
}

func New(store Store, registry Registry, writer Writer, cfg Config) *Engine {
	cfg.SetDefaults()
	pre := NewPrefetcher(cfg.Logger)
	return &Engine{
		store:    store,
		registry: registry,
		writer:   writer,
		cfg:      cfg,
		pre:      pre,
		fetcher:  NewFetcher(store, cfg.Tuner, pre, cfg),
		dist:     NewDistributor(cfg.Filter, cfg.MaxConcurrentIndexes),
		wake:     make(chan struct{}, 1),
		id:       uuid.NewString(),
		log:      cfg.Logger,
	}
}

// Cycle returns how many cycles this engine instance has started.
func (e *Engine) Cycle() uint64 {
	return e.cycle.Load()
}

// Notify wakes an idle engine, typically after a write.
func (e *Engine) Notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run executes indexing cycles until ctx is cancelled, then drains any
// speculative fetches still in flight.
func (e *Engine) Run(ctx context.Context) {
	ctx = utils.WithDefaultArgs(ctx, "engine", e.cfg.Name, "id", e.id)
	e.log.InfoCtx(ctx, "indexing engine started")
	defer e.log.InfoCtx(ctx, "indexing engine stopped")
	defer e.pre.Close()

	for ctx.Err() == nil {
		worked, err := e.RunCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			e.log.ErrorCtx(ctx, "indexing cycle failed", "err", err)
			CycleCount.WithLabelValues(e.cfg.Name, "error").Inc()
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-e.wake:
		case <-time.After(e.cfg.IdleInterval):
		}
	}
}

// RunCycle executes one indexing cycle: select stale indexes, fetch
// documents after the lowest watermark, distribute, execute index batches
// concurrently and persist the advanced watermarks. It reports whether any
// work was attempted.
func (e *Engine) RunCycle(ctx context.Context) (bool, error) {
	cycle := e.cycle.Add(1)
	ctx = utils.WithDefaultArgs(ctx, "cycle", cycle)
	defer func() {
		if n := e.pre.EvictStale(cycle); n > 0 {
			PrefetchEvents.WithLabelValues(e.cfg.Name, "evict").Add(float64(n))
			e.log.DebugCtx(ctx, "evicted stale prefetches", "count", n)
		}
	}()

	works, err := e.selectWork()
	if err != nil {
		return false, err
	}
	if len(works) == 0 {
		CycleCount.WithLabelValues(e.cfg.Name, "idle").Inc()
		if e.cfg.Maintenance != nil && e.cfg.Maintenance(ctx) {
			return true, nil
		}
		return false, nil
	}

	starts := make([]docs.Etag, len(works))
	for i, w := range works {
		starts[i] = w.LastIndexed
	}

	fetched, err := e.fetcher.Fetch(ctx, docs.MinEtag(starts...), cycle)
	if err != nil {
		return true, err
	}
	if err := ctx.Err(); err != nil {
		return true, err
	}
	if len(fetched) == 0 {
		// stale flags with nothing fetchable; the next write wakes us
		CycleCount.WithLabelValues(e.cfg.Name, "idle").Inc()
		return false, nil
	}

	indexingStart := time.Now()
	dist, err := e.dist.Distribute(ctx, works, fetched)
	if err != nil {
		return true, err
	}
	if len(dist.Advance) > 0 {
		if err := e.advanceWatermarks(dist.Advance, dist.MaxEtag, dist.MaxModified); err != nil {
			return true, err
		}
	}

	completed := e.execute(ctx, dist)
	if err := e.advanceWatermarks(completed, dist.MaxEtag, dist.MaxModified); err != nil {
		return true, err
	}

	e.cfg.Tuner.Observe(len(fetched), batchBytes(fetched), time.Since(indexingStart))
	BatchSize.WithLabelValues(e.cfg.Name).Set(float64(e.cfg.Tuner.Recommend().MaxDocs))
	CycleCount.WithLabelValues(e.cfg.Name, "worked").Inc()
	e.log.InfoCtx(ctx, "cycle complete",
		"docs", len(fetched),
		"batches", len(dist.Batches),
		"advanced", len(completed)+len(dist.Advance),
		"max", dist.MaxEtag.String())
	return true, nil
}

func (e *Engine) selectWork() ([]IndexWork, error) {
	all, err := e.store.Indexes()
	if err != nil {
		return nil, err
	}
	due := make([]IndexWork, 0, len(all))
	for _, w := range all {
		if e.store.IsStale(w.Name) {
			due = append(due, w)
		}
	}
	return e.cfg.Policy.FilterDue(due), nil
}

// execute runs the index batches concurrently and returns the indexes that
// ran to completion, the failed ones included: a broken batch must not
// block the document stream behind it.
func (e *Engine) execute(ctx context.Context, dist *Distribution) []string {
	var (
		mu        sync.Mutex
		completed = make([]string, 0, len(dist.Batches))
	)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentIndexes)
	for _, batch := range dist.Batches {
		batch := batch
		g.Go(func() error {
			res := e.executeOne(ctx, batch)
			IndexBatches.WithLabelValues(e.cfg.Name, batch.Index, res).Inc()
			if res == outcomeOK || res == outcomeFailed || res == outcomeMissing {
				mu.Lock()
				completed = append(completed, batch.Index)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return completed
}

func (e *Engine) executeOne(ctx context.Context, batch *Batch) string {
	if ctx.Err() != nil {
		return outcomeSkipped
	}
	proj, ok := e.registry.Projection(batch.Index)
	if !ok {
		e.log.WarnCtx(ctx, "index dropped mid-cycle", "index", batch.Index)
		return outcomeMissing
	}

	started := time.Now()
	err := e.writer.IndexBatch(ctx, batch.Index, proj, batch)
	IndexBatchDuration.WithLabelValues(e.cfg.Name, batch.Index).
		Observe(float64(time.Since(started).Milliseconds()))
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrWriteConflict):
		e.log.InfoCtx(ctx, "index batch lost a write race, will retry", "index", batch.Index)
		return outcomeConflict
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return outcomeSkipped
	default:
		e.log.ErrorCtx(ctx, "index batch failed", "index", batch.Index, "err", err)
		return outcomeFailed
	}
}

// advanceWatermarks moves the named indexes to the cycle maximum in one
// transactional unit.
func (e *Engine) advanceWatermarks(names []string, tag docs.Etag, modified time.Time) error {
	if len(names) == 0 {
		return nil
	}
	return e.store.Transact(func(tx WatermarkTx) error {
		for _, name := range names {
			if err := tx.UpdateWatermark(name, tag, modified); err != nil {
				return err
			}
		}
		return nil
	})
}

func batchBytes(batch []*docs.Snapshot) (n int64) {
	for _, s := range batch {
		n += s.Size
	}
	return n
}
