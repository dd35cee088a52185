// Package sklad is a Pebble-backed document warehouse with background
// indexing. Documents are opaque JSON values addressed by key; every write
// mints a new etag, and the indexing engine (see the indexing package)
// follows the etag-ordered stream to keep declared indexes fresh.
package sklad

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/drpcorg/sklad/docs"
	"github.com/drpcorg/sklad/indexing"
	"github.com/drpcorg/sklad/utils"
)

type Options struct {
	Logger             utils.Logger
	PebbleWriteOptions *pebble.WriteOptions
	// ProjectionCacheSize bounds the registry's compiled-projection LRU.
	ProjectionCacheSize int
	// SweepLimit bounds one maintenance sweep of dangling postings.
	SweepLimit int
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.PebbleWriteOptions == nil {
		o.PebbleWriteOptions = pebble.Sync
	}
	if o.ProjectionCacheSize <= 0 {
		o.ProjectionCacheSize = 1024
	}
	if o.SweepLimit <= 0 {
		o.SweepLimit = 512
	}
}

// Store is the document warehouse. It implements indexing.Store, so an
// Engine can run directly against it.
type Store struct {
	db   *pebble.DB
	dir  string
	opts Options
	log  utils.Logger

	epoch  uint64
	seq    atomic.Uint64
	closed atomic.Bool

	// per-index writer locks, shared by every Writer over this store
	indexLocks utils.CMap[string, *sync.Mutex]

	wlock sync.Mutex
	wake  []func()
}

// stored per document under the 'D' keyspace
type docRecord struct {
	Etag     string          `json:"etag"`
	Modified time.Time       `json:"modified"`
	Metadata docs.Metadata   `json:"metadata,omitempty"`
	Data     json.RawMessage `json:"data"`

	size int64 // stored value length, set on read
}

// Open opens (or creates) a store in dir. Each open bumps the persisted
// epoch, so etags minted after a restart sort above every earlier one.
func Open(dir string, opts Options) (*Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "sklad: open storage")
	}
	s := &Store{db: db, dir: dir, opts: opts, log: opts.Logger}
	if err = s.bumpEpoch(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sklad: recover epoch")
	}
	s.log.Info("store open", "dir", dir, "epoch", s.epoch)
	return s, nil
}

func (s *Store) bumpEpoch() error {
	v, closer, err := s.db.Get(metaKey("epoch"))
	switch err {
	case nil:
		s.epoch = binary.BigEndian.Uint64(v) + 1
		_ = closer.Close()
	case pebble.ErrNotFound:
		s.epoch = 1
	default:
		return err
	}
	return s.db.Set(metaKey("epoch"), binary.BigEndian.AppendUint64(nil, s.epoch), pebble.Sync)
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return s.db.Close()
}

func (s *Store) Dir() string {
	return s.dir
}

// Metrics exposes the underlying Pebble metrics snapshot.
func (s *Store) Metrics() *pebble.Metrics {
	return s.db.Metrics()
}

func (s *Store) mint() docs.Etag {
	return docs.MakeEtag(s.epoch, s.seq.Add(1))
}

// onWrite registers a hook run after every successful document write.
func (s *Store) onWrite(fn func()) {
	s.wlock.Lock()
	s.wake = append(s.wake, fn)
	s.wlock.Unlock()
}

func (s *Store) notify() {
	s.wlock.Lock()
	hooks := append([]func(){}, s.wake...)
	s.wlock.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Put writes a document revision and returns its minted etag. The previous
// revision's order entry is retired in the same batch, so the etag stream
// holds each document at most once.
func (s *Store) Put(key string, data json.RawMessage, meta docs.Metadata) (docs.Etag, error) {
	if s.closed.Load() {
		return docs.ZeroEtag, ErrClosed
	}
	if !validName(key) {
		return docs.ZeroEtag, ErrBadKey
	}
	tag := s.mint()
	rec := docRecord{
		Etag:     tag.String(),
		Modified: time.Now().UTC(),
		Metadata: meta,
		Data:     data,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return docs.ZeroEtag, err
	}

	prev, err := s.record(s.db, key)
	if err != nil && err != ErrDocumentUnknown {
		return docs.ZeroEtag, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if prev != nil {
		if old, perr := docs.ParseEtag(prev.Etag); perr == nil {
			_ = b.Delete(orderKey(old), nil)
		}
	}
	_ = b.Set(docKey(key), val, nil)
	_ = b.Set(orderKey(tag), []byte(key), nil)
	if err = s.db.Apply(b, s.opts.PebbleWriteOptions); err != nil {
		return docs.ZeroEtag, err
	}
	s.notify()
	return tag, nil
}

// Get returns the current snapshot of a document.
func (s *Store) Get(key string) (*docs.Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rec, err := s.record(s.db, key)
	if err != nil {
		return nil, err
	}
	return rec.snapshot(key)
}

// Delete removes a document and its order entry. Index postings that still
// point at it are reclaimed by the maintenance sweep.
func (s *Store) Delete(key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	rec, err := s.record(s.db, key)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if tag, perr := docs.ParseEtag(rec.Etag); perr == nil {
		_ = b.Delete(orderKey(tag), nil)
	}
	_ = b.Delete(docKey(key), nil)
	return s.db.Apply(b, s.opts.PebbleWriteOptions)
}

func (s *Store) record(reader pebble.Reader, key string) (*docRecord, error) {
	val, closer, err := reader.Get(docKey(key))
	if err == pebble.ErrNotFound {
		return nil, ErrDocumentUnknown
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	rec := &docRecord{}
	if err = json.Unmarshal(val, rec); err != nil {
		return nil, err
	}
	rec.size = int64(len(val))
	return rec, nil
}

func (r *docRecord) snapshot(key string) (*docs.Snapshot, error) {
	tag, err := docs.ParseEtag(r.Etag)
	if err != nil {
		return nil, err
	}
	snap := &docs.Snapshot{
		Key:          key,
		Etag:         tag,
		LastModified: r.Modified,
		Size:         r.size,
		Metadata:     r.Metadata,
		Data:         r.Data,
	}
	snap.Normalize()
	return snap, nil
}

// DocumentsAfter streams documents with etags strictly above after, in etag
// order, until a limit trips. Order entries whose document is gone or
// already superseded are gaps and are skipped.
func (s *Store) DocumentsAfter(ctx context.Context, after docs.Etag, limits indexing.FetchLimits) ([]*docs.Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	snap := s.db.NewSnapshot()
	defer snap.Close()

	_, hi := keyspaceBounds(kOrder)
	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: orderKey(after.Next()),
		UpperBound: hi,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var (
		out   []*docs.Snapshot
		bytes int64
	)
	for valid := iter.First(); valid; valid = iter.Next() {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		tag, ok := orderKeyTag(iter.Key())
		if !ok {
			continue
		}
		key := string(iter.Value())
		rec, rerr := s.record(snap, key)
		if rerr == ErrDocumentUnknown {
			continue // deleted under the entry
		}
		if rerr != nil {
			return nil, rerr
		}
		if rec.Etag != tag.String() {
			continue // superseded entry, the newer one is ahead
		}
		doc, serr := rec.snapshot(key)
		if serr != nil {
			return nil, serr
		}
		out = append(out, doc)
		bytes += doc.Size
		if limits.MaxDocs > 0 && len(out) >= limits.MaxDocs {
			break
		}
		if limits.MaxBytes > 0 && bytes >= limits.MaxBytes {
			break
		}
	}
	return out, nil
}

// lastEtag returns the greatest etag present in the order keyspace.
func (s *Store) lastEtag() docs.Etag {
	lo, hi := keyspaceBounds(kOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return docs.ZeroEtag
	}
	defer iter.Close()
	if !iter.Last() {
		return docs.ZeroEtag
	}
	tag, _ := orderKeyTag(iter.Key())
	return tag
}

// IsStale reports whether the index's watermark lags the document stream.
func (s *Store) IsStale(index string) bool {
	if s.closed.Load() {
		return false
	}
	mark, _, err := s.Watermark(index)
	if err != nil {
		return false
	}
	return mark.Compare(s.lastEtag()) < 0
}

// Watermark returns the index's persisted last-indexed etag and timestamp;
// the zero etag when nothing was persisted yet.
func (s *Store) Watermark(index string) (docs.Etag, time.Time, error) {
	val, closer, err := s.db.Get(watermarkKey(index))
	if err == pebble.ErrNotFound {
		return docs.ZeroEtag, time.Time{}, nil
	}
	if err != nil {
		return docs.ZeroEtag, time.Time{}, err
	}
	defer closer.Close()
	tag, modified, ok := parseWatermark(val)
	if !ok {
		return docs.ZeroEtag, time.Time{}, errors.New("sklad: malformed watermark")
	}
	return tag, modified, nil
}

// Indexes lists every declared index as a work descriptor with its current
// watermark.
func (s *Store) Indexes() ([]indexing.IndexWork, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	defs, err := s.definitions()
	if err != nil {
		return nil, err
	}
	works := make([]indexing.IndexWork, 0, len(defs))
	for _, def := range defs {
		mark, _, werr := s.Watermark(def.Name)
		if werr != nil {
			return nil, werr
		}
		works = append(works, indexing.IndexWork{
			Name:        def.Name,
			LastIndexed: mark,
			Entities:    def.Entities,
		})
	}
	return works, nil
}

// Transact runs fn against a write batch applied atomically when fn
// returns nil.
func (s *Store) Transact(fn func(tx indexing.WatermarkTx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := fn(&storeTx{batch: b}); err != nil {
		return err
	}
	return s.db.Apply(b, s.opts.PebbleWriteOptions)
}

type storeTx struct {
	batch *pebble.Batch
}

func (tx *storeTx) UpdateWatermark(index string, tag docs.Etag, modified time.Time) error {
	return tx.batch.Set(watermarkKey(index), watermarkValue(tag, modified), nil)
}

// NewEngine wires an indexing engine over this store with the default
// registry and writer. Document writes wake the engine; idle cycles run the
// writer's posting sweep.
func (s *Store) NewEngine(cfg indexing.Config) *indexing.Engine {
	w := NewWriter(s)
	if cfg.Filter == nil {
		cfg.Filter = HiddenFilter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = s.log
	}
	if cfg.Maintenance == nil {
		cfg.Maintenance = func(ctx context.Context) bool {
			return w.Sweep(ctx, s.opts.SweepLimit) > 0
		}
	}
	eng := indexing.New(s, NewRegistry(s), w, cfg)
	s.onWrite(eng.Notify)
	return eng
}
