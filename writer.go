package sklad

import (
	"context"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/drpcorg/sklad/indexing"
)

// Writer maintains the term postings of indexes. It implements
// indexing.Writer: one batch per call, applied atomically. Writers over the
// same store share per-index locks, so only one batch runs per index at a
// time; a busy index reports indexing.ErrWriteConflict instead of blocking
// the cycle.
type Writer struct {
	s *Store
}

func NewWriter(s *Store) *Writer {
	return &Writer{s: s}
}

func (w *Writer) IndexBatch(ctx context.Context, index string, proj indexing.Projection, batch *indexing.Batch) error {
	lock, _ := w.s.indexLocks.LoadOrStore(index, &sync.Mutex{})
	if !lock.TryLock() {
		return indexing.ErrWriteConflict
	}
	defer lock.Unlock()

	b := w.s.db.NewBatch()
	defer b.Close()
	for _, item := range batch.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		// retire whatever the previous revision contributed
		old, err := w.hashesOf(index, item.Key)
		if err != nil {
			return err
		}
		for _, hash := range old {
			_ = b.Delete(postingKey(index, hash, item.Key), nil)
			_ = b.Delete(reverseKey(index, item.Key, hash), nil)
		}
		value, indexable := item.Content.Value()
		if !indexable {
			continue
		}
		entries, err := proj(item.Key, value)
		if err != nil {
			return errors.Wrapf(err, "sklad: project %s for %s", item.Key, index)
		}
		for _, entry := range entries {
			hash := termHash(entry.Field, entry.Value)
			_ = b.Set(postingKey(index, hash, item.Key), postingValue(entry.Field, entry.Value), nil)
			_ = b.Set(reverseKey(index, item.Key, hash), nil, nil)
		}
	}
	return w.s.db.Apply(b, w.s.opts.PebbleWriteOptions)
}

// hashesOf lists the term hashes a document currently contributes to an
// index, via its reverse postings.
func (w *Writer) hashesOf(index, key string) ([]uint64, error) {
	prefix := reversePrefix(index, key)
	hi := append(append([]byte{}, prefix[:len(prefix)-1]...), 1)
	iter, err := w.s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var hashes []uint64
	for valid := iter.First(); valid; valid = iter.Next() {
		if _, _, hash, ok := parseReverseKey(iter.Key()); ok {
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

// Lookup returns the keys of documents holding field=value in the given
// index. Colliding hashes are weeded out against the stored term; documents
// deleted since indexing are skipped (the sweep reclaims their postings).
func (w *Writer) Lookup(index, field, value string) ([]string, error) {
	prefix := postingPrefix(index, termHash(field, value))
	hi := append(append([]byte{}, prefix[:len(prefix)-1]...), 1)
	iter, err := w.s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	want := string(postingValue(field, value))
	var keys []string
	for valid := iter.First(); valid; valid = iter.Next() {
		if string(iter.Value()) != want {
			continue // hash collision with another term
		}
		key := string(iter.Key()[len(prefix):])
		if _, rerr := w.s.record(w.s.db, key); rerr == ErrDocumentUnknown {
			continue
		} else if rerr != nil {
			return nil, rerr
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Sweep scans reverse postings for documents that no longer exist and
// removes their entries, up to limit per run. It returns how many documents
// were reclaimed. The engine runs it as idle-cycle maintenance.
func (w *Writer) Sweep(ctx context.Context, limit int) int {
	lo, hi := keyspaceBounds(kReverse)
	iter, err := w.s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0
	}
	defer iter.Close()

	b := w.s.db.NewBatch()
	defer b.Close()
	reclaimed := 0
	lastMissing := ""
	for valid := iter.First(); valid && reclaimed < limit; valid = iter.Next() {
		if ctx.Err() != nil {
			break
		}
		index, key, hash, ok := parseReverseKey(iter.Key())
		if !ok {
			continue
		}
		if key != lastMissing {
			if _, rerr := w.s.record(w.s.db, key); rerr != ErrDocumentUnknown {
				continue
			}
			lastMissing = key
			reclaimed++
		}
		_ = b.Delete(postingKey(index, hash, key), nil)
		_ = b.Delete(reverseKey(index, key, hash), nil)
	}
	if b.Empty() {
		return 0
	}
	if err = w.s.db.Apply(b, w.s.opts.PebbleWriteOptions); err != nil {
		w.s.log.Error("posting sweep failed", "err", err)
		return 0
	}
	w.s.log.Debug("posting sweep reclaimed documents", "count", reclaimed)
	return reclaimed
}
