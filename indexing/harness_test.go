package indexing

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/drpcorg/sklad/docs"
)

// memStore is an in-memory Store implementation for engine and fetcher
// tests. Documents are held in etag order.
type memStore struct {
	mu         sync.Mutex
	docs       []*docs.Snapshot
	works      []IndexWork
	watermarks map[string]docs.Etag
	forceStale bool
	fetchCalls int
	fetchErr   error
	transacts  int
	onFetch    func()
}

func newMemStore() *memStore {
	return &memStore{watermarks: map[string]docs.Etag{}}
}

func (m *memStore) addDoc(key, entity string, seq uint64, data string) *docs.Snapshot {
	snap := &docs.Snapshot{
		Key:          key,
		Etag:         docs.MakeEtag(0, seq),
		LastModified: time.Unix(int64(seq), 0).UTC(),
		Size:         int64(len(data)),
		Metadata:     docs.Metadata{docs.MetaEntity: entity},
		Data:         json.RawMessage(data),
	}
	m.mu.Lock()
	m.docs = append(m.docs, snap)
	m.mu.Unlock()
	return snap
}

func (m *memStore) addIndex(name string, entities ...string) {
	m.mu.Lock()
	m.works = append(m.works, IndexWork{Name: name, Entities: entities})
	m.mu.Unlock()
}

func (m *memStore) setWatermark(name string, tag docs.Etag) {
	m.mu.Lock()
	m.watermarks[name] = tag
	m.mu.Unlock()
}

func (m *memStore) watermark(name string) docs.Etag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[name]
}

func (m *memStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

func (m *memStore) Indexes() ([]IndexWork, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IndexWork, len(m.works))
	for i, w := range m.works {
		w.LastIndexed = m.watermarks[w.Name]
		out[i] = w
	}
	return out, nil
}

func (m *memStore) IsStale(index string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forceStale {
		return true
	}
	if len(m.docs) == 0 {
		return false
	}
	last := m.docs[len(m.docs)-1].Etag
	return m.watermarks[index].Compare(last) < 0
}

func (m *memStore) DocumentsAfter(ctx context.Context, after docs.Etag, limits FetchLimits) ([]*docs.Snapshot, error) {
	if m.onFetch != nil {
		m.onFetch()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var (
		out   []*docs.Snapshot
		bytes int64
	)
	for _, d := range m.docs {
		if d.Etag.Compare(after) <= 0 {
			continue
		}
		out = append(out, d)
		bytes += d.Size
		if limits.MaxDocs > 0 && len(out) >= limits.MaxDocs {
			break
		}
		if limits.MaxBytes > 0 && bytes >= limits.MaxBytes {
			break
		}
	}
	return out, nil
}

func (m *memStore) Transact(fn func(tx WatermarkTx) error) error {
	tx := &memTx{marks: map[string]docs.Etag{}}
	if err := fn(tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transacts++
	for name, tag := range tx.marks {
		m.watermarks[name] = tag
	}
	return nil
}

type memTx struct {
	marks map[string]docs.Etag
}

func (tx *memTx) UpdateWatermark(index string, tag docs.Etag, _ time.Time) error {
	tx.marks[index] = tag
	return nil
}

// memRegistry maps index names to projections.
type memRegistry struct {
	mu          sync.Mutex
	projections map[string]Projection
}

func newMemRegistry() *memRegistry {
	return &memRegistry{projections: map[string]Projection{}}
}

func (r *memRegistry) set(name string, p Projection) {
	r.mu.Lock()
	r.projections[name] = p
	r.mu.Unlock()
}

func (r *memRegistry) Projection(index string) (Projection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projections[index]
	return p, ok
}

func passProj(string, json.RawMessage) ([]Entry, error) {
	return nil, nil
}

// memWriter records every batch it receives, optionally failing or running
// a hook per index.
type memWriter struct {
	mu      sync.Mutex
	batches map[string][]*Batch
	errs    map[string]error
	hook    func(ctx context.Context, index string) error
}

func newMemWriter() *memWriter {
	return &memWriter{batches: map[string][]*Batch{}, errs: map[string]error{}}
}

func (w *memWriter) IndexBatch(ctx context.Context, index string, _ Projection, batch *Batch) error {
	w.mu.Lock()
	w.batches[index] = append(w.batches[index], batch)
	err := w.errs[index]
	hook := w.hook
	w.mu.Unlock()
	if hook != nil {
		if herr := hook(ctx, index); herr != nil {
			return herr
		}
	}
	return err
}

func (w *memWriter) setErr(index string, err error) {
	w.mu.Lock()
	w.errs[index] = err
	w.mu.Unlock()
}

func (w *memWriter) batchCount(index string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches[index])
}

func (w *memWriter) items(index string) []Item {
	w.mu.Lock()
	defer w.mu.Unlock()
	var items []Item
	for _, b := range w.batches[index] {
		items = append(items, b.Items...)
	}
	return items
}

// stubTuner recommends fixed limits and records observations.
type stubTuner struct {
	limits FetchLimits

	mu       sync.Mutex
	observed []int
}

func (t *stubTuner) Recommend() FetchLimits {
	return t.limits
}

func (t *stubTuner) Observe(docCount int, _ int64, _ time.Duration) {
	t.mu.Lock()
	t.observed = append(t.observed, docCount)
	t.mu.Unlock()
}

func (t *stubTuner) observations() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.observed...)
}

// testLogger records every message for assertions.
type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) record(msg string) {
	l.mu.Lock()
	l.lines = append(l.lines, msg)
	l.mu.Unlock()
}

func (l *testLogger) has(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func (l *testLogger) Debug(msg string, _ ...any) { l.record(msg) }
func (l *testLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *testLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *testLogger) Error(msg string, _ ...any) { l.record(msg) }

func (l *testLogger) DebugCtx(_ context.Context, msg string, _ ...any) { l.record(msg) }
func (l *testLogger) InfoCtx(_ context.Context, msg string, _ ...any)  { l.record(msg) }
func (l *testLogger) WarnCtx(_ context.Context, msg string, _ ...any)  { l.record(msg) }
func (l *testLogger) ErrorCtx(_ context.Context, msg string, _ ...any) { l.record(msg) }

// hideFlagged filters out documents flagged hidden in metadata.
type hideFlagged struct{}

func (hideFlagged) Filter(s *docs.Snapshot) Content {
	if s.Metadata[docs.MetaHidden] == "true" {
		return FilteredOut()
	}
	return Indexed(s.Data)
}
