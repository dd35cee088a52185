package sklad

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/drpcorg/sklad/indexing"
)

// IndexDefinition declares one index: which entities it covers (empty =
// all) and which dotted-path fields of the document JSON it projects into
// index entries.
type IndexDefinition struct {
	Name     string   `json:"name"`
	Entities []string `json:"entities,omitempty"`
	Fields   []string `json:"fields"`
}

// stored under the 'X' keyspace; Revision is the etag minted at creation
// and lets cached projections detect a redefined index.
type definitionRecord struct {
	IndexDefinition
	Revision string `json:"revision"`
}

// CreateIndex declares a new index. The fresh index starts with a zero
// watermark, so the engine picks it up on its next cycle.
func (s *Store) CreateIndex(def IndexDefinition) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !validName(def.Name) || len(def.Fields) == 0 {
		return ErrBadDefinition
	}
	_, closer, err := s.db.Get(definitionKey(def.Name))
	if err == nil {
		_ = closer.Close()
		return ErrIndexExists
	}
	if err != pebble.ErrNotFound {
		return err
	}
	rec := definitionRecord{IndexDefinition: def, Revision: s.mint().String()}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err = s.db.Set(definitionKey(def.Name), val, s.opts.PebbleWriteOptions); err != nil {
		return err
	}
	s.log.Info("index created", "index", def.Name, "fields", def.Fields, "entities", def.Entities)
	s.notify()
	return nil
}

// DropIndex removes an index: its definition, watermark and every posting,
// in one batch.
func (s *Store) DropIndex(name string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.definition(name); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(definitionKey(name), nil)
	_ = b.Delete(watermarkKey(name), nil)
	lo, hi := indexKeyspaceBounds(kPosting, name)
	_ = b.DeleteRange(lo, hi, nil)
	lo, hi = indexKeyspaceBounds(kReverse, name)
	_ = b.DeleteRange(lo, hi, nil)
	if err := s.db.Apply(b, s.opts.PebbleWriteOptions); err != nil {
		return err
	}
	s.log.Info("index dropped", "index", name)
	return nil
}

func (s *Store) definition(name string) (*definitionRecord, error) {
	val, closer, err := s.db.Get(definitionKey(name))
	if err == pebble.ErrNotFound {
		return nil, ErrIndexUnknown
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	rec := &definitionRecord{}
	if err = json.Unmarshal(val, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) definitions() ([]*definitionRecord, error) {
	lo, hi := keyspaceBounds(kDefinition)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var defs []*definitionRecord
	for valid := iter.First(); valid; valid = iter.Next() {
		rec := &definitionRecord{}
		if err = json.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		defs = append(defs, rec)
	}
	return defs, nil
}

type compiledProjection struct {
	revision string
	proj     indexing.Projection
}

// Registry resolves index names to compiled projections, caching compiled
// ones in an LRU keyed by name and invalidated by definition revision.
type Registry struct {
	s     *Store
	cache *lru.Cache[string, compiledProjection]
}

func NewRegistry(s *Store) *Registry {
	cache, _ := lru.New[string, compiledProjection](s.opts.ProjectionCacheSize)
	return &Registry{s: s, cache: cache}
}

func (r *Registry) Projection(index string) (indexing.Projection, bool) {
	def, err := r.s.definition(index)
	if err != nil {
		return nil, false
	}
	if cached, ok := r.cache.Get(index); ok && cached.revision == def.Revision {
		return cached.proj, true
	}
	proj := compileProjection(def.IndexDefinition)
	r.cache.Add(index, compiledProjection{revision: def.Revision, proj: proj})
	return proj, true
}

// compileProjection turns a definition into the per-document projection:
// each declared dotted path is walked into the document JSON, scalar leaves
// become entries, arrays fan out one entry per element.
func compileProjection(def IndexDefinition) indexing.Projection {
	paths := make([][]string, len(def.Fields))
	for i, f := range def.Fields {
		paths[i] = strings.Split(f, ".")
	}
	return func(key string, value json.RawMessage) ([]indexing.Entry, error) {
		var doc any
		if err := json.Unmarshal(value, &doc); err != nil {
			return nil, err
		}
		var entries []indexing.Entry
		for i, path := range paths {
			for _, leaf := range walkPath(doc, path) {
				term, ok := renderTerm(leaf)
				if !ok {
					continue
				}
				entries = append(entries, indexing.Entry{Field: def.Fields[i], Value: term})
			}
		}
		return entries, nil
	}
}

func walkPath(node any, path []string) []any {
	if len(path) == 0 {
		if list, ok := node.([]any); ok {
			return list
		}
		return []any{node}
	}
	switch t := node.(type) {
	case map[string]any:
		child, ok := t[path[0]]
		if !ok {
			return nil
		}
		return walkPath(child, path[1:])
	case []any:
		var out []any
		for _, item := range t {
			out = append(out, walkPath(item, path)...)
		}
		return out
	default:
		return nil
	}
}

func renderTerm(leaf any) (string, bool) {
	switch t := leaf.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		// null and nested structures are not indexable terms
		return "", false
	}
}
