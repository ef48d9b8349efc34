package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a fully functional in-process Store used for tests and
// for running without DynamoDB. It implements conditional writes, index
// queries, and a synchronous change feed over the same contract the
// DynamoDB backend provides.
type MemoryStore struct {
	mu       sync.RWMutex
	tables   map[string]Table
	items    map[string]map[string]Record // table -> encoded key -> record
	watchers map[string][]ChangeHandler
}

// NewMemoryStore creates a memory store serving the given tables
func NewMemoryStore(tables []Table) *MemoryStore {
	byName := make(map[string]Table, len(tables))
	items := make(map[string]map[string]Record, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
		items[t.Name] = make(map[string]Record)
	}
	return &MemoryStore{
		tables:   byName,
		items:    items,
		watchers: make(map[string][]ChangeHandler),
	}
}

// Watch registers a change-feed handler for a table. Handlers run
// synchronously after each mutation, one single-change batch at a time.
func (s *MemoryStore) Watch(table string, h ChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers[table] = append(s.watchers[table], h)
}

func (s *MemoryStore) keyOf(t Table, rec Record) (string, error) {
	hash, ok := rec[t.HashKey]
	if !ok {
		return "", fmt.Errorf("record missing hash key %s", t.HashKey)
	}
	if t.RangeKey == "" {
		return fmt.Sprint(hash), nil
	}
	rng, ok := rec[t.RangeKey]
	if !ok {
		return "", fmt.Errorf("record missing range key %s", t.RangeKey)
	}
	return fmt.Sprint(hash) + "\x00" + fmt.Sprint(rng), nil
}

func (s *MemoryStore) encodeKey(t Table, key Key) string {
	if t.RangeKey == "" {
		return fmt.Sprint(key[t.HashKey])
	}
	return fmt.Sprint(key[t.HashKey]) + "\x00" + fmt.Sprint(key[t.RangeKey])
}

func (s *MemoryStore) table(name string) (Table, map[string]Record, error) {
	t, ok := s.tables[name]
	if !ok {
		return Table{}, nil, fmt.Errorf("unknown table %s", name)
	}
	return t, s.items[name], nil
}

func (s *MemoryStore) Get(_ context.Context, table string, key Key) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, items, err := s.table(table)
	if err != nil {
		return nil, err
	}
	rec, ok := items[s.encodeKey(t, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, table string, rec Record) error {
	s.mu.Lock()
	t, items, err := s.table(table)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	k, err := s.keyOf(t, rec)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	before := items[k]
	stored := rec.Clone()
	items[k] = stored
	handlers := s.watchers[table]
	s.mu.Unlock()

	s.emit(ctx, handlers, table, before, stored)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, table string, key Key, set Record, cond *Condition) error {
	s.mu.Lock()
	t, items, err := s.table(table)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	k := s.encodeKey(t, key)
	before := items[k]

	if cond != nil && cond.NotExists != "" && before != nil && before.Has(cond.NotExists) {
		s.mu.Unlock()
		return ErrConditionFailed
	}

	after := before.Clone()
	if after == nil {
		after = Record{}
		for name, v := range key {
			after[name] = v
		}
	}
	for name, v := range set {
		if v == nil {
			delete(after, name)
			continue
		}
		after[name] = v
	}
	items[k] = after
	handlers := s.watchers[table]
	s.mu.Unlock()

	s.emit(ctx, handlers, table, before, after)
	return nil
}

func (s *MemoryStore) Add(ctx context.Context, table string, key Key, attr string, delta int64) error {
	s.mu.Lock()
	t, items, err := s.table(table)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	k := s.encodeKey(t, key)
	before := items[k]
	after := before.Clone()
	if after == nil {
		after = Record{}
		for name, v := range key {
			after[name] = v
		}
	}
	after[attr] = after.Number(attr) + float64(delta)
	items[k] = after
	handlers := s.watchers[table]
	s.mu.Unlock()

	s.emit(ctx, handlers, table, before, after)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, table string, key Key) error {
	s.mu.Lock()
	t, items, err := s.table(table)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	k := s.encodeKey(t, key)
	before, ok := items[k]
	if ok {
		delete(items, k)
	}
	handlers := s.watchers[table]
	s.mu.Unlock()

	if ok {
		s.emit(ctx, handlers, table, before, nil)
	}
	return nil
}

func (s *MemoryStore) Query(_ context.Context, table string, q Query) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, items, err := s.table(table)
	if err != nil {
		return nil, err
	}

	hashAttr, rangeAttr := t.HashKey, t.RangeKey
	if q.Index != "" {
		found := false
		for _, idx := range t.Indexes {
			if idx.Name == q.Index {
				hashAttr, rangeAttr = idx.HashKey, idx.RangeKey
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown index %s on table %s", q.Index, table)
		}
	}

	var out []Record
	for _, rec := range items {
		if fmt.Sprint(rec[hashAttr]) != fmt.Sprint(q.HashValue) || !rec.Has(hashAttr) {
			continue
		}
		if q.RangePrefix != "" {
			if rangeAttr == "" || !strings.HasPrefix(rec.String(rangeAttr), q.RangePrefix) {
				continue
			}
		}
		if !matchFilters(rec, q.Filters) {
			continue
		}
		out = append(out, rec.Clone())
	}

	// Deterministic order for callers and tests
	sort.Slice(out, func(i, j int) bool {
		return s.mustKey(t, out[i]) < s.mustKey(t, out[j])
	})
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, table string, q Query) (int, error) {
	recs, err := s.Query(ctx, table, q)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (s *MemoryStore) Scan(_ context.Context, table string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, items, err := s.table(table)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(items))
	for _, rec := range items {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return s.mustKey(t, out[i]) < s.mustKey(t, out[j])
	})
	return out, nil
}

func (s *MemoryStore) mustKey(t Table, rec Record) string {
	k, _ := s.keyOf(t, rec)
	return k
}

func (s *MemoryStore) emit(ctx context.Context, handlers []ChangeHandler, table string, before, after Record) {
	if len(handlers) == 0 {
		return
	}
	event := ChangeModify
	switch {
	case before == nil:
		event = ChangeInsert
	case after == nil:
		event = ChangeRemove
	}
	batch := []Change{{
		Table:  table,
		Event:  event,
		Before: before.Clone(),
		After:  after.Clone(),
	}}
	for _, h := range handlers {
		// Feed handlers are best-effort; a failing handler must not fail the write
		_ = h(ctx, batch)
	}
}

func matchFilters(rec Record, filters []Filter) bool {
	for _, f := range filters {
		switch f.Op {
		case FilterEq:
			if fmt.Sprint(rec[f.Name]) != fmt.Sprint(f.Value) || !rec.Has(f.Name) {
				return false
			}
		case FilterContains:
			if !strings.Contains(rec.String(f.Name), fmt.Sprint(f.Value)) {
				return false
			}
		case FilterExists:
			if !rec.Has(f.Name) {
				return false
			}
		case FilterGt:
			want, ok := f.Value.(float64)
			if !ok || rec.Number(f.Name) <= want {
				return false
			}
		default:
			return false
		}
	}
	return true
}
