package store

import (
	"context"
	"errors"
)

// Record is a schemaless item. Values are strings or float64 numbers,
// mirroring the S/N attribute split callers type against at runtime.
type Record map[string]any

// Key identifies a record by its key attribute values
type Key map[string]any

// String returns the named attribute as a string, or "" when absent
func (r Record) String(name string) string {
	if v, ok := r[name].(string); ok {
		return v
	}
	return ""
}

// Number returns the named attribute as a float64, or 0 when absent.
// String-typed numerics are not coerced; callers that wrote a number
// read a number back.
func (r Record) Number(name string) float64 {
	if v, ok := r[name].(float64); ok {
		return v
	}
	return 0
}

// Has reports whether the attribute is present and non-nil
func (r Record) Has(name string) bool {
	v, ok := r[name]
	return ok && v != nil
}

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table describes a table's key schema and secondary indexes
type Table struct {
	Name     string
	HashKey  string
	RangeKey string // empty for simple primary keys
	Indexes  []Index
}

// Index describes a secondary index usable in queries
type Index struct {
	Name     string
	HashKey  string
	RangeKey string
}

// FilterOp is a post-query filter operator
type FilterOp string

const (
	FilterEq       FilterOp = "eq"
	FilterContains FilterOp = "contains"
	FilterExists   FilterOp = "exists"
	FilterGt       FilterOp = "gt"
)

// Filter narrows query results on a non-key attribute
type Filter struct {
	Name  string
	Op    FilterOp
	Value any
}

// Query describes a secondary-index lookup: equality on the index hash
// key, optional begins_with on the index range key, optional filters.
type Query struct {
	Index       string
	HashValue   any
	RangePrefix string
	Filters     []Filter
}

// Condition guards a conditional write
type Condition struct {
	// NotExists names an attribute that must be absent for the write to apply
	NotExists string
}

// ChangeEvent classifies a change-feed record
type ChangeEvent string

const (
	ChangeInsert ChangeEvent = "INSERT"
	ChangeModify ChangeEvent = "MODIFY"
	ChangeRemove ChangeEvent = "REMOVE"
)

// Change is one before/after snapshot pair from a table's change feed.
// Before is nil on insert; After is nil on remove. The feed is
// at-least-once: consumers must tolerate redelivered batches.
type Change struct {
	Table  string
	Event  ChangeEvent
	Before Record
	After  Record
}

// ChangeHandler consumes one change-feed batch
type ChangeHandler func(ctx context.Context, changes []Change) error

var (
	// ErrNotFound is returned for point reads of absent records
	ErrNotFound = errors.New("record not found")
	// ErrConditionFailed is returned when a conditional write's guard does not hold
	ErrConditionFailed = errors.New("write condition failed")
)

// Store is a keyed record store with per-record conditional writes and
// secondary-index queries. There are no cross-record transactions; writes
// to the same key are last-write-wins.
type Store interface {
	Get(ctx context.Context, table string, key Key) (Record, error)
	Put(ctx context.Context, table string, rec Record) error
	// Update sets the given attributes on an existing or new record. A nil
	// condition applies unconditionally; otherwise ErrConditionFailed is
	// returned when the guard fails and nothing is written.
	Update(ctx context.Context, table string, key Key, set Record, cond *Condition) error
	// Add atomically adds delta to a numeric attribute, creating the
	// record (and attribute, from zero) when absent.
	Add(ctx context.Context, table string, key Key, attr string, delta int64) error
	Delete(ctx context.Context, table string, key Key) error
	Query(ctx context.Context, table string, q Query) ([]Record, error)
	Count(ctx context.Context, table string, q Query) (int, error)
	Scan(ctx context.Context, table string) ([]Record, error)
}
