package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/store"
)

// Realtime metric names
const (
	MetricOnline    = "AGENTS_ONLINE"
	MetricAvailable = "AGENTS_AVAILABLE"
	MetricOnCall    = "AGENTS_ON_CALL"
	MetricQueued    = "CONTACTS_IN_QUEUE"
	MetricCallbacks = "CONTACTS_IN_QUEUE_OUTBOUND"
)

// KindRealtime partitions the live counter items
const KindRealtime = "realtime"

// Record attribute names
const (
	attrKind  = "kind"
	attrName  = "name"
	attrValue = "value"
)

// LocaleKey scopes a metric name to one language tag
func LocaleKey(metric, locale string) string {
	return metric + "#" + locale
}

// Counters is the realtime counter store
type Counters struct {
	db     store.Store
	table  string
	logger zerolog.Logger
}

// NewCounters creates a counter store on the given table
func NewCounters(db store.Store, table string, logger zerolog.Logger) *Counters {
	return &Counters{
		db:     db,
		table:  table,
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Add atomically moves the named counter by delta, creating it at zero
// when absent
func (c *Counters) Add(ctx context.Context, name string, delta int64) error {
	if delta == 0 {
		return nil
	}
	key := store.Key{attrKind: KindRealtime, attrName: name}
	if err := c.db.Add(ctx, c.table, key, attrValue, delta); err != nil {
		return fmt.Errorf("failed to move counter %s: %w", name, err)
	}
	c.logger.Debug().Str("metric", name).Int64("delta", delta).Msg("counter moved")
	return nil
}

// Set overwrites the named counter
func (c *Counters) Set(ctx context.Context, name string, value float64) error {
	key := store.Key{attrKind: KindRealtime, attrName: name}
	err := c.db.Update(ctx, c.table, key, store.Record{attrValue: value}, nil)
	if err != nil {
		return fmt.Errorf("failed to set counter %s: %w", name, err)
	}
	return nil
}

// Get reads one counter, zero when absent
func (c *Counters) Get(ctx context.Context, name string) (float64, error) {
	rec, err := c.db.Get(ctx, c.table, store.Key{attrKind: KindRealtime, attrName: name})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read counter %s: %w", name, err)
	}
	return rec.Number(attrValue), nil
}

// Snapshot reads every realtime counter
func (c *Counters) Snapshot(ctx context.Context) (map[string]float64, error) {
	recs, err := c.db.Query(ctx, c.table, store.Query{HashValue: KindRealtime})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot counters: %w", err)
	}
	out := make(map[string]float64, len(recs))
	for _, rec := range recs {
		out[rec.String(attrName)] = rec.Number(attrValue)
	}
	return out, nil
}
