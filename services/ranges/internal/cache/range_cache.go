package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/rangetable"
)

// ErrInconsistent is returned by Load when the source holds overlapping rows.
var ErrInconsistent = errors.New("range cache: overlapping ranges")

type RefreshMetrics interface {
	ObserveRefresh(duration time.Duration)
	SetCacheSize(size int)
	IncRefreshError()
}

// RangeCache holds a table's rows sorted by lower bound. Until a successful
// Load, and after Invalidate, every lookup misses.
type RangeCache struct {
	// loadMu is held from ListAll until the swap, so loads publish in the
	// order they read.
	loadMu      sync.Mutex
	mu          sync.RWMutex
	records     []rangetable.Record
	ready       bool
	lastRefresh time.Time
}

func NewRangeCache() *RangeCache {
	return &RangeCache{}
}

func (c *RangeCache) Load(ctx context.Context, src rangetable.Lister) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	rows, err := src.ListAll(ctx)
	if err != nil {
		return err
	}

	sorted := make([]rangetable.Record, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if cmp := sorted[i].MinAmount.Cmp(sorted[j].MinAmount); cmp != 0 {
			return cmp < 0
		}
		return sorted[i].ID < sorted[j].ID
	})

	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Overlaps(cur.MinAmount, cur.MaxAmount) {
			c.Invalidate()
			return fmt.Errorf("%w: %d and %d", ErrInconsistent, prev.ID, cur.ID)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = sorted
	c.ready = true
	c.lastRefresh = time.Now()
	return nil
}

func (c *RangeCache) Refresh(ctx context.Context, src rangetable.Lister) error {
	return c.Load(ctx, src)
}

func (c *RangeCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	c.ready = false
}

func (c *RangeCache) Lookup(amount decimal.Decimal) (*rangetable.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.ready || len(c.records) == 0 {
		return nil, false
	}

	idx := sort.Search(len(c.records), func(i int) bool {
		return c.records[i].MinAmount.GreaterThan(amount)
	}) - 1
	if idx < 0 || !c.records[idx].Contains(amount) {
		return nil, false
	}

	out := c.records[idx]
	return &out, true
}

func (c *RangeCache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

func (c *RangeCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

func (c *RangeCache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

func (c *RangeCache) StartAutoRefresh(ctx context.Context, src rangetable.Lister, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("range cache refresh disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				start := time.Now()
				err := c.Refresh(refreshCtx, src)
				cancel()
				if err != nil {
					logger.Error("range cache refresh failed", "error", err)
					if metrics != nil {
						metrics.IncRefreshError()
					}
					continue
				}
				if metrics != nil {
					metrics.ObserveRefresh(time.Since(start))
					metrics.SetCacheSize(c.Size())
				}
				logger.Debug("range cache refreshed", "ranges", c.Size())
			}
		}
	}()
}
