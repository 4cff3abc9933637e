package rangetable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Lister interface {
	ListAll(ctx context.Context) ([]Record, error)
}

// Cache serves point lookups from memory. A miss is never authoritative; the
// engine falls back to the repository.
type Cache interface {
	Lookup(amount decimal.Decimal) (*Record, bool)
	Refresh(ctx context.Context, src Lister) error
	Invalidate()
	Size() int
}

const (
	ActionCreated  = "created"
	ActionUpdated  = "updated"
	ActionDeleted  = "deleted"
	ActionReplaced = "replaced"
)

type Change struct {
	Table   string
	Action  string
	RangeID int64
	Count   int
}

type Notifier interface {
	RangeChanged(ctx context.Context, change Change) error
}

type Engine struct {
	def      Definition
	repo     Repository
	cache    Cache
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics

	// refreshMu orders cache reloads so a reload started later never
	// publishes an older snapshot.
	refreshMu sync.Mutex
}

func NewEngine(def Definition, repo Repository, cache Cache, notifier Notifier, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		def:      def,
		repo:     repo,
		cache:    cache,
		notifier: notifier,
		logger:   logger.With("table", def.Name),
		metrics:  metrics,
	}
}

func (e *Engine) Definition() Definition {
	return e.def
}

func (e *Engine) Create(ctx context.Context, min, max, value decimal.Decimal) (rec Record, err error) {
	defer e.observe("create", time.Now(), &err)

	err = e.repo.Atomically(ctx, func(ctx context.Context, tx Repository) error {
		if err := NewValidator(tx).ValidateNewRange(ctx, min, max, value); err != nil {
			return err
		}
		created, err := tx.Insert(ctx, Record{MinAmount: min, MaxAmount: max, Value: value})
		if err != nil {
			return err
		}
		rec = created
		return nil
	})
	if err != nil {
		return Record{}, e.fail("create", err)
	}

	e.afterWrite(ctx, Change{Table: e.def.Name, Action: ActionCreated, RangeID: rec.ID, Count: 1})
	return rec, nil
}

func (e *Engine) Update(ctx context.Context, id int64, patch Patch) (rec Record, err error) {
	defer e.observe("update", time.Now(), &err)

	err = e.repo.Atomically(ctx, func(ctx context.Context, tx Repository) error {
		if _, err := NewValidator(tx).ValidateUpdate(ctx, id, patch); err != nil {
			return err
		}
		updated, err := tx.Update(ctx, id, patch)
		if err != nil {
			return err
		}
		rec = updated
		return nil
	})
	if err != nil {
		return Record{}, e.fail("update", err)
	}

	e.afterWrite(ctx, Change{Table: e.def.Name, Action: ActionUpdated, RangeID: rec.ID, Count: 1})
	return rec, nil
}

func (e *Engine) Delete(ctx context.Context, id int64) (err error) {
	defer e.observe("delete", time.Now(), &err)

	err = e.repo.Atomically(ctx, func(ctx context.Context, tx Repository) error {
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return e.fail("delete", err)
	}

	e.afterWrite(ctx, Change{Table: e.def.Name, Action: ActionDeleted, RangeID: id, Count: 1})
	return nil
}

// Lookup returns the range covering amount.
func (e *Engine) Lookup(ctx context.Context, amount decimal.Decimal) (rec Record, err error) {
	defer e.observe("lookup", time.Now(), &err)

	if !amount.IsPositive() {
		return Record{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}

	if e.cache != nil {
		if hit, ok := e.cache.Lookup(amount); ok {
			e.countLookup("cache")
			return *hit, nil
		}
	}

	found, err := e.repo.FindContaining(ctx, amount)
	if err != nil {
		return Record{}, e.fail("lookup", err)
	}
	if found == nil {
		e.countLookup("no_match")
		return Record{}, fmt.Errorf("%w: %s", ErrNoMatch, amount)
	}
	e.countLookup("store")
	return *found, nil
}

func (e *Engine) ListAll(ctx context.Context) (records []Record, err error) {
	defer e.observe("list", time.Now(), &err)

	records, err = e.repo.ListAll(ctx)
	if err != nil {
		return nil, e.fail("list", err)
	}
	return records, nil
}

// BulkReplace swaps the whole table for records once every row is well formed
// and no two rows overlap. An empty batch clears the table.
func (e *Engine) BulkReplace(ctx context.Context, records []Record) (count int, err error) {
	defer e.observe("bulk_replace", time.Now(), &err)

	if err := checkBatch(records); err != nil {
		return 0, err
	}

	batch := make([]Record, len(records))
	for i, rec := range records {
		batch[i] = Record{MinAmount: rec.MinAmount, MaxAmount: rec.MaxAmount, Value: rec.Value}
	}

	err = e.repo.Atomically(ctx, func(ctx context.Context, tx Repository) error {
		n, err := tx.ReplaceAll(ctx, batch)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return 0, e.fail("bulk_replace", err)
	}

	e.afterWrite(ctx, Change{Table: e.def.Name, Action: ActionReplaced, Count: count})
	return count, nil
}

// RefreshCache reloads the lookup cache from the repository. A failed reload
// leaves the cache invalidated so lookups go to the store.
func (e *Engine) RefreshCache(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	start := time.Now()
	err := e.cache.Refresh(ctx, e.repo)
	refresh := e.metrics.RefreshMetrics(e.def.Name)
	if err != nil {
		e.cache.Invalidate()
		if refresh != nil {
			refresh.IncRefreshError()
		}
		return err
	}
	if refresh != nil {
		refresh.ObserveRefresh(time.Since(start))
		refresh.SetCacheSize(e.cache.Size())
	}
	return nil
}

func (e *Engine) afterWrite(ctx context.Context, change Change) {
	if err := e.RefreshCache(ctx); err != nil {
		e.logger.Error("range cache refresh failed", "error", err)
	}
	if e.notifier == nil {
		return
	}
	if err := e.notifier.RangeChanged(ctx, change); err != nil {
		e.logger.Warn("range change notification failed", "action", change.Action, "error", err)
	}
}

func checkBatch(records []Record) error {
	for i, rec := range records {
		if err := CheckBounds(rec.MinAmount, rec.MaxAmount, rec.Value); err != nil {
			return &RowError{Row: i, Err: err}
		}
	}

	// Sorted by lower bound, any overlapping pair implies an overlapping
	// neighbour pair.
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sortIndexesByMin(order, records)
	for k := 1; k < len(order); k++ {
		prev, cur := records[order[k-1]], records[order[k]]
		if prev.Overlaps(cur.MinAmount, cur.MaxAmount) {
			first, second := order[k-1], order[k]
			if first > second {
				first, second = second, first
			}
			return &BatchOverlapError{
				FirstRow:  first,
				SecondRow: second,
				First:     records[first],
				Second:    records[second],
			}
		}
	}
	return nil
}

func (e *Engine) fail(op string, err error) error {
	wrapped := storageErr(err)
	if errors.Is(wrapped, ErrStorage) {
		e.logger.Error("range storage failure", "operation", op, "error", err)
	}
	return wrapped
}

func (e *Engine) countLookup(source string) {
	if e.metrics == nil {
		return
	}
	e.metrics.Lookups.WithLabelValues(e.def.Name, source).Inc()
}

func (e *Engine) observe(op string, start time.Time, errp *error) {
	if e.metrics == nil {
		return
	}
	e.metrics.Operations.WithLabelValues(e.def.Name, op, statusLabel(*errp)).Inc()
	e.metrics.OperationDuration.WithLabelValues(e.def.Name, op).Observe(time.Since(start).Seconds())
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRange), errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrOverlap), errors.Is(err, ErrBatchOverlap):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNoMatch):
		return "no_match"
	default:
		return "error"
	}
}
