package rangetable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryRepository keeps a table in process memory. Writes are serialized
// and applied to a copy that replaces the live table only when the
// transaction succeeds.
type MemoryRepository struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	table   *memTable
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		table: newMemTable(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, rec Record) (out Record, err error) {
	err = r.Atomically(ctx, func(ctx context.Context, tx Repository) error {
		out, err = tx.Insert(ctx, rec)
		return err
	})
	return out, err
}

func (r *MemoryRepository) Update(ctx context.Context, id int64, patch Patch) (out Record, err error) {
	err = r.Atomically(ctx, func(ctx context.Context, tx Repository) error {
		out, err = tx.Update(ctx, id, patch)
		return err
	})
	return out, err
}

func (r *MemoryRepository) Delete(ctx context.Context, id int64) error {
	return r.Atomically(ctx, func(ctx context.Context, tx Repository) error {
		return tx.Delete(ctx, id)
	})
}

func (r *MemoryRepository) ReplaceAll(ctx context.Context, records []Record) (n int, err error) {
	err = r.Atomically(ctx, func(ctx context.Context, tx Repository) error {
		n, err = tx.ReplaceAll(ctx, records)
		return err
	})
	return n, err
}

func (r *MemoryRepository) FindByID(_ context.Context, id int64) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.findByID(id), nil
}

func (r *MemoryRepository) FindOverlapping(_ context.Context, min, max decimal.Decimal, excludeID int64) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.findOverlapping(min, max, excludeID), nil
}

func (r *MemoryRepository) FindContaining(_ context.Context, amount decimal.Decimal) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.findContaining(amount), nil
}

func (r *MemoryRepository) ListAll(_ context.Context) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.listAll(), nil
}

func (r *MemoryRepository) Atomically(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	working := r.table.clone()
	r.mu.RUnlock()

	if err := fn(ctx, &memTx{table: working, now: r.now}); err != nil {
		return err
	}

	r.mu.Lock()
	r.table = working
	r.mu.Unlock()
	return nil
}

type memTx struct {
	table *memTable
	now   func() time.Time
}

func (t *memTx) Insert(_ context.Context, rec Record) (Record, error) {
	return t.table.insert(rec, t.now()), nil
}

func (t *memTx) Update(_ context.Context, id int64, patch Patch) (Record, error) {
	return t.table.update(id, patch, t.now())
}

func (t *memTx) Delete(_ context.Context, id int64) error {
	return t.table.delete(id)
}

func (t *memTx) FindByID(_ context.Context, id int64) (*Record, error) {
	return t.table.findByID(id), nil
}

func (t *memTx) FindOverlapping(_ context.Context, min, max decimal.Decimal, excludeID int64) (*Record, error) {
	return t.table.findOverlapping(min, max, excludeID), nil
}

func (t *memTx) FindContaining(_ context.Context, amount decimal.Decimal) (*Record, error) {
	return t.table.findContaining(amount), nil
}

func (t *memTx) ListAll(_ context.Context) ([]Record, error) {
	return t.table.listAll(), nil
}

func (t *memTx) ReplaceAll(_ context.Context, records []Record) (int, error) {
	return t.table.replaceAll(records, t.now()), nil
}

func (t *memTx) Atomically(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return fn(ctx, t)
}

type memTable struct {
	nextID int64
	rows   map[int64]Record
}

func newMemTable() *memTable {
	return &memTable{nextID: 1, rows: make(map[int64]Record)}
}

func (m *memTable) clone() *memTable {
	out := &memTable{nextID: m.nextID, rows: make(map[int64]Record, len(m.rows))}
	for id, rec := range m.rows {
		out.rows[id] = rec
	}
	return out
}

func (m *memTable) insert(rec Record, now time.Time) Record {
	rec.ID = m.nextID
	m.nextID++
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.rows[rec.ID] = rec
	return rec
}

func (m *memTable) update(id int64, patch Patch, now time.Time) (Record, error) {
	rec, ok := m.rows[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	rec = patch.Apply(rec)
	rec.UpdatedAt = now
	m.rows[id] = rec
	return rec, nil
}

func (m *memTable) delete(id int64) error {
	if _, ok := m.rows[id]; !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	delete(m.rows, id)
	return nil
}

func (m *memTable) findByID(id int64) *Record {
	rec, ok := m.rows[id]
	if !ok {
		return nil
	}
	return &rec
}

func (m *memTable) findOverlapping(min, max decimal.Decimal, excludeID int64) *Record {
	for _, rec := range m.listAll() {
		if excludeID != 0 && rec.ID == excludeID {
			continue
		}
		if rec.Overlaps(min, max) {
			return &rec
		}
	}
	return nil
}

func (m *memTable) findContaining(amount decimal.Decimal) *Record {
	for _, rec := range m.listAll() {
		if rec.Contains(amount) {
			return &rec
		}
	}
	return nil
}

func (m *memTable) listAll() []Record {
	out := make([]Record, 0, len(m.rows))
	for _, rec := range m.rows {
		out = append(out, rec)
	}
	sortByMin(out)
	return out
}

func (m *memTable) replaceAll(records []Record, now time.Time) int {
	m.rows = make(map[int64]Record, len(records))
	for _, rec := range records {
		m.insert(rec, now)
	}
	return len(records)
}
