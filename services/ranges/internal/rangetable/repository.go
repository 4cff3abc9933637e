package rangetable

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// Repository persists the rows of a single range table.
//
// FindByID, FindOverlapping and FindContaining return nil, nil when nothing
// matches. Update and Delete return ErrNotFound for an unknown id.
type Repository interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, id int64, patch Patch) (Record, error)
	Delete(ctx context.Context, id int64) error
	FindByID(ctx context.Context, id int64) (*Record, error)
	// FindOverlapping ignores the row with excludeID; zero excludes nothing.
	FindOverlapping(ctx context.Context, min, max decimal.Decimal, excludeID int64) (*Record, error)
	// FindContaining prefers the smallest MinAmount, then the smallest id.
	FindContaining(ctx context.Context, amount decimal.Decimal) (*Record, error)
	// ListAll is ordered by MinAmount, then id.
	ListAll(ctx context.Context) ([]Record, error)
	ReplaceAll(ctx context.Context, records []Record) (int, error)
	// Atomically runs fn against a repository bound to one transaction that
	// holds the table's write lock. fn's error rolls the transaction back.
	Atomically(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

func sortByMin(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if c := records[i].MinAmount.Cmp(records[j].MinAmount); c != 0 {
			return c < 0
		}
		return records[i].ID < records[j].ID
	})
}

func sortIndexesByMin(order []int, records []Record) {
	sort.SliceStable(order, func(i, j int) bool {
		return records[order[i]].MinAmount.LessThan(records[order[j]].MinAmount)
	})
}
