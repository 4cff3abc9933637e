package rangetable

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is one closed interval [MinAmount, MaxAmount] and the value that
// applies to every amount inside it.
type Record struct {
	ID        int64
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	Value     decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Record) Contains(amount decimal.Decimal) bool {
	return r.MinAmount.LessThanOrEqual(amount) && r.MaxAmount.GreaterThanOrEqual(amount)
}

// Overlaps uses inclusive bounds on both sides, so [0,100] and [100,200]
// overlap.
func (r Record) Overlaps(min, max decimal.Decimal) bool {
	return r.MinAmount.LessThanOrEqual(max) && r.MaxAmount.GreaterThanOrEqual(min)
}

// Patch is a partial update. Nil fields keep the stored value.
type Patch struct {
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	Value     *decimal.Decimal
}

func (p Patch) Empty() bool {
	return p.MinAmount == nil && p.MaxAmount == nil && p.Value == nil
}

func (p Patch) Apply(r Record) Record {
	if p.MinAmount != nil {
		r.MinAmount = *p.MinAmount
	}
	if p.MaxAmount != nil {
		r.MaxAmount = *p.MaxAmount
	}
	if p.Value != nil {
		r.Value = *p.Value
	}
	return r
}

