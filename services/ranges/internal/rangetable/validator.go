package rangetable

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// CheckBounds applies the numeric rules every stored row satisfies.
func CheckBounds(min, max, value decimal.Decimal) error {
	if min.IsNegative() {
		return fmt.Errorf("%w: minimum amount must not be negative", ErrInvalidRange)
	}
	if max.LessThanOrEqual(min) {
		return fmt.Errorf("%w: maximum amount must be greater than minimum amount", ErrInvalidRange)
	}
	if !value.IsPositive() {
		return fmt.Errorf("%w: value must be positive", ErrInvalidRange)
	}
	return nil
}

// Validator checks candidate rows against the rows already in repo. Bind it
// to a transaction-scoped repository so the checks and the write agree.
type Validator struct {
	repo Repository
}

func NewValidator(repo Repository) *Validator {
	return &Validator{repo: repo}
}

func (v *Validator) ValidateNewRange(ctx context.Context, min, max, value decimal.Decimal) error {
	if err := CheckBounds(min, max, value); err != nil {
		return err
	}
	return v.checkOverlap(ctx, min, max, 0)
}

// ValidateUpdate returns the row as it would look after patch is applied.
func (v *Validator) ValidateUpdate(ctx context.Context, id int64, patch Patch) (Record, error) {
	if patch.Empty() {
		return Record{}, fmt.Errorf("%w: at least one field required", ErrInvalidRange)
	}
	current, err := v.repo.FindByID(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if current == nil {
		return Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	merged := patch.Apply(*current)
	if err := CheckBounds(merged.MinAmount, merged.MaxAmount, merged.Value); err != nil {
		return Record{}, err
	}
	if err := v.checkOverlap(ctx, merged.MinAmount, merged.MaxAmount, id); err != nil {
		return Record{}, err
	}
	return merged, nil
}

func (v *Validator) checkOverlap(ctx context.Context, min, max decimal.Decimal, excludeID int64) error {
	existing, err := v.repo.FindOverlapping(ctx, min, max, excludeID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: [%s, %s] conflicts with range %d [%s, %s]",
			ErrOverlap, min, max, existing.ID, existing.MinAmount, existing.MaxAmount)
	}
	return nil
}
