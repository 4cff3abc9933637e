package rangetable

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRange = errors.New("invalid range")
	ErrInvalidInput = errors.New("invalid input")
	ErrOverlap      = errors.New("range overlaps an existing range")
	ErrBatchOverlap = errors.New("ranges in batch overlap")
	ErrNotFound     = errors.New("range not found")
	ErrNoMatch      = errors.New("no range covers amount")
	ErrStorage      = errors.New("storage failure")
)

// BatchOverlapError names the two rows of an upload that collide. Rows are
// zero based positions in the submitted batch.
type BatchOverlapError struct {
	FirstRow  int
	SecondRow int
	First     Record
	Second    Record
}

func (e *BatchOverlapError) Error() string {
	return fmt.Sprintf("%s: row %d [%s, %s] and row %d [%s, %s]",
		ErrBatchOverlap.Error(),
		e.FirstRow+1, e.First.MinAmount, e.First.MaxAmount,
		e.SecondRow+1, e.Second.MinAmount, e.Second.MaxAmount,
	)
}

func (e *BatchOverlapError) Unwrap() error { return ErrBatchOverlap }

// RowError carries the batch position of an ill-formed row.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row+1, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// storageErr tags err as a persistence failure unless it already carries one
// of the package's domain sentinels.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if isDomainErr(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

func isDomainErr(err error) bool {
	for _, target := range []error{ErrInvalidRange, ErrInvalidInput, ErrOverlap, ErrBatchOverlap, ErrNotFound, ErrNoMatch, ErrStorage} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
