package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/rangetable"
)

const (
	FeeRangesTable  = "withdrawal_fee_ranges"
	RateRangesTable = "withdrawal_rate_ranges"
)

const (
	codeCheckViolation     = "23514"
	codeExclusionViolation = "23P01"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Table is the Postgres repository for one range table. Values in the table
// created by NewTable run each statement on the pool; Atomically hands out a
// copy bound to a transaction.
type Table struct {
	pool  *pgxpool.Pool
	db    querier
	name  string
	ident string
	inTx  bool
}

func NewTable(pool *pgxpool.Pool, name string) *Table {
	return &Table{
		pool:  pool,
		db:    pool,
		name:  name,
		ident: pgx.Identifier{name}.Sanitize(),
	}
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) columns() string {
	return "id, min_amount::text, max_amount::text, value::text, created_at, updated_at"
}

func (t *Table) Insert(ctx context.Context, rec rangetable.Record) (rangetable.Record, error) {
	row := t.db.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (min_amount, max_amount, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING %s
	`, t.ident, t.columns()), rec.MinAmount.String(), rec.MaxAmount.String(), rec.Value.String(), time.Now().UTC())

	out, err := scanRecord(row)
	if err != nil {
		return rangetable.Record{}, mapError(err)
	}
	return out, nil
}

func (t *Table) Update(ctx context.Context, id int64, patch rangetable.Patch) (rangetable.Record, error) {
	row := t.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s
		SET min_amount = COALESCE($2::numeric, min_amount),
		    max_amount = COALESCE($3::numeric, max_amount),
		    value = COALESCE($4::numeric, value),
		    updated_at = $5
		WHERE id = $1
		RETURNING %s
	`, t.ident, t.columns()), id, decimalArg(patch.MinAmount), decimalArg(patch.MaxAmount), decimalArg(patch.Value), time.Now().UTC())

	out, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rangetable.Record{}, fmt.Errorf("%w: id %d", rangetable.ErrNotFound, id)
		}
		return rangetable.Record{}, mapError(err)
	}
	return out, nil
}

func (t *Table) Delete(ctx context.Context, id int64) error {
	tag, err := t.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t.ident), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", rangetable.ErrNotFound, id)
	}
	return nil
}

func (t *Table) FindByID(ctx context.Context, id int64) (*rangetable.Record, error) {
	row := t.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE id = $1
	`, t.columns(), t.ident), id)
	return scanOptional(row)
}

func (t *Table) FindOverlapping(ctx context.Context, min, max decimal.Decimal, excludeID int64) (*rangetable.Record, error) {
	row := t.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE min_amount <= $2::numeric
		  AND max_amount >= $1::numeric
		  AND ($3::bigint = 0 OR id <> $3::bigint)
		ORDER BY min_amount ASC, id ASC
		LIMIT 1
	`, t.columns(), t.ident), min.String(), max.String(), excludeID)
	return scanOptional(row)
}

func (t *Table) FindContaining(ctx context.Context, amount decimal.Decimal) (*rangetable.Record, error) {
	row := t.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE min_amount <= $1::numeric AND max_amount >= $1::numeric
		ORDER BY min_amount ASC, id ASC
		LIMIT 1
	`, t.columns(), t.ident), amount.String())
	return scanOptional(row)
}

func (t *Table) ListAll(ctx context.Context) ([]rangetable.Record, error) {
	rows, err := t.db.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		ORDER BY min_amount ASC, id ASC
	`, t.columns(), t.ident))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []rangetable.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ReplaceAll deletes every row and inserts records in one transaction.
func (t *Table) ReplaceAll(ctx context.Context, records []rangetable.Record) (int, error) {
	if !t.inTx {
		var n int
		err := t.Atomically(ctx, func(ctx context.Context, repo rangetable.Repository) error {
			var err error
			n, err = repo.ReplaceAll(ctx, records)
			return err
		})
		return n, err
	}

	if _, err := t.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, t.ident)); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	insert := fmt.Sprintf(`
		INSERT INTO %s (min_amount, max_amount, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, t.ident)
	for _, rec := range records {
		batch.Queue(insert, rec.MinAmount.String(), rec.MaxAmount.String(), rec.Value.String(), now)
	}

	results := t.db.SendBatch(ctx, batch)
	for i := range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("insert row %d: %w", i+1, mapError(err))
		}
	}
	if err := results.Close(); err != nil {
		return 0, mapError(err)
	}
	return len(records), nil
}

// Atomically runs fn inside a transaction holding an advisory lock keyed by
// the table name. Nested calls reuse the open transaction.
func (t *Table) Atomically(ctx context.Context, fn func(ctx context.Context, repo rangetable.Repository) error) error {
	if t.inTx {
		return fn(ctx, t)
	}

	tx, err := t.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.name); err != nil {
		return err
	}

	bound := &Table{pool: t.pool, db: tx, name: t.name, ident: t.ident, inTx: true}
	if err := fn(ctx, bound); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	committed = true
	return nil
}

func scanRecord(row pgx.Row) (rangetable.Record, error) {
	var (
		rec                  rangetable.Record
		minText, maxText, vt string
	)
	if err := row.Scan(&rec.ID, &minText, &maxText, &vt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return rangetable.Record{}, err
	}
	var err error
	if rec.MinAmount, err = decimal.NewFromString(minText); err != nil {
		return rangetable.Record{}, fmt.Errorf("parse min_amount: %w", err)
	}
	if rec.MaxAmount, err = decimal.NewFromString(maxText); err != nil {
		return rangetable.Record{}, fmt.Errorf("parse max_amount: %w", err)
	}
	if rec.Value, err = decimal.NewFromString(vt); err != nil {
		return rangetable.Record{}, fmt.Errorf("parse value: %w", err)
	}
	return rec, nil
}

func scanOptional(row pgx.Row) (*rangetable.Record, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func decimalArg(v *decimal.Decimal) any {
	if v == nil {
		return nil
	}
	return v.String()
}

// mapError turns constraint violations raised by the database into the
// matching range table errors.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeExclusionViolation:
		return fmt.Errorf("%w: %s", rangetable.ErrOverlap, pgErr.Message)
	case codeCheckViolation:
		return fmt.Errorf("%w: %s", rangetable.ErrInvalidRange, pgErr.ConstraintName)
	default:
		return err
	}
}
