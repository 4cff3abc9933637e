package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/rangetable"
)

const (
	lockTable = "range_table_locks"

	errOutOfRange = 1264

	// columnScale is the fractional precision of the decimal(38,18) columns.
	columnScale = 18
)

type rangeRow struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement"`
	MinAmount decimal.Decimal `gorm:"column:min_amount;type:decimal(38,18);not null;index:idx_min_id,priority:1"`
	MaxAmount decimal.Decimal `gorm:"column:max_amount;type:decimal(38,18);not null"`
	Value     decimal.Decimal `gorm:"column:value;type:decimal(38,18);not null"`
	CreatedAt time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt time.Time       `gorm:"column:updated_at;not null"`
}

func (r rangeRow) record() rangetable.Record {
	return rangetable.Record{
		ID:        r.ID,
		MinAmount: r.MinAmount,
		MaxAmount: r.MaxAmount,
		Value:     r.Value,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// tableLock has one row per range table. Writers lock it FOR UPDATE, which
// stands in for the advisory lock used on Postgres.
type tableLock struct {
	Name string `gorm:"column:name;primaryKey;size:64"`
}

func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return db, nil
}

// MigrateMySQL creates the range tables and their lock rows.
func MigrateMySQL(ctx context.Context, db *gorm.DB, tables ...string) error {
	if err := db.WithContext(ctx).Table(lockTable).AutoMigrate(&tableLock{}); err != nil {
		return fmt.Errorf("migrate %s: %w", lockTable, err)
	}
	for _, name := range tables {
		if err := db.WithContext(ctx).Table(name).AutoMigrate(&rangeRow{}); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		err := db.WithContext(ctx).Table(lockTable).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&tableLock{Name: name}).Error
		if err != nil {
			return fmt.Errorf("seed lock row %s: %w", name, err)
		}
	}
	return nil
}

// GormTable is the MySQL repository for one range table. MySQL has neither
// exclusion constraints nor schema-unique check names across both tables, so
// the range invariants rest on the validator running under the table lock.
type GormTable struct {
	db   *gorm.DB
	name string
	inTx bool
}

func NewGormTable(db *gorm.DB, name string) *GormTable {
	return &GormTable{db: db, name: name}
}

func (t *GormTable) Name() string {
	return t.name
}

func (t *GormTable) table(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx).Table(t.name)
}

func (t *GormTable) Insert(ctx context.Context, rec rangetable.Record) (rangetable.Record, error) {
	if err := checkScale(rec.MinAmount, rec.MaxAmount, rec.Value); err != nil {
		return rangetable.Record{}, err
	}
	row := rangeRow{MinAmount: rec.MinAmount, MaxAmount: rec.MaxAmount, Value: rec.Value}
	if err := t.table(ctx).Create(&row).Error; err != nil {
		return rangetable.Record{}, mapMySQLError(err)
	}
	return row.record(), nil
}

func (t *GormTable) Update(ctx context.Context, id int64, patch rangetable.Patch) (rangetable.Record, error) {
	current, err := t.FindByID(ctx, id)
	if err != nil {
		return rangetable.Record{}, err
	}
	if current == nil {
		return rangetable.Record{}, rangetable.ErrNotFound
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	for column, v := range map[string]*decimal.Decimal{
		"min_amount": patch.MinAmount,
		"max_amount": patch.MaxAmount,
		"value":      patch.Value,
	} {
		if v == nil {
			continue
		}
		if err := checkScale(*v); err != nil {
			return rangetable.Record{}, err
		}
		updates[column] = *v
	}
	if err := t.table(ctx).Where("id = ?", id).Updates(updates).Error; err != nil {
		return rangetable.Record{}, mapMySQLError(err)
	}

	updated, err := t.FindByID(ctx, id)
	if err != nil {
		return rangetable.Record{}, err
	}
	if updated == nil {
		return rangetable.Record{}, rangetable.ErrNotFound
	}
	return *updated, nil
}

func (t *GormTable) Delete(ctx context.Context, id int64) error {
	result := t.table(ctx).Where("id = ?", id).Delete(&rangeRow{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return rangetable.ErrNotFound
	}
	return nil
}

func (t *GormTable) FindByID(ctx context.Context, id int64) (*rangetable.Record, error) {
	var row rangeRow
	err := t.table(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := row.record()
	return &rec, nil
}

func (t *GormTable) FindOverlapping(ctx context.Context, min, max decimal.Decimal, excludeID int64) (*rangetable.Record, error) {
	q := t.table(ctx).Where("min_amount <= ? AND max_amount >= ?", max, min)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	return first(q)
}

func (t *GormTable) FindContaining(ctx context.Context, amount decimal.Decimal) (*rangetable.Record, error) {
	return first(t.table(ctx).Where("min_amount <= ? AND max_amount >= ?", amount, amount))
}

func (t *GormTable) ListAll(ctx context.Context) ([]rangetable.Record, error) {
	var rows []rangeRow
	if err := t.table(ctx).Order("min_amount ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]rangetable.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

func (t *GormTable) ReplaceAll(ctx context.Context, records []rangetable.Record) (int, error) {
	if !t.inTx {
		var n int
		err := t.Atomically(ctx, func(ctx context.Context, repo rangetable.Repository) error {
			var err error
			n, err = repo.ReplaceAll(ctx, records)
			return err
		})
		return n, err
	}

	for i, rec := range records {
		if err := checkScale(rec.MinAmount, rec.MaxAmount, rec.Value); err != nil {
			return 0, &rangetable.RowError{Row: i, Err: err}
		}
	}

	if err := t.table(ctx).Where("1 = 1").Delete(&rangeRow{}).Error; err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([]rangeRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, rangeRow{
			MinAmount: rec.MinAmount,
			MaxAmount: rec.MaxAmount,
			Value:     rec.Value,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := t.table(ctx).CreateInBatches(&rows, 500).Error; err != nil {
		return 0, mapMySQLError(err)
	}
	return len(rows), nil
}

// Atomically runs fn in a transaction that first locks the table's row in
// range_table_locks. Nested calls reuse the open transaction.
func (t *GormTable) Atomically(ctx context.Context, fn func(ctx context.Context, repo rangetable.Repository) error) error {
	if t.inTx {
		return fn(ctx, t)
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lock tableLock
		err := tx.Table(lockTable).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", t.name).
			Take(&lock).Error
		if err != nil {
			return fmt.Errorf("lock %s: %w", t.name, err)
		}
		return fn(ctx, &GormTable{db: tx, name: t.name, inTx: true})
	})
}

func first(q *gorm.DB) (*rangetable.Record, error) {
	var rows []rangeRow
	if err := q.Order("min_amount ASC, id ASC").Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := rows[0].record()
	return &rec, nil
}

// checkScale rejects amounts MySQL would round to fit the column, since a
// rounded pair can collapse to min == max.
func checkScale(values ...decimal.Decimal) error {
	for _, v := range values {
		if !v.Equal(v.Truncate(columnScale)) {
			return fmt.Errorf("%w: %s has more than %d decimal places", rangetable.ErrInvalidRange, v, columnScale)
		}
	}
	return nil
}

// mapMySQLError reports amounts that do not fit decimal(38,18) as invalid
// ranges.
func mapMySQLError(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	if myErr.Number == errOutOfRange {
		return fmt.Errorf("%w: %s", rangetable.ErrInvalidRange, myErr.Message)
	}
	return err
}
