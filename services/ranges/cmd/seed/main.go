package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/AfshinJalili/withdrawal-ranges/libs/logging"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/importer"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/rangetable"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/storage"
)

type seedRange struct {
	min   string
	max   string
	value string
}

var defaultRanges = map[string][]seedRange{
	rangetable.FeeRanges.Table: {
		{"0", "100", "1.5"},
		{"100.01", "1000", "5"},
		{"1000.01", "10000", "25"},
	},
	rangetable.RateRanges.Table: {
		{"0", "1000", "0.02"},
		{"1000.01", "10000", "0.015"},
		{"10000.01", "100000", "0.01"},
	},
}

func main() {
	env := getEnv("RANGES_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: RANGES_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "withdrawal_ranges")
	user := getEnv("POSTGRES_USER", "ranges")
	password := getEnv("POSTGRES_PASSWORD", "ranges")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	if err := storage.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	fmt.Println("Seeding database...")

	logger := logging.NewLogger("warn", "ranges-seed", env)
	for _, def := range rangetable.Definitions() {
		engine := rangetable.NewEngine(def, storage.NewTable(pool, def.Table), nil, nil, logger, nil)

		records, err := seedRecords(def)
		if err != nil {
			log.Fatalf("seed %s ranges: %v", def.Name, err)
		}
		count, err := engine.BulkReplace(ctx, records)
		if err != nil {
			log.Fatalf("seed %s ranges: %v", def.Name, err)
		}
		fmt.Printf("✓ %d %s ranges seeded\n", count, def.Name)
	}

	fmt.Println("\n=== Seed Complete ===")
}

// seedRecords prefers an import file named by SEED_<NAME>_FILE, then the
// test fixtures when SEED_TESTDATA=1, then the defaults.
func seedRecords(def rangetable.Definition) ([]rangetable.Record, error) {
	if path := os.Getenv(fileEnv(def)); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return importer.New(def.Columns).Normalize(data, importer.MediaTypeFor("", path))
	}

	rows := defaultRanges[def.Table]
	if os.Getenv("SEED_TESTDATA") == "1" {
		rows = testRanges[def.Table]
	}
	return toRecords(rows)
}

func toRecords(rows []seedRange) ([]rangetable.Record, error) {
	records := make([]rangetable.Record, 0, len(rows))
	for _, row := range rows {
		min, err := decimal.NewFromString(row.min)
		if err != nil {
			return nil, err
		}
		max, err := decimal.NewFromString(row.max)
		if err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(row.value)
		if err != nil {
			return nil, err
		}
		records = append(records, rangetable.Record{MinAmount: min, MaxAmount: max, Value: value})
	}
	return records, nil
}

func fileEnv(def rangetable.Definition) string {
	switch def.Name {
	case rangetable.RateRanges.Name:
		return "SEED_RATE_FILE"
	default:
		return "SEED_FEE_FILE"
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
