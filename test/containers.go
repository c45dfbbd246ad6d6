package test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PostgresSetup struct {
	ConnStr string
	cleanup func()
}

func (p *PostgresSetup) Cleanup() {
	p.cleanup()
}

func SetupPostgres(ctx context.Context, t *testing.T) *PostgresSetup {
	t.Helper()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("checkout"),
		postgres.WithUsername("checkout"),
		postgres.WithPassword("checkout"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	if err := runMigrations(connStr); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to run migrations: %v", err)
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}

	return &PostgresSetup{ConnStr: connStr, cleanup: cleanup}
}

func runMigrations(connStr string) error {
	migrationsPath := getMigrationsPath()

	m, err := migrate.New(migrationsPath, connStr)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func getMigrationsPath() string {
	_, filename, _, _ := runtime.Caller(0)
	testDir := filepath.Dir(filename)
	projectRoot := filepath.Dir(testDir)
	migrationsDir := filepath.Join(projectRoot, "migrations")
	return "file://" + migrationsDir
}

func SetupKafka(ctx context.Context, t *testing.T) ([]string, func()) {
	t.Helper()

	container, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.8.0",
		kafka.WithClusterID("test-cluster"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}

	brokers, err := container.Brokers(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get kafka brokers: %v", err)
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}

	return brokers, cleanup
}

// OpenDB opens a pool sized for the concurrency tests.
func OpenDB(t *testing.T, connStr string) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	db.SetMaxOpenConns(32)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// SeedVariant inserts a product and one variant of it.
func SeedVariant(ctx context.Context, t *testing.T, db *sql.DB, price int64, stock int) int64 {
	t.Helper()

	var productID, variantID int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO products (product_name, price) VALUES ($1, $2) RETURNING product_id`,
		fmt.Sprintf("Ao thun %d", time.Now().UnixNano()), price,
	).Scan(&productID)
	if err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}

	err = db.QueryRowContext(ctx,
		`INSERT INTO variants (product_id, size, color, variant_stock) VALUES ($1, 'M', 'den', $2) RETURNING variant_id`,
		productID, stock,
	).Scan(&variantID)
	if err != nil {
		t.Fatalf("failed to seed variant: %v", err)
	}

	return variantID
}

// SeedVoucher inserts an active voucher valid for the next day.
func SeedVoucher(ctx context.Context, t *testing.T, db *sql.DB, code, discountType string, value int64, usageLimit int) int64 {
	t.Helper()

	var id int64
	now := time.Now().UTC()
	err := db.QueryRowContext(ctx, `
		INSERT INTO vouchers (voucher_code, discount_type, discount_value, min_order_value,
			start_date, end_date, usage_limit, used_count, voucher_status)
		VALUES ($1, $2, $3, 0, $4, $5, $6, 0, 'active')
		RETURNING voucher_id
	`, code, discountType, value, now.Add(-time.Hour), now.Add(24*time.Hour), usageLimit).Scan(&id)
	if err != nil {
		t.Fatalf("failed to seed voucher: %v", err)
	}

	return id
}

func VariantStock(ctx context.Context, t *testing.T, db *sql.DB, variantID int64) int {
	t.Helper()

	var stock int
	if err := db.QueryRowContext(ctx, `SELECT variant_stock FROM variants WHERE variant_id = $1`, variantID).Scan(&stock); err != nil {
		t.Fatalf("failed to read stock: %v", err)
	}
	return stock
}
