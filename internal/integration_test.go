package internal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-vault/internal/application"
	"tenant-vault/internal/backup"
	"tenant-vault/internal/config"
	"tenant-vault/internal/database"
	"tenant-vault/internal/restore"
	"tenant-vault/internal/restorepoint"
	"tenant-vault/internal/tenant"
)

const integrationDatabase = "tenant_vault_it"

// mysqlSchema is the POS schema as it exists in production MySQL
var mysqlSchema = []string{
	`CREATE TABLE tenants (
		id BIGINT PRIMARY KEY, name VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'active', deleted_at DATETIME NULL)`,
	`CREATE TABLE categories (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, name VARCHAR(255) NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id))`,
	`CREATE TABLE customers (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, name VARCHAR(255) NOT NULL, phone VARCHAR(32) NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id))`,
	`CREATE TABLE suppliers (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, name VARCHAR(255) NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id))`,
	`CREATE TABLE tax_rates (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, name VARCHAR(255) NOT NULL, basis_pts INT NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id))`,
	`CREATE TABLE users (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, username VARCHAR(255) NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id))`,
	`CREATE TABLE products (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL,
		category_id BIGINT NULL, supplier_id BIGINT NULL, tax_rate_id BIGINT NULL,
		name VARCHAR(255) NOT NULL, price_cents BIGINT NOT NULL, stock INT NOT NULL DEFAULT 0, image BLOB NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id),
		FOREIGN KEY (category_id) REFERENCES categories (id),
		FOREIGN KEY (supplier_id) REFERENCES suppliers (id),
		FOREIGN KEY (tax_rate_id) REFERENCES tax_rates (id))`,
	`CREATE TABLE purchase_orders (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, supplier_id BIGINT NOT NULL, user_id BIGINT NOT NULL,
		ordered_at DATETIME NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id),
		FOREIGN KEY (supplier_id) REFERENCES suppliers (id),
		FOREIGN KEY (user_id) REFERENCES users (id))`,
	`CREATE TABLE sales (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, customer_id BIGINT NULL, user_id BIGINT NOT NULL,
		total_cents BIGINT NOT NULL, sold_at DATETIME NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id),
		FOREIGN KEY (customer_id) REFERENCES customers (id),
		FOREIGN KEY (user_id) REFERENCES users (id))`,
	`CREATE TABLE payments (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, sale_id BIGINT NOT NULL,
		method VARCHAR(32) NOT NULL, amount_cents BIGINT NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id),
		FOREIGN KEY (sale_id) REFERENCES sales (id))`,
	`CREATE TABLE purchase_order_items (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, purchase_order_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL, quantity INT NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id),
		FOREIGN KEY (purchase_order_id) REFERENCES purchase_orders (id),
		FOREIGN KEY (product_id) REFERENCES products (id))`,
	`CREATE TABLE sale_items (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, sale_id BIGINT NOT NULL, product_id BIGINT NOT NULL,
		quantity INT NOT NULL, price_cents BIGINT NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id),
		FOREIGN KEY (sale_id) REFERENCES sales (id),
		FOREIGN KEY (product_id) REFERENCES products (id))`,
	`CREATE TABLE stock_movements (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, product_id BIGINT NOT NULL,
		delta INT NOT NULL, reason VARCHAR(64) NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id),
		FOREIGN KEY (product_id) REFERENCES products (id))`,
	`CREATE TABLE refunds (
		id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL, payment_id BIGINT NOT NULL, sale_item_id BIGINT NULL,
		amount_cents BIGINT NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants (id),
		FOREIGN KEY (payment_id) REFERENCES payments (id),
		FOREIGN KEY (sale_item_id) REFERENCES sale_items (id))`,
}

// TestIntegrationTenantLifecycle runs backup, restore and deletion against a
// real MySQL server
func TestIntegrationTenantLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}

	dbConfig := getTestConfig(t)
	if dbConfig == nil {
		t.Skip("Integration test configuration not available")
	}
	setupTestDatabase(t, *dbConfig)

	cfg := config.Default()
	cfg.Database = *dbConfig
	cfg.Database.SetDefaults()
	cfg.Storage.Local.BasePath = t.TempDir()
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	svc, err := application.Build(ctx, cfg, nil)
	require.NoError(t, err)
	defer svc.Close()
	require.NoError(t, database.NewMigrator(svc.DB()).Up())

	seedTenant(t, svc.DB(), 42, 3)
	seedTenant(t, svc.DB(), 43, 2)

	t.Run("Backup and merge restore", func(t *testing.T) {
		created := svc.CreateBackup(ctx, 42, 1, false)
		require.True(t, created.Success, created.Detail)
		b := created.Data.(*backup.Backup)
		assert.Equal(t, int64(3), b.Manifest["sales"])

		verified := svc.VerifyBackup(ctx, b.ID)
		assert.True(t, verified.Success, verified.Detail)

		rp := svc.CreateRestorePoint(ctx, restorepoint.CreateRequest{TenantID: 42, BackupID: b.ID, Name: "it", CreatorID: 1})
		require.True(t, rp.Success, rp.Detail)
		pointID := rp.Data.(*restorepoint.RestorePoint).ID

		_, err := svc.DB().Exec(`UPDATE products SET price_cents = 1 WHERE tenant_id = 42`)
		require.NoError(t, err)
		_, err = svc.DB().Exec(`DELETE FROM refunds WHERE tenant_id = 42`)
		require.NoError(t, err)

		merged := svc.RestoreFromPoint(ctx, pointID, 42, string(restore.TypeMerge), 1)
		require.True(t, merged.Success, merged.Detail)

		var price int64
		require.NoError(t, svc.DB().Get(&price, `SELECT price_cents FROM products WHERE id = 42001`))
		assert.Equal(t, int64(100), price)
		assert.Equal(t, b.Manifest.Total(), inventoryTotal(t, svc, 42))

		isolated := svc.RestoreFromPoint(ctx, pointID, 43, string(restore.TypeOverwrite), 1)
		assert.False(t, isolated.Success)
		assert.Equal(t, "tenant_isolation_violation", string(isolated.ErrorKind))
	})

	t.Run("Cascading deletion keeps other tenants", func(t *testing.T) {
		before := inventoryTotal(t, svc, 43)

		deleted := svc.DeleteWithCascade(ctx, 42, 1)
		require.True(t, deleted.Success, deleted.Detail)
		assert.True(t, deleted.Data.(*tenant.DeletionReport).TenantDeleted)

		assert.Zero(t, inventoryTotal(t, svc, 42))
		assert.Equal(t, before, inventoryTotal(t, svc, 43))
	})
}

func inventoryTotal(t *testing.T, svc *application.Service, tenantID int64) int64 {
	t.Helper()
	r := svc.HasData(context.Background(), tenantID)
	require.True(t, r.Success, r.Detail)
	return r.Data.(*tenant.Inventory).Total
}

func seedTenant(t *testing.T, db *database.DB, tenantID int64, sales int) {
	t.Helper()
	base := tenantID * 1000
	exec := func(query string, args ...interface{}) {
		t.Helper()
		_, err := db.Exec(query, args...)
		require.NoError(t, err, query)
	}
	soldAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	exec(`INSERT INTO tenants (id, name) VALUES (?, ?)`, tenantID, "Tenant "+strconv.FormatInt(tenantID, 10))
	exec(`INSERT INTO categories (id, tenant_id, name) VALUES (?, ?, 'Beverages')`, base+1, tenantID)
	exec(`INSERT INTO customers (id, tenant_id, name) VALUES (?, ?, 'Walk-in')`, base+1, tenantID)
	exec(`INSERT INTO suppliers (id, tenant_id, name) VALUES (?, ?, 'Acme')`, base+1, tenantID)
	exec(`INSERT INTO tax_rates (id, tenant_id, name, basis_pts) VALUES (?, ?, 'VAT', 1600)`, base+1, tenantID)
	exec(`INSERT INTO users (id, tenant_id, username) VALUES (?, ?, 'cashier')`, base+1, tenantID)
	exec(`INSERT INTO products (id, tenant_id, category_id, supplier_id, tax_rate_id, name, price_cents, image)
		VALUES (?, ?, ?, ?, ?, 'Coffee', 100, ?)`, base+1, tenantID, base+1, base+1, base+1, []byte{0xff, 0x00})
	exec(`INSERT INTO purchase_orders (id, tenant_id, supplier_id, user_id, ordered_at) VALUES (?, ?, ?, ?, ?)`,
		base+1, tenantID, base+1, base+1, soldAt)
	exec(`INSERT INTO purchase_order_items (id, tenant_id, purchase_order_id, product_id, quantity) VALUES (?, ?, ?, ?, 24)`,
		base+1, tenantID, base+1, base+1)
	exec(`INSERT INTO stock_movements (id, tenant_id, product_id, delta, reason) VALUES (?, ?, ?, 24, 'received')`,
		base+1, tenantID, base+1)
	for i := 1; i <= sales; i++ {
		id := base + int64(i)
		exec(`INSERT INTO sales (id, tenant_id, customer_id, user_id, total_cents, sold_at) VALUES (?, ?, ?, ?, ?, ?)`,
			id, tenantID, base+1, base+1, 100*i, soldAt.Add(time.Duration(i)*time.Minute))
	}
	exec(`INSERT INTO sale_items (id, tenant_id, sale_id, product_id, quantity, price_cents) VALUES (?, ?, ?, ?, 1, 100)`,
		base+1, tenantID, base+1, base+1)
	exec(`INSERT INTO payments (id, tenant_id, sale_id, method, amount_cents) VALUES (?, ?, ?, 'cash', 100)`,
		base+1, tenantID, base+1)
	exec(`INSERT INTO refunds (id, tenant_id, payment_id, sale_item_id, amount_cents) VALUES (?, ?, ?, ?, 50)`,
		base+1, tenantID, base+1, base+1)
}

func getTestConfig(t *testing.T) *database.DatabaseConfig {
	host := os.Getenv("MYSQL_TEST_HOST")
	if host == "" {
		host = "localhost"
	}

	username := os.Getenv("MYSQL_TEST_USER")
	if username == "" {
		username = "root"
	}

	password := os.Getenv("MYSQL_TEST_PASSWORD")
	if password == "" {
		password = "password"
	}

	testConfig := database.DatabaseConfig{
		Driver:   database.DialectMySQL,
		Host:     host,
		Port:     3306,
		Username: username,
		Password: password,
		Database: "mysql", // system database for the initial connection
		Timeout:  5 * time.Second,
	}

	db, err := sql.Open("mysql", testConfig.DSN())
	if err != nil {
		t.Logf("MySQL not available for integration tests: %v", err)
		return nil
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		t.Logf("MySQL not available for integration tests: %v", err)
		return nil
	}

	testConfig.Database = integrationDatabase
	testConfig.Timeout = 30 * time.Second
	return &testConfig
}

// setupTestDatabase recreates the integration database with the POS schema
func setupTestDatabase(t *testing.T, dbConfig database.DatabaseConfig) {
	systemConfig := dbConfig
	systemConfig.Database = "mysql"

	systemDB, err := sql.Open("mysql", systemConfig.DSN())
	require.NoError(t, err, "failed to connect to MySQL system database")
	defer systemDB.Close()

	_, err = systemDB.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s", dbConfig.Database))
	require.NoError(t, err)
	_, err = systemDB.Exec(fmt.Sprintf("CREATE DATABASE %s", dbConfig.Database))
	require.NoError(t, err)

	db, err := sql.Open("mysql", dbConfig.DSN())
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range mysqlSchema {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}
