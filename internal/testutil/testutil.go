// Package testutil builds throwaway SQLite row stores holding the POS schema
// for package tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tenant-vault/internal/database"
	"tenant-vault/internal/logging"
	"tenant-vault/internal/snapshot"
)

// posSchema mirrors the tenant-owned tables of the default manifest. Every
// reference is a real foreign key so ordering mistakes fail loudly.
var posSchema = []string{
	`CREATE TABLE tenants (
		id         INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'active',
		deleted_at DATETIME NULL
	)`,
	`CREATE TABLE categories (
		id        INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL REFERENCES tenants (id),
		name      TEXT NOT NULL
	)`,
	`CREATE TABLE customers (
		id        INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL REFERENCES tenants (id),
		name      TEXT NOT NULL,
		phone     TEXT NULL
	)`,
	`CREATE TABLE suppliers (
		id        INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL REFERENCES tenants (id),
		name      TEXT NOT NULL
	)`,
	`CREATE TABLE tax_rates (
		id         INTEGER PRIMARY KEY,
		tenant_id  INTEGER NOT NULL REFERENCES tenants (id),
		name       TEXT NOT NULL,
		basis_pts  INTEGER NOT NULL
	)`,
	`CREATE TABLE users (
		id        INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL REFERENCES tenants (id),
		username  TEXT NOT NULL
	)`,
	`CREATE TABLE products (
		id          INTEGER PRIMARY KEY,
		tenant_id   INTEGER NOT NULL REFERENCES tenants (id),
		category_id INTEGER NULL REFERENCES categories (id),
		supplier_id INTEGER NULL REFERENCES suppliers (id),
		tax_rate_id INTEGER NULL REFERENCES tax_rates (id),
		name        TEXT NOT NULL,
		price_cents INTEGER NOT NULL,
		stock       INTEGER NOT NULL DEFAULT 0,
		image       BLOB NULL
	)`,
	`CREATE TABLE purchase_orders (
		id          INTEGER PRIMARY KEY,
		tenant_id   INTEGER NOT NULL REFERENCES tenants (id),
		supplier_id INTEGER NOT NULL REFERENCES suppliers (id),
		user_id     INTEGER NOT NULL REFERENCES users (id),
		ordered_at  DATETIME NOT NULL
	)`,
	`CREATE TABLE sales (
		id          INTEGER PRIMARY KEY,
		tenant_id   INTEGER NOT NULL REFERENCES tenants (id),
		customer_id INTEGER NULL REFERENCES customers (id),
		user_id     INTEGER NOT NULL REFERENCES users (id),
		total_cents INTEGER NOT NULL,
		sold_at     DATETIME NOT NULL
	)`,
	`CREATE TABLE payments (
		id           INTEGER PRIMARY KEY,
		tenant_id    INTEGER NOT NULL REFERENCES tenants (id),
		sale_id      INTEGER NOT NULL REFERENCES sales (id),
		method       TEXT NOT NULL,
		amount_cents INTEGER NOT NULL
	)`,
	`CREATE TABLE purchase_order_items (
		id                INTEGER PRIMARY KEY,
		tenant_id         INTEGER NOT NULL REFERENCES tenants (id),
		purchase_order_id INTEGER NOT NULL REFERENCES purchase_orders (id),
		product_id        INTEGER NOT NULL REFERENCES products (id),
		quantity          INTEGER NOT NULL
	)`,
	`CREATE TABLE sale_items (
		id          INTEGER PRIMARY KEY,
		tenant_id   INTEGER NOT NULL REFERENCES tenants (id),
		sale_id     INTEGER NOT NULL REFERENCES sales (id),
		product_id  INTEGER NOT NULL REFERENCES products (id),
		quantity    INTEGER NOT NULL,
		price_cents INTEGER NOT NULL
	)`,
	`CREATE TABLE stock_movements (
		id         INTEGER PRIMARY KEY,
		tenant_id  INTEGER NOT NULL REFERENCES tenants (id),
		product_id INTEGER NOT NULL REFERENCES products (id),
		delta      INTEGER NOT NULL,
		reason     TEXT NOT NULL
	)`,
	`CREATE TABLE refunds (
		id           INTEGER PRIMARY KEY,
		tenant_id    INTEGER NOT NULL REFERENCES tenants (id),
		payment_id   INTEGER NOT NULL REFERENCES payments (id),
		sale_item_id INTEGER NULL REFERENCES sale_items (id),
		amount_cents INTEGER NOT NULL
	)`,
}

// Epoch is the fixed timestamp seeded rows carry
var Epoch = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// NewSQLite creates a file-backed SQLite store with the POS schema and the
// engine tables migrated. The store is closed when the test ends.
func NewSQLite(t testing.TB) *database.DB {
	t.Helper()
	return NewSQLiteAt(t, filepath.Join(t.TempDir(), "pos.db"))
}

// NewSQLiteAt is NewSQLite with a caller chosen file, for tests that reopen
// the store through configuration
func NewSQLiteAt(t testing.TB, path string) *database.DB {
	t.Helper()

	config := database.DatabaseConfig{
		Driver:  database.DialectSQLite,
		Path:    path,
		Timeout: 5 * time.Second,
	}
	service := database.NewServiceWithOptions(logging.NewNopLogger(), 10*time.Second, 1, 10*time.Millisecond)
	db, err := service.Connect(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range posSchema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, database.NewMigrator(db).Up())
	return db
}

// CreateTenant inserts an active tenant
func CreateTenant(t testing.TB, db *database.DB, id int64, name string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO tenants (id, name, status) VALUES (?, ?, 'active')`, id, name)
	require.NoError(t, err)
}

// SoftDeleteTenant marks a tenant deleted without removing its rows
func SoftDeleteTenant(t testing.TB, db *database.DB, id int64) {
	t.Helper()
	_, err := db.Exec(`UPDATE tenants SET status = 'deleted', deleted_at = ? WHERE id = ?`, Epoch, id)
	require.NoError(t, err)
}

// Seed inserts one row in every manifested table for the tenant and the
// given number of products and sales. Row ids are offset by tenantID*1000
// so tenants never share primary keys.
func Seed(t testing.TB, db *database.DB, tenantID int64, products, sales int) {
	t.Helper()
	base := tenantID * 1000

	exec := func(query string, args ...interface{}) {
		t.Helper()
		_, err := db.Exec(query, args...)
		require.NoError(t, err, query)
	}

	exec(`INSERT INTO categories (id, tenant_id, name) VALUES (?, ?, ?)`, base+1, tenantID, "Beverages")
	exec(`INSERT INTO customers (id, tenant_id, name, phone) VALUES (?, ?, ?, NULL)`, base+1, tenantID, "Walk-in")
	exec(`INSERT INTO suppliers (id, tenant_id, name) VALUES (?, ?, ?)`, base+1, tenantID, "Acme Wholesale")
	exec(`INSERT INTO tax_rates (id, tenant_id, name, basis_pts) VALUES (?, ?, ?, ?)`, base+1, tenantID, "VAT", 1600)
	exec(`INSERT INTO users (id, tenant_id, username) VALUES (?, ?, ?)`, base+1, tenantID, fmt.Sprintf("cashier-%d", tenantID))
	exec(`INSERT INTO purchase_orders (id, tenant_id, supplier_id, user_id, ordered_at) VALUES (?, ?, ?, ?, ?)`,
		base+1, tenantID, base+1, base+1, Epoch)

	for i := 1; i <= products; i++ {
		exec(`INSERT INTO products (id, tenant_id, category_id, supplier_id, tax_rate_id, name, price_cents, stock, image)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			base+int64(i), tenantID, base+1, base+1, base+1,
			fmt.Sprintf("Product %d", i), 100*i, 10, []byte{0xff, 0x00, byte(i), 0xfe})
	}
	if products > 0 {
		exec(`INSERT INTO purchase_order_items (id, tenant_id, purchase_order_id, product_id, quantity) VALUES (?, ?, ?, ?, ?)`,
			base+1, tenantID, base+1, base+1, 24)
		exec(`INSERT INTO stock_movements (id, tenant_id, product_id, delta, reason) VALUES (?, ?, ?, ?, ?)`,
			base+1, tenantID, base+1, 24, "received")
	}

	AddSales(t, db, tenantID, 1, sales)
}

// AddSales inserts sales numbered from..from+n-1 for the tenant. When the
// tenant has products, the first sale also gets an item, a payment and a
// refund.
func AddSales(t testing.TB, db *database.DB, tenantID int64, from, n int) {
	t.Helper()
	base := tenantID * 1000

	var hasProduct int
	require.NoError(t, db.Get(&hasProduct, `SELECT COUNT(*) FROM products WHERE id = ?`, base+1))

	for i := from; i < from+n; i++ {
		id := base + int64(i)
		_, err := db.Exec(`INSERT INTO sales (id, tenant_id, customer_id, user_id, total_cents, sold_at) VALUES (?, ?, ?, ?, ?, ?)`,
			id, tenantID, base+1, base+1, 100*i, Epoch.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)

		if i == 1 && hasProduct > 0 {
			_, err = db.Exec(`INSERT INTO sale_items (id, tenant_id, sale_id, product_id, quantity, price_cents) VALUES (?, ?, ?, ?, ?, ?)`,
				id, tenantID, id, base+1, 1, 100)
			require.NoError(t, err)
			_, err = db.Exec(`INSERT INTO payments (id, tenant_id, sale_id, method, amount_cents) VALUES (?, ?, ?, ?, ?)`,
				id, tenantID, id, "cash", 100)
			require.NoError(t, err)
			_, err = db.Exec(`INSERT INTO refunds (id, tenant_id, payment_id, sale_item_id, amount_cents) VALUES (?, ?, ?, ?, ?)`,
				id, tenantID, id, id, 50)
			require.NoError(t, err)
		}
	}
}

// DeleteProduct removes a product that nothing references
func DeleteProduct(t testing.TB, db *database.DB, tenantID int64, n int) {
	t.Helper()
	_, err := db.Exec(`DELETE FROM products WHERE id = ? AND tenant_id = ?`, tenantID*1000+int64(n), tenantID)
	require.NoError(t, err)
}

// CountRows returns the tenant's row count in one table
func CountRows(t testing.TB, db *database.DB, table string, tenantID int64) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Get(&n, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = ?`, table), tenantID))
	return n
}

// TableRows returns the tenant's rows of one table ordered by id, each cell
// normalized the way capture normalizes it
func TableRows(t testing.TB, db *database.DB, table string, tenantID int64) [][]interface{} {
	t.Helper()
	rows, err := db.Queryx(fmt.Sprintf(`SELECT * FROM %s WHERE tenant_id = ? ORDER BY id`, table), tenantID)
	require.NoError(t, err)
	defer rows.Close()

	var out [][]interface{}
	for rows.Next() {
		values, err := rows.SliceScan()
		require.NoError(t, err)
		row := make([]interface{}, len(values))
		for i, v := range values {
			row[i] = snapshot.NormalizeValue(v).V
		}
		out = append(out, row)
	}
	require.NoError(t, rows.Err())
	return out
}

// Inventory returns the tenant's row count per table, keyed and sorted by table
func Inventory(t testing.TB, db *database.DB, tables []string, tenantID int64) map[string]int64 {
	t.Helper()
	sorted := append([]string(nil), tables...)
	sort.Strings(sorted)
	out := make(map[string]int64, len(sorted))
	for _, table := range sorted {
		out[table] = CountRows(t, db, table, tenantID)
	}
	return out
}
