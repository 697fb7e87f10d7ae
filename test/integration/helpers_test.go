//go:build integration

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/dnl0037/db-migrations/internal/config"
	"github.com/dnl0037/db-migrations/internal/engine"
)

const (
	sourceSchema = "dbmigrate_it_src"
	targetSchema = "dbmigrate_it_dst"
)

func pgConnString(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		pgUser(t), pgPassword(t), pgHost(t), pgPort(t), pgDatabase(t))
}

func pgHost(t *testing.T) string {
	t.Helper()
	return envOrDefault("DBMIGRATE_TEST_PG_HOST", "localhost")
}

func pgPort(t *testing.T) int {
	t.Helper()
	port, err := strconv.Atoi(envOrDefault("DBMIGRATE_TEST_PG_PORT", "25432"))
	if err != nil {
		t.Fatalf("DBMIGRATE_TEST_PG_PORT: %v", err)
	}
	return port
}

func pgDatabase(t *testing.T) string {
	t.Helper()
	return envOrDefault("DBMIGRATE_TEST_PG_DATABASE", "dbmigrate_test")
}

func pgUser(t *testing.T) string {
	t.Helper()
	return envOrDefault("DBMIGRATE_TEST_PG_USER", "postgres")
}

func pgPassword(t *testing.T) string {
	t.Helper()
	return envOrDefault("DBMIGRATE_TEST_PG_PASSWORD", "postgres")
}

func mongoURI(t *testing.T) string {
	t.Helper()
	return envOrDefault("DBMIGRATE_TEST_MONGO_URI", "mongodb://localhost:37017/?directConnection=true")
}

func mongoDatabase(t *testing.T) string {
	t.Helper()
	return envOrDefault("DBMIGRATE_TEST_MONGO_DATABASE", "dbmigrate_test")
}

func skipIfNoPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("DBMIGRATE_TEST_PG_HOST") == "" && os.Getenv("DBMIGRATE_TEST_PG_PORT") == "" {
		t.Skip("skipping: DBMIGRATE_TEST_PG_HOST/PORT not set")
	}
}

func skipIfNoMongo(t *testing.T) {
	t.Helper()
	if os.Getenv("DBMIGRATE_TEST_MONGO_URI") == "" {
		t.Skip("skipping: DBMIGRATE_TEST_MONGO_URI not set")
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// seedPostgresSource recreates the legacy tables in their own schema.
func seedPostgresSource(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, pgConnString(t))
	if err != nil {
		t.Fatalf("connecting to PostgreSQL: %v", err)
	}
	defer conn.Close(ctx)

	stmts := []string{
		`DROP SCHEMA IF EXISTS ` + sourceSchema + ` CASCADE`,
		`CREATE SCHEMA ` + sourceSchema,
		`CREATE TABLE ` + sourceSchema + `.old_users (id INTEGER PRIMARY KEY, username TEXT, email TEXT,
			full_name TEXT, registration_date_str TEXT, address_combined TEXT, phone_number_str TEXT)`,
		`CREATE TABLE ` + sourceSchema + `.old_products (id INTEGER PRIMARY KEY, product_name TEXT,
			description TEXT, price_str TEXT, category_name_redundant TEXT, created_at_str TEXT)`,
		`CREATE TABLE ` + sourceSchema + `.old_orders (id INTEGER PRIMARY KEY, user_identifier_text TEXT,
			order_date_str TEXT, status_text TEXT, product_name_redundant TEXT, quantity TEXT,
			unit_price_str_redundant TEXT, total_order_amount_str TEXT)`,
		`INSERT INTO ` + sourceSchema + `.old_users VALUES
			(1, 'alice', ' Alice@X.com ', 'Alice Smith', '2023-01-05 10:00', '1 Main St, Springfield, IL 62704, USA', '555-0100'),
			(2, 'bob', NULL, 'Bob', '2023-01-06', NULL, NULL),
			(3, 'carol', 'carol@x.com', NULL, '', '9 Elm Rd, Shelbyville, IL 62565, USA', NULL)`,
		`INSERT INTO ` + sourceSchema + `.old_products VALUES
			(1, 'Lamp', 'Desk lamp', '19.99', 'home goods', '31/12/2022'),
			(2, 'Desk', NULL, '$150.00', NULL, NULL)`,
		`INSERT INTO ` + sourceSchema + `.old_orders VALUES
			(10, 'alice', '2023-02-01', 'shipped', 'Lamp', '3', '19.99', '70.00'),
			(11, 'carol@x.com', '01/15/2023 02:30 PM', 'entregado', 'Desk', NULL, '150.00', '150.00'),
			(12, 'bob', '2023-02-03', 'pending', 'Lamp', '1', '19.99', '19.99')`,
	}
	for _, s := range stmts {
		if _, err := conn.Exec(ctx, s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	t.Cleanup(func() {
		conn, err := pgx.Connect(context.Background(), pgConnString(t))
		if err != nil {
			return
		}
		defer conn.Close(context.Background())
		conn.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+sourceSchema+` CASCADE`)
		conn.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+targetSchema+` CASCADE`)
	})
}

func postgresSource(t *testing.T) config.SourceConfig {
	t.Helper()
	return config.SourceConfig{
		Type:           "postgresql",
		Host:           pgHost(t),
		Port:           pgPort(t),
		Database:       pgDatabase(t),
		Schema:         sourceSchema,
		Username:       pgUser(t),
		Password:       pgPassword(t),
		MaxConnections: 2,
	}
}

// newEngine keeps state, lock and reports under a temp home directory.
func newEngine(t *testing.T, cfg *config.Config) *engine.Engine {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg.Report.Directory = filepath.Join(home, "reports")
	return engine.New(cfg, slog.New(slog.DiscardHandler))
}
