package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careledger/careledger/internal/domain/register"
	"github.com/careledger/careledger/internal/platform/db"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool          *pgxpool.Pool
	ConnStr       string
	MigrationsDir string
}

// globalDB is the package-level test database, initialized once in TestMain.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr, cleanup, err := startPostgresContainer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}

	globalDB = &testDB{
		Pool:          pool,
		ConnStr:       connStr,
		MigrationsDir: findMigrationsDir(),
	}

	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// findMigrationsDir locates the migrations directory relative to this test file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	// test/integration -> repo root
	root := filepath.Join(dir, "..", "..")
	return filepath.Join(root, "migrations")
}

// createTenantSchema creates a new tenant schema and runs all migrations.
func createTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	err := db.CreateTenantSchema(ctx, globalDB.Pool, tenantID, globalDB.MigrationsDir)
	if err != nil {
		t.Fatalf("create tenant schema %s: %v", tenantID, err)
	}
}

// dropTenantSchema drops a tenant schema for cleanup.
func dropTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	schema := fmt.Sprintf("tenant_%s", tenantID)
	_, err := globalDB.Pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
	if err != nil {
		t.Logf("warning: failed to drop schema %s: %v", schema, err)
	}
}

// execWithSchema executes SQL within a specific tenant schema.
func execWithSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, sql string, args ...interface{}) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	schema := fmt.Sprintf("tenant_%s", tenantID)
	_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema))
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, sql, args...)
	return err
}

// withTenantConn acquires a connection, sets the search path to the tenant
// schema, and passes it to the callback. The connection is released after the
// callback.
func withTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	schema := fmt.Sprintf("tenant_%s", tenantID)
	_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema))
	if err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	// Put the connection into context so repos can find it
	ctx = context.WithValue(ctx, db.DBConnKey, conn)
	return fn(ctx)
}

// uniqueTenantID generates a unique tenant ID for test isolation.
func uniqueTenantID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

// newRegisterService builds a service backed by the real PG repos, with the
// same policy defaults the server uses.
func newRegisterService(pool *pgxpool.Pool) *register.Service {
	return register.NewService(
		register.NewEntryRepoPG(pool),
		register.NewTransactionRepoPG(pool),
		register.NewDiscrepancyRepoPG(pool),
		register.NewPrescriptionDirectoryPG(pool),
		register.NewVerifier(15*time.Minute),
		nil,
		register.Config{Tolerance: 2, ReorderThreshold: 10},
	)
}

// testWitness builds a freshly verified witness record.
func testWitness(name string) register.Witness {
	return register.Witness{
		WitnessID:   uuid.New(),
		WitnessName: name,
		WitnessRole: "registered_nurse",
		Signature:   "sig-" + name,
		VerifiedAt:  time.Now().UTC(),
	}
}

// seedPrescription inserts a prescription row for a medication so
// administrations against it pass the directory check.
func seedPrescription(t *testing.T, ctx context.Context, tenantID string, medicationID, residentID uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := execWithSchema(ctx, globalDB.Pool, tenantID,
		`INSERT INTO prescription (id, medication_id, resident_id, prescriber_name, dose, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, medicationID, residentID, "Dr Test Prescriber", "10mg twice daily", "active")
	if err != nil {
		t.Fatalf("seed prescription: %v", err)
	}
	return id
}

// registerTestEntry registers an entry with a witnessed receipt and returns it.
func registerTestEntry(t *testing.T, ctx context.Context, tenantID, schedule string, quantity int) *register.RegisterEntry {
	t.Helper()
	svc := newRegisterService(globalDB.Pool)
	var entry *register.RegisterEntry
	err := withTenantConn(ctx, globalDB.Pool, tenantID, func(ctx context.Context) error {
		var err error
		entry, err = svc.Register(ctx, "nurse.recorder", &register.RegisterRequest{
			MedicationID:     uuid.New(),
			MedicationName:   "Morphine Sulfate 10mg",
			Schedule:         schedule,
			BatchNumber:      "BATCH-" + uuid.New().String()[:8],
			ExpiryDate:       time.Now().UTC().AddDate(1, 0, 0),
			ReceivedDate:     time.Now().UTC(),
			ReceivedQuantity: quantity,
			SupplierName:     "Test Pharma Ltd",
			SupplierLicense:  "LIC-0042",
			StorageLocation:  "CD cabinet A",
			PrimaryWitness:   testWitness("Alice Primary"),
			SecondaryWitness: testWitness("Bob Secondary"),
		})
		return err
	})
	if err != nil {
		t.Fatalf("register test entry: %v", err)
	}
	return entry
}

func ptrStr(s string) *string { return &s }
