package testsupport

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/cache"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	v1 "carbonscope/api/v1"
	"carbonscope/internal"
	"carbonscope/internal/alerts"
	"carbonscope/internal/config"
	chttp "carbonscope/internal/http"
	"carbonscope/internal/ingest"
	"carbonscope/internal/records"
	"carbonscope/internal/settings"
	"carbonscope/internal/storage"
)

// testDBCache caches test databases by test name to allow multiple calls
// within the same test to share the same database
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager with carbonscope's interface
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

// Ensure TestDBManager implements cartridge.DBManager
var _ cartridge.DBManager = (*TestDBManager)(nil)

// allModels returns all carbonscope models for migration
func allModels() []any {
	return []any{
		&cache.CacheRecord{},
		&settings.Setting{},
		&storage.StoredVisit{},
	}
}

// SetupTestDB creates a test database with all carbonscope models migrated.
// Uses a named in-memory database with cache=shared to allow multiple
// connections to share the same database within a test. Caches the database
// by test name so multiple calls within the same test return the same one.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	testName := t.Name()

	// Use root test name for caching to handle closure issues where
	// setup functions capture the outer t while t.Run has subtest t
	rootName := testName
	if idx := strings.Index(testName, "/"); idx > 0 {
		rootName = testName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	sanitizedName := strings.ReplaceAll(rootName, "/", "_")
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", sanitizedName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")

	if err := db.AutoMigrate(allModels()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// SetupTestDBManager creates a test DB manager using cartridge's testsupport
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	cfg := config.GetConfig()

	// SAFETY CHECK: Ensure we're in test environment
	if cfg.Environment != config.Test {
		t.Fatalf("CRITICAL: Tests must run in test environment! Current: %s. Set CARBONSCOPE_ENV=test", cfg.Environment)
	}

	db := SetupTestDB(t)
	logger := GetLogger()
	dbManager := NewTestDBManager(db)

	return dbManager, logger
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// MakeVisit builds a valid visit record with a random ID for the given
// origin, timestamped now.
func MakeVisit(origin string) records.VisitRecord {
	return MakeVisitAt(origin, time.Now().UTC())
}

// MakeVisitAt builds a valid visit record with a random ID at the given time.
func MakeVisitAt(origin string, ts time.Time) records.VisitRecord {
	return records.VisitRecord{
		ID:            uuid.NewString(),
		Origin:        origin,
		Timestamp:     ts.UTC(),
		TransferBytes: 1_000_000,
		CO2Grams:      0.358,
		Country:       "DE",
	}
}

// TestApp bundles the handles integration tests need alongside the
// mounted fiber app.
type TestApp struct {
	App         *fiber.App
	Coordinator *ingest.Coordinator
	Engine      *alerts.Engine
}

// CreateMinimalTestApp creates a test server with all routes mounted
// against a fresh coordinator and alert engine reading settings from db.
func CreateMinimalTestApp(t *testing.T, db *gorm.DB) *TestApp {
	t.Helper()
	return CreateTestAppWithClock(t, db, quartz.NewReal())
}

// CreateTestAppWithClock is CreateMinimalTestApp with an injected clock,
// shared by the coordinator, the alert engine and the collector handlers.
func CreateTestAppWithClock(t *testing.T, db *gorm.DB, clk quartz.Clock) *TestApp {
	t.Helper()

	dbManager := NewTestDBManager(db)
	appConfig := config.GetConfig()
	appConfig.Environment = config.Test

	logger := GetLogger()
	coordinator := ingest.New(appConfig.EventLogCapacity, logger, ingest.WithClock(clk))
	engine := alerts.NewEngine(coordinator, func() settings.AlertSettings {
		return settings.GetAlertSettings(db)
	}, logger, alerts.WithClock(clk))
	coordinator.AttachObserver(engine)

	collector := &v1.Handlers{Coordinator: coordinator, Activity: engine, Clock: clk}
	stats := chttp.NewStatsHandlers(coordinator, engine)

	cfg := cartridge.DefaultServerConfig()
	cfg.Config = appConfig
	cfg.Logger = logger
	cfg.DBManager = dbManager

	srv, err := cartridge.NewServer(cfg)
	require.NoError(t, err)

	internal.MountAppRoutes(srv, collector, stats)
	return &TestApp{
		App:         srv.App(),
		Coordinator: coordinator,
		Engine:      engine,
	}
}

// CleanAllTables clears all non-system tables in the database
func CleanAllTables(db *gorm.DB) {
	var tableNames []string
	db.Raw("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&tableNames)

	var tables []string
	for _, name := range tableNames {
		if name != "migrations" && name != "schema_migrations" {
			tables = append(tables, name)
		}
	}

	if len(tables) == 0 {
		return
	}

	db.Exec("PRAGMA foreign_keys = OFF")
	defer db.Exec("PRAGMA foreign_keys = ON")

	db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tables {
			tx.Exec("DELETE FROM " + table)
			tx.Exec("DELETE FROM sqlite_sequence WHERE name=?", table)
		}
		return nil
	})
}
