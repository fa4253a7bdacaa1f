package seeder_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonscope/internal/seeder"
	"carbonscope/internal/storage"
	"carbonscope/internal/testsupport"
)

func TestRunSeedsVisits(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	dbManager := testsupport.NewTestDBManager(db)

	se := seeder.NewSeeder(dbManager, testsupport.GetLogger(), 50)
	require.NoError(t, se.Run(context.Background()))

	var count int64
	require.NoError(t, db.Model(&storage.StoredVisit{}).Count(&count).Error)
	assert.Equal(t, int64(50), count)

	var row storage.StoredVisit
	require.NoError(t, db.First(&row).Error)
	assert.NotEmpty(t, row.VisitID)
	assert.NotEmpty(t, row.Origin)
	assert.Positive(t, row.TransferBytes)
	assert.Positive(t, row.CO2Grams)
}

func TestSeedOriginUsesOnlyThatOrigin(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	dbManager := testsupport.NewTestDBManager(db)

	se := seeder.NewSeeder(dbManager, testsupport.GetLogger(), 20)
	require.NoError(t, se.SeedOrigin(context.Background(), "only.example.com"))

	var origins []string
	require.NoError(t, db.Model(&storage.StoredVisit{}).Distinct("origin").Pluck("origin", &origins).Error)
	require.Len(t, origins, 1)
	assert.Equal(t, "only.example.com", origins[0])
}

func TestLoadFixture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "origins.yaml")
	fixture := `origins:
  - origin: fixture.example.com
    weight: 2
    avgBytes: 100000
    country: SE
  - origin: other.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o644))

	se := seeder.NewSeeder(nil, testsupport.GetLogger(), 10)
	require.NoError(t, se.LoadFixture(path))

	require.Len(t, se.Profiles, 2)
	assert.Equal(t, "fixture.example.com", se.Profiles[0].Origin)
	assert.Equal(t, 2, se.Profiles[0].Weight)
	assert.Equal(t, "SE", se.Profiles[0].Country)

	// Omitted fields pick up usable defaults.
	assert.Equal(t, 1, se.Profiles[1].Weight)
	assert.Positive(t, se.Profiles[1].AvgBytes)
	assert.Positive(t, se.Profiles[1].EnergyFactor)
	assert.Positive(t, se.Profiles[1].CO2Factor)
}

func TestLoadFixtureRejectsEmptyAndMissing(t *testing.T) {
	se := seeder.NewSeeder(nil, testsupport.GetLogger(), 10)

	require.Error(t, se.LoadFixture("/nonexistent/origins.yaml"))

	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("origins: []\n"), 0o644))
	require.Error(t, se.LoadFixture(path))
}

func TestRunIsRepeatableWithoutDuplicateIDs(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	dbManager := testsupport.NewTestDBManager(db)

	se := seeder.NewSeeder(dbManager, testsupport.GetLogger(), 25)
	require.NoError(t, se.Run(context.Background()))
	require.NoError(t, se.Run(context.Background()))

	// Fresh UUIDs each run, no conflicts swallowed into missing rows.
	var count int64
	require.NoError(t, db.Model(&storage.StoredVisit{}).Count(&count).Error)
	assert.Equal(t, int64(50), count)
}
