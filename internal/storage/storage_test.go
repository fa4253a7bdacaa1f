package storage_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonscope/internal/records"
	"carbonscope/internal/storage"
	"carbonscope/internal/testsupport"
)

func visit(id string, ts time.Time) records.VisitRecord {
	return records.VisitRecord{
		ID:            id,
		Origin:        "example.com",
		Timestamp:     ts,
		TransferBytes: 1000,
		CO2Grams:      0.5,
		Country:       "DE",
	}
}

func TestWriterPersistsQueuedRecords(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	dbManager := testsupport.NewTestDBManager(db)
	writer := storage.NewWriter(dbManager, testsupport.GetLogger(), 16)

	require.NoError(t, writer.Start())

	now := time.Now().UTC().Truncate(time.Second)
	writer.Store(visit("a", now))
	writer.Store(visit("b", now.Add(time.Second)))

	// Stop drains the queue before returning.
	writer.Stop()

	var count int64
	require.NoError(t, db.Model(&storage.StoredVisit{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	var row storage.StoredVisit
	require.NoError(t, db.Where("visit_id = ?", "a").First(&row).Error)
	assert.Equal(t, "example.com", row.Origin)
	assert.Equal(t, int64(1000), row.TransferBytes)
	assert.Equal(t, 0.5, row.CO2Grams)
	assert.Equal(t, "DE", row.Country)
}

func TestWriterIgnoresDuplicateVisitIDs(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	dbManager := testsupport.NewTestDBManager(db)
	writer := storage.NewWriter(dbManager, testsupport.GetLogger(), 16)

	require.NoError(t, writer.Start())

	now := time.Now().UTC()
	writer.Store(visit("a", now))
	writer.Store(visit("a", now))
	writer.Stop()

	var count int64
	require.NoError(t, db.Model(&storage.StoredVisit{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStoreNeverBlocksWhenQueueIsFull(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	dbManager := testsupport.NewTestDBManager(db)
	writer := storage.NewWriter(dbManager, testsupport.GetLogger(), 2)

	// Writer not started: the queue fills and overflow is dropped.
	now := time.Now().UTC()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			writer.Store(visit(fmt.Sprintf("v-%d", i), now))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Store blocked on a full queue")
	}
}

func TestLoadRecentReturnsInsertionOrder(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	dbManager := testsupport.NewTestDBManager(db)
	writer := storage.NewWriter(dbManager, testsupport.GetLogger(), 16)

	require.NoError(t, writer.Start())
	now := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		writer.Store(visit(fmt.Sprintf("v-%d", i), now.Add(time.Duration(i)*time.Second)))
	}
	writer.Stop()

	recs, err := storage.LoadRecent(db, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	// The three newest rows, oldest of the batch first.
	assert.Equal(t, "v-2", recs[0].ID)
	assert.Equal(t, "v-3", recs[1].ID)
	assert.Equal(t, "v-4", recs[2].ID)
}

func TestLoadRecentEmptyTable(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	recs, err := storage.LoadRecent(db, 100)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFromRecordRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	rec := visit("a", now)

	row := storage.FromRecord(rec)
	assert.Equal(t, rec.ID, row.VisitID)
	assert.Equal(t, rec.Origin, row.Origin)
	assert.Equal(t, rec.Timestamp, row.Timestamp)
	assert.Equal(t, rec.TransferBytes, row.TransferBytes)
	assert.Equal(t, rec.CO2Grams, row.CO2Grams)
	assert.Equal(t, rec.Country, row.Country)
}
