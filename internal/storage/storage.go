// Package storage persists accepted visit records to SQLite, off the
// ingestion path. Writes are best-effort: a full queue or a failed write is
// logged and dropped, never surfaced to the ingest caller.
package storage

import (
	"context"
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"carbonscope/internal/records"
)

// StoredVisit is the persisted mirror of a visit record.
type StoredVisit struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	VisitID       string    `gorm:"uniqueIndex;size:64;not null"`
	Origin        string    `gorm:"index;not null"`
	Timestamp     time.Time `gorm:"index;not null"`
	TransferBytes int64
	CO2Grams      float64
	Country       string `gorm:"size:2"`
	CreatedAt     time.Time
}

func (StoredVisit) TableName() string {
	return "visits"
}

// FromRecord converts an in-memory record to its persisted form.
func FromRecord(rec records.VisitRecord) StoredVisit {
	return StoredVisit{
		VisitID:       rec.ID,
		Origin:        rec.Origin,
		Timestamp:     rec.Timestamp.UTC(),
		TransferBytes: rec.TransferBytes,
		CO2Grams:      rec.CO2Grams,
		Country:       rec.Country,
	}
}

// Writer drains a bounded queue of accepted records into the database on a
// background goroutine. It implements ingest.Persister.
type Writer struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	queue     chan records.VisitRecord
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWriter creates a writer with the given queue size.
func NewWriter(dbManager cartridge.DBManager, logger *slog.Logger, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Writer{
		dbManager: dbManager,
		logger:    logger,
		queue:     make(chan records.VisitRecord, queueSize),
		done:      make(chan struct{}),
	}
}

// Store queues a record for persistence. Never blocks: when the queue is
// full the record is dropped and the drop is logged.
func (w *Writer) Store(rec records.VisitRecord) {
	select {
	case w.queue <- rec:
	default:
		w.logger.Warn("Persistence queue full, dropping visit record",
			slog.String("id", rec.ID),
			slog.String("origin", rec.Origin))
	}
}

// Start launches the background drain loop.
// Implements cartridge.BackgroundWorker interface.
func (w *Writer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go func() {
		defer close(w.done)
		for {
			select {
			case rec := <-w.queue:
				w.write(rec)
			case <-ctx.Done():
				w.drain()
				return
			}
		}
	}()

	w.logger.Info("Visit persistence writer started", slog.Int("queueSize", cap(w.queue)))
	return nil
}

// Stop flushes whatever is queued and stops the drain loop.
// Implements cartridge.BackgroundWorker interface.
func (w *Writer) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		w.logger.Warn("Timed out waiting for persistence writer to flush")
	}
	w.logger.Info("Visit persistence writer stopped")
}

func (w *Writer) drain() {
	for {
		select {
		case rec := <-w.queue:
			w.write(rec)
		default:
			return
		}
	}
}

// write inserts one record, ignoring duplicates: the in-memory log already
// dedups, and reseeding after restart replays persisted rows.
func (w *Writer) write(rec records.VisitRecord) {
	db := w.dbManager.GetConnection()
	if db == nil {
		w.logger.Warn("No database connection, dropping visit record", slog.String("id", rec.ID))
		return
	}

	err := sqlite.PerformWrite(w.logger, db, func(tx *gorm.DB) error {
		return tx.Exec(`
            INSERT INTO visits (visit_id, origin, timestamp, transfer_bytes, co2_grams, country, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(visit_id) DO NOTHING
        `, rec.ID, rec.Origin, rec.Timestamp.UTC(), rec.TransferBytes, rec.CO2Grams, rec.Country, time.Now().UTC()).Error
	})
	if err != nil {
		// Best-effort by contract: log and move on.
		w.logger.Error("Failed to persist visit record",
			slog.String("id", rec.ID),
			slog.Any("error", err))
	}
}

// LoadRecent returns up to limit of the most recently persisted records in
// insertion order (oldest of the batch first) for reseeding the in-memory
// log at startup.
func LoadRecent(db *gorm.DB, limit int) ([]records.VisitRecord, error) {
	if limit <= 0 {
		limit = 10000
	}

	var rows []StoredVisit
	err := db.Order("id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]records.VisitRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		out = append(out, records.VisitRecord{
			ID:            row.VisitID,
			Origin:        row.Origin,
			Timestamp:     row.Timestamp.UTC(),
			TransferBytes: row.TransferBytes,
			CO2Grams:      row.CO2Grams,
			Country:       row.Country,
		})
	}
	return out, nil
}
