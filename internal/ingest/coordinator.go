// Package ingest serializes all mutations of the visit log and the
// aggregate indexes so a single logical ingest is atomic with respect to
// other ingests and to snapshot reads.
package ingest

import (
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/coder/quartz"

	"carbonscope/internal/aggregates"
	"carbonscope/internal/eventlog"
	"carbonscope/internal/records"
)

// Result reports the outcome of an ingest.
type Result string

const (
	ResultAccepted  Result = "accepted"
	ResultDuplicate Result = "duplicate"
	ResultInvalid   Result = "invalid"
)

// Persister receives accepted records for asynchronous, best-effort
// persistence. Implementations must never block: failures are theirs to
// log and swallow.
type Persister interface {
	Store(rec records.VisitRecord)
}

// OriginObserver learns about origins as their first records arrive. The
// alert engine implements it so evaluation ticks cover every origin seen.
type OriginObserver interface {
	Observe(origin string)
}

// Coordinator owns the visit log and the aggregate index under a single
// mutex domain. A committed append is always visible together with its
// aggregate update; no reader observes one without the other.
type Coordinator struct {
	logger *slog.Logger
	clock  quartz.Clock

	mu    sync.Mutex // single mutual-exclusion domain over log and index
	log   *eventlog.Log
	index *aggregates.Index

	persister Persister
	observer  OriginObserver
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the real clock; tests pass quartz.NewMock.
func WithClock(clock quartz.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithPersister attaches the async persistence collaborator.
func WithPersister(p Persister) Option {
	return func(c *Coordinator) {
		c.persister = p
	}
}

// WithOriginObserver attaches the alert engine's origin registry.
func WithOriginObserver(o OriginObserver) Option {
	return func(c *Coordinator) {
		c.observer = o
	}
}

// New creates a Coordinator with a log bounded to capacity.
func New(capacity int, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger: logger,
		clock:  quartz.NewReal(),
		log:    eventlog.New(capacity),
		index:  aggregates.NewIndex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log.OnEvict(func(rec records.VisitRecord) {
		// Capacity action only; aggregates keep counting evicted history.
		logger.Debug("Evicted visit record at capacity",
			slog.String("id", rec.ID),
			slog.String("origin", rec.Origin))
	})
	return c
}

// AttachObserver wires the alert engine after construction. The engine
// needs the coordinator as its window source, so the two cannot be built
// in one pass.
func (c *Coordinator) AttachObserver(o OriginObserver) {
	c.observer = o
}

// Ingest validates, dedups, appends and indexes one record as a single
// atomic unit. Persistence happens outside the critical section,
// fire-and-forget. Duplicates are a normal idempotent outcome.
func (c *Coordinator) Ingest(rec records.VisitRecord) (Result, error) {
	if err := records.Validate(rec); err != nil {
		return ResultInvalid, fmt.Errorf("invalid visit record: %w", err)
	}

	c.mu.Lock()
	result := c.log.Append(rec)
	if result == eventlog.Accepted {
		c.index.Apply(rec)
	}
	c.mu.Unlock()

	if result == eventlog.Duplicate {
		return ResultDuplicate, nil
	}

	if c.observer != nil {
		c.observer.Observe(rec.Origin)
	}
	if c.persister != nil {
		c.persister.Store(rec)
	}

	return ResultAccepted, nil
}

// SeedFromStore bulk-loads previously persisted records through the normal
// dedup/capacity path, preserving every log invariant. Invalid records are
// skipped and counted.
func (c *Coordinator) SeedFromStore(recs []records.VisitRecord) (accepted, skipped int) {
	for _, rec := range recs {
		if err := records.Validate(rec); err != nil {
			skipped++
			continue
		}

		c.mu.Lock()
		result := c.log.Append(rec)
		if result == eventlog.Accepted {
			c.index.Apply(rec)
		}
		c.mu.Unlock()

		if result == eventlog.Accepted {
			accepted++
			if c.observer != nil {
				c.observer.Observe(rec.Origin)
			}
		} else {
			skipped++
		}
	}

	c.logger.Info("Seeded visit log from store",
		slog.Int("accepted", accepted),
		slog.Int("skipped", skipped))
	return accepted, skipped
}

// WindowGrams sums CO2 grams for the origin over [from, to], both ends
// inclusive. It scans the retained log at call time; the alert window
// slides continuously so the sum cannot be precomputed.
func (c *Coordinator) WindowGrams(origin string, from, to time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sum float64
	for _, rec := range c.log.Snapshot() {
		if rec.Origin != origin {
			continue
		}
		ts := rec.Timestamp
		if ts.Before(from) || ts.After(to) {
			continue
		}
		sum += rec.CO2Grams
	}
	return sum
}

// LogSnapshot returns the retained records in insertion order.
func (c *Coordinator) LogSnapshot() []records.VisitRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Snapshot()
}

// LogSize returns the number of retained records.
func (c *Coordinator) LogSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Len()
}

// ByDay returns the fixed-width daily series for the last n days ending
// today (UTC).
func (c *Coordinator) ByDay(n int) []aggregates.DayPoint {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.ByDay(n, now)
}

// ByOrigin returns up to topK origins by cumulative bytes.
func (c *Coordinator) ByOrigin(topK int) []aggregates.OriginSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.ByOrigin(topK)
}

// Totals returns the cumulative counters across all ingested records.
func (c *Coordinator) Totals() aggregates.Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Overall()
}

// ResetAll clears the log and every aggregate bucket. Explicit admin
// operation; nothing else deletes aggregate state.
func (c *Coordinator) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Reset()
	c.index.Reset()
	c.logger.Info("Cleared visit log and aggregates")
}
