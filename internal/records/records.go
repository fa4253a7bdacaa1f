// Package records defines the canonical visit record schema and its
// ingestion-boundary normalization.
package records

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Validation errors surfaced to the collector as results, never as fatal faults.
var (
	ErrMissingID     = errors.New("visit record is missing an id")
	ErrMissingOrigin = errors.New("visit record is missing an origin")
)

// VisitRecord is a single page-visit measurement. It is immutable once
// appended to the visit log; the log owns it exclusively.
type VisitRecord struct {
	ID            string    `json:"id"`
	Origin        string    `json:"origin"`
	Timestamp     time.Time `json:"timestamp"`
	TransferBytes int64     `json:"transferBytes"`
	CO2Grams      float64   `json:"estimatedCO2_g"`
	Country       string    `json:"country,omitempty"`
}

// RawVisit is the wire shape submitted by collectors. Older collector
// builds report bytes and CO2 under alternate field names; alias
// resolution happens here, once, and never inside core logic.
type RawVisit struct {
	ID     string `json:"id"`
	Origin string `json:"origin"`
	Host   string `json:"host"` // legacy alias for origin

	Timestamp time.Time `json:"timestamp"`

	TransferBytes *int64 `json:"transferBytes"`
	Bytes         *int64 `json:"bytes"` // legacy alias

	CO2Grams *float64 `json:"estimatedCO2_g"`
	CO2      *float64 `json:"co2"` // legacy alias
}

// Normalize resolves aliases and sanitizes numeric fields, producing the
// canonical record. now supplies the timestamp when the collector omitted
// one. Missing id or origin is a validation error.
func Normalize(raw RawVisit, now time.Time) (VisitRecord, error) {
	rec := VisitRecord{
		ID:     strings.TrimSpace(raw.ID),
		Origin: strings.TrimSpace(raw.Origin),
	}
	if rec.Origin == "" {
		rec.Origin = strings.TrimSpace(raw.Host)
	}

	if rec.ID == "" {
		return VisitRecord{}, ErrMissingID
	}
	if rec.Origin == "" {
		return VisitRecord{}, ErrMissingOrigin
	}

	rec.Timestamp = raw.Timestamp
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC()

	bytes := raw.TransferBytes
	if bytes == nil {
		bytes = raw.Bytes
	}
	rec.TransferBytes = sanitizeBytes(bytes)

	grams := raw.CO2Grams
	if grams == nil {
		grams = raw.CO2
	}
	rec.CO2Grams = sanitizeGrams(grams)

	return rec, nil
}

// Validate checks a record that bypassed the RawVisit boundary, e.g. one
// loaded from the persistence store.
func Validate(rec VisitRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(rec.Origin) == "" {
		return ErrMissingOrigin
	}
	return nil
}

// Day returns the UTC calendar date key (YYYY-MM-DD) for the record.
func (r VisitRecord) Day() string {
	return r.Timestamp.UTC().Format(time.DateOnly)
}

func sanitizeBytes(v *int64) int64 {
	if v == nil || *v < 0 {
		return 0
	}
	return *v
}

func sanitizeGrams(v *float64) float64 {
	if v == nil {
		return 0
	}
	g := *v
	if g < 0 || math.IsNaN(g) || math.IsInf(g, 0) {
		return 0
	}
	return g
}
