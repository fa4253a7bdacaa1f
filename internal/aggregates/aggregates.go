// Package aggregates maintains the rolling by-day and by-origin indexes.
// Buckets are updated incrementally on every accepted record and are never
// rebuilt from the log on the hot path.
package aggregates

import (
	"sort"
	"time"

	"carbonscope/internal/records"
)

// Totals is the additive triple every bucket accumulates.
type Totals struct {
	VisitCount int64   `json:"visitCount"`
	TotalBytes int64   `json:"totalBytes"`
	CO2Grams   float64 `json:"totalCO2_g"`
}

func (t *Totals) add(rec records.VisitRecord) {
	t.VisitCount++
	t.TotalBytes += rec.TransferBytes
	t.CO2Grams += rec.CO2Grams
}

// DayPoint is one entry of a fixed-width daily series.
type DayPoint struct {
	Date string `json:"date"`
	Totals
}

// OriginSummary is one entry of the top-origins ranking.
type OriginSummary struct {
	Origin string `json:"origin"`
	Totals
}

type originBucket struct {
	totals    Totals
	firstSeen int // creation sequence, breaks TotalBytes ties
}

// Index holds both aggregate mappings. Aggregates are cumulative history:
// log eviction never decrements them. Not safe for concurrent use on its
// own; the ingest coordinator serializes access with the visit log.
type Index struct {
	byDay    map[string]*Totals
	byOrigin map[string]*originBucket
	seq      int
	overall  Totals
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		byDay:    make(map[string]*Totals),
		byOrigin: make(map[string]*originBucket),
	}
}

// Apply folds an accepted, non-duplicate record into both mappings,
// creating buckets lazily.
func (ix *Index) Apply(rec records.VisitRecord) {
	day := rec.Day()
	dt, ok := ix.byDay[day]
	if !ok {
		dt = &Totals{}
		ix.byDay[day] = dt
	}
	dt.add(rec)

	ob, ok := ix.byOrigin[rec.Origin]
	if !ok {
		ob = &originBucket{firstSeen: ix.seq}
		ix.seq++
		ix.byOrigin[rec.Origin] = ob
	}
	ob.totals.add(rec)

	ix.overall.add(rec)
}

// ByDay returns the last n calendar days ending today (UTC), oldest first.
// The series always has exactly n entries; days without a bucket are
// zero-filled so time-series rendering gets a fixed width regardless of
// data sparsity.
func (ix *Index) ByDay(n int, now time.Time) []DayPoint {
	if n <= 0 {
		return []DayPoint{}
	}

	today := now.UTC().Truncate(24 * time.Hour)
	out := make([]DayPoint, 0, n)
	for i := n - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format(time.DateOnly)
		point := DayPoint{Date: day}
		if t, ok := ix.byDay[day]; ok {
			point.Totals = *t
		}
		out = append(out, point)
	}
	return out
}

// ByOrigin returns up to topK origins ordered by TotalBytes descending.
// Ties go to the origin whose bucket was created first.
func (ix *Index) ByOrigin(topK int) []OriginSummary {
	type ranked struct {
		OriginSummary
		firstSeen int
	}

	all := make([]ranked, 0, len(ix.byOrigin))
	for origin, b := range ix.byOrigin {
		all = append(all, ranked{
			OriginSummary: OriginSummary{Origin: origin, Totals: b.totals},
			firstSeen:     b.firstSeen,
		})
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].TotalBytes != all[j].TotalBytes {
			return all[i].TotalBytes > all[j].TotalBytes
		}
		return all[i].firstSeen < all[j].firstSeen
	})

	if topK > 0 && len(all) > topK {
		all = all[:topK]
	}

	out := make([]OriginSummary, len(all))
	for i, r := range all {
		out[i] = r.OriginSummary
	}
	return out
}

// OriginTotals returns the cumulative totals for one origin and whether a
// bucket exists for it.
func (ix *Index) OriginTotals(origin string) (Totals, bool) {
	b, ok := ix.byOrigin[origin]
	if !ok {
		return Totals{}, false
	}
	return b.totals, true
}

// Overall returns the cumulative totals across every ingested record.
func (ix *Index) Overall() Totals {
	return ix.overall
}

// Reset clears every bucket. Only the explicit reset-all operation calls
// this; buckets are never deleted during normal operation.
func (ix *Index) Reset() {
	ix.byDay = make(map[string]*Totals)
	ix.byOrigin = make(map[string]*originBucket)
	ix.seq = 0
	ix.overall = Totals{}
}
