// Package http implements the dashboard and admin API handlers.
package http

import (
	"context"
	nethttp "net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	"github.com/pariz/gountries"

	"carbonscope/internal/aggregates"
	"carbonscope/internal/alerts"
	"carbonscope/internal/ingest"
	"carbonscope/internal/pkg/async"
	"carbonscope/internal/records"
)

const (
	defaultDailyDays  = 7
	maxDailyDays      = 365
	defaultTopOrigins = 10
	maxTopOrigins     = 100
)

// StatsHandlers serves the read-side snapshots.
type StatsHandlers struct {
	Coordinator *ingest.Coordinator
	Engine      *alerts.Engine
	Pool        *async.Pool

	countries *gountries.Query
}

// NewStatsHandlers wires the read-side handler set.
func NewStatsHandlers(coord *ingest.Coordinator, engine *alerts.Engine) *StatsHandlers {
	return &StatsHandlers{
		Coordinator: coord,
		Engine:      engine,
		Pool:        async.NewPool(3),
		countries:   gountries.New(),
	}
}

// DailyStats handles GET /api/v1/stats/daily?days=N. The series always has
// exactly N entries, zero-filled, oldest first.
func (h *StatsHandlers) DailyStats(ctx *cartridge.Context) error {
	days := ctx.QueryInt("days", defaultDailyDays)
	if days < 1 {
		days = defaultDailyDays
	}
	if days > maxDailyDays {
		days = maxDailyDays
	}

	return ctx.JSON(fiber.Map{
		"days":   days,
		"series": h.Coordinator.ByDay(days),
	})
}

// TopOrigins handles GET /api/v1/stats/origins?top=K.
func (h *StatsHandlers) TopOrigins(ctx *cartridge.Context) error {
	top := ctx.QueryInt("top", defaultTopOrigins)
	if top < 1 {
		top = defaultTopOrigins
	}
	if top > maxTopOrigins {
		top = maxTopOrigins
	}

	origins := h.Coordinator.ByOrigin(top)
	out := make([]fiber.Map, 0, len(origins))
	for _, o := range origins {
		out = append(out, fiber.Map{
			"origin":     o.Origin,
			"visitCount": o.VisitCount,
			"totalBytes": o.TotalBytes,
			"totalCO2_g": o.CO2Grams,
			"alertState": h.Engine.StateOf(o.Origin),
		})
	}

	return ctx.JSON(fiber.Map{
		"origins": out,
	})
}

type exportedVisit struct {
	records.VisitRecord
	CountryName string `json:"countryName,omitempty"`
}

// VisitsExport handles GET /api/v1/visits: the retained log in insertion
// order, with country codes expanded to names where present.
func (h *StatsHandlers) VisitsExport(ctx *cartridge.Context) error {
	snapshot := h.Coordinator.LogSnapshot()
	out := make([]exportedVisit, 0, len(snapshot))
	for _, rec := range snapshot {
		visit := exportedVisit{VisitRecord: rec}
		if rec.Country != "" {
			if country, err := h.countries.FindCountryByAlpha(rec.Country); err == nil {
				visit.CountryName = country.Name.Common
			}
		}
		out = append(out, visit)
	}

	return ctx.JSON(fiber.Map{
		"count":  len(out),
		"visits": out,
	})
}

// Summary handles GET /api/v1/stats/summary. The independent sections are
// gathered concurrently.
func (h *StatsHandlers) Summary(ctx *cartridge.Context) error {
	gatherCtx, cancel := context.WithTimeout(ctx.UserContext(), 5*time.Second)
	defer cancel()

	results := h.Pool.Execute(gatherCtx, []async.Task{
		{Name: "totals", Execute: func() (interface{}, error) {
			return h.Coordinator.Totals(), nil
		}},
		{Name: "origins", Execute: func() (interface{}, error) {
			return h.Coordinator.ByOrigin(defaultTopOrigins), nil
		}},
		{Name: "alerts", Execute: func() (interface{}, error) {
			return h.Engine.History(), nil
		}},
	})

	summary := fiber.Map{
		"logSize": h.Coordinator.LogSize(),
	}
	if r, ok := results["totals"]; ok && r.Err == nil {
		summary["totals"] = r.Data.(aggregates.Totals)
	}
	if r, ok := results["origins"]; ok && r.Err == nil {
		summary["topOrigins"] = r.Data.([]aggregates.OriginSummary)
	}
	if r, ok := results["alerts"]; ok && r.Err == nil {
		summary["recentAlerts"] = r.Data.([]alerts.Event)
	}

	return ctx.JSON(summary)
}

// Reset handles POST /api/v1/admin/reset: clears the log and every
// aggregate bucket.
func (h *StatsHandlers) Reset(ctx *cartridge.Context) error {
	h.Coordinator.ResetAll()
	return ctx.Status(nethttp.StatusOK).JSON(fiber.Map{
		"status": "reset",
	})
}

// Health handles GET /_health.
func (h *StatsHandlers) Health(ctx *cartridge.Context) error {
	return ctx.JSON(fiber.Map{
		"status": "ok",
	})
}
