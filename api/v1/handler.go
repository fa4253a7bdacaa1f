// Package v1 implements the public collector API: visit submission and
// activity ticks.
package v1

import (
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/coder/quartz"
	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"carbonscope/internal/ingest"
	"carbonscope/internal/pkg/geoip"
	"carbonscope/internal/pkg/originrules"
	"carbonscope/internal/records"
)

const (
	msgVisitAccepted  = "Visit recorded"
	errInvalidRequest = "Invalid request"
)

// ActivityRecorder accepts 1Hz activity ticks; the alert engine implements it.
type ActivityRecorder interface {
	RecordActivity(origin string)
}

// Handlers carries the collector API dependencies. Clock stamps visits
// that arrive without a timestamp; nil means wall clock.
type Handlers struct {
	Coordinator *ingest.Coordinator
	Activity    ActivityRecorder
	Clock       quartz.Clock
}

func (h *Handlers) now() time.Time {
	if h.Clock == nil {
		return time.Now().UTC()
	}
	return h.Clock.Now().UTC()
}

// ActivityTickParams is one visibility/focus sample from a collector.
type ActivityTickParams struct {
	Origin string `json:"origin"`
	Active bool   `json:"active"`
}

// CreateVisit handles POST /x/api/v1/visits. Duplicates are an idempotent
// success: collectors retry, and retries must not error.
func (h *Handlers) CreateVisit(ctx *cartridge.Context) error {
	var raw records.RawVisit
	if err := ctx.Ctx.BodyParser(&raw); err != nil {
		ctx.Logger.Debug("Failed to parse visit payload", slog.Any("error", err))
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": errInvalidRequest,
			"code":  "BAD_PAYLOAD",
		})
	}

	rec, err := records.Normalize(raw, h.now())
	if err != nil {
		ctx.Logger.Debug("Rejected invalid visit record", slog.Any("error", err))
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "INVALID_RECORD",
		})
	}

	if originrules.IsExcluded(rec.Origin, ctx.Logger) {
		ctx.Logger.Debug("Skipping visit for excluded origin", slog.String("origin", rec.Origin))
		return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
			"status": "excluded",
		})
	}

	if rec.Country == "" {
		rec.Country = geoip.CountryFromIP(getClientIP(ctx.Ctx))
	}

	result, err := h.Coordinator.Ingest(rec)
	if err != nil {
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "INVALID_RECORD",
		})
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"message": msgVisitAccepted,
		"status":  string(result),
	})
}

// ActivityTick handles POST /x/api/v1/activity. Collectors sample
// visibility and focus at 1Hz; each active sample adds one second to the
// origin's accumulator.
func (h *Handlers) ActivityTick(ctx *cartridge.Context) error {
	var params ActivityTickParams
	if err := ctx.Ctx.BodyParser(&params); err != nil {
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": errInvalidRequest,
			"code":  "BAD_PAYLOAD",
		})
	}

	origin := strings.TrimSpace(params.Origin)
	if origin == "" {
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": "origin is required",
			"code":  "INVALID_RECORD",
		})
	}

	if params.Active {
		h.Activity.RecordActivity(origin)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"status": "ok",
	})
}

// getClientIP extracts the client IP, honoring the usual proxy header.
func getClientIP(c *fiber.Ctx) string {
	if forwarded := c.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	return c.IP()
}
