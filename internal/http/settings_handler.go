package http

import (
	nethttp "net/http"
	"strings"

	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"carbonscope/internal/pkg/originrules"
	"carbonscope/internal/settings"
)

// GetAlertSettings handles GET /api/v1/settings/alerts.
func GetAlertSettings(ctx *cartridge.Context) error {
	db := ctx.DBManager.GetConnection()
	return ctx.JSON(settings.GetAlertSettings(db))
}

// UpdateAlertSettings handles PUT /api/v1/settings/alerts. Values are
// normalized before saving; malformed numbers become their defaults
// instead of errors.
func UpdateAlertSettings(ctx *cartridge.Context) error {
	var payload settings.AlertSettings
	if err := ctx.Ctx.BodyParser(&payload); err != nil {
		return ctx.Status(nethttp.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid settings payload",
		})
	}

	db := ctx.DBManager.GetConnection()
	if err := settings.SaveAlertSettings(db, payload); err != nil {
		ctx.Logger.Error("Failed to save alert settings", slog.Any("error", err))
		return ctx.Status(nethttp.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to save settings",
		})
	}

	return ctx.JSON(settings.GetAlertSettings(db))
}

type excludedOriginsPayload struct {
	Patterns []string `json:"patterns"`
}

// UpdateExcludedOrigins handles PUT /api/v1/settings/excluded-origins.
func UpdateExcludedOrigins(ctx *cartridge.Context) error {
	var payload excludedOriginsPayload
	if err := ctx.Ctx.BodyParser(&payload); err != nil {
		return ctx.Status(nethttp.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid patterns payload",
		})
	}

	cleaned := make([]string, 0, len(payload.Patterns))
	for _, p := range payload.Patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}

	db := ctx.DBManager.GetConnection()
	if err := settings.UpdateSetting(db, settings.KeyExcludedOrigins, strings.Join(cleaned, ",")); err != nil {
		ctx.Logger.Error("Failed to save excluded origins", slog.Any("error", err))
		return ctx.Status(nethttp.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to save patterns",
		})
	}
	originrules.ResetCache()

	return ctx.JSON(fiber.Map{
		"patterns": cleaned,
	})
}
