package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	v1 "carbonscope/api/v1"
	"carbonscope/internal/config"
	"carbonscope/internal/http"
	"carbonscope/internal/http/middleware"
)

// publicCORSConfig is the CORS setup shared by collector endpoints; the
// collector script runs on arbitrary origins.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, User-Agent",
}

// MountAppRoutes mounts the collector and dashboard routes.
func MountAppRoutes(srv *cartridge.Server, collector *v1.Handlers, stats *http.StatsHandlers) {
	cfg := config.GetConfig()

	// Rate limiting only bites in production; in development and test it
	// would interfere with seeding and test traffic.
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	// Collectors tick at 1Hz per open page, so the ceiling is generous.
	publicRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(300),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	db := srv.GetDBManager().GetConnection()
	logger := srv.GetLogger()

	collectorConfig := &cartridge.RouteConfig{
		EnableCORS:       true,
		WriteConcurrency: false,
		CustomMiddleware: []fiber.Handler{
			publicRateLimiter,
			middleware.CollectorAPIKeyAuth(db, logger),
		},
		CORSConfig: publicCORSConfig,
	}

	dashboardConfig := &cartridge.RouteConfig{}

	// === HEALTH ===
	srv.Get("/_health", stats.Health)
	srv.Head("/_health", stats.Health)

	// === COLLECTOR API ===
	srv.Post("/x/api/v1/visits", collector.CreateVisit, collectorConfig)
	srv.Options("/x/api/v1/visits", func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}, collectorConfig)
	srv.Post("/x/api/v1/activity", collector.ActivityTick, collectorConfig)
	srv.Options("/x/api/v1/activity", func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}, collectorConfig)

	// === DASHBOARD / EXPORT API ===
	srv.Get("/api/v1/stats/daily", stats.DailyStats, dashboardConfig)
	srv.Get("/api/v1/stats/origins", stats.TopOrigins, dashboardConfig)
	srv.Get("/api/v1/stats/summary", stats.Summary, dashboardConfig)
	srv.Get("/api/v1/visits", stats.VisitsExport, dashboardConfig)

	// === SETTINGS API ===
	srv.Get("/api/v1/settings/alerts", http.GetAlertSettings, dashboardConfig)
	srv.Put("/api/v1/settings/alerts", http.UpdateAlertSettings, dashboardConfig)
	srv.Put("/api/v1/settings/excluded-origins", http.UpdateExcludedOrigins, dashboardConfig)

	// === ADMIN ===
	srv.Post("/api/v1/admin/reset", stats.Reset, dashboardConfig)
}
