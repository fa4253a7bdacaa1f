// Package internal contains core application wiring.
package internal

import (
	"fmt"

	"log/slog"

	"github.com/coder/quartz"
	"github.com/karloscodes/cartridge"

	v1 "carbonscope/api/v1"
	"carbonscope/internal/alerts"
	"carbonscope/internal/config"
	"carbonscope/internal/database"
	"carbonscope/internal/http"
	"carbonscope/internal/ingest"
	"carbonscope/internal/notify"
	"carbonscope/internal/pkg/geoip"
	"carbonscope/internal/settings"
	"carbonscope/internal/storage"
)

// Application wraps cartridge.Application with the carbonscope core:
// ingestion coordinator, alert engine and persistence writer.
type Application struct {
	*cartridge.Application
	DBManager   *database.DBManager
	Coordinator *ingest.Coordinator
	Engine      *alerts.Engine

	logger *slog.Logger
	cfg    *config.Config
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logger := cartridge.NewLogger(cfg, nil)
	geoip.InitLogger(logger)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	writer := storage.NewWriter(dbManager, logger, cfg.PersistQueueSize)

	coordinator := ingest.New(cfg.EventLogCapacity, logger,
		ingest.WithPersister(writer))

	provider := func() settings.AlertSettings {
		db := dbManager.GetConnection()
		if db == nil {
			return settings.DefaultAlertSettings()
		}
		return settings.GetAlertSettings(db)
	}
	engine := alerts.NewEngine(coordinator, provider, logger)
	coordinator.AttachObserver(engine)

	engine.Subscribe(notify.NewLogNotifier(logger))
	if cfg.MQTTBrokerURL != "" {
		mqttNotifier, err := notify.NewMQTTNotifier(cfg.MQTTBrokerURL, cfg.MQTTTopic, cfg.MQTTClientID, logger)
		if err != nil {
			// The notifier is a collaborator; its absence never stops ingestion.
			logger.Error("Failed to connect MQTT notifier, continuing without it", slog.Any("error", err))
		} else {
			engine.Subscribe(mqttNotifier)
		}
	}

	collectorHandlers := &v1.Handlers{
		Coordinator: coordinator,
		Activity:    engine,
		Clock:       quartz.NewReal(),
	}
	statsHandlers := http.NewStatsHandlers(coordinator, engine)

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:    cfg,
		Logger:    logger,
		DBManager: dbManager,
		RouteMountFunc: func(srv *cartridge.Server) {
			MountAppRoutes(srv, collectorHandlers, statsHandlers)
		},
		BackgroundWorkers: []cartridge.BackgroundWorker{writer, engine},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Coordinator: coordinator,
		Engine:      engine,
		logger:      logger,
		cfg:         cfg,
	}, nil
}

// Bootstrap prepares runtime state after migrations: default settings rows
// and reseeding the in-memory log from persisted visits. Call it between
// MigrateDatabase and StartAsync.
func (a *Application) Bootstrap() error {
	db := a.DBManager.GetConnection()
	if db == nil {
		return fmt.Errorf("no database connection")
	}

	if err := settings.SetupDefaultSettings(db); err != nil {
		return fmt.Errorf("failed to set up default settings: %w", err)
	}

	recs, err := storage.LoadRecent(db, a.cfg.SeedLoadLimit)
	if err != nil {
		// Reseeding is best-effort: an empty log is a valid start state.
		a.logger.Warn("Failed to load persisted visits, starting empty", slog.Any("error", err))
		return nil
	}
	a.Coordinator.SeedFromStore(recs)

	return nil
}
