// Package seeder generates realistic sample visit data for local
// development and demos.
package seeder

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"carbonscope/internal/records"
	"carbonscope/internal/storage"
)

// OriginProfile describes the traffic shape for one seeded origin.
type OriginProfile struct {
	Origin       string  `yaml:"origin"`
	Weight       int     `yaml:"weight"`
	AvgBytes     int64   `yaml:"avgBytes"`
	EnergyFactor float64 `yaml:"energyFactor"`
	CO2Factor    float64 `yaml:"co2Factor"`
	Country      string  `yaml:"country"`
}

// Fixture is the on-disk YAML shape for seed profiles.
type Fixture struct {
	Origins []OriginProfile `yaml:"origins"`
}

// Seeder handles the data seeding process.
type Seeder struct {
	DBManager  cartridge.DBManager
	Logger     *slog.Logger
	VisitCount int
	Profiles   []OriginProfile
}

// NewSeeder creates a new seeder instance with the built-in profiles.
func NewSeeder(dbManager cartridge.DBManager, logger *slog.Logger, visitCount int) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		DBManager:  dbManager,
		Logger:     logger,
		VisitCount: visitCount,
		Profiles:   defaultProfiles(),
	}
}

// LoadFixture replaces the built-in origin profiles with the ones from a
// YAML file.
func (s *Seeder) LoadFixture(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed fixture: %w", err)
	}

	var fixture Fixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return fmt.Errorf("failed to parse seed fixture: %w", err)
	}
	if len(fixture.Origins) == 0 {
		return fmt.Errorf("seed fixture %s contains no origins", path)
	}

	for i := range fixture.Origins {
		p := &fixture.Origins[i]
		if p.Origin == "" {
			return fmt.Errorf("seed fixture %s: origin %d has no origin name", path, i)
		}
		if p.Weight <= 0 {
			p.Weight = 1
		}
		if p.AvgBytes <= 0 {
			p.AvgBytes = 500_000
		}
		if p.EnergyFactor <= 0 {
			p.EnergyFactor = 0.81
		}
		if p.CO2Factor <= 0 {
			p.CO2Factor = 442
		}
	}

	s.Profiles = fixture.Origins
	s.Logger.Info("Loaded seed fixture", slog.String("path", path), slog.Int("origins", len(fixture.Origins)))
	return nil
}

// Run generates visits across all configured origin profiles and writes
// them to the visits table. The server picks them up on next startup.
func (s *Seeder) Run(ctx context.Context) error {
	start := time.Now()
	s.Logger.Info("Seeding visit data...", slog.Int("visitCount", s.VisitCount), slog.Int("origins", len(s.Profiles)))

	totalWeight := 0
	for _, p := range s.Profiles {
		totalWeight += p.Weight
	}
	if totalWeight == 0 {
		return fmt.Errorf("no origin profiles to seed")
	}

	db := s.DBManager.GetConnection()
	now := time.Now().UTC()
	batch := make([]storage.StoredVisit, 0, 500)

	for i := 0; i < s.VisitCount; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		profile := s.pickProfile(totalWeight)
		rec := s.generateVisit(profile, now)
		batch = append(batch, storage.FromRecord(rec))

		if len(batch) == cap(batch) {
			if err := s.flush(db, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := s.flush(db, batch); err != nil {
			return err
		}
	}

	s.Logger.Info("Seeding completed", slog.Int("visits", s.VisitCount), slog.Duration("elapsed", time.Since(start)))
	return nil
}

// SeedOrigin seeds the full visit count against a single origin.
func (s *Seeder) SeedOrigin(ctx context.Context, origin string) error {
	profile := OriginProfile{Origin: origin, Weight: 1, AvgBytes: 800_000, EnergyFactor: 0.81, CO2Factor: 442}
	for _, p := range s.Profiles {
		if p.Origin == origin {
			profile = p
			break
		}
	}
	s.Profiles = []OriginProfile{profile}
	return s.Run(ctx)
}

func (s *Seeder) pickProfile(totalWeight int) OriginProfile {
	n := rand.IntN(totalWeight)
	for _, p := range s.Profiles {
		if n < p.Weight {
			return p
		}
		n -= p.Weight
	}
	return s.Profiles[len(s.Profiles)-1]
}

func (s *Seeder) generateVisit(profile OriginProfile, now time.Time) records.VisitRecord {
	// Spread visits across the last 30 days, weighted towards recent hours.
	var age time.Duration
	if rand.Float64() < 0.3 {
		age = time.Duration(rand.Int64N(int64(24 * time.Hour)))
	} else {
		age = time.Duration(rand.Int64N(int64(30 * 24 * time.Hour)))
	}
	ts := now.Add(-age)

	// Jitter transfer size around the profile average.
	bytes := profile.AvgBytes/2 + rand.Int64N(profile.AvgBytes)
	gb := float64(bytes) / 1e9
	co2 := gb * profile.EnergyFactor * profile.CO2Factor

	return records.VisitRecord{
		ID:            uuid.NewString(),
		Origin:        profile.Origin,
		Timestamp:     ts,
		TransferBytes: bytes,
		CO2Grams:      co2,
		Country:       profile.Country,
	}
}

func (s *Seeder) flush(db *gorm.DB, batch []storage.StoredVisit) error {
	return sqlite.PerformWrite(s.Logger, db, func(tx *gorm.DB) error {
		for i := range batch {
			v := batch[i]
			result := tx.Exec(
				`INSERT INTO visits (visit_id, origin, timestamp, transfer_bytes, co2_grams, country, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(visit_id) DO NOTHING`,
				v.VisitID, v.Origin, v.Timestamp, v.TransferBytes, v.CO2Grams, v.Country, time.Now().UTC(),
			)
			if result.Error != nil {
				return fmt.Errorf("failed to insert seeded visit: %w", result.Error)
			}
		}
		return nil
	})
}

func defaultProfiles() []OriginProfile {
	return []OriginProfile{
		{Origin: "shop.example.com", Weight: 5, AvgBytes: 2_400_000, EnergyFactor: 0.81, CO2Factor: 442, Country: "DE"},
		{Origin: "blog.example.com", Weight: 3, AvgBytes: 900_000, EnergyFactor: 0.81, CO2Factor: 442, Country: "US"},
		{Origin: "docs.example.com", Weight: 2, AvgBytes: 450_000, EnergyFactor: 0.81, CO2Factor: 442, Country: "FR"},
		{Origin: "status.example.com", Weight: 1, AvgBytes: 120_000, EnergyFactor: 0.81, CO2Factor: 442, Country: "NL"},
	}
}
