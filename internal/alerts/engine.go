// Package alerts runs the per-origin CO2 threshold alert state machine.
//
// Each origin moves between Idle, Armed, Alerting and Cooldown. Arming is
// driven by accumulated active time reported by the collector; firing is
// driven by a sliding-window CO2 sum recomputed against the visit log at
// every evaluation tick. A cooldown gate keeps a noisy origin from
// producing alert storms.
package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/coder/quartz"

	"carbonscope/internal/settings"
)

// State is the derived per-origin alert state.
type State string

const (
	StateIdle     State = "idle"
	StateArmed    State = "armed"
	StateAlerting State = "alerting"
	StateCooldown State = "cooldown"
)

// Event is emitted when an origin crosses the CO2 threshold. Side effects
// (sound, banner, MQTT publish) belong to the sinks, never to the engine.
type Event struct {
	Origin        string    `json:"origin"`
	WindowGrams   float64   `json:"windowSum_g"`
	WindowMinutes int       `json:"windowMinutes"`
	FiredAt       time.Time `json:"firedAt"`
}

// Sink receives fired alert events. Sinks must not block; slow delivery is
// the sink's problem to buffer.
type Sink interface {
	Notify(ev Event)
}

// WindowSource answers sliding-window CO2 sum queries. The ingest
// coordinator implements it against the visit log; the sum is computed at
// evaluation time because the window slides continuously.
type WindowSource interface {
	WindowGrams(origin string, from, to time.Time) float64
}

// SettingsProvider returns the current alert settings so runtime changes
// take effect on the next tick without restarting the engine.
type SettingsProvider func() settings.AlertSettings

type originState struct {
	activeSeconds int64
	lastAlertAt   time.Time
}

// Engine evaluates every known origin on a fixed interval. Engine state is
// transient: it rebuilds to zero on process restart.
type Engine struct {
	clock    quartz.Clock
	source   WindowSource
	provider SettingsProvider
	logger   *slog.Logger

	mu      sync.Mutex
	origins map[string]*originState
	sinks   []Sink
	history []Event

	cancel context.CancelFunc
	done   chan struct{}
}

const historyLimit = 100

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the real clock; tests pass quartz.NewMock.
func WithClock(clock quartz.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// NewEngine creates an engine reading window sums from source and settings
// from provider.
func NewEngine(source WindowSource, provider SettingsProvider, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		clock:    quartz.NewReal(),
		source:   source,
		provider: provider,
		logger:   logger,
		origins:  make(map[string]*originState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers a sink for fired events.
func (e *Engine) Subscribe(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// RecordActivity accumulates one second of active time for the origin. The
// collector samples visibility/focus at 1Hz, so each call is one tick.
// Active time never decreases on its own.
func (e *Engine) RecordActivity(origin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(origin).activeSeconds++
}

// ActiveSeconds returns the accumulated active time for the origin.
func (e *Engine) ActiveSeconds(origin string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state(origin).activeSeconds
}

// ResetActive zeroes the origin's accumulator. Debug and test use only.
func (e *Engine) ResetActive(origin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(origin).activeSeconds = 0
}

// Observe makes the origin known to the engine so evaluation ticks cover
// it even before any activity tick arrives.
func (e *Engine) Observe(origin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(origin)
}

// e.mu must be held.
func (e *Engine) state(origin string) *originState {
	st, ok := e.origins[origin]
	if !ok {
		st = &originState{}
		e.origins[origin] = st
	}
	return st
}

// StateOf derives the origin's current state for dashboards.
func (e *Engine) StateOf(origin string) State {
	cfg := e.provider().Normalized()
	now := e.clock.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.origins[origin]
	if !ok || st.activeSeconds < int64(cfg.TimeThresholdS) {
		return StateIdle
	}
	if !st.lastAlertAt.IsZero() && now.Sub(st.lastAlertAt) < cooldown(cfg) {
		return StateCooldown
	}
	return StateArmed
}

// EvaluateAll runs one evaluation tick over every known origin.
func (e *Engine) EvaluateAll() {
	cfg := e.provider().Normalized()
	if !cfg.AlertEnabled {
		return
	}

	e.mu.Lock()
	origins := make([]string, 0, len(e.origins))
	for origin := range e.origins {
		origins = append(origins, origin)
	}
	e.mu.Unlock()

	for _, origin := range origins {
		e.evaluate(origin, cfg)
	}
}

// evaluate runs the state machine for one origin. Threshold comparisons
// are inclusive and the window is closed at both ends.
func (e *Engine) evaluate(origin string, cfg settings.AlertSettings) {
	now := e.clock.Now().UTC()

	e.mu.Lock()
	st := e.state(origin)
	active := st.activeSeconds
	lastAlertAt := st.lastAlertAt
	e.mu.Unlock()

	if active < int64(cfg.TimeThresholdS) {
		return // below Armed
	}

	// The window sum must come from the log at check time; the window
	// slides continuously so nothing precomputed can stand in for it.
	window := time.Duration(cfg.WindowMinutes) * time.Minute
	windowSum := e.source.WindowGrams(origin, now.Add(-window), now)
	if windowSum < cfg.CO2ThresholdG {
		return
	}

	if !lastAlertAt.IsZero() && now.Sub(lastAlertAt) < cooldown(cfg) {
		return // still in Cooldown, suppress
	}

	ev := Event{
		Origin:        origin,
		WindowGrams:   windowSum,
		WindowMinutes: cfg.WindowMinutes,
		FiredAt:       now,
	}

	e.mu.Lock()
	// lastAlertAt only ever moves forward.
	if now.After(st.lastAlertAt) {
		st.lastAlertAt = now
	}
	e.history = append(e.history, ev)
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.Unlock()

	e.logger.Info("CO2 alert fired",
		slog.String("origin", ev.Origin),
		slog.Float64("windowSum_g", ev.WindowGrams),
		slog.Int("windowMinutes", ev.WindowMinutes))

	for _, sink := range sinks {
		sink.Notify(ev)
	}
}

// History returns the most recent fired events, oldest first.
func (e *Engine) History() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.history))
	copy(out, e.history)
	return out
}

// errIntervalChanged stops the current ticker so Run can re-arm it with
// the new check interval.
var errIntervalChanged = errors.New("alerts: check interval changed")

// Run evaluates on the configured interval until ctx is cancelled. The
// ticker is owned here; cancelling ctx stops it cleanly. An operator
// change to the check interval is picked up on the next tick, when the
// ticker re-arms itself with the new duration.
func (e *Engine) Run(ctx context.Context) error {
	for {
		interval := time.Duration(e.provider().Normalized().CheckIntervalS) * time.Second
		e.logger.Info("Starting alert evaluation ticker", slog.Duration("interval", interval))

		waiter := e.clock.TickerFunc(ctx, interval, func() error {
			e.EvaluateAll()
			if next := time.Duration(e.provider().Normalized().CheckIntervalS) * time.Second; next != interval {
				return errIntervalChanged
			}
			return nil
		}, "alerts")

		err := waiter.Wait()
		switch {
		case ctx.Err() != nil:
			e.logger.Info("Alert evaluation ticker stopped")
			return nil
		case errors.Is(err, errIntervalChanged):
			e.logger.Info("Re-arming alert evaluation ticker")
		default:
			e.logger.Info("Alert evaluation ticker stopped")
			return err
		}
	}
}

// Start launches the evaluation ticker on a background goroutine.
// Implements cartridge.BackgroundWorker interface.
func (e *Engine) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		if err := e.Run(ctx); err != nil {
			e.logger.Error("Alert evaluation ticker failed", slog.Any("error", err))
		}
	}()
	return nil
}

// Stop cancels the evaluation ticker and waits for it to wind down.
// Implements cartridge.BackgroundWorker interface.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

func cooldown(cfg settings.AlertSettings) time.Duration {
	return time.Duration(cfg.CooldownMinutes) * time.Minute
}
