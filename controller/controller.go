// Package controller runs the decision engine against live prices and
// temperatures and delivers the resulting targets.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/devskill-org/heat-capacitor/capacitor"
	"github.com/devskill-org/heat-capacitor/metrics"
	"github.com/devskill-org/heat-capacitor/prices"
	"github.com/devskill-org/heat-capacitor/publish"
	"github.com/devskill-org/heat-capacitor/sensor"
)

const recentRecords = 256

// PeriodicTask represents a task that runs periodically with an optional initial delay
type PeriodicTask struct {
	name         string
	initialDelay time.Duration
	interval     time.Duration
	runFunc      func()
}

// run executes the periodic task in a loop, respecting the initial delay and context cancellation
func (pt *PeriodicTask) run(ctx context.Context, stopChan <-chan struct{}, logger *slog.Logger) {
	logger = logger.With("task", pt.name)

	if pt.initialDelay > 0 {
		logger.Debug("waiting for initial delay", "delay", pt.initialDelay)
		select {
		case <-time.After(pt.initialDelay):
			pt.runFunc()
		case <-ctx.Done():
			logger.Info("stopped during initial delay", "reason", "context")
			return
		case <-stopChan:
			logger.Info("stopped during initial delay", "reason", "stop")
			return
		}
	} else {
		pt.runFunc()
	}

	ticker := time.NewTicker(pt.interval)
	defer ticker.Stop()

	logger.Info("started", "interval", pt.interval)

	for {
		select {
		case <-ticker.C:
			pt.runFunc()
		case <-ctx.Done():
			logger.Info("stopped", "reason", "context")
			return
		case <-stopChan:
			logger.Info("stopped", "reason", "stop")
			return
		}
	}
}

// DecisionStore persists successful decisions.
type DecisionStore interface {
	SaveDecision(ctx context.Context, r publish.Record) error
	LoadHistory(ctx context.Context, storageID string, limit int) ([]publish.Record, error)
	Close() error
}

// Dependencies are the collaborators a Controller talks to. Prices and
// Reader are required; the rest may be nil.
type Dependencies struct {
	Prices  prices.Provider
	Reader  sensor.TemperatureReader
	Sink    publish.Sink
	Store   DecisionStore
	Metrics *metrics.Metrics
}

// Controller delivers one decision per tick. A failed tick keeps the last
// good target in effect.
type Controller struct {
	config    *Config
	evaluator capacitor.Evaluator
	deps      Dependencies
	cooling   *sensor.CoolingEstimator
	webServer *WebServer
	logger    *slog.Logger
	now       func() time.Time

	mu              sync.RWMutex
	isRunning       bool
	stopChan        chan struct{}
	lastTick        time.Time
	lastGood        *capacitor.Decision
	lastRecord      *publish.Record
	lastTemperature float64
	recent          []publish.Record
	tickCount       int
	failureCount    int
}

// NewController creates a controller. The config is assumed valid.
func NewController(config *Config, deps Dependencies, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Prices == nil || deps.Reader == nil {
		return nil, fmt.Errorf("price provider and temperature reader are required")
	}
	if deps.Sink == nil {
		deps.Sink = publish.LogSink{Logger: logger}
	}

	baseline, err := capacitor.ParseBaseline(config.Baseline)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		config:    config,
		evaluator: capacitor.Evaluator{Baseline: baseline},
		deps:      deps,
		logger:    logger.With("component", "controller"),
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
	if config.EstimateCoolingRate {
		c.cooling = sensor.NewCoolingEstimator(0.3, 0.5)
	}
	return c, nil
}

// WithWebServer attaches an HTTP API on the configured port.
func (c *Controller) WithWebServer(accessLog io.Writer) *Controller {
	c.webServer = NewWebServer(c, c.config.HTTPPort, accessLog)
	return c
}

// GetConfig returns the current configuration
func (c *Controller) GetConfig() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Evaluator returns the evaluator used for ticks.
func (c *Controller) Evaluator() capacitor.Evaluator {
	return c.evaluator
}

func getInitialDelay(now time.Time, delayInterval time.Duration) time.Duration {
	top := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	delay := now.Sub(top)
	for delay > 0 {
		delay = delay - delayInterval
	}
	return -delay
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return fmt.Errorf("controller is already running")
	}
	c.isRunning = true
	c.stopChan = make(chan struct{})
	stopChan := c.stopChan
	c.mu.Unlock()

	config := c.GetConfig()
	if config.DryRun {
		c.logger.Info("dry-run mode enabled, decisions are logged only")
	}

	if c.webServer != nil {
		if err := c.webServer.Start(); err != nil {
			c.logger.Error("failed to start web server", "error", err)
		} else {
			c.logger.Info("web server started", "port", c.webServer.port)
		}
	}

	// first decision right away, then aligned to the interval
	c.Tick(ctx)

	delay := getInitialDelay(c.now(), config.TickInterval)
	if delay == 0 {
		delay = config.TickInterval
	}
	task := PeriodicTask{
		name:         "Decision",
		initialDelay: delay,
		interval:     config.TickInterval,
		runFunc: func() {
			c.Tick(ctx)
		},
	}
	task.run(ctx, stopChan, c.logger)

	c.logger.Info("tick loop stopped")
	c.stop()
	return nil
}

// Stop gracefully stops the controller
func (c *Controller) Stop() {
	c.stop()
}

func (c *Controller) stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = false

	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}
	webServer := c.webServer
	c.mu.Unlock()

	// handlers read status under c.mu, so shut down without holding it
	if webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := webServer.Stop(ctx); err != nil {
			c.logger.Error("error stopping web server", "error", err)
		}
	}
}

// Close releases the sink, the store and a closable sensor.
func (c *Controller) Close() error {
	var errs []error
	if err := c.deps.Sink.Close(); err != nil {
		errs = append(errs, err)
	}
	if closer, ok := c.deps.Reader.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.deps.Store != nil {
		if err := c.deps.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsRunning returns whether the tick loop is currently running
func (c *Controller) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

// tickTime returns the clock reading for a tick, never earlier than the
// previous tick.
func (c *Controller) tickTime() time.Time {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.lastTick) {
		now = c.lastTick
	}
	c.lastTick = now
	return now
}

// Tick makes one decision and delivers it. It never returns an error: a
// failed tick is recorded, counted and published, and the previous target
// stays in effect.
func (c *Controller) Tick(ctx context.Context) publish.Record {
	started := time.Now()
	now := c.tickTime()
	config := c.GetConfig()

	temperature, decision, err := c.decide(ctx, now, config)

	var record publish.Record
	if err != nil {
		record = publish.NewRecord(config.StorageID, now, temperature, nil, err)
		c.deps.Metrics.TickFailed(capacitor.Kind(err), time.Since(started))
	} else {
		record = publish.NewRecord(config.StorageID, now, temperature, &decision, nil)
		c.deps.Metrics.TickSucceeded(string(decision.State), decision.TargetTemperature,
			decision.Current.UnitPrice, decision.Savings.Savings, time.Since(started))
	}

	c.remember(record)

	if err := c.deps.Sink.Publish(ctx, record); err != nil {
		c.logger.Error("failed to publish record", "id", record.ID, "error", err)
	}

	if c.deps.Store != nil && !record.Failed() {
		if err := c.deps.Store.SaveDecision(ctx, record); err != nil {
			c.logger.Error("failed to persist decision", "id", record.ID, "error", err)
		}
	}

	if c.webServer != nil {
		c.webServer.Broadcast(record)
	}

	return record
}

func (c *Controller) decide(ctx context.Context, now time.Time, config *Config) (float64, capacitor.Decision, error) {
	temperature, err := c.deps.Reader.ReadTemperature(ctx)
	if err != nil {
		return 0, capacitor.Decision{}, fmt.Errorf("failed to read temperature: %w", err)
	}
	c.deps.Metrics.SetTemperature(temperature)

	rates := config.Rates()
	if c.cooling != nil {
		c.cooling.Observe(temperature, now)
		rates.CoolMinutesPerDegree = c.cooling.MinutesPerDegree(rates.CoolMinutesPerDegree)
	}

	schedule, err := c.deps.Prices.Schedule(ctx)
	if err != nil {
		return temperature, capacitor.Decision{}, fmt.Errorf("failed to get price schedule: %w", err)
	}

	bounds := config.Bounds()
	req := capacitor.EvaluationRequest{
		Now:      now,
		Bounds:   bounds,
		Rates:    rates,
		Boost:    sensor.Adjustments(temperature, bounds),
		Schedule: schedule,
	}

	decision, err := c.evaluator.Evaluate(req)
	return temperature, decision, err
}

func (c *Controller) remember(r publish.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tickCount++
	c.lastRecord = &r
	c.lastTemperature = r.Temperature
	if r.Failed() {
		c.failureCount++
	} else {
		c.lastGood = r.Decision
	}

	c.recent = append(c.recent, r)
	if len(c.recent) > recentRecords {
		c.recent = c.recent[len(c.recent)-recentRecords:]
	}
}

// LastDecision returns the decision currently in effect, if any.
func (c *Controller) LastDecision() (capacitor.Decision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastGood == nil {
		return capacitor.Decision{}, false
	}
	return *c.lastGood, true
}

// History returns up to limit successful decisions, newest first. The
// store is used when configured, otherwise the in-memory buffer.
func (c *Controller) History(ctx context.Context, limit int) ([]publish.Record, error) {
	config := c.GetConfig()
	if limit <= 0 {
		limit = config.HistoryLimit
	}
	if c.deps.Store != nil {
		return c.deps.Store.LoadHistory(ctx, config.StorageID, limit)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	history := make([]publish.Record, 0, min(limit, len(c.recent)))
	for i := len(c.recent) - 1; i >= 0 && len(history) < limit; i-- {
		if !c.recent[i].Failed() {
			history = append(history, c.recent[i])
		}
	}
	return history, nil
}

// GetStatus returns the current status of the controller
func (c *Controller) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := Status{
		IsRunning:    c.isRunning,
		StorageID:    c.config.StorageID,
		Ticks:        c.tickCount,
		Failures:     c.failureCount,
		Temperature:  c.lastTemperature,
		DryRun:       c.config.DryRun,
		TickInterval: c.config.TickInterval.String(),
	}
	if c.lastGood != nil {
		status.State = c.lastGood.State
		status.TargetTemperature = c.lastGood.TargetTemperature
		status.HasDecision = true
	}
	if c.lastRecord != nil {
		t := c.lastRecord.Time
		status.LastTick = &t
		status.LastError = c.lastRecord.Error
	}
	if cached, ok := c.deps.Prices.(*prices.CachedProvider); ok {
		if fetched := cached.FetchedAt(); !fetched.IsZero() {
			status.PricesFetchedAt = &fetched
		}
		if err := cached.LastError(); err != nil {
			status.PriceError = err.Error()
		}
	}
	return status
}

// Status represents the current status of the controller
type Status struct {
	IsRunning         bool            `json:"is_running"`
	StorageID         string          `json:"storage_id"`
	HasDecision       bool            `json:"has_decision"`
	State             capacitor.State `json:"state,omitempty"`
	TargetTemperature float64         `json:"target_temperature"`
	Temperature       float64         `json:"temperature"`
	Ticks             int             `json:"ticks"`
	Failures          int             `json:"failures"`
	LastTick          *time.Time      `json:"last_tick,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	PricesFetchedAt   *time.Time      `json:"prices_fetched_at,omitempty"`
	PriceError        string          `json:"price_error,omitempty"`
	DryRun            bool            `json:"dry_run"`
	TickInterval      string          `json:"tick_interval"`
}
