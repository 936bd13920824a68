package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devskill-org/heat-capacitor/capacitor"
	"github.com/devskill-org/heat-capacitor/metrics"
	"github.com/devskill-org/heat-capacitor/publish"
	"github.com/devskill-org/heat-capacitor/sensor"
)

var cest = time.FixedZone("CEST", 2*60*60)

func at(hour, minute int) time.Time {
	return time.Date(2021, 10, 11, hour, minute, 0, 0, cest)
}

type stubProvider struct {
	mu       sync.Mutex
	schedule capacitor.PriceSchedule
	err      error
}

func (p *stubProvider) Schedule(context.Context) (capacitor.PriceSchedule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.schedule, p.err
}

func (p *stubProvider) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type recordingSink struct {
	mu      sync.Mutex
	records []publish.Record
}

func (s *recordingSink) Publish(_ context.Context, r publish.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) all() []publish.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publish.Record(nil), s.records...)
}

type memoryStore struct {
	saved  []publish.Record
	closed bool
}

func (s *memoryStore) SaveDecision(_ context.Context, r publish.Record) error {
	s.saved = append(s.saved, r)
	return nil
}

func (s *memoryStore) LoadHistory(_ context.Context, _ string, limit int) ([]publish.Record, error) {
	n := min(limit, len(s.saved))
	return s.saved[len(s.saved)-n:], nil
}

func (s *memoryStore) Close() error {
	s.closed = true
	return nil
}

type failingReader struct{}

func (failingReader) ReadTemperature(context.Context) (float64, error) {
	return 0, errors.New("modbus: connection refused")
}

func testConfig() *Config {
	config := DefaultConfig()
	config.StorageID = "tank"
	config.CoolMinutesPerDegree = 20
	config.HTTPPort = 0
	return config
}

type fixture struct {
	controller *Controller
	provider   *stubProvider
	sink       *recordingSink
	store      *memoryStore
	clock      time.Time
}

func newFixture(t *testing.T, config *Config, reader sensor.TemperatureReader) *fixture {
	t.Helper()
	f := &fixture{
		provider: &stubProvider{schedule: capacitor.PriceSchedule{Points: []capacitor.PricePoint{
			{Start: at(0, 0), UnitPrice: 10},
			{Start: at(1, 0), UnitPrice: 8},
		}}},
		sink:  &recordingSink{},
		store: &memoryStore{},
	}
	c, err := NewController(config, Dependencies{
		Prices:  f.provider,
		Reader:  reader,
		Sink:    f.sink,
		Store:   f.store,
		Metrics: metrics.NewMetrics(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	c.now = func() time.Time { return f.clock }
	f.controller = c
	return f
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	_, err := NewController(testConfig(), Dependencies{Reader: sensor.StaticReader{}}, nil)
	assert.Error(t, err)

	_, err = NewController(testConfig(), Dependencies{Prices: &stubProvider{}}, nil)
	assert.Error(t, err)

	config := testConfig()
	config.Baseline = "nope"
	_, err = NewController(config, Dependencies{Prices: &stubProvider{}, Reader: sensor.StaticReader{}}, nil)
	assert.ErrorIs(t, err, capacitor.ErrInvalidConfig)
}

func TestController_TickFollowsPrices(t *testing.T) {
	f := newFixture(t, testConfig(), sensor.StaticReader{Temperature: 48})

	f.clock = at(0, 30)
	r := f.controller.Tick(context.Background())
	require.False(t, r.Failed(), r.Error)
	assert.Equal(t, capacitor.StateHold, r.Decision.State)
	assert.Equal(t, 45.0, r.Decision.TargetTemperature)

	f.clock = at(1, 30)
	r = f.controller.Tick(context.Background())
	require.False(t, r.Failed(), r.Error)
	assert.Equal(t, capacitor.StateBoost, r.Decision.State)
	assert.Equal(t, 48.0, r.Decision.TargetTemperature)

	assert.Len(t, f.sink.all(), 2)
	assert.Len(t, f.store.saved, 2)

	status := f.controller.GetStatus()
	assert.Equal(t, 2, status.Ticks)
	assert.Equal(t, 0, status.Failures)
	assert.Equal(t, capacitor.StateBoost, status.State)
	assert.Equal(t, 48.0, status.Temperature)
}

func TestController_ColdTankForcesHeat(t *testing.T) {
	f := newFixture(t, testConfig(), sensor.StaticReader{Temperature: 44})

	f.clock = at(0, 30)
	r := f.controller.Tick(context.Background())
	require.False(t, r.Failed(), r.Error)
	assert.Equal(t, capacitor.StateForcedHeat, r.Decision.State)
	assert.Equal(t, 51.0, r.Decision.TargetTemperature, "heat boost is capped at max adjustment")
}

func TestController_FailedTickKeepsLastTarget(t *testing.T) {
	f := newFixture(t, testConfig(), sensor.StaticReader{Temperature: 48})

	f.clock = at(1, 30)
	good := f.controller.Tick(context.Background())
	require.False(t, good.Failed())

	f.provider.fail(errors.New("entsoe: 503"))
	f.clock = at(1, 45)
	bad := f.controller.Tick(context.Background())
	assert.True(t, bad.Failed())
	assert.Contains(t, bad.Error, "entsoe: 503")
	assert.Empty(t, bad.ErrorKind)

	decision, ok := f.controller.LastDecision()
	require.True(t, ok)
	assert.Equal(t, good.Decision.TargetTemperature, decision.TargetTemperature)

	records := f.sink.all()
	require.Len(t, records, 2)
	assert.True(t, records[1].Failed(), "failures are published too")
	assert.Len(t, f.store.saved, 1, "only decisions are persisted")

	status := f.controller.GetStatus()
	assert.Equal(t, 1, status.Failures)
	assert.Equal(t, 48.0, status.TargetTemperature)
	assert.NotEmpty(t, status.LastError)
}

func TestController_NoCoverageIsTagged(t *testing.T) {
	f := newFixture(t, testConfig(), sensor.StaticReader{Temperature: 48})

	f.clock = at(0, 0).Add(-time.Minute)
	r := f.controller.Tick(context.Background())
	assert.True(t, r.Failed())
	assert.Equal(t, "no_coverage", r.ErrorKind)

	_, ok := f.controller.LastDecision()
	assert.False(t, ok)
}

func TestController_SensorFailure(t *testing.T) {
	f := newFixture(t, testConfig(), failingReader{})

	f.clock = at(1, 30)
	r := f.controller.Tick(context.Background())
	assert.True(t, r.Failed())
	assert.Contains(t, r.Error, "connection refused")
}

func TestController_TickTimeNeverGoesBack(t *testing.T) {
	f := newFixture(t, testConfig(), sensor.StaticReader{Temperature: 48})

	f.clock = at(1, 30)
	first := f.controller.Tick(context.Background())

	f.clock = at(1, 10)
	second := f.controller.Tick(context.Background())

	assert.True(t, second.Time.Equal(first.Time))
	assert.Equal(t, first.Decision.State, second.Decision.State)
}

func TestController_EstimatedCoolingRate(t *testing.T) {
	config := testConfig()
	config.EstimateCoolingRate = true
	f := newFixture(t, config, sensor.StaticReader{Temperature: 48})

	f.clock = at(1, 30)
	r := f.controller.Tick(context.Background())
	require.False(t, r.Failed(), r.Error)

	// Nothing learned yet: the configured 20 min/degree spans 60 minutes back.
	assert.True(t, r.Decision.Window.Earliest.Equal(at(0, 30)))
}

func TestController_History(t *testing.T) {
	config := testConfig()
	f := newFixture(t, config, sensor.StaticReader{Temperature: 48})
	f.controller.deps.Store = nil

	for _, minute := range []int{30, 40, 50} {
		f.clock = at(1, minute)
		f.controller.Tick(context.Background())
	}
	f.provider.fail(errors.New("down"))
	f.clock = at(1, 55)
	f.controller.Tick(context.Background())

	history, err := f.controller.History(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Time.Equal(at(1, 50)), "newest first, failures skipped")
	assert.True(t, history[1].Time.Equal(at(1, 40)))

	history, err = f.controller.History(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestController_StartAndStop(t *testing.T) {
	config := testConfig()
	config.TickInterval = time.Hour
	f := newFixture(t, config, sensor.StaticReader{Temperature: 48})
	f.clock = at(1, 30)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.controller.Start(ctx) }()

	require.Eventually(t, func() bool { return len(f.sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.controller.IsRunning())

	f.controller.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}
	assert.False(t, f.controller.IsRunning())

	require.NoError(t, f.controller.Close())
	assert.True(t, f.store.closed)
}

func TestGetInitialDelay(t *testing.T) {
	tests := []struct {
		now      time.Time
		interval time.Duration
		want     time.Duration
	}{
		{now: at(1, 7), interval: 15 * time.Minute, want: 8 * time.Minute},
		{now: at(1, 0), interval: 15 * time.Minute, want: 0},
		{now: at(1, 59), interval: time.Minute, want: 0},
		{now: at(1, 30).Add(10 * time.Second), interval: time.Minute, want: 50 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, getInitialDelay(tt.now, tt.interval), "%s every %s", tt.now.Format("15:04:05"), tt.interval)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestController_StopWithRequestsInFlight(t *testing.T) {
	config := testConfig()
	config.TickInterval = time.Hour
	config.HTTPPort = freePort(t)
	f := newFixture(t, config, sensor.StaticReader{Temperature: 48})
	f.clock = at(1, 30)
	f.controller.WithWebServer(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.controller.Start(ctx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(config.HTTPPort) + "/api/status"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	stopLoad := make(chan struct{})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopLoad:
					return
				default:
				}
				if resp, err := http.Get(url); err == nil {
					resp.Body.Close()
				}
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)

	started := time.Now()
	f.controller.Stop()
	elapsed := time.Since(started)
	close(stopLoad)
	wg.Wait()

	assert.Less(t, elapsed, 2*time.Second, "shutdown waited on handlers")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}
}
