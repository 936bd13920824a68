package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devskill-org/heat-capacitor/capacitor"
	"github.com/devskill-org/heat-capacitor/metrics"
	"github.com/devskill-org/heat-capacitor/prices"
	"github.com/devskill-org/heat-capacitor/publish"
	"github.com/devskill-org/heat-capacitor/sensor"
)

const tibberPrices = `{
    "source": "Tibber",
    "priceData": [
      {"value": 10, "start": "2021-10-11T00:00:00.000+02:00"},
      {"value": 8, "start": "2021-10-11T01:00:00.000+02:00"}
    ]
}`

func writePriceFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prices.json")
	require.NoError(t, os.WriteFile(path, []byte(tibberPrices), 0o644))
	return path
}

func TestNewPriceProvider_File(t *testing.T) {
	config := testConfig()
	config.PriceFile = writePriceFile(t)
	config.DeliveryFee = 1

	provider, err := NewPriceProvider(config, nil)
	require.NoError(t, err)

	schedule, err := provider.Schedule(context.Background())
	require.NoError(t, err)
	require.Len(t, schedule.Points, 2)
	assert.Equal(t, 11.0, schedule.Points[0].UnitPrice)
}

func TestNewPriceProvider_ENTSOE(t *testing.T) {
	config := testConfig()
	config.PriceSource = PriceSourceENTSOE
	config.SecurityToken = "token"

	provider, err := NewPriceProvider(config, nil)
	require.NoError(t, err)
	assert.NotNil(t, provider)

	config.Location = "Nowhere/Atlantis"
	_, err = NewPriceProvider(config, nil)
	assert.Error(t, err)
}

type failingPrices struct{}

func (failingPrices) Schedule(context.Context) (capacitor.PriceSchedule, error) {
	return capacitor.PriceSchedule{}, errors.New("upstream down")
}

func TestCountingProvider(t *testing.T) {
	m := metrics.NewMetrics()
	config := testConfig()
	config.PriceFile = writePriceFile(t)

	ok := countingProvider{Provider: &prices.FileProvider{Path: config.PriceFile}, metrics: m}
	_, err := ok.Schedule(context.Background())
	require.NoError(t, err)

	bad := countingProvider{Provider: failingPrices{}, metrics: m}
	_, err = bad.Schedule(context.Background())
	assert.Error(t, err)

	body := scrape(t, m)
	assert.Contains(t, body, `heatcap_price_refreshes_total{result="ok"} 1`)
	assert.Contains(t, body, `heatcap_price_refreshes_total{result="error"} 1`)
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestNewTemperatureReader(t *testing.T) {
	config := testConfig()
	config.StaticTemperature = 42.5

	reader, err := NewTemperatureReader(config)
	require.NoError(t, err)
	temp, err := reader.ReadTemperature(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.5, temp)

	config.SensorSource = "thermocouple"
	_, err = NewTemperatureReader(config)
	assert.Error(t, err)
}

func TestNewSink(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	config := testConfig()
	config.DryRun = true
	config.MQTTBroker = "tcp://unreachable.invalid:1883"
	config.KafkaBrokers = []string{"unreachable.invalid:9092"}
	sink, err := NewSink(config, logger)
	require.NoError(t, err)
	assert.Len(t, sink.(publish.Multi), 1, "dry run only logs")

	config.DryRun = false
	config.MQTTBroker = ""
	sink, err = NewSink(config, logger)
	require.NoError(t, err)
	multi := sink.(publish.Multi)
	require.Len(t, multi, 2)
	assert.IsType(t, &publish.KafkaSink{}, multi[1])
	assert.NoError(t, sink.Close())
}

func TestBuild(t *testing.T) {
	config := testConfig()
	config.PriceFile = writePriceFile(t)
	config.HTTPPort = 18080
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := Build(context.Background(), config, logger, io.Discard)
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.webServer)
	assert.IsType(t, &prices.CachedProvider{}, c.deps.Prices)
	assert.IsType(t, sensor.StaticReader{}, c.deps.Reader)

	c.now = func() time.Time { return at(1, 30) }
	r := c.Tick(context.Background())
	require.False(t, r.Failed(), r.Error)
	assert.Contains(t, scrape(t, c.deps.Metrics), `heatcap_ticks_total{state="BOOST"} 1`)
	assert.NotNil(t, c.GetStatus().PricesFetchedAt)
}

func TestBuild_ReleasesReaderWhenSinksFail(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			accepted <- conn
		}
	}()

	config := testConfig()
	config.PriceFile = writePriceFile(t)
	config.SensorSource = SensorSourceModbus
	config.SensorAddress = ln.Addr().String()
	config.MQTTBroker = "tcp://127.0.0.1:1"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err = Build(context.Background(), config, logger, io.Discard)
	require.Error(t, err)

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("sensor never connected")
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "modbus connection is closed")
}
