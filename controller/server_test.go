package controller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devskill-org/heat-capacitor/capacitor"
	"github.com/devskill-org/heat-capacitor/publish"
	"github.com/devskill-org/heat-capacitor/sensor"
)

func newTestServer(t *testing.T) (*fixture, *WebServer, *httptest.Server) {
	t.Helper()
	config := testConfig()
	config.HTTPPort = 8080
	f := newFixture(t, config, sensor.StaticReader{Temperature: 48})
	f.controller.deps.Store = nil
	f.controller.WithWebServer(io.Discard)

	ws := f.controller.webServer
	require.NotNil(t, ws)
	server := httptest.NewServer(ws.Handler())
	t.Cleanup(server.Close)
	return f, ws, server
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestNewWebServer_Disabled(t *testing.T) {
	f := newFixture(t, testConfig(), sensor.StaticReader{Temperature: 48})
	assert.Nil(t, NewWebServer(f.controller, 0, nil))

	var ws *WebServer
	assert.NoError(t, ws.Start())
	assert.NoError(t, ws.Stop(context.Background()))
	ws.Broadcast(publish.Record{})
}

func TestWebServer_HealthAndReady(t *testing.T) {
	f, _, server := newTestServer(t)

	var health HealthResponse
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, server.URL+"/api/health", &health))
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "tank", health.Controller.StorageID)

	f.controller.mu.Lock()
	f.controller.isRunning = true
	f.controller.mu.Unlock()

	assert.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/health", &health))
	assert.Equal(t, "healthy", health.Status)

	var ready map[string]any
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, server.URL+"/api/ready", &ready))
	assert.Equal(t, false, ready["ready"])

	f.clock = at(1, 30)
	f.controller.Tick(context.Background())
	assert.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/ready", &ready))
	assert.Equal(t, true, ready["ready"])
}

func TestWebServer_StatusAndDecision(t *testing.T) {
	f, _, server := newTestServer(t)

	var missing errorResponse
	assert.Equal(t, http.StatusNotFound, getJSON(t, server.URL+"/api/decision", &missing))

	f.clock = at(1, 30)
	f.controller.Tick(context.Background())

	var decision capacitor.Decision
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/decision", &decision))
	assert.Equal(t, capacitor.StateBoost, decision.State)
	assert.Equal(t, 48.0, decision.TargetTemperature)

	var status Status
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/status", &status))
	assert.Equal(t, 1, status.Ticks)
	assert.True(t, status.HasDecision)
}

func TestWebServer_Evaluate(t *testing.T) {
	_, _, server := newTestServer(t)

	body := `{
		"current_time": "2021-10-11T01:30:00+02:00",
		"bounds": {"setpoint": 48, "hysteresis": 3, "max_adjustment": 3, "min_savings": 1},
		"rates": {"heat_minutes_per_degree": 11.25, "cool_minutes_per_degree": 20},
		"boost": {"heat_boost": 0, "cool_slack": 0},
		"schedule": [
			{"start": "2021-10-11T00:00:00+02:00", "value": 10},
			{"start": "2021-10-11T01:00:00+02:00", "value": 8}
		]
	}`

	tests := []struct {
		name       string
		query      string
		body       string
		wantStatus int
		wantState  capacitor.State
		wantKind   string
		wantField  string
	}{
		{name: "boost", body: body, wantStatus: http.StatusOK, wantState: capacitor.StateBoost},
		{name: "far edge holds", query: "?baseline=far_edge", body: body, wantStatus: http.StatusOK, wantState: capacitor.StateHold},
		{name: "unknown baseline", query: "?baseline=median", body: body, wantStatus: http.StatusBadRequest, wantKind: "invalid_config", wantField: "baseline"},
		{name: "malformed body", body: `{"current_time": `, wantStatus: http.StatusBadRequest},
		{
			name:       "empty schedule",
			body:       strings.Replace(body, body[strings.Index(body, `"schedule"`):strings.LastIndex(body, "]")+1], `"schedule": []`, 1),
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "no_coverage",
			wantField:  "schedule",
		},
		{
			name:       "heat boost above max adjustment",
			body:       strings.Replace(body, `"heat_boost": 0`, `"heat_boost": 5`, 1),
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "invalid_config",
			wantField:  "boost.heat_boost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(server.URL+"/api/evaluate"+tt.query, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantStatus == http.StatusOK {
				var decision capacitor.Decision
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&decision))
				assert.Equal(t, tt.wantState, decision.State)
				return
			}

			var rejected errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&rejected))
			assert.NotEmpty(t, rejected.Error)
			assert.Equal(t, tt.wantKind, rejected.Kind)
			assert.Equal(t, tt.wantField, rejected.Field)
		})
	}
}

func TestWebServer_EvaluateRejectsGet(t *testing.T) {
	_, _, server := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/evaluate")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebServer_StopIsIdempotent(t *testing.T) {
	_, ws, _ := newTestServer(t)

	require.NoError(t, ws.Stop(context.Background()))
	assert.NotPanics(t, func() {
		assert.NoError(t, ws.Stop(context.Background()))
	})
	assert.Error(t, ws.Start(), "a stopped server is not restarted")
}

func TestWebServer_History(t *testing.T) {
	f, _, server := newTestServer(t)

	var history []publish.Record
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/history", &history))
	assert.Empty(t, history)

	for _, minute := range []int{30, 45} {
		f.clock = at(1, minute)
		f.controller.Tick(context.Background())
	}

	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/history?limit=1", &history))
	require.Len(t, history, 1)
	assert.True(t, history[0].Time.Equal(at(1, 45)))

	assert.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/api/history?limit=-1", nil))
}

func TestWebServer_Metrics(t *testing.T) {
	f, _, server := newTestServer(t)
	f.clock = at(1, 30)
	f.controller.Tick(context.Background())
	getJSON(t, server.URL+"/api/status", nil)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `heatcap_ticks_total{state="BOOST"} 1`)
	assert.Contains(t, string(body), `heatcap_http_requests_total{route="status",status="200"} 1`)
}

func TestWebServer_WebSocketBroadcast(t *testing.T) {
	f, ws, server := newTestServer(t)
	go ws.handleBroadcasts()
	defer close(ws.done)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "status", hello["type"])

	require.Eventually(t, func() bool { return ws.clientCount() == 1 }, time.Second, 5*time.Millisecond)

	f.clock = at(1, 30)
	record := f.controller.Tick(context.Background())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type   string         `json:"type"`
		Record publish.Record `json:"record"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "decision", msg.Type)
	assert.Equal(t, record.ID, msg.Record.ID)
	require.NotNil(t, msg.Record.Decision)
	assert.Equal(t, capacitor.StateBoost, msg.Record.Decision.State)
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5s", formatUptime(5*time.Second))
	assert.Equal(t, "2m3s", formatUptime(2*time.Minute+3*time.Second))
	assert.Equal(t, "1h0m1s", formatUptime(time.Hour+time.Second+400*time.Millisecond))
}
