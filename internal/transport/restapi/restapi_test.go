package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/clock"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/coordinator"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/fusion"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/history"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/kvstore"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/metrics"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

type noopDriver struct{}

func (noopDriver) Init(ctx context.Context) error                   { return nil }
func (noopDriver) Deinit(ctx context.Context) error                 { return nil }
func (noopDriver) Read(ctx context.Context) (drivers.Reading, error) { return drivers.Reading{}, nil }
func (noopDriver) Reset(ctx context.Context) error                  { return nil }
func (noopDriver) Enable(ctx context.Context) error                 { return nil }
func (noopDriver) Disable(ctx context.Context) error                { return nil }

func newTestServer(t *testing.T, token string) (*Server, *coordinator.Coordinator) {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.BearerToken = token
	fake := clock.NewFake()
	kv, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	snap := snapshot.New()
	fusionStage := fusion.NewStage(fake, kv, cfg.Fusion)
	metricsStage := metrics.NewStage(fake, cfg.Metrics, cfg.Feature)
	hist := history.NewStage(fake, cfg)
	coord := coordinator.New(cfg, fake, kv, snap, fusionStage, metricsStage,
		map[config.SensorID]drivers.Driver{config.SensorCO2: noopDriver{}}, nil)
	coord.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go coord.Run(ctx)

	s := New(coord, snap, fusionStage, hist, cfg, func() int64 { return fake.NowUs() })
	return s, coord
}

func doReq(t *testing.T, srv *httptest.Server, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestStateEndpointReturnsNullFieldsWhenEmpty(t *testing.T) {
	s, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := doReq(t, srv, http.MethodGet, "/api/state", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body, "temp_c")
	require.Nil(t, body["temp_c"])
}

func TestMetricsAndHealthEndpointsRespond(t *testing.T) {
	s, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	for _, path := range []string{"/api/metrics", "/api/health"} {
		resp := doReq(t, srv, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestAuthRejectsMissingOrWrongToken(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := doReq(t, srv, http.MethodGet, "/api/state", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doReq(t, srv, http.MethodGet, "/api/state", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doReq(t, srv, http.MethodGet, "/api/state", "secret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestSensorCadenceWriteEndpointReachesCoordinator(t *testing.T) {
	s, coord := newTestServer(t, "")
	_ = coord
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := doReq(t, srv, http.MethodPost, "/api/sensor/co2/cadence", "", cadenceBody{Ms: 4000})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return s.snap.Read().Sensors[config.SensorCO2].CadenceMs == 4000
	}, time.Second, time.Millisecond)
}

func TestSensorUnknownIDReturnsBadRequest(t *testing.T) {
	s, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := doReq(t, srv, http.MethodPost, "/api/sensor/nope/reset", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFusionSetterValidatesRange(t *testing.T) {
	s, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := doReq(t, srv, http.MethodPost, "/api/fusion/pm_humidity_a", "", coefficientBody{Value: 1.5})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.InDelta(t, 1.5, s.fusion.Coef.PMHumidityA, 1e-9)

	resp2 := doReq(t, srv, http.MethodPost, "/api/fusion/pm_humidity_a", "", coefficientBody{Value: 99})
	defer resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestHistoryEndpointRejectsUnknownMetric(t *testing.T) {
	s, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := doReq(t, srv, http.MethodGet, "/api/history?metric=bogus&start=0&end=60&max_points=10", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsRouteBypassesAuthAndReportsRequestCount(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := doReq(t, srv, http.MethodGet, "/api/state", "secret", nil)
	resp.Body.Close()

	resp = doReq(t, srv, http.MethodGet, "/metrics", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "iaq_http_requests_total")
}

func TestHistoryEndpointReturnsEmptyBucketsWhenNoSamples(t *testing.T) {
	s, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := doReq(t, srv, http.MethodGet, "/api/history?metric=co2_ppm&start=0&end=3600&max_points=10", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body historyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 0, body.Tier)
}
