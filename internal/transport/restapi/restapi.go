// Package restapi implements the REST surface (spec §4.8 C9): read
// endpoints mirroring the C8 JSON builders and write endpoints mapping
// one-to-one onto coordinator commands and configuration setters.
// Grounded on arx-os-arxos's internal/web/router.go chi wiring
// (middleware.Logger/Recoverer, nested r.Route groups, chi.URLParam) and
// its bearer-token gate, generalized from a session cookie to the single
// shared token spec §6 names ("authentication beyond a shared bearer
// token" is explicitly out of scope — so the token check is the whole of
// it).
package restapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/coordinator"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/fusion"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/history"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/publish"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

// Server wires the coordinator/snapshot/fusion/history against the chi
// route table.
type Server struct {
	coord  *coordinator.Coordinator
	snap   *snapshot.Store
	fusion *fusion.Stage
	hist   *history.Stage
	cfg    *config.Config
	nowUs  func() int64

	registry     *prometheus.Registry
	httpRequests *prometheus.CounterVec
}

// New builds a Server. nowUs supplies the monotonic clock reading used by
// the health builder's stale/warmup-remaining computation. A fresh
// prometheus.Registry is created per Server rather than reusing the global
// default registerer, so multiple Servers (one per test) never collide on
// duplicate metric registration.
func New(coord *coordinator.Coordinator, snap *snapshot.Store, fusionStage *fusion.Stage, hist *history.Stage, cfg *config.Config, nowUs func() int64) *Server {
	reg := prometheus.NewRegistry()
	reqCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iaq_http_requests_total",
		Help: "Total REST API requests, by route, method, and status.",
	}, []string{"route", "method", "status"})
	reg.MustRegister(reqCounter)
	return &Server{
		coord: coord, snap: snap, fusion: fusionStage, hist: hist, cfg: cfg, nowUs: nowUs,
		registry: reg, httpRequests: reqCounter,
	}
}

// metricsMiddleware records one counter increment per request that passes
// the auth gate (rejected requests are not counted), alongside (not
// instead of) the JSON health payload (spec §6).
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}

// Router builds the chi.Router for this server. /metrics is deliberately
// outside the authMiddleware group: a Prometheus scraper is a separate
// trust boundary from the sensor control surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.metricsMiddleware)

		r.Get("/api/state", s.handleState)
		r.Get("/api/metrics", s.handleMetrics)
		r.Get("/api/health", s.handleHealth)
		r.Get("/api/history", s.handleHistory)

		r.Route("/api/sensor/{id}", func(r chi.Router) {
			r.Post("/read", s.handleSensorRead)
			r.Post("/reset", s.handleSensorReset)
			r.Post("/calibrate", s.handleSensorCalibrate)
			r.Post("/cadence", s.handleSensorCadence)
			r.Post("/enable", s.handleSensorEnable)
			r.Post("/disable", s.handleSensorDisable)
		})

		r.Route("/api/fusion", func(r chi.Router) {
			r.Post("/pm_humidity_a", s.handleFusionSet(func(v float64) error { return s.fusion.Coef.SetPMHumidityA(v) }))
			r.Post("/pm_humidity_b", s.handleFusionSet(func(v float64) error { return s.fusion.Coef.SetPMHumidityB(v) }))
			r.Post("/temp_offset_c", s.handleFusionSet(func(v float64) error { return s.fusion.Coef.SetTempOffsetC(v) }))
		})
	})

	return r
}

// authMiddleware rejects requests missing the configured bearer token;
// when no token is configured, the gate is open (matching spec §9's
// design-notes stance that auth choices beyond the shared token are an
// implementation detail, not this component's to invent).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.HTTP.BearerToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		want := "Bearer " + s.cfg.HTTP.BearerToken
		if r.Header.Get("Authorization") != want {
			writeErr(w, http.StatusUnauthorized, iaqerr.InvalidState("restapi.auth", "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatus maps the error taxonomy (spec §7) onto the transport's native
// error channel (spec §7 "User-visible behaviour").
func httpStatus(err error) int {
	e, ok := err.(*iaqerr.Error)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case iaqerr.KindInvalidArg:
		return http.StatusBadRequest
	case iaqerr.KindInvalidState:
		return http.StatusConflict
	case iaqerr.KindTimeout:
		return http.StatusGatewayTimeout
	case iaqerr.KindNotReady:
		return http.StatusServiceUnavailable
	case iaqerr.KindTransient:
		return http.StatusBadGateway
	case iaqerr.KindFatal:
		return http.StatusInternalServerError
	case iaqerr.KindNoMemory:
		return http.StatusInsufficientStorage
	case iaqerr.KindNotSupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	d := s.snap.Read()
	writeJSON(w, publish.State(d, s.cfg.Feature))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	d := s.snap.Read()
	writeJSON(w, publish.Metrics(d))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	d := s.snap.Read()
	writeJSON(w, publish.Health(d, s.nowUs()))
}

// metricByName maps the REST query parameter's wire name onto the history
// package's MetricID (spec §6's `state`/`metrics` JSON keys, reused here
// as the history query vocabulary so clients don't need a second schema).
func metricByName(name string) (history.MetricID, bool) {
	switch name {
	case "temp_c":
		return history.MetricTemperatureC, true
	case "rh_pct":
		return history.MetricHumidityRH, true
	case "pressure_hpa":
		return history.MetricPressureHPa, true
	case "pm1_ugm3":
		return history.MetricPM1, true
	case "pm25_ugm3":
		return history.MetricPM25, true
	case "pm10_ugm3":
		return history.MetricPM10, true
	case "co2_ppm":
		return history.MetricCO2PPM, true
	case "voc_index":
		return history.MetricVOCIndex, true
	case "nox_index":
		return history.MetricNOxIndex, true
	case "aqi":
		return history.MetricAQIValue, true
	case "comfort_score":
		return history.MetricComfortScore, true
	case "co2_score":
		return history.MetricCO2Score, true
	case "overall_iaq_score":
		return history.MetricOverallIAQScore, true
	default:
		return 0, false
	}
}

// historyBucket is one grouped point; min/max/avg are JSON null when the
// group has no data.
type historyBucket struct {
	StartS  int64    `json:"start_s"`
	Min     *float64 `json:"min"`
	Max     *float64 `json:"max"`
	Avg     *float64 `json:"avg"`
	HasData bool     `json:"has_data"`
}

type historyResponse struct {
	Tier        int             `json:"tier"`
	ResolutionS int64           `json:"resolution_s"`
	BucketCount int             `json:"bucket_count"`
	GroupFactor int             `json:"group_factor"`
	Buckets     []historyBucket `json:"buckets"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metricID, ok := metricByName(q.Get("metric"))
	if !ok {
		writeErr(w, http.StatusBadRequest, iaqerr.InvalidArg("restapi.history", "unknown metric "+q.Get("metric")))
		return
	}
	startS, err1 := strconv.ParseInt(q.Get("start"), 10, 64)
	endS, err2 := strconv.ParseInt(q.Get("end"), 10, 64)
	maxPoints, err3 := strconv.Atoi(q.Get("max_points"))
	if err1 != nil || err2 != nil || err3 != nil {
		writeErr(w, http.StatusBadRequest, iaqerr.InvalidArg("restapi.history", "start, end, and max_points must be integers"))
		return
	}

	resp := historyResponse{}
	err := s.hist.Stream([]history.MetricID{metricID}, startS, endS, maxPoints,
		func(tier int, effRes int64, bucketCount, groupFactor int) {
			resp.Tier, resp.ResolutionS, resp.BucketCount, resp.GroupFactor = tier, effRes, bucketCount, groupFactor
		},
		func(metric history.MetricID, bucketStartS int64, min, max, avg float64, hasData bool) {
			b := historyBucket{StartS: bucketStartS, HasData: hasData}
			if hasData {
				b.Min, b.Max, b.Avg = &min, &max, &avg
			}
			resp.Buckets = append(resp.Buckets, b)
		},
	)
	if err != nil {
		writeErr(w, httpStatus(err), err)
		return
	}
	writeJSON(w, resp)
}

func sensorIDFromRequest(r *http.Request) (config.SensorID, error) {
	raw := chi.URLParam(r, "id")
	id := config.SensorID(raw)
	for _, known := range config.AllSensors {
		if known == id {
			return id, nil
		}
	}
	return "", iaqerr.InvalidArg("restapi.sensor", "unknown sensor "+raw)
}

func (s *Server) handleSensorRead(w http.ResponseWriter, r *http.Request) {
	id, err := sensorIDFromRequest(r)
	if err != nil {
		writeErr(w, httpStatus(err), err)
		return
	}
	reading, err := s.coord.ForceReadSync(r.Context(), id, 2*time.Second)
	if err != nil {
		writeErr(w, httpStatus(err), err)
		return
	}
	writeJSON(w, reading)
}

func (s *Server) handleSensorReset(w http.ResponseWriter, r *http.Request) {
	id, err := sensorIDFromRequest(r)
	if err != nil {
		writeErr(w, httpStatus(err), err)
		return
	}
	s.coord.Reset(id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSensorEnable(w http.ResponseWriter, r *http.Request) {
	id, err := sensorIDFromRequest(r)
	if err != nil {
		writeErr(w, httpStatus(err), err)
		return
	}
	s.coord.Enable(id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSensorDisable(w http.ResponseWriter, r *http.Request) {
	id, err := sensorIDFromRequest(r)
	if err != nil {
		writeErr(w, httpStatus(err), err)
		return
	}
	s.coord.Disable(id)
	w.WriteHeader(http.StatusAccepted)
}

type calibrateBody struct {
	Value float64 `json:"value"`
}

func (s *Server) handleSensorCalibrate(w http.ResponseWriter, r *http.Request) {
	id, err := sensorIDFromRequest(r)
	if err != nil {
		writeErr(w, httpStatus(err), err)
		return
	}
	var body calibrateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, iaqerr.InvalidArg("restapi.sensor", "invalid JSON body"))
		return
	}
	s.coord.Calibrate(id, body.Value)
	w.WriteHeader(http.StatusAccepted)
}

type cadenceBody struct {
	Ms int `json:"ms"`
}

func (s *Server) handleSensorCadence(w http.ResponseWriter, r *http.Request) {
	id, err := sensorIDFromRequest(r)
	if err != nil {
		writeErr(w, httpStatus(err), err)
		return
	}
	var body cadenceBody
	if jerr := json.NewDecoder(r.Body).Decode(&body); jerr != nil || body.Ms < 0 {
		writeErr(w, http.StatusBadRequest, iaqerr.InvalidArg("restapi.sensor", "ms must be a non-negative integer"))
		return
	}
	s.coord.SetCadence(id, body.Ms)
	w.WriteHeader(http.StatusAccepted)
}

type coefficientBody struct {
	Value float64 `json:"value"`
}

func (s *Server) handleFusionSet(setter func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body coefficientBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, iaqerr.InvalidArg("restapi.fusion", "invalid JSON body"))
			return
		}
		if err := setter(body.Value); err != nil {
			writeErr(w, httpStatus(err), err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
