// Package fusion implements the compensation pipeline (spec §4.3 C4): the
// stateless per-channel corrections plus the stateful CO₂ automatic
// baseline correction (ABC). It is invoked by the coordinator, under the
// snapshot write lock, immediately after a successful raw update; running
// it twice on unchanged raw inputs must be idempotent (spec §8).
package fusion

import (
	"math"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/clock"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/kvstore"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

const (
	pRefPa          = 101325.0
	co2CompMinPa    = 95000.0
	co2CompMaxPa    = 106000.0
	abcRingSize     = 7
	abcMinPPM       = 300.0
	abcMaxPPM       = 2000.0
	abcReadyConf    = 70.0
	abcTargetPPM    = 400.0
)

const kvNamespace = "fusion_cfg"

// Coefficients are the runtime-settable compensation parameters (spec §4.3),
// persisted via the key/value store.
type Coefficients struct {
	PMHumidityA float64
	PMHumidityB float64
	TempOffsetC float64
}

// SetPMHumidityA validates and, if valid, updates a within [0,2] (spec §4.3).
func (c *Coefficients) SetPMHumidityA(a float64) error {
	if a < 0 || a > 2 {
		return iaqerr.InvalidArg("fusion.set_pm_humidity_a", "a out of [0,2]")
	}
	c.PMHumidityA = a
	return nil
}

// SetPMHumidityB validates and, if valid, updates b within [1,10].
func (c *Coefficients) SetPMHumidityB(b float64) error {
	if b < 1 || b > 10 {
		return iaqerr.InvalidArg("fusion.set_pm_humidity_b", "b out of [1,10]")
	}
	c.PMHumidityB = b
	return nil
}

// SetTempOffsetC validates and, if valid, updates the self-heat offset
// within [-10,10] °C.
func (c *Coefficients) SetTempOffsetC(offset float64) error {
	if offset < -10 || offset > 10 {
		return iaqerr.InvalidArg("fusion.set_temp_offset", "offset out of [-10,10]")
	}
	c.TempOffsetC = offset
	return nil
}

// abcState is the persisted ABC ring and derived baseline/confidence (spec
// §4.3 step 6).
type abcState struct {
	ring       [abcRingSize]float64
	ringFilled int
	ringNext   int
	dailyMin   float64
	haveMin    bool
	baseline   float64
	confidence float64
}

// Stage runs the fusion pipeline against a snapshot and owns the persisted
// coefficients/ABC state.
type Stage struct {
	Coef Coefficients

	clk   clock.Clock
	kv    *kvstore.Store
	cfg   config.FusionConfig
	abc   abcState
}

// NewStage constructs a Stage, loading persisted coefficients/ABC state from
// kv if present; persistence failures are tolerated per spec §7 (the next
// boot simply uses defaults).
func NewStage(clk clock.Clock, kv *kvstore.Store, cfg config.FusionConfig) *Stage {
	s := &Stage{
		Coef: Coefficients{PMHumidityA: cfg.PMHumidityA, PMHumidityB: cfg.PMHumidityB, TempOffsetC: cfg.TempOffsetC},
		clk:  clk,
		kv:   kv,
		cfg:  cfg,
	}
	s.loadPersisted()
	return s
}

func (s *Stage) loadPersisted() {
	h, err := s.kv.OpenHandle(kvNamespace, kvstore.ReadOnly)
	if err != nil {
		return
	}
	if v, ok := h.GetF64("pm_rh_a"); ok {
		s.Coef.PMHumidityA = v
	}
	if v, ok := h.GetF64("pm_rh_b"); ok {
		s.Coef.PMHumidityB = v
	}
	if v, ok := h.GetF64("temp_offset_c"); ok {
		s.Coef.TempOffsetC = v
	}
	if v, ok := h.GetF64("co2_baseline_ppm"); ok {
		s.abc.baseline = v
	}
	if v, ok := h.GetF64("abc_confidence_pct"); ok {
		s.abc.confidence = v
	}
}

func (s *Stage) persistBaseline() {
	h, err := s.kv.OpenHandle(kvNamespace, kvstore.ReadWrite)
	if err != nil {
		return
	}
	_ = h.SetF64("co2_baseline_ppm", s.abc.baseline)
	_ = h.SetF64("abc_confidence_pct", s.abc.confidence)
	_ = h.Commit()
}

// Run applies every compensation in order to d (spec §4.3 steps 1-6).
func (s *Stage) Run(d *snapshot.IaqData) {
	s.runTemperature(d)
	s.runHumidity(d)
	s.runPressure(d)
	s.runPM(d)
	s.runCO2PressureComp(d)
	s.runCO2ABC(d)
}

func (s *Stage) runTemperature(d *snapshot.IaqData) {
	if !d.Valid.Temperature {
		return
	}
	raw := d.Raw[config.SensorTemperatureHumidity]
	d.Fused.TemperatureC = raw.TemperatureC - s.Coef.TempOffsetC
}

func (s *Stage) runHumidity(d *snapshot.IaqData) {
	if !d.Valid.Humidity {
		return
	}
	d.Fused.HumidityRH = d.Raw[config.SensorTemperatureHumidity].HumidityRH
}

func (s *Stage) runPressure(d *snapshot.IaqData) {
	if !d.Valid.Pressure {
		return
	}
	d.Fused.PressurePa = d.Raw[config.SensorPressure].PressurePa
}

// runPM applies the humidity-dependent correction: fused = raw / (1 +
// a*(RH/100)^b) below 90% RH, passthrough with quality <= 20 above.
func (s *Stage) runPM(d *snapshot.IaqData) {
	if !d.Valid.PM {
		return
	}
	raw := d.Raw[config.SensorPM]
	if !d.Valid.Humidity {
		d.Fused.PM1, d.Fused.PM25, d.Fused.PM10 = raw.PM1, raw.PM25, raw.PM10
		d.Fused.PMQuality = 100
		return
	}
	rh := d.Raw[config.SensorTemperatureHumidity].HumidityRH
	if rh >= 90 {
		d.Fused.PM1, d.Fused.PM25, d.Fused.PM10 = raw.PM1, raw.PM25, raw.PM10
		d.Fused.PMQuality = pmQualityAtHighRH(rh)
		return
	}
	factor := 1 + s.Coef.PMHumidityA*math.Pow(rh/100.0, s.Coef.PMHumidityB)
	d.Fused.PM1 = raw.PM1 / factor
	d.Fused.PM25 = raw.PM25 / factor
	d.Fused.PM10 = raw.PM10 / factor
	d.Fused.PMQuality = pmQualityBelow90(rh)
}

// pmQualityBelow90 decays linearly from 100 at RH<=60% to 20 at RH=90%.
func pmQualityBelow90(rh float64) float64 {
	if rh <= 60 {
		return 100
	}
	q := 100 - (rh-60)*(80.0/30.0)
	if q < 20 {
		return 20
	}
	return q
}

func pmQualityAtHighRH(rh float64) float64 {
	if rh >= 90 {
		return 20
	}
	return pmQualityBelow90(rh)
}

// runCO2PressureComp applies barometric compensation when pressure is valid
// and within [95000,106000] Pa.
func (s *Stage) runCO2PressureComp(d *snapshot.IaqData) {
	if !d.Valid.CO2 {
		return
	}
	raw := d.Raw[config.SensorCO2]
	if !d.Valid.Pressure {
		d.Fused.CO2PPM = raw.CO2PPM
		return
	}
	p := d.Raw[config.SensorPressure].PressurePa
	if p < co2CompMinPa || p > co2CompMaxPa {
		d.Fused.CO2PPM = raw.CO2PPM
		return
	}
	d.Fused.CO2PPM = raw.CO2PPM * (pRefPa / p)
}

// runCO2ABC maintains the daily minimum during the configured night window
// and folds it into the baseline ring at the window's close (spec §4.3
// step 6).
func (s *Stage) runCO2ABC(d *snapshot.IaqData) {
	if !d.Valid.CO2 {
		return
	}

	epoch, synced := s.clk.WallEpoch()
	if !synced {
		s.applyBaseline(d)
		return
	}
	hour := (epoch / 3600) % 24

	inWindow := inNightWindow(hour, s.cfg.ABCNightStartHr, s.cfg.ABCNightEndHr)
	if inWindow {
		if !s.abc.haveMin || d.Fused.CO2PPM < s.abc.dailyMin {
			s.abc.dailyMin = d.Fused.CO2PPM
			s.abc.haveMin = true
		}
	} else if s.abc.haveMin {
		// Window just closed for this reading cycle: fold the minimum into
		// the ring if it's plausible, then reset for the next night.
		if s.abc.dailyMin > abcMinPPM && s.abc.dailyMin < abcMaxPPM {
			s.abc.ring[s.abc.ringNext] = s.abc.dailyMin
			s.abc.ringNext = (s.abc.ringNext + 1) % abcRingSize
			if s.abc.ringFilled < abcRingSize {
				s.abc.ringFilled++
			}
			s.recomputeBaseline()
			s.persistBaseline()
		}
		s.abc.haveMin = false
	}

	s.applyBaseline(d)
}

func inNightWindow(hour int64, start, end int) bool {
	h := int(hour)
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

func (s *Stage) recomputeBaseline() {
	if s.abc.ringFilled == 0 {
		return
	}
	var sum float64
	for i := 0; i < s.abc.ringFilled; i++ {
		sum += s.abc.ring[i]
	}
	s.abc.baseline = sum / float64(s.abc.ringFilled)
	s.abc.confidence = float64(s.abc.ringFilled) / abcRingSize * 100.0
}

func (s *Stage) applyBaseline(d *snapshot.IaqData) {
	if s.abc.confidence >= abcReadyConf {
		d.Fused.CO2PPM += abcTargetPPM - s.abc.baseline
	}
}
