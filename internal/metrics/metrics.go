// Package metrics implements the derived-metrics stage (spec §4.4 C5): AQI,
// thermal comfort, CO₂ score, VOC/NOx categorisation, overall IAQ score,
// mold risk, pressure trend, CO₂ rate, and PM spike detection. It runs
// after fusion under the same snapshot write lock; every calculator reads
// fused values and sets sentinels on missing prerequisites (spec §4.4).
//
// The EPA AQI breakpoint table is grounded on ljosa/aqi-mqtt's PM2.5/PM10
// breakpoint constants.
package metrics

import (
	"math"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/clock"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

// breakpoint is one segment of the EPA piecewise-linear AQI table.
type breakpoint struct {
	cLow, cHigh float64
	iLow, iHigh float64
}

// pm25Breakpoints and pm10Breakpoints are the EPA NowCast breakpoint tables
// (six segments each), as used by ljosa/aqi-mqtt.
var pm25Breakpoints = []breakpoint{
	{0.0, 12.0, 0, 50},
	{12.1, 35.4, 51, 100},
	{35.5, 55.4, 101, 150},
	{55.5, 150.4, 151, 200},
	{150.5, 250.4, 201, 300},
	{250.5, 500.4, 301, 500},
}

var pm10Breakpoints = []breakpoint{
	{0, 54, 0, 50},
	{55, 154, 51, 100},
	{155, 254, 101, 150},
	{255, 354, 151, 200},
	{355, 424, 201, 300},
	{425, 604, 301, 500},
}

func aqiSubindex(c float64, table []breakpoint) (uint16, bool) {
	if math.IsNaN(c) || c < 0 {
		return snapshot.SentinelU16, false
	}
	top := table[len(table)-1]
	if c > top.cHigh {
		return 500, true
	}
	for _, bp := range table {
		if c >= bp.cLow && c <= bp.cHigh {
			i := (bp.iHigh-bp.iLow)/(bp.cHigh-bp.cLow)*(c-bp.cLow) + bp.iLow
			return uint16(math.Round(i)), true
		}
	}
	return snapshot.SentinelU16, false
}

func aqiCategory(v uint16) snapshot.AQICategory {
	switch {
	case v == snapshot.SentinelU16:
		return snapshot.AQIUnknown
	case v <= 50:
		return snapshot.AQIGood
	case v <= 100:
		return snapshot.AQIModerate
	case v <= 150:
		return snapshot.AQIUnhealthySensitive
	case v <= 200:
		return snapshot.AQIUnhealthy
	case v <= 300:
		return snapshot.AQIVeryUnhealthy
	default:
		return snapshot.AQIHazardous
	}
}

// runAQI computes the PM2.5/PM10 sub-indices and the overall AQI (spec §4.4
// "AQI").
func runAQI(d *snapshot.IaqData) {
	if !d.Valid.PM {
		d.Metrics.AQIValue = snapshot.SentinelU16
		d.Metrics.AQIPM25Subindex = snapshot.SentinelU16
		d.Metrics.AQIPM10Subindex = snapshot.SentinelU16
		d.Metrics.AQIDominant = snapshot.DominantNone
		d.Metrics.AQICategory = snapshot.AQIUnknown
		return
	}

	pm25, ok25 := aqiSubindex(d.Fused.PM25, pm25Breakpoints)
	pm10, ok10 := aqiSubindex(d.Fused.PM10, pm10Breakpoints)
	d.Metrics.AQIPM25Subindex = pm25
	d.Metrics.AQIPM10Subindex = pm10

	switch {
	case !ok25 && !ok10:
		d.Metrics.AQIValue = snapshot.SentinelU16
		d.Metrics.AQIDominant = snapshot.DominantNone
	case ok25 && (!ok10 || pm25 >= pm10):
		d.Metrics.AQIValue = pm25
		d.Metrics.AQIDominant = snapshot.DominantPM25
	default:
		d.Metrics.AQIValue = pm10
		d.Metrics.AQIDominant = snapshot.DominantPM10
	}
	d.Metrics.AQICategory = aqiCategory(d.Metrics.AQIValue)
}

// DewPointC computes the Magnus-formula dew point, defined only when T and
// RH are both finite and RH > 0 (spec §4.4 "Dew point").
func DewPointC(tempC, rh float64) (float64, bool) {
	if math.IsNaN(tempC) || math.IsNaN(rh) || rh <= 0 {
		return math.NaN(), false
	}
	const a, b = 17.62, 243.12
	gamma := math.Log(rh/100.0) + a*tempC/(b+tempC)
	return b * gamma / (a - gamma), true
}

// AbsoluteHumidityGM3 computes absolute humidity in g/m³ (spec §4.4
// "Absolute humidity").
func AbsoluteHumidityGM3(tempC, rh float64) float64 {
	return (6.112 * math.Exp(17.67*tempC/(tempC+243.5)) * rh / 100.0 * 2.1674) / (tempC + 273.15)
}

// HeatIndexC computes the Rothfusz heat index, converted back to Celsius,
// or just tempC when below 27°C (spec §4.4 "Heat index").
func HeatIndexC(tempC, rh float64) float64 {
	if tempC < 27.0 {
		return tempC
	}
	tf := tempC*9.0/5.0 + 32.0
	hi := -42.379 + 2.04901523*tf + 10.14333127*rh -
		0.22475541*tf*rh - 0.00683783*tf*tf - 0.05481717*rh*rh +
		0.00122874*tf*tf*rh + 0.00085282*tf*rh*rh - 0.00000199*tf*tf*rh*rh
	return (hi - 32.0) * 5.0 / 9.0
}

func runComfortAndPsychrometrics(d *snapshot.IaqData, cfg config.MetricsConfig, enabled bool) {
	if !enabled || !d.Valid.Temperature || !d.Valid.Humidity {
		d.Metrics.ComfortScore = snapshot.SentinelU16
		d.Metrics.ComfortCategory = snapshot.ComfortUnknown
		d.Metrics.DewPointC = math.NaN()
		d.Metrics.AbsHumidityGM3 = math.NaN()
		d.Metrics.HeatIndexC = math.NaN()
		return
	}

	t, rh := d.Fused.TemperatureC, d.Fused.HumidityRH
	dp, dpOK := DewPointC(t, rh)
	d.Metrics.DewPointC = dp
	d.Metrics.AbsHumidityGM3 = AbsoluteHumidityGM3(t, rh)
	hi := HeatIndexC(t, rh)
	d.Metrics.HeatIndexC = hi

	score := 100.0
	score -= 5.0 * math.Abs(t-cfg.ComfortTargetTempC)
	score -= 0.5 * math.Abs(rh-cfg.ComfortTargetRH)
	if dpOK && dp > 18.0 {
		score -= 10.0
	}
	if hi > 27.0 {
		score -= 3.0 * (hi - 27.0)
	}
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}
	d.Metrics.ComfortScore = uint16(math.Round(score))
	d.Metrics.ComfortCategory = comfortCategory(d.Metrics.ComfortScore)
}

func comfortCategory(score uint16) snapshot.ComfortCategory {
	switch {
	case score >= 80:
		return snapshot.ComfortComfortable
	case score >= 60:
		return snapshot.ComfortAcceptable
	case score >= 40:
		return snapshot.ComfortTolerable
	case score >= 20:
		return snapshot.ComfortUncomfortable
	default:
		return snapshot.ComfortSevere
	}
}

// CO2Score maps ppm to a 0-100 quality score via the piecewise table in
// spec §4.4.
func CO2Score(ppm float64) uint16 {
	pts := []struct{ ppm, score float64 }{
		{400, 100}, {800, 80}, {1000, 60}, {1400, 30}, {2000, 10},
	}
	if ppm <= pts[0].ppm {
		return uint16(pts[0].score)
	}
	if ppm > pts[len(pts)-1].ppm {
		return 0
	}
	for i := 0; i < len(pts)-1; i++ {
		if ppm >= pts[i].ppm && ppm <= pts[i+1].ppm {
			frac := (ppm - pts[i].ppm) / (pts[i+1].ppm - pts[i].ppm)
			return uint16(math.Round(pts[i].score + frac*(pts[i+1].score-pts[i].score)))
		}
	}
	return 0
}

func runCO2Score(d *snapshot.IaqData) {
	if !d.Valid.CO2 {
		d.Metrics.CO2Score = snapshot.SentinelU16
		return
	}
	d.Metrics.CO2Score = CO2Score(d.Fused.CO2PPM)
}

// gasIndexCategory maps a 0-500 VOC/NOx index to a category per spec §4.4.
func gasIndexCategory(idx uint16) snapshot.Category {
	switch {
	case idx == snapshot.SentinelU16:
		return snapshot.CategoryUnknown
	case idx <= 100:
		return snapshot.CategoryExcellent
	case idx <= 150:
		return snapshot.CategoryGood
	case idx <= 200:
		return snapshot.CategoryModerate
	case idx <= 300:
		return snapshot.CategoryPoor
	case idx <= 400:
		return snapshot.CategoryVeryPoor
	default:
		return snapshot.CategorySevere
	}
}

func runGasCategories(d *snapshot.IaqData, vocIdx, noxIdx uint16, vocValid, noxValid bool) {
	if vocValid {
		d.Metrics.VOCCategory = gasIndexCategory(vocIdx)
	} else {
		d.Metrics.VOCCategory = snapshot.CategoryUnknown
	}
	if noxValid {
		d.Metrics.NOxCategory = gasIndexCategory(noxIdx)
	} else {
		d.Metrics.NOxCategory = snapshot.CategoryUnknown
	}
}

func runOverallIAQ(d *snapshot.IaqData) {
	if d.Metrics.AQIValue == snapshot.SentinelU16 ||
		d.Metrics.CO2Score == snapshot.SentinelU16 ||
		d.Metrics.ComfortScore == snapshot.SentinelU16 {
		d.Metrics.OverallIAQScore = snapshot.SentinelU16
		return
	}
	score := 0.4*(100-float64(d.Metrics.AQIValue)/5.0) +
		0.4*float64(d.Metrics.CO2Score) +
		0.2*float64(d.Metrics.ComfortScore)
	d.Metrics.OverallIAQScore = uint16(math.Round(score))
}

func runMoldRisk(d *snapshot.IaqData, cfg config.MetricsConfig, enabled bool) {
	if !enabled || !d.Valid.Temperature || !d.Valid.Humidity {
		d.Metrics.MoldRiskScore = snapshot.SentinelU16
		d.Metrics.MoldRiskCategory = snapshot.MoldRiskUnknown
		return
	}
	rh := d.Fused.HumidityRH
	rhContribution := math.Max(0, 2*(rh-65))

	dp, dpOK := DewPointC(d.Fused.TemperatureC, rh)
	var dpContribution float64
	if dpOK {
		margin := d.Fused.TemperatureC - cfg.MoldColdSurfaceOff - dp
		switch {
		case margin <= 0:
			dpContribution = 50
		case margin >= 3:
			dpContribution = 0
		default:
			dpContribution = 50 * (1 - margin/3)
		}
	}

	score := rhContribution + dpContribution
	if score > 100 {
		score = 100
	}
	d.Metrics.MoldRiskScore = uint16(math.Round(score))
	d.Metrics.MoldRiskCategory = moldRiskCategory(d.Metrics.MoldRiskScore)
}

func moldRiskCategory(score uint16) snapshot.MoldRiskCategory {
	switch {
	case score < 25:
		return snapshot.MoldRiskLow
	case score < 50:
		return snapshot.MoldRiskModerate
	case score < 75:
		return snapshot.MoldRiskHigh
	default:
		return snapshot.MoldRiskSevere
	}
}

// sample is one timestamped observation kept in a ring for the
// pressure-trend/CO2-rate/PM-spike ticks.
type sample struct {
	atUs  int64
	value float64
}

// ring is a fixed-capacity circular buffer of timestamped samples.
type ring struct {
	buf  []sample
	next int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]sample, capacity)}
}

func (r *ring) push(s sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) oldest() (sample, bool) {
	if r.size == 0 {
		return sample{}, false
	}
	if r.size < len(r.buf) {
		return r.buf[0], true
	}
	return r.buf[r.next], true
}

func (r *ring) latest() (sample, bool) {
	if r.size == 0 {
		return sample{}, false
	}
	idx := (r.next - 1 + len(r.buf)) % len(r.buf)
	return r.buf[idx], true
}

func (r *ring) meanWithin(atUs int64, windowUs int64) (float64, int) {
	var sum float64
	var n int
	for i := 0; i < r.size; i++ {
		s := r.buf[(r.next-1-i+len(r.buf)*2)%len(r.buf)]
		if atUs-s.atUs > windowUs {
			break
		}
		sum += s.value
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

const (
	pressureSampleInterval = 150 // seconds
	pressureRingCapacity   = (6 * 3600) / pressureSampleInterval
	co2RateSampleInterval  = 60
	co2RateRingCapacity    = 180 // 3 hours at 60s, comfortably covers any configured window
	pmSpikeSampleInterval  = 30
	pmSpikeRingCapacity    = 120 // 1 hour at 30s
)

// Stage owns the tick-driven rings for pressure trend, CO2 rate, and PM
// spike detection, and exposes Run, invoked after fusion under the
// snapshot write lock (spec §4.4).
type Stage struct {
	clk clock.Clock
	cfg config.MetricsConfig
	ft  config.Features

	pressureRing   *ring
	lastPressureUs int64
	co2Ring        *ring
	lastCO2RateUs  int64
	pmRing         *ring
	lastPMSpikeUs  int64
}

// NewStage constructs a metrics Stage.
func NewStage(clk clock.Clock, cfg config.MetricsConfig, ft config.Features) *Stage {
	return &Stage{
		clk:          clk,
		cfg:          cfg,
		ft:           ft,
		pressureRing: newRing(pressureRingCapacity),
		co2Ring:      newRing(co2RateRingCapacity),
		pmRing:       newRing(pmSpikeRingCapacity),
	}
}

// Run invokes every calculator in the order documented in spec §4.4.
func (s *Stage) Run(d *snapshot.IaqData) {
	runAQI(d)
	runComfortAndPsychrometrics(d, s.cfg, s.ft.Comfort)
	runCO2Score(d)

	vocValid, noxValid := d.Valid.VOC, d.Valid.NOx
	var vocIdx, noxIdx uint16
	if raw, ok := d.Raw[config.SensorGas]; ok {
		vocIdx, noxIdx = raw.VOCIndex, raw.NOxIndex
	}
	runGasCategories(d, vocIdx, noxIdx, vocValid, noxValid)

	runOverallIAQ(d)
	runMoldRisk(d, s.cfg, s.ft.MoldRisk)

	s.runPressureTrend(d)
	s.runCO2Rate(d)
	s.runPMSpike(d)
}

func (s *Stage) runPressureTrend(d *snapshot.IaqData) {
	if !s.ft.PressureTrend {
		return
	}
	now := s.clk.NowUs()
	if now-s.lastPressureUs < pressureSampleInterval*1e6 {
		return
	}
	s.lastPressureUs = now
	if !d.Valid.Pressure {
		return
	}
	s.pressureRing.push(sample{atUs: now, value: d.Fused.PressurePa})

	oldest, ok1 := s.pressureRing.oldest()
	latest, ok2 := s.pressureRing.latest()
	if !ok1 || !ok2 {
		return
	}
	spanHrs := float64(latest.atUs-oldest.atUs) / 1e6 / 3600.0
	if spanHrs < 1.0 {
		d.Metrics.PressureTrend = snapshot.TrendUnknown
		return
	}
	deltaHPa := (latest.value - oldest.value) / 100.0
	windowHrs := s.cfg.PressureWindowHrs
	if windowHrs <= 0 {
		windowHrs = 3.0
	}
	normalized := deltaHPa * (windowHrs / spanHrs)
	d.Metrics.PressureDeltaHPa = normalized
	d.Metrics.PressureWindowHours = windowHrs

	switch {
	case normalized >= s.cfg.PressureThreshPa:
		d.Metrics.PressureTrend = snapshot.TrendRising
	case normalized <= -s.cfg.PressureThreshPa:
		d.Metrics.PressureTrend = snapshot.TrendFalling
	default:
		d.Metrics.PressureTrend = snapshot.TrendStable
	}
}

func (s *Stage) runCO2Rate(d *snapshot.IaqData) {
	if !s.ft.CO2Rate {
		return
	}
	now := s.clk.NowUs()
	if now-s.lastCO2RateUs < co2RateSampleInterval*1e6 {
		return
	}
	s.lastCO2RateUs = now
	if !d.Valid.CO2 {
		return
	}
	s.co2Ring.push(sample{atUs: now, value: d.Fused.CO2PPM})

	windowUs := int64(s.cfg.CO2RateWindowMin) * 60 * 1e6
	oldest, ok := s.oldestWithin(s.co2Ring, now, windowUs)
	if !ok {
		d.Metrics.CO2RatePPMHr = math.NaN()
		return
	}
	latest, _ := s.co2Ring.latest()
	spanHrs := float64(latest.atUs-oldest.atUs) / 1e6 / 3600.0
	if spanHrs <= 0 {
		d.Metrics.CO2RatePPMHr = math.NaN()
		return
	}
	d.Metrics.CO2RatePPMHr = (latest.value - oldest.value) / spanHrs
}

func (s *Stage) oldestWithin(r *ring, now, windowUs int64) (sample, bool) {
	var found sample
	ok := false
	for i := 0; i < r.size; i++ {
		idx := (r.next - 1 - i + len(r.buf)*2) % len(r.buf)
		s := r.buf[idx]
		if now-s.atUs > windowUs {
			break
		}
		found = s
		ok = true
	}
	return found, ok
}

func (s *Stage) runPMSpike(d *snapshot.IaqData) {
	if !s.ft.PM25Spike {
		return
	}
	now := s.clk.NowUs()
	if now-s.lastPMSpikeUs < pmSpikeSampleInterval*1e6 {
		return
	}
	s.lastPMSpikeUs = now
	if !d.Valid.PM {
		return
	}

	windowUs := int64(s.cfg.PMSpikeWindowMin) * 60 * 1e6
	baseline, n := s.pmRing.meanWithin(now, windowUs)
	s.pmRing.push(sample{atUs: now, value: d.Fused.PM25})
	if n == 0 {
		d.Metrics.PM25SpikeDetected = false
		return
	}
	d.Metrics.PM25SpikeDetected = (d.Fused.PM25 - baseline) >= s.cfg.PMSpikeThreshold
}
