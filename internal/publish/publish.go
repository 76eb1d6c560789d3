// Package publish builds the three outbound JSON payloads (spec §4.7 C8):
// state, metrics, and health. Each builder takes an already-cloned
// snapshot.IaqData — never the live one — so no lock is held while the
// (potentially heap-growing) JSON structure is built, per spec §4.1 "no
// ... heap-growing JSON construction while the lock is held (publishers
// always snapshot first, build second)".
//
// Every numeric field is a pointer type so that an absent channel
// serialises as JSON null rather than a zero value or NaN (spec §4.7
// "Missing values are JSON null, never NaN"); rounding follows the
// per-payload precision table in spec §4.7.
package publish

import (
	"math"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

func round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// f64 returns a pointer to the rounded value, or nil when ok is false or v
// is non-finite.
func f64(ok bool, v float64, places int) *float64 {
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	r := round(v, places)
	return &r
}

// u16 returns a pointer to v, or nil when ok is false or v is the sentinel.
func u16(ok bool, v uint16) *uint16 {
	if !ok || v == snapshot.SentinelU16 {
		return nil
	}
	return &v
}

// StateLast mirrors every state field, gated on the sensor having produced
// at least one successful read (spec §4.7: "a last sub-object reproducing
// each field with per-sensor updated_at > 0 gating").
type StateLast struct {
	TemperatureC *float64 `json:"temp_c"`
	HumidityRH   *float64 `json:"rh_pct"`
	PressureHPa  *float64 `json:"pressure_hpa"`
	PM1          *float64 `json:"pm1_ugm3"`
	PM25         *float64 `json:"pm25_ugm3"`
	PM10         *float64 `json:"pm10_ugm3"`
	CO2PPM       *float64 `json:"co2_ppm"`
	VOCIndex     *uint16  `json:"voc_index"`
	NOxIndex     *uint16  `json:"nox_index"`
	MCUTempC     *float64 `json:"mcu_temp_c"`
}

// StatePayload is the `state` JSON object (spec §4.7/§6).
type StatePayload struct {
	TemperatureC *float64  `json:"temp_c"`
	HumidityRH   *float64  `json:"rh_pct"`
	PressureHPa  *float64  `json:"pressure_hpa"`
	PM1          *float64  `json:"pm1_ugm3,omitempty"`
	PM25         *float64  `json:"pm25_ugm3"`
	PM10         *float64  `json:"pm10_ugm3"`
	CO2PPM       *float64  `json:"co2_ppm"`
	VOCIndex     *uint16   `json:"voc_index"`
	NOxIndex     *uint16   `json:"nox_index"`
	MCUTempC     *float64  `json:"mcu_temp_c"`
	AQI          *uint16   `json:"aqi"`
	ComfortScore *uint16   `json:"comfort_score"`
	Last         StateLast `json:"last"`
}

func updatedSince(d *snapshot.IaqData, id config.SensorID) bool {
	return d.UpdatedAtUs[id] > 0
}

// State builds the `state` payload (spec §4.7). feature gates whether
// pm1_ugm3 is included at all, per spec §6 "Warm-up durations ...
// PublishPM1" feature flag.
func State(d *snapshot.IaqData, feat config.Features) StatePayload {
	p := StatePayload{
		TemperatureC: f64(d.Valid.Temperature, d.Fused.TemperatureC, 2),
		HumidityRH:   f64(d.Valid.Humidity, d.Fused.HumidityRH, 2),
		PressureHPa:  f64(d.Valid.Pressure, d.Fused.PressurePa/100, 2),
		PM25:         f64(d.Valid.PM, d.Fused.PM25, 1),
		PM10:         f64(d.Valid.PM, d.Fused.PM10, 1),
		CO2PPM:       f64(d.Valid.CO2, d.Fused.CO2PPM, 0),
		VOCIndex:     u16(d.Valid.VOC, d.Raw[config.SensorGas].VOCIndex),
		NOxIndex:     u16(d.Valid.NOx, d.Raw[config.SensorGas].NOxIndex),
		MCUTempC:     f64(d.Valid.MCUTemp, d.Raw[config.SensorMCUTemp].MCUTempC, 2),
		AQI:          u16(true, d.Metrics.AQIValue),
		ComfortScore: u16(true, d.Metrics.ComfortScore),
	}
	if feat.PublishPM1 {
		p.PM1 = f64(d.Valid.PM, d.Fused.PM1, 1)
	}

	thLast := updatedSince(d, config.SensorTemperatureHumidity)
	presLast := updatedSince(d, config.SensorPressure)
	pmLast := updatedSince(d, config.SensorPM)
	co2Last := updatedSince(d, config.SensorCO2)
	gasLast := updatedSince(d, config.SensorGas)
	mcuLast := updatedSince(d, config.SensorMCUTemp)

	p.Last = StateLast{
		TemperatureC: f64(thLast && d.Valid.Temperature, d.Fused.TemperatureC, 2),
		HumidityRH:   f64(thLast && d.Valid.Humidity, d.Fused.HumidityRH, 2),
		PressureHPa:  f64(presLast && d.Valid.Pressure, d.Fused.PressurePa/100, 2),
		PM1:          f64(pmLast && d.Valid.PM, d.Fused.PM1, 1),
		PM25:         f64(pmLast && d.Valid.PM, d.Fused.PM25, 1),
		PM10:         f64(pmLast && d.Valid.PM, d.Fused.PM10, 1),
		CO2PPM:       f64(co2Last && d.Valid.CO2, d.Fused.CO2PPM, 0),
		VOCIndex:     u16(gasLast && d.Valid.VOC, d.Raw[config.SensorGas].VOCIndex),
		NOxIndex:     u16(gasLast && d.Valid.NOx, d.Raw[config.SensorGas].NOxIndex),
		MCUTempC:     f64(mcuLast && d.Valid.MCUTemp, d.Raw[config.SensorMCUTemp].MCUTempC, 2),
	}
	return p
}

// AQIBlock is the `metrics.aqi` sub-object.
type AQIBlock struct {
	Value        *uint16 `json:"value"`
	Category     string  `json:"category"`
	Dominant     string  `json:"dominant"`
	PM25Subindex *uint16 `json:"pm25_subindex"`
	PM10Subindex *uint16 `json:"pm10_subindex"`
}

// ComfortBlock is the `metrics.comfort` sub-object.
type ComfortBlock struct {
	Score          *uint16  `json:"score"`
	Category       string   `json:"category"`
	DewPointC      *float64 `json:"dew_point_c"`
	AbsHumidityGM3 *float64 `json:"abs_humidity_gm3"`
	HeatIndexC     *float64 `json:"heat_index_c"`
}

// PressureBlock is the `metrics.pressure` sub-object.
type PressureBlock struct {
	Trend       string   `json:"trend"`
	DeltaHPa    *float64 `json:"delta_hpa"`
	WindowHours *float64 `json:"window_hours"`
}

// MoldRiskBlock is the `metrics.mold_risk` sub-object.
type MoldRiskBlock struct {
	Score    *uint16 `json:"score"`
	Category string  `json:"category"`
}

// MetricsLast mirrors the flat score fields (spec §4.7 "a parallel last
// mirror").
type MetricsLast struct {
	AQIValue        *uint16 `json:"aqi_value"`
	ComfortScore    *uint16 `json:"comfort_score"`
	CO2Score        *uint16 `json:"co2_score"`
	OverallIAQScore *uint16 `json:"overall_iaq_score"`
}

// MetricsPayload is the `metrics` JSON object (spec §4.7/§6).
type MetricsPayload struct {
	AQI               AQIBlock      `json:"aqi"`
	Comfort           ComfortBlock  `json:"comfort"`
	Pressure          PressureBlock `json:"pressure"`
	CO2Score          *uint16       `json:"co2_score"`
	VOCCategory       string        `json:"voc_category"`
	NOxCategory       string        `json:"nox_category"`
	OverallIAQScore   *uint16       `json:"overall_iaq_score"`
	MoldRisk          MoldRiskBlock `json:"mold_risk"`
	CO2RatePPMHr      *float64      `json:"co2_rate_ppm_hr"`
	PM25SpikeDetected bool          `json:"pm25_spike_detected"`
	Last              MetricsLast   `json:"last"`
}

// Metrics builds the `metrics` payload (spec §4.7). Rounding uses 1 decimal
// place throughout per spec §4.7's "1 decimal (metrics history context)".
func Metrics(d *snapshot.IaqData) MetricsPayload {
	m := d.Metrics
	return MetricsPayload{
		AQI: AQIBlock{
			Value:        u16(true, m.AQIValue),
			Category:     m.AQICategory.String(),
			Dominant:     m.AQIDominant.String(),
			PM25Subindex: u16(true, m.AQIPM25Subindex),
			PM10Subindex: u16(true, m.AQIPM10Subindex),
		},
		Comfort: ComfortBlock{
			Score:          u16(true, m.ComfortScore),
			Category:       m.ComfortCategory.String(),
			DewPointC:      f64(!math.IsNaN(m.DewPointC), m.DewPointC, 1),
			AbsHumidityGM3: f64(!math.IsNaN(m.AbsHumidityGM3), m.AbsHumidityGM3, 1),
			HeatIndexC:     f64(!math.IsNaN(m.HeatIndexC), m.HeatIndexC, 1),
		},
		Pressure: PressureBlock{
			Trend:       m.PressureTrend.String(),
			DeltaHPa:    f64(!math.IsNaN(m.PressureDeltaHPa), m.PressureDeltaHPa, 1),
			WindowHours: f64(!math.IsNaN(m.PressureWindowHours), m.PressureWindowHours, 1),
		},
		CO2Score:        u16(true, m.CO2Score),
		VOCCategory:     m.VOCCategory.String(),
		NOxCategory:     m.NOxCategory.String(),
		OverallIAQScore: u16(true, m.OverallIAQScore),
		MoldRisk: MoldRiskBlock{
			Score:    u16(true, m.MoldRiskScore),
			Category: m.MoldRiskCategory.String(),
		},
		CO2RatePPMHr:      f64(!math.IsNaN(m.CO2RatePPMHr), m.CO2RatePPMHr, 1),
		PM25SpikeDetected: m.PM25SpikeDetected,
		Last: MetricsLast{
			AQIValue:        u16(true, m.AQIValue),
			ComfortScore:    u16(true, m.ComfortScore),
			CO2Score:        u16(true, m.CO2Score),
			OverallIAQScore: u16(true, m.OverallIAQScore),
		},
	}
}

// SensorHealth is one entry of the health payload's per-sensor map (spec
// §4.7: "{state, errors, last_read_s, warmup_remaining_s?, stale}").
type SensorHealth struct {
	State            string   `json:"state"`
	Errors           int      `json:"errors"`
	LastReadS        *int64   `json:"last_read_s,omitempty"`
	WarmupRemainingS *float64 `json:"warmup_remaining_s,omitempty"`
	Stale            bool     `json:"stale"`
}

// HealthPayload is the `health` JSON object (spec §4.7/§6). MCUTemperature
// mirrors Raw's mcu_temp_c under the legacy field name (SPEC_FULL.md §3,
// spec §9 open question: "implementers should expose a single channel and
// treat the other as an alias").
type HealthPayload struct {
	UptimeS        int64                   `json:"uptime"`
	WiFiRSSI       int                     `json:"wifi_rssi"`
	InternalFreeB  uint32                  `json:"internal_free"`
	InternalTotalB uint32                  `json:"internal_total"`
	SPIRAMFreeB    uint32                  `json:"spiram_free"`
	SPIRAMTotalB   uint32                  `json:"spiram_total"`
	TimeSynced     bool                    `json:"time_synced"`
	EpochS         *int64                  `json:"epoch,omitempty"`
	MCUTemperature *float64                `json:"mcu_temperature,omitempty"`
	Sensors        map[string]SensorHealth `json:"sensors"`
}

// staleThreshold mirrors internal/coordinator's failure-model formula
// (spec §4.5): max(2.5*cadence, 10s), expressed in seconds here since the
// health payload is a display surface, not the coordinator's own state.
func staleThreshold(cadenceMs int) float64 {
	t := 2.5 * float64(cadenceMs) / 1000
	if t < 10 {
		return 10
	}
	return t
}

// Health builds the `health` payload (spec §4.7). nowUs is the coordinator
// clock's current monotonic reading, used to derive last_read_s and
// warmup_remaining_s for each sensor.
func Health(d *snapshot.IaqData, nowUs int64) HealthPayload {
	h := HealthPayload{
		UptimeS:        d.System.UptimeS,
		WiFiRSSI:       d.System.WiFiRSSI,
		InternalFreeB:  d.System.InternalFreeB,
		InternalTotalB: d.System.InternalTotalB,
		SPIRAMFreeB:    d.System.SPIRAMFreeB,
		SPIRAMTotalB:   d.System.SPIRAMTotalB,
		TimeSynced:     d.System.TimeSynced,
		MCUTemperature: f64(d.Valid.MCUTemp, d.Raw[config.SensorMCUTemp].MCUTempC, 2),
		Sensors:        make(map[string]SensorHealth, len(d.Sensors)),
	}
	if d.System.TimeSynced {
		epoch := d.System.EpochS
		h.EpochS = &epoch
	}

	for id, rt := range d.Sensors {
		sh := SensorHealth{
			State:  rt.State,
			Errors: rt.ErrorCount,
		}
		if rt.LastReadUs > 0 {
			ageUs := nowUs - rt.LastReadUs
			ageS := ageUs / 1_000_000
			sh.LastReadS = &ageS
			sh.Stale = float64(ageUs) > staleThreshold(rt.CadenceMs)*1_000_000
		}
		if rt.State == "warming" && rt.WarmupDeadlineUs > nowUs {
			remaining := float64(rt.WarmupDeadlineUs-nowUs) / 1_000_000
			sh.WarmupRemainingS = &remaining
		}
		h.Sensors[string(id)] = sh
	}
	return h
}
