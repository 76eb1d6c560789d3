package publish

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

func freshSnapshot() *snapshot.IaqData {
	store := snapshot.New()
	return store.Read()
}

func TestStateAllAbsentIsAllNull(t *testing.T) {
	d := freshSnapshot()
	p := State(d, config.Features{PublishPM1: true})

	require.Nil(t, p.TemperatureC)
	require.Nil(t, p.HumidityRH)
	require.Nil(t, p.PressureHPa)
	require.Nil(t, p.PM25)
	require.Nil(t, p.CO2PPM)
	require.Nil(t, p.VOCIndex)
	require.Nil(t, p.NOxIndex)
	require.Nil(t, p.AQI)
	require.Nil(t, p.ComfortScore)

	// Round-trip through the real encoder: absent fields must serialise
	// as JSON null, never as 0 or NaN (spec §4.7).
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"temp_c":null`)
	require.NotContains(t, string(raw), "NaN")
}

func TestStateValidChannelsRoundAndGate(t *testing.T) {
	d := freshSnapshot()
	d.Valid.Temperature = true
	d.Fused.TemperatureC = 21.987
	d.Valid.Pressure = true
	d.Fused.PressurePa = 101325
	d.Valid.PM = true
	d.Fused.PM1 = 5.04
	d.Fused.PM25 = 12.34
	d.Fused.PM10 = 20.0
	d.UpdatedAtUs[config.SensorTemperatureHumidity] = 1000
	d.UpdatedAtUs[config.SensorPM] = 2000

	p := State(d, config.Features{PublishPM1: true})
	require.NotNil(t, p.TemperatureC)
	require.InDelta(t, 21.99, *p.TemperatureC, 0.001)
	require.NotNil(t, p.PressureHPa)
	require.InDelta(t, 1013.25, *p.PressureHPa, 0.001)
	require.NotNil(t, p.PM1)
	require.InDelta(t, 5.0, *p.PM1, 0.05)

	// "last" mirrors only channels with updated_at > 0.
	require.NotNil(t, p.Last.TemperatureC)
	require.NotNil(t, p.Last.PM25)
	require.Nil(t, p.Last.PressureHPa) // valid but never updated
}

func TestStatePM1OmittedWhenFeatureDisabled(t *testing.T) {
	d := freshSnapshot()
	d.Valid.PM = true
	d.Fused.PM1 = 5.0
	p := State(d, config.Features{PublishPM1: false})
	require.Nil(t, p.PM1)
}

func TestMetricsAbsentScoresAreNull(t *testing.T) {
	d := freshSnapshot()
	m := Metrics(d)
	require.Nil(t, m.AQI.Value)
	require.Equal(t, "unknown", m.AQI.Category)
	require.Equal(t, "none", m.AQI.Dominant)
	require.Nil(t, m.OverallIAQScore)
	require.Nil(t, m.Comfort.DewPointC)
}

func TestMetricsPresentValuesPassThrough(t *testing.T) {
	d := freshSnapshot()
	d.Metrics.AQIValue = 100
	d.Metrics.AQICategory = snapshot.AQIModerate
	d.Metrics.AQIDominant = snapshot.DominantPM25
	d.Metrics.ComfortScore = 80
	d.Metrics.DewPointC = 9.34
	d.Metrics.PressureTrend = snapshot.TrendRising
	d.Metrics.PressureDeltaHPa = 1.2
	d.Metrics.OverallIAQScore = 77
	d.Metrics.PM25SpikeDetected = true

	m := Metrics(d)
	require.NotNil(t, m.AQI.Value)
	require.EqualValues(t, 100, *m.AQI.Value)
	require.Equal(t, "Moderate", m.AQI.Category)
	require.Equal(t, "pm25", m.AQI.Dominant)
	require.NotNil(t, m.Comfort.DewPointC)
	require.InDelta(t, 9.3, *m.Comfort.DewPointC, 0.05)
	require.Equal(t, "rising", m.Pressure.Trend)
	require.NotNil(t, m.OverallIAQScore)
	require.EqualValues(t, 77, *m.OverallIAQScore)
	require.True(t, m.PM25SpikeDetected)
}

func TestHealthStaleAndWarmupRemaining(t *testing.T) {
	d := freshSnapshot()
	d.System.UptimeS = 3600
	d.System.TimeSynced = true
	d.System.EpochS = 1700000000
	d.Sensors[config.SensorCO2] = snapshot.SensorRuntime{
		State:      "ready",
		LastReadUs: 1_000_000,
		CadenceMs:  5000,
	}
	d.Sensors[config.SensorGas] = snapshot.SensorRuntime{
		State:            "warming",
		WarmupDeadlineUs: 20_000_000,
	}

	h := Health(d, 30_000_000) // now = 30s
	require.NotNil(t, h.EpochS)
	require.EqualValues(t, 1700000000, *h.EpochS)

	co2 := h.Sensors[string(config.SensorCO2)]
	require.NotNil(t, co2.LastReadS)
	require.EqualValues(t, 29, *co2.LastReadS)
	require.True(t, co2.Stale) // 29s age > max(2.5*5s, 10s) = 12.5s

	gas := h.Sensors[string(config.SensorGas)]
	require.Nil(t, gas.LastReadS)
	require.False(t, gas.Stale)
	require.Nil(t, gas.WarmupRemainingS) // deadline (20s) already passed at now=30s
}

func TestHealthWarmupStillPending(t *testing.T) {
	d := freshSnapshot()
	d.Sensors[config.SensorPM] = snapshot.SensorRuntime{
		State:            "warming",
		WarmupDeadlineUs: 30_000_000,
	}
	h := Health(d, 10_000_000)
	pm := h.Sensors[string(config.SensorPM)]
	require.NotNil(t, pm.WarmupRemainingS)
	require.InDelta(t, 20.0, *pm.WarmupRemainingS, 0.001)
}

func TestHealthMCUTemperatureAliasMirrorsRaw(t *testing.T) {
	d := freshSnapshot()
	d.Valid.MCUTemp = true
	d.Raw[config.SensorMCUTemp] = snapshot.Raw{MCUTempC: 42.333}
	h := Health(d, 0)
	require.NotNil(t, h.MCUTemperature)
	require.InDelta(t, 42.33, *h.MCUTemperature, 0.001)

	raw, err := json.Marshal(h)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"mcu_temperature":42.33`)
}

func TestF64RejectsNonFinite(t *testing.T) {
	require.Nil(t, f64(true, math.NaN(), 2))
	require.Nil(t, f64(true, math.Inf(1), 2))
	require.Nil(t, f64(false, 1.0, 2))
	got := f64(true, 1.005, 2)
	require.NotNil(t, got)
}
