package fusion

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/clock"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/kvstore"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

func newTestStage(t *testing.T) *Stage {
	dir := t.TempDir()
	kv, err := kvstore.Open(dir)
	require.NoError(t, err)
	cfg := config.Default().Fusion
	return NewStage(clock.NewFake(), kv, cfg)
}

func TestPMRHCorrectionBelow90(t *testing.T) {
	s := newTestStage(t)
	d := &snapshot.IaqData{
		Raw: map[config.SensorID]snapshot.Raw{
			config.SensorTemperatureHumidity: {HumidityRH: 80},
			config.SensorPM:                  {PM25: 20},
		},
		Valid: snapshot.Valid{Humidity: true, PM: true},
	}
	s.runPM(d)
	require.InDelta(t, 16.85, d.Fused.PM25, 0.1)
}

func TestPMRHPassthroughAbove90(t *testing.T) {
	s := newTestStage(t)
	d := &snapshot.IaqData{
		Raw: map[config.SensorID]snapshot.Raw{
			config.SensorTemperatureHumidity: {HumidityRH: 95},
			config.SensorPM:                  {PM25: 20},
		},
		Valid: snapshot.Valid{Humidity: true, PM: true},
	}
	s.runPM(d)
	require.Equal(t, 20.0, d.Fused.PM25)
	require.LessOrEqual(t, d.Fused.PMQuality, 20.0)
}

func TestCO2PressureCompensation(t *testing.T) {
	s := newTestStage(t)

	d := &snapshot.IaqData{
		Raw: map[config.SensorID]snapshot.Raw{
			config.SensorCO2:      {CO2PPM: 1000},
			config.SensorPressure: {PressurePa: 90000},
		},
		Valid: snapshot.Valid{CO2: true, Pressure: true},
	}
	s.runCO2PressureComp(d)
	require.Equal(t, 1000.0, d.Fused.CO2PPM) // out of range, passthrough

	d.Raw[config.SensorPressure] = snapshot.Raw{PressurePa: 95000}
	s.runCO2PressureComp(d)
	require.InDelta(t, 1066.6, d.Fused.CO2PPM, 0.5)
}

func TestSetCoefficientsRejectsOutOfRange(t *testing.T) {
	var c Coefficients
	require.Error(t, c.SetPMHumidityA(3))
	require.Error(t, c.SetPMHumidityB(0.5))
	require.Error(t, c.SetTempOffsetC(20))
	require.NoError(t, c.SetPMHumidityA(0.3))
	require.Equal(t, 0.3, c.PMHumidityA)
}

func TestRunIsIdempotent(t *testing.T) {
	s := newTestStage(t)
	d := &snapshot.IaqData{
		Raw: map[config.SensorID]snapshot.Raw{
			config.SensorTemperatureHumidity: {TemperatureC: 21.0, HumidityRH: 50},
			config.SensorPressure:            {PressurePa: 101000},
			config.SensorCO2:                 {CO2PPM: 900},
			config.SensorPM:                  {PM1: 3, PM25: 8, PM10: 12},
		},
		Valid: snapshot.Valid{Temperature: true, Humidity: true, Pressure: true, CO2: true, PM: true},
	}
	s.Run(d)
	first := d.Fused
	s.Run(d)
	second := d.Fused
	require.Equal(t, first, second)
}
