package coordinator

import (
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

// applyReading writes one successful Reading's channels into d.Raw[id] and
// sets the corresponding Valid bits (spec §4.5 "After every successful read
// that mutates the snapshot...").
func applyReading(d *snapshot.IaqData, id config.SensorID, r drivers.Reading, nowUs int64) {
	raw := d.Raw[id]

	if r.Channels.Has(drivers.ChanTemperature) {
		raw.TemperatureC = r.TemperatureC
		d.Valid.Temperature = true
	}
	if r.Channels.Has(drivers.ChanHumidity) {
		raw.HumidityRH = r.HumidityRH
		d.Valid.Humidity = true
	}
	if r.Channels.Has(drivers.ChanPressure) {
		raw.PressurePa = r.PressurePa
		d.Valid.Pressure = true
	}
	if r.Channels.Has(drivers.ChanMCUTemp) {
		raw.MCUTempC = r.MCUTempC
		d.Valid.MCUTemp = true
	}
	if r.Channels.Has(drivers.ChanPM1) {
		raw.PM1 = r.PM1
		d.Valid.PM = true
	}
	if r.Channels.Has(drivers.ChanPM25) {
		raw.PM25 = r.PM25
		d.Valid.PM = true
	}
	if r.Channels.Has(drivers.ChanPM10) {
		raw.PM10 = r.PM10
		d.Valid.PM = true
	}
	if r.Channels.Has(drivers.ChanCO2) {
		raw.CO2PPM = r.CO2PPM
		d.Valid.CO2 = true
		d.CO2Diag = snapshot.CO2Diagnostics{
			LowSignal:        r.S8Diag.LowSignal,
			LowVcc:           r.S8Diag.LowVcc,
			CalibrationError: r.S8Diag.CalibrationError,
			CalibrationBusy:  r.S8Diag.CalibrationBusy,
		}
	}
	if r.Channels.Has(drivers.ChanVOC) {
		raw.VOCIndex = clampToUint16(r.VOCIndex)
		d.Valid.VOC = true
	}
	if r.Channels.Has(drivers.ChanNOx) {
		raw.NOxIndex = clampToUint16(r.NOxIndex)
		d.Valid.NOx = true
	}

	d.Raw[id] = raw
	d.UpdatedAtUs[id] = nowUs
}

// invalidateChannels clears the Valid bits owned by sensor id once its
// stale threshold has elapsed (spec §4.5 "after which valid is cleared").
func invalidateChannels(d *snapshot.IaqData, id config.SensorID) {
	switch id {
	case config.SensorTemperatureHumidity:
		d.Valid.Temperature = false
		d.Valid.Humidity = false
	case config.SensorPressure:
		d.Valid.Pressure = false
	case config.SensorGas:
		d.Valid.VOC = false
		d.Valid.NOx = false
	case config.SensorPM:
		d.Valid.PM = false
	case config.SensorCO2:
		d.Valid.CO2 = false
	case config.SensorMCUTemp:
		d.Valid.MCUTemp = false
	}
}

func clampToUint16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}
