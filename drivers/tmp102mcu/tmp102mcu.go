// Package tmp102mcu drives a TI TMP102 used as the board/MCU temperature
// reference, generalized from periph-devices/tmp102: the count<->Celsius
// conversion (including its two's-complement negative-range handling) and
// the continuous-conversion startup sequence are kept; the alert/interrupt
// half of the teacher driver is dropped since the coordinator only ever
// polls this channel.
package tmp102mcu

import (
	"context"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
)

// DefaultAddress is the TMP102's default I²C address (ADD0 tied to GND).
const DefaultAddress uint16 = 0x48

const (
	regTemperature   byte = 0
	regConfiguration byte = 1

	degreesResolution physic.Temperature = 62_500 * physic.MicroKelvin

	// configContinuous clears the shutdown bit (bit 8) and sets 4 Hz
	// conversion (bits 6:7 = 0b10), matching the teacher's RateFourHertz
	// default.
	configContinuousHigh byte = 0x60
	configContinuousLow  byte = 0xa0
)

// Dev is a TMP102 used as an MCU/board temperature sensor.
type Dev struct {
	d *i2c.Dev
}

// New returns an uninitialized TMP102 driver on addr.
func New(b i2c.Bus, addr uint16) *Dev {
	return &Dev{d: &i2c.Dev{Bus: b, Addr: addr}}
}

func (d *Dev) Init(ctx context.Context) error {
	w := []byte{regConfiguration, configContinuousHigh, configContinuousLow}
	if err := d.d.Tx(w, nil); err != nil {
		return iaqerr.Transient("tmp102mcu.init", "configuration write failed", err)
	}
	return nil
}

func (d *Dev) Deinit(ctx context.Context) error { return nil }
func (d *Dev) Reset(ctx context.Context) error  { return d.Init(ctx) }
func (d *Dev) Enable(ctx context.Context) error { return d.Init(ctx) }

func (d *Dev) Disable(ctx context.Context) error {
	// Set the shutdown bit (bit 8) to put the sensor into low-power mode.
	w := []byte{regConfiguration, configContinuousHigh | 0x01, configContinuousLow}
	if err := d.d.Tx(w, nil); err != nil {
		return iaqerr.Transient("tmp102mcu.disable", "shutdown write failed", err)
	}
	return nil
}

// Read returns the MCU temperature channel.
func (d *Dev) Read(ctx context.Context) (drivers.Reading, error) {
	r := make([]byte, 2)
	if err := d.d.Tx([]byte{regTemperature}, r); err != nil {
		return drivers.Reading{}, iaqerr.Transient("tmp102mcu.read", "temperature read failed", err)
	}
	return drivers.Reading{
		Channels: drivers.ChanMCUTemp,
		MCUTempC: countToCelsius(r).Celsius(),
	}, nil
}

func countToCelsius(b []byte) physic.Temperature {
	count := (uint16(b[0]) << 4) | (uint16(b[1]) >> 4)
	negative := count&(1<<11) > 0
	if negative {
		count = twosComplement11(count) + 1
	}
	if negative {
		return physic.ZeroCelsius - physic.Temperature(count)*degreesResolution
	}
	return physic.ZeroCelsius + physic.Temperature(count)*degreesResolution
}

func twosComplement11(value uint16) uint16 {
	var result uint16
	for i := 0; i < 11; i++ {
		bit := uint16(1 << i)
		if value&bit == 0 {
			result |= bit
		}
	}
	return result
}

var _ drivers.Driver = (*Dev)(nil)
