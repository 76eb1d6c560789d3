// Package shtx drives the Sensirion SHT4x family of temperature/humidity
// sensors, adapted from periph-devices/sht4x into the drivers.Driver
// capability set. The measurement formulas, CRC8 validation, and soft
// reset sequence are kept from the teacher driver; only the surrounding
// shape (error taxonomy, Reading struct, Init/Read lifecycle) is
// generalized for the coordinator.
package shtx

import (
	"context"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/common"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
)

// DefaultAddress is the SHT4x's fixed I²C address.
const DefaultAddress uint16 = 0x44

const (
	cmdSoftReset byte = 0x94
	cmdMeasure   byte = 0xfd

	countDivisor = float64(65535)

	minTemperatureC = -45.0
	maxTemperatureC = 130.0
	minRH           = 0.0
	maxRH           = 100.0
)

// Dev is a SHT4x temperature/humidity sensor.
type Dev struct {
	d *i2c.Dev
}

// New returns an uninitialized SHT4x driver on addr.
func New(b i2c.Bus, addr uint16) *Dev {
	return &Dev{d: &i2c.Dev{Bus: b, Addr: addr}}
}

func (d *Dev) Init(ctx context.Context) error {
	// SHT4x has no power-up handshake beyond responding to a command; a
	// soft reset confirms the device is present and ready.
	return d.Reset(ctx)
}

func (d *Dev) Deinit(ctx context.Context) error { return nil }

func (d *Dev) Reset(ctx context.Context) error {
	if err := d.d.Tx([]byte{cmdSoftReset}, nil); err != nil {
		return iaqerr.Transient("shtx.reset", "soft reset failed", err)
	}
	time.Sleep(2 * time.Millisecond)
	return nil
}

func (d *Dev) Enable(ctx context.Context) error  { return nil }
func (d *Dev) Disable(ctx context.Context) error { return nil }

// Read triggers a measurement and returns the temperature and humidity
// channels.
func (d *Dev) Read(ctx context.Context) (drivers.Reading, error) {
	if err := d.d.Tx([]byte{cmdMeasure}, nil); err != nil {
		return drivers.Reading{}, iaqerr.Transient("shtx.read", "write measure command failed", err)
	}
	time.Sleep(10 * time.Millisecond)

	r := make([]byte, 6)
	if err := d.d.Tx(nil, r); err != nil {
		return drivers.Reading{}, iaqerr.Transient("shtx.read", "read measurement failed", err)
	}
	if common.CRC8(r[0:2]) != r[2] {
		return drivers.Reading{}, iaqerr.Transient("shtx.read", "crc8 mismatch on temperature word", nil)
	}
	if common.CRC8(r[3:5]) != r[5] {
		return drivers.Reading{}, iaqerr.Transient("shtx.read", "crc8 mismatch on humidity word", nil)
	}

	tCount := uint16(r[0])<<8 | uint16(r[1])
	rhCount := uint16(r[3])<<8 | uint16(r[4])

	return drivers.Reading{
		Channels:     drivers.ChanTemperature | drivers.ChanHumidity,
		TemperatureC: countToTempC(tCount),
		HumidityRH:   countToRH(rhCount),
	}, nil
}

func countToTempC(count uint16) float64 {
	frac := float64(count) / countDivisor
	v := -45.0 + 175.0*frac
	if v < minTemperatureC {
		v = minTemperatureC
	} else if v > maxTemperatureC {
		v = maxTemperatureC
	}
	return v
}

func countToRH(count uint16) float64 {
	frac := float64(count) / countDivisor
	v := -6.0 + 125.0*frac
	if v < minRH {
		v = minRH
	} else if v > maxRH {
		v = maxRH
	}
	return v
}

var _ drivers.Driver = (*Dev)(nil)
