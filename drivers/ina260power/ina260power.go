// Package ina260power drives a TI INA260 power monitor on the device's
// battery/USB rail, adapted from periph-devices/ina260. Unlike the six
// channel sensors in drivers/, the power monitor is optional hardware (not
// every board carries one) and its reading does not belong to the
// coordinator's per-sensor state machine, so this package exposes a plain
// Read method rather than implementing drivers.Driver; cmd/iaqd polls it
// directly and marks the snapshot's power data absent when a read fails.
package ina260power

import (
	"context"

	"periph.io/x/conn/v3/i2c"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
)

// DefaultAddress is the INA260's default I²C address (A0/A1 tied to GND).
const DefaultAddress uint16 = 0x40

const (
	regCurrent    byte = 0x01
	regBusVoltage byte = 0x02
	regPower      byte = 0x03

	currentLSB = 0.00125 // 1.25 mA/bit
	voltageLSB = 0.00125 // 1.25 mV/bit
	powerLSB   = 0.01    // 10 mW/bit
)

// Reading is one power-rail sample.
type Reading struct {
	VoltageV float64
	CurrentA float64
	PowerW   float64
}

// Dev is an INA260 power monitor.
type Dev struct {
	d *i2c.Dev
}

// New returns an INA260 driver on addr.
func New(b i2c.Bus, addr uint16) *Dev {
	return &Dev{d: &i2c.Dev{Bus: b, Addr: addr}}
}

// Read samples current, bus voltage, and power in one call.
func (d *Dev) Read(ctx context.Context) (Reading, error) {
	current, err := d.readRegister(regCurrent)
	if err != nil {
		return Reading{}, err
	}
	voltage, err := d.readRegister(regBusVoltage)
	if err != nil {
		return Reading{}, err
	}
	power, err := d.readRegister(regPower)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		CurrentA: currentLSB * float64(current),
		VoltageV: voltageLSB * float64(voltage),
		PowerW:   powerLSB * float64(power),
	}, nil
}

func (d *Dev) readRegister(reg byte) (uint16, error) {
	r := make([]byte, 2)
	if err := d.d.Tx([]byte{reg}, r); err != nil {
		return 0, iaqerr.Transient("ina260power.read", "register read failed", err)
	}
	return uint16(r[0])<<8 | uint16(r[1]), nil
}
