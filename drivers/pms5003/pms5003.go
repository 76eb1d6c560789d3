// Package pms5003 drives the Plantower PMS5003 particulate matter sensor
// over UART in its default "active mode" (the sensor streams one frame
// roughly every second without being polled). The frame parsing lives in
// internal/bus; this package adapts that into the drivers.Driver shape,
// following the periph-devices convention of a thin Dev wrapper around a
// shared bus primitive.
package pms5003

import (
	"context"
	"time"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/bus"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
)

const readTimeout = 2 * time.Second

// Dev is a PMS5003 particulate matter sensor.
type Dev struct {
	p bus.Port
}

// New returns a PMS5003 driver over an already-configured UART port.
func New(p bus.Port) *Dev {
	return &Dev{p: p}
}

func (d *Dev) Init(ctx context.Context) error {
	// The sensor free-runs in active mode from power-up; a read within the
	// warm-up window confirms it is producing frames.
	_, err := bus.ReadPMS5003Frame(d.p, readTimeout)
	return err
}

func (d *Dev) Deinit(ctx context.Context) error { return nil }

// Reset has no software reset on this sensor; discarding buffered frames is
// the closest equivalent.
func (d *Dev) Reset(ctx context.Context) error {
	if err := d.p.Flush(); err != nil {
		return iaqerr.Transient("pms5003.reset", "flush failed", err)
	}
	return nil
}

func (d *Dev) Enable(ctx context.Context) error  { return nil }
func (d *Dev) Disable(ctx context.Context) error { return nil }

// Read returns the most recently framed PM1/PM2.5/PM10 atmospheric-
// environment readings.
func (d *Dev) Read(ctx context.Context) (drivers.Reading, error) {
	frame, err := bus.ReadPMS5003Frame(d.p, readTimeout)
	if err != nil {
		return drivers.Reading{}, err
	}
	return drivers.Reading{
		Channels: drivers.ChanPM1 | drivers.ChanPM25 | drivers.ChanPM10,
		PM1:      float64(frame.PM1Atm),
		PM25:     float64(frame.PM25Atm),
		PM10:     float64(frame.PM10Atm),
	}, nil
}

var _ drivers.Driver = (*Dev)(nil)
