// Package s8 drives the SenseAir S8 NDIR CO2 sensor over its UART Modbus
// RTU interface, built on internal/bus's ModbusReadHoldingRegisters. The
// register map (CO2 ppm at 0x0003, meter status at 0x0000, ABC period at
// 0x001f) follows SenseAir's published Modbus specification; the driver
// shape mirrors the other UART-attached driver in this tree (pms5003).
package s8

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/common"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/bus"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
)

// DefaultSlaveAddr is the S8's factory Modbus slave address.
const DefaultSlaveAddr byte = 0xfe

const (
	regMeterStatus  uint16 = 0x0000
	regCO2          uint16 = 0x0003
	regABCPeriod    uint16 = 0x001f
	regABCPeriodLen uint16 = 1

	// meterStatus bit positions, per the SenseAir S8 Modbus specification.
	statusLowSignal        = 1 << 0
	statusLowVcc           = 1 << 2
	statusCalibrationError = 1 << 8
	statusCalibrationBusy  = 1 << 9

	readTimeout = 500 * time.Millisecond

	// cmdCalibrateBackground triggers a forced background (fresh-air)
	// calibration when written to the special command register 0x0001.
	regSpecialCommand       uint16 = 0x0001
	cmdCalibrateBackground  uint16 = 0x7c06
)

// Dev is a SenseAir S8 CO2 sensor.
type Dev struct {
	p          bus.Port
	slaveAddr  byte
}

// New returns an S8 driver over an already-configured UART port at the
// given Modbus slave address.
func New(p bus.Port, slaveAddr byte) *Dev {
	return &Dev{p: p, slaveAddr: slaveAddr}
}

func (d *Dev) Init(ctx context.Context) error {
	_, err := bus.ModbusReadHoldingRegisters(d.p, d.slaveAddr, regMeterStatus, 1, readTimeout)
	return err
}

func (d *Dev) Deinit(ctx context.Context) error { return nil }

// Reset issues a forced background calibration, the S8's closest equivalent
// to a reset (the sensor has no soft-reset register).
func (d *Dev) Reset(ctx context.Context) error {
	if err := d.writeSingleRegister(regSpecialCommand, cmdCalibrateBackground); err != nil {
		return err
	}
	return nil
}

func (d *Dev) Enable(ctx context.Context) error  { return nil }
func (d *Dev) Disable(ctx context.Context) error { return nil }

// Calibrate issues the same forced background calibration as Reset. The S8's
// Modbus interface has no parameterized calibration target (calibration
// always assumes fresh outdoor air, ~400ppm); value is accepted for
// interface compatibility with drivers.Calibrator but otherwise unused.
func (d *Dev) Calibrate(ctx context.Context, value float64) error {
	return d.writeSingleRegister(regSpecialCommand, cmdCalibrateBackground)
}

// Read returns the CO2 ppm reading along with the decoded meter status
// diagnostics (SPEC_FULL.md §3 supplemented feature).
func (d *Dev) Read(ctx context.Context) (drivers.Reading, error) {
	regs, err := bus.ModbusReadHoldingRegisters(d.p, d.slaveAddr, regCO2, 1, readTimeout)
	if err != nil {
		return drivers.Reading{}, err
	}
	status, err := bus.ModbusReadHoldingRegisters(d.p, d.slaveAddr, regMeterStatus, 1, readTimeout)
	if err != nil {
		return drivers.Reading{}, err
	}

	return drivers.Reading{
		Channels: drivers.ChanCO2,
		CO2PPM:   float64(regs[0]),
		S8Diag:   decodeMeterStatus(status[0]),
	}, nil
}

func decodeMeterStatus(status uint16) drivers.S8Diagnostics {
	return drivers.S8Diagnostics{
		LowSignal:        status&statusLowSignal != 0,
		LowVcc:           status&statusLowVcc != 0,
		CalibrationError: status&statusCalibrationError != 0,
		CalibrationBusy:  status&statusCalibrationBusy != 0,
	}
}

// writeSingleRegister is a minimal Modbus function-code-0x06 write, used
// only for the forced-calibration command; reads dominate this driver so it
// is kept local rather than added to the shared bus package.
func (d *Dev) writeSingleRegister(reg, value uint16) error {
	req := make([]byte, 6)
	req[0] = d.slaveAddr
	req[1] = 0x06
	binary.BigEndian.PutUint16(req[2:4], reg)
	binary.BigEndian.PutUint16(req[4:6], value)
	crc := common.CRC16Modbus(req)
	req = append(req, byte(crc), byte(crc>>8))

	if _, err := d.p.Write(req); err != nil {
		return iaqerr.Transient("s8.write_register", "write failed", err)
	}
	resp := make([]byte, 8)
	deadline := time.Now().Add(readTimeout)
	if err := bus.ReadExact(d.p, resp, deadline); err != nil {
		_ = d.p.Flush()
		return iaqerr.Transient("s8.write_register", "echo response missing", err)
	}
	return nil
}

var _ drivers.Driver = (*Dev)(nil)
var _ drivers.Calibrator = (*Dev)(nil)
