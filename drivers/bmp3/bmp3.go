// Package bmp3 drives the Bosch BMP3-family barometric pressure/temperature
// sensor. The register map, calibration coefficient layout, and fixed-point
// compensation formulas are ported from d2r2/go-bsbmp's BMP388 support
// (see SensorBMP388 in bsbmp); the surrounding shape (command/response over
// i2c.Dev, drivers.Driver lifecycle, iaqerr taxonomy) follows the
// periph-devices idiom used by the rest of this tree.
package bmp3

import (
	"context"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
)

// DefaultAddress is the BMP3-family's default I²C address (SDO tied low).
const DefaultAddress uint16 = 0x76

const (
	regStatus     byte = 0x03
	regCtrlMeas   byte = 0xf4
	regConfig     byte = 0x1f
	regReset      byte = 0xe0
	regCoefStart  byte = 0x31
	coefBytes          = 21
	regPressOut   byte = 0xf7
	regTempOut    byte = 0xfa
	statusBusyBit byte = 0x8

	// osrStandard is the oversampling ratio code used for both temperature
	// and pressure (osrt<<5 | osrp<<2 | power, forced mode).
	osrStandard byte = 3
	powerForced byte = 1

	maxBusyPolls = 50
	busyPollWait = 2 * time.Millisecond
)

// coeffs holds the 21 raw calibration bytes and decodes them into the named
// PAR_* compensation parameters per the datasheet.
type coeffs struct {
	raw [coefBytes]byte
}

func (c *coeffs) t1() uint16 { return uint16(c.raw[1])<<8 | uint16(c.raw[0]) }
func (c *coeffs) t2() uint16 { return uint16(c.raw[3])<<8 | uint16(c.raw[2]) }
func (c *coeffs) t3() int8   { return int8(c.raw[4]) }

func (c *coeffs) p1() int16  { return int16(uint16(c.raw[6])<<8 | uint16(c.raw[5])) }
func (c *coeffs) p2() int16  { return int16(uint16(c.raw[8])<<8 | uint16(c.raw[7])) }
func (c *coeffs) p3() int8   { return int8(c.raw[9]) }
func (c *coeffs) p4() int8   { return int8(c.raw[10]) }
func (c *coeffs) p5() uint16 { return uint16(c.raw[12])<<8 | uint16(c.raw[11]) }
func (c *coeffs) p6() uint16 { return uint16(c.raw[14])<<8 | uint16(c.raw[13]) }
func (c *coeffs) p7() int8   { return int8(c.raw[15]) }
func (c *coeffs) p8() int8   { return int8(c.raw[16]) }
func (c *coeffs) p9() int16  { return int16(uint16(c.raw[18])<<8 | uint16(c.raw[17])) }
func (c *coeffs) p10() int8  { return int8(c.raw[19]) }

// Dev is a BMP3-family pressure/temperature sensor.
type Dev struct {
	d      *i2c.Dev
	coeffs *coeffs
}

// New returns an uninitialized BMP3 driver on addr.
func New(b i2c.Bus, addr uint16) *Dev {
	return &Dev{d: &i2c.Dev{Bus: b, Addr: addr}}
}

func (d *Dev) Init(ctx context.Context) error {
	c, err := d.readCoefficients()
	if err != nil {
		return err
	}
	d.coeffs = c
	return nil
}

func (d *Dev) Deinit(ctx context.Context) error { return nil }

func (d *Dev) Reset(ctx context.Context) error {
	if err := d.d.Tx([]byte{regReset, 0xb6}, nil); err != nil {
		return iaqerr.Transient("bmp3.reset", "soft reset write failed", err)
	}
	time.Sleep(2 * time.Millisecond)
	c, err := d.readCoefficients()
	if err != nil {
		return err
	}
	d.coeffs = c
	return nil
}

func (d *Dev) Enable(ctx context.Context) error  { return nil }
func (d *Dev) Disable(ctx context.Context) error { return nil }

func (d *Dev) readCoefficients() (*coeffs, error) {
	c := &coeffs{}
	buf := make([]byte, coefBytes)
	if err := d.d.Tx([]byte{regCoefStart}, buf); err != nil {
		return nil, iaqerr.Transient("bmp3.read_coefficients", "coefficient read failed", err)
	}
	copy(c.raw[:], buf)
	return c, nil
}

func (d *Dev) waitForCompletion(ctx context.Context) error {
	for i := 0; i < maxBusyPolls; i++ {
		buf := make([]byte, 1)
		if err := d.d.Tx([]byte{regStatus}, buf); err != nil {
			return iaqerr.Transient("bmp3.wait", "status read failed", err)
		}
		if buf[0]&statusBusyBit == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return iaqerr.Transient("bmp3.wait", "context cancelled while waiting", ctx.Err())
		case <-time.After(busyPollWait):
		}
	}
	return iaqerr.Timeout("bmp3.wait", "conversion did not complete in time")
}

// Read triggers a forced-mode conversion and returns compensated
// temperature and pressure.
func (d *Dev) Read(ctx context.Context) (drivers.Reading, error) {
	if d.coeffs == nil {
		c, err := d.readCoefficients()
		if err != nil {
			return drivers.Reading{}, err
		}
		d.coeffs = c
	}

	ctrl := powerForced | osrStandard<<5 | osrStandard<<2
	if err := d.d.Tx([]byte{regCtrlMeas, ctrl}, nil); err != nil {
		return drivers.Reading{}, iaqerr.Transient("bmp3.read", "ctrl_meas write failed", err)
	}
	if err := d.waitForCompletion(ctx); err != nil {
		return drivers.Reading{}, err
	}

	tBuf := make([]byte, 3)
	if err := d.d.Tx([]byte{regTempOut}, tBuf); err != nil {
		return drivers.Reading{}, iaqerr.Transient("bmp3.read", "temperature read failed", err)
	}
	pBuf := make([]byte, 3)
	if err := d.d.Tx([]byte{regPressOut}, pBuf); err != nil {
		return drivers.Reading{}, iaqerr.Transient("bmp3.read", "pressure read failed", err)
	}

	ut := decode20bit(tBuf)
	up := decode20bit(pBuf)

	tFine, tempC := compensateTemperature(d.coeffs, ut)
	pressurePa := compensatePressure(d.coeffs, up, tFine)

	return drivers.Reading{
		Channels:     drivers.ChanTemperature | drivers.ChanPressure,
		TemperatureC: tempC,
		PressurePa:   pressurePa,
	}, nil
}

func decode20bit(buf []byte) int32 {
	return int32(buf[0])<<12 + int32(buf[1])<<4 + int32(buf[2]&0xf0)>>4
}

// compensateTemperature follows the BMP388 fixed-point formula, returning
// both t_fine (needed by the pressure compensation) and the temperature in
// degrees Celsius.
func compensateTemperature(c *coeffs, ut int32) (int64, float64) {
	t1 := int64(c.t1())
	var1 := (int64(ut)>>3 - t1<<1) * int64(c.t2()) >> 11
	var2 := ((int64(ut)>>4 - t1) * (int64(ut)>>4 - t1)) >> 12 * int64(c.t3()) >> 14
	tFine := var1 + var2
	tMult100 := (tFine*5 + 128) >> 8
	return tFine, float64(tMult100) / 100.0
}

// compensatePressure follows the BMP388 fixed-point formula, returning
// pressure in pascals.
func compensatePressure(c *coeffs, up int32, tFine int64) float64 {
	var1 := tFine - 128000
	var2 := var1 * var1 * int64(c.p6())
	var2 += (var1 * int64(c.p5())) << 17
	var2 += int64(c.p4()) << 35
	var1 = (var1*var1*int64(c.p3()))>>8 + (var1*int64(c.p2()))<<12
	var1 = ((int64(1)<<47 + var1) * int64(c.p1())) >> 33
	if var1 == 0 {
		return 0
	}
	p1 := int64(1048576) - int64(up)
	p1 = ((p1<<31 - var2) * 3125) / var1
	v1 := (int64(c.p9()) * (p1 >> 13) * (p1 >> 13)) >> 25
	v2 := (int64(c.p8()) * p1) >> 19
	p1 = (p1+v1+v2)>>8 + int64(c.p7())<<4
	pMult10 := p1 * 10 / 256
	return float64(pMult10) / 10.0
}

var _ drivers.Driver = (*Dev)(nil)
