// Package drivers defines the capability set every sensor driver
// implements (spec §4.2 C2) and the Reading shape the coordinator writes
// into the shared snapshot. Individual chip drivers live in sibling
// packages (shtx, bmp3, sgp41, pms5003, s8, tmp102mcu, ina260power), each
// grounded on a periph.io/x/devices driver of the same shape
// (command/response over i2c.Dev, CRC8/CRC16-checked).
package drivers

import "context"

// Channel identifies one physical measurement a driver's Read call may
// populate. A single driver typically sets several bits at once (e.g. the
// humidity sensor sets both ChanTemperature and ChanHumidity).
type Channel uint16

const (
	ChanTemperature Channel = 1 << iota
	ChanHumidity
	ChanPressure
	ChanMCUTemp
	ChanPM1
	ChanPM25
	ChanPM10
	ChanCO2
	ChanVOC
	ChanNOx
)

// Has reports whether c contains channel ch.
func (c Channel) Has(ch Channel) bool { return c&ch != 0 }

// S8Diagnostics is the SenseAir S8 meter-status register, surfaced
// alongside the CO2 reading per the original firmware's diagnostic word
// (SPEC_FULL.md §3 supplemented feature).
type S8Diagnostics struct {
	LowSignal        bool
	LowVcc           bool
	CalibrationError bool
	CalibrationBusy  bool
}

// Reading is the result of one successful Driver.Read call. Channels marks
// which of the value fields below are populated; fields outside Channels
// are undefined and must not be consulted.
type Reading struct {
	Channels Channel

	TemperatureC float64
	HumidityRH   float64
	PressurePa   float64
	MCUTempC     float64
	PM1, PM25, PM10 float64
	CO2PPM       float64
	VOCIndex     int
	NOxIndex     int

	S8Diag S8Diagnostics
}

// Driver is the capability set every sensor implements (spec §4.2).
type Driver interface {
	// Init prepares the driver for use (bus probe, identity check).
	Init(ctx context.Context) error
	// Deinit releases any driver-held resources.
	Deinit(ctx context.Context) error
	// Read performs one synchronous measurement cycle and returns the
	// channels it produced.
	Read(ctx context.Context) (Reading, error)
	// Reset issues a soft reset to the underlying chip.
	Reset(ctx context.Context) error
	// Enable powers up / wakes the sensor. A no-op stub where the
	// hardware has no sleep mode.
	Enable(ctx context.Context) error
	// Disable powers down / sleeps the sensor, best-effort.
	Disable(ctx context.Context) error
}

// Conditioner is implemented by drivers whose internal algorithm needs
// periodic temperature/humidity feeds during warm-up even though no
// reading is requested yet (spec §4.5: "the gas sensor receives
// conditioning_tick at ≈ 1 Hz").
type Conditioner interface {
	ConditioningTick(ctx context.Context, tempC, rh float64) error
}

// ReadyChecker is implemented by drivers whose reported indices are
// meaningless until an internal algorithm stabilizes (spec §4.2
// "is_reporting_ready"), namely the gas sensor.
type ReadyChecker interface {
	IsReportingReady() bool
}

// Calibrator is implemented by drivers that support the coordinator's
// Calibrate(id, value) command (spec §4.5). value's meaning is
// driver-specific (e.g. the S8's forced background calibration has no
// target parameter in hardware and ignores it); drivers without a
// calibration routine simply don't implement this interface, and the
// coordinator logs a warning and skips the command for them.
type Calibrator interface {
	Calibrate(ctx context.Context, value float64) error
}
