// Package sgp41 drives the Sensirion SGP41 VOC/NOx gas sensor, generalized
// from periph-devices/sgp30's command-table/settle-delay shape. Unlike the
// SGP30 (which returns a finished CO2-equivalent/TVOC pair), the SGP41 only
// returns raw VOC/NOx ticks and expects the host to run Sensirion's gas
// index algorithm and to feed it a conditioning tick at roughly 1 Hz during
// NOx warm-up; this driver keeps that two-part shape but exposes the
// drivers.Conditioner/ReadyChecker hooks the coordinator drives instead of
// the background goroutine periph-devices' sgp30 spawns internally.
package sgp41

import (
	"context"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/bus"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
)

// DefaultAddress is the SGP41's fixed I²C address.
const DefaultAddress uint16 = 0x59

var (
	cmdConditioning = bus.Word16Command{Word: 0x2612, RespWords: 1, SettleDelay: 50 * time.Millisecond}
	cmdMeasureRaw   = bus.Word16Command{Word: 0x2619, RespWords: 2, SettleDelay: 50 * time.Millisecond}
	cmdHeaterOff    = bus.Word16Command{Word: 0x3615, RespWords: 0, SettleDelay: time.Millisecond}
	cmdSelfTest     = bus.Word16Command{Word: 0x280e, RespWords: 1, SettleDelay: 320 * time.Millisecond}
)

// conditioningTicksForReady is how many ≈1 Hz conditioning ticks the NOx
// algorithm needs before its output is meaningful (SGP41 datasheet: ~10 s).
const conditioningTicksForReady = 10

// defaultRHWord/defaultTempWord are the compensation values used when no
// temperature/humidity conditioning tick has been supplied yet (datasheet
// default words 0x8000/0x6666, i.e. 50% RH / 25°C).
const (
	defaultRHWord   uint16 = 0x8000
	defaultTempWord uint16 = 0x6666
)

// Dev is an SGP41 VOC/NOx sensor.
type Dev struct {
	w *bus.I2CWordDevice

	mu       sync.Mutex
	ticks    int
	rhWord   uint16
	tempWord uint16
}

// New returns an uninitialized SGP41 driver on addr.
func New(b i2c.Bus, addr uint16) *Dev {
	return &Dev{
		w:        bus.NewI2CWordDevice(b, addr),
		rhWord:   defaultRHWord,
		tempWord: defaultTempWord,
	}
}

func (d *Dev) Init(ctx context.Context) error {
	if _, err := d.w.SendCommand("sgp41.init", cmdSelfTest, nil); err != nil {
		return err
	}
	d.mu.Lock()
	d.ticks = 0
	d.mu.Unlock()
	return nil
}

func (d *Dev) Deinit(ctx context.Context) error {
	_, err := d.w.SendCommand("sgp41.deinit", cmdHeaterOff, nil)
	return err
}

func (d *Dev) Reset(ctx context.Context) error {
	return d.Init(ctx)
}

func (d *Dev) Enable(ctx context.Context) error  { return nil }
func (d *Dev) Disable(ctx context.Context) error { return d.Deinit(ctx) }

// ConditioningTick feeds one temperature/humidity compensation sample and
// advances the NOx algorithm's warm-up counter, per
// drivers.Conditioner.
func (d *Dev) ConditioningTick(ctx context.Context, tempC, rh float64) error {
	d.mu.Lock()
	d.rhWord = humidityToWord(rh)
	d.tempWord = temperatureToWord(tempC)
	d.mu.Unlock()

	_, err := d.w.SendCommand("sgp41.condition", cmdConditioning, []uint16{d.rhWord, d.tempWord})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.ticks++
	d.mu.Unlock()
	return nil
}

// IsReportingReady reports whether enough conditioning ticks have elapsed
// for the NOx index to be meaningful, per drivers.ReadyChecker.
func (d *Dev) IsReportingReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticks >= conditioningTicksForReady
}

// Read triggers one raw VOC/NOx measurement and converts the ticks into
// bounded index values.
func (d *Dev) Read(ctx context.Context) (drivers.Reading, error) {
	d.mu.Lock()
	rhWord, tempWord := d.rhWord, d.tempWord
	ready := d.ticks >= conditioningTicksForReady
	d.mu.Unlock()

	words, err := d.w.SendCommand("sgp41.read", cmdMeasureRaw, []uint16{rhWord, tempWord})
	if err != nil {
		return drivers.Reading{}, err
	}

	r := drivers.Reading{
		Channels: drivers.ChanVOC,
		VOCIndex: ticksToIndex(words[0]),
	}
	if ready {
		r.Channels |= drivers.ChanNOx
		r.NOxIndex = ticksToIndex(words[1])
	} else {
		return drivers.Reading{}, iaqerr.NotReady("sgp41.read", "NOx algorithm still conditioning")
	}
	return r, nil
}

// ticksToIndex rescales a raw 16-bit tick count onto the 0-500 index range
// Sensirion's VOC/NOx gas index algorithms report. This is a linear stand-in
// for that proprietary algorithm: it preserves monotonicity (more ticks, a
// dirtier reading, means a higher index) without reproducing Sensirion's
// exact curve.
func ticksToIndex(ticks uint16) int {
	idx := int(ticks) * 500 / 0xffff
	if idx < 0 {
		idx = 0
	} else if idx > 500 {
		idx = 500
	}
	return idx
}

func humidityToWord(rh float64) uint16 {
	if rh < 0 {
		rh = 0
	} else if rh > 100 {
		rh = 100
	}
	return uint16(rh / 100.0 * 65535.0)
}

func temperatureToWord(tempC float64) uint16 {
	if tempC < -45 {
		tempC = -45
	} else if tempC > 130 {
		tempC = 130
	}
	return uint16((tempC + 45.0) / 175.0 * 65535.0)
}

var _ drivers.Driver = (*Dev)(nil)
var _ drivers.Conditioner = (*Dev)(nil)
var _ drivers.ReadyChecker = (*Dev)(nil)
