package bmp3

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/testbus"
)

// flatCoeffs returns a 21-byte coefficient block for which t2 and p1 are the
// only non-zero parameters, making the compensation formulas collapse to a
// value we can predict by hand.
func flatCoeffs(t1, t2 uint16, p1 int16) []byte {
	b := make([]byte, coefBytes)
	b[0], b[1] = byte(t1), byte(t1>>8)
	b[2], b[3] = byte(t2), byte(t2>>8)
	b[5], b[6] = byte(uint16(p1)), byte(uint16(p1)>>8)
	return b
}

func TestReadHappyPath(t *testing.T) {
	coef := flatCoeffs(0, 2048, 1<<14)

	bus := testbus.New(t)
	bus.AnyWrite = true
	bus.ExpectTx(nil, coef) // Init: read coefficients

	// One Read cycle: ctrl_meas write, status poll (not busy), temp read, pressure read.
	bus.ExpectTx(nil, nil)
	bus.ExpectTx(nil, []byte{0x00})
	bus.ExpectTx(nil, []byte{0x00, 0x10, 0x00}) // ut = 0x10 << 4 = 256, arbitrary non-zero
	bus.ExpectTx(nil, []byte{0x00, 0x10, 0x00})

	dev := New(bus, DefaultAddress)
	require.NoError(t, dev.Init(context.Background()))

	r, err := dev.Read(context.Background())
	require.NoError(t, err)
	require.True(t, r.Channels.Has(drivers.ChanTemperature))
	require.True(t, r.Channels.Has(drivers.ChanPressure))
	// Hand-computed from compensateTemperature/compensatePressure with
	// flatCoeffs' t1=0, t2=2048, p1=1<<14 (all other coefficients zero)
	// and raw ut=up=256.
	require.InDelta(t, 0.01, r.TemperatureC, 0.001)
	require.InDelta(t, 399902.3, r.PressurePa, 0.1)
}

func TestWaitForCompletionTimesOut(t *testing.T) {
	coef := flatCoeffs(0, 2048, 1<<14)

	bus := testbus.New(t)
	bus.AnyWrite = true
	bus.ExpectTx(nil, coef)
	bus.ExpectTx(nil, nil) // ctrl_meas write
	for i := 0; i < maxBusyPolls; i++ {
		bus.ExpectTx(nil, []byte{statusBusyBit})
	}

	dev := New(bus, DefaultAddress)
	require.NoError(t, dev.Init(context.Background()))

	_, err := dev.Read(context.Background())
	require.Error(t, err)
}
