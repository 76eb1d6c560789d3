package tmp102mcu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/testbus"
)

func TestReadPositiveTemperature(t *testing.T) {
	// 25.0625 C at 0.0625 C/count resolution -> count = 401 -> left-justified
	// into the top 12 bits of a 16-bit register.
	count := uint16(401) << 4
	bus := testbus.New(t)
	bus.ExpectTx([]byte{regTemperature}, []byte{byte(count >> 8), byte(count)})

	dev := New(bus, DefaultAddress)
	r, err := dev.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, drivers.ChanMCUTemp, r.Channels)
	require.InDelta(t, 25.0625, r.MCUTempC, 0.001)
}

func TestReadNegativeTemperature(t *testing.T) {
	// -10.0 C, two's-complement encoded per the datasheet.
	raw := []byte{0xf6, 0x00}
	bus := testbus.New(t)
	bus.ExpectTx([]byte{regTemperature}, raw)

	dev := New(bus, DefaultAddress)
	r, err := dev.Read(context.Background())
	require.NoError(t, err)
	require.InDelta(t, -10.0, r.MCUTempC, 0.2)
}

func TestInitWritesConfiguration(t *testing.T) {
	bus := testbus.New(t)
	bus.ExpectTx([]byte{regConfiguration, configContinuousHigh, configContinuousLow}, nil)

	dev := New(bus, DefaultAddress)
	require.NoError(t, dev.Init(context.Background()))
	bus.Done()
}
