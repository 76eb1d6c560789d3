package ina260power

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/testbus"
)

func TestReadHappyPath(t *testing.T) {
	bus := testbus.New(t)
	bus.ExpectTx([]byte{regCurrent}, []byte{0x03, 0xe8})    // 1000 -> 1.25A
	bus.ExpectTx([]byte{regBusVoltage}, []byte{0x0f, 0xa0})  // 4000 -> 5.0V
	bus.ExpectTx([]byte{regPower}, []byte{0x01, 0x90})       // 400 -> 4.0W

	dev := New(bus, DefaultAddress)
	r, err := dev.Read(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 1.25, r.CurrentA, 1e-9)
	require.InDelta(t, 5.0, r.VoltageV, 1e-9)
	require.InDelta(t, 4.0, r.PowerW, 1e-9)
}
