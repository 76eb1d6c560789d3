package sgp41

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/common"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/testbus"
)

func wordWithCRC(w uint16) []byte {
	b := []byte{byte(w >> 8), byte(w)}
	return append(b, common.CRC8(b))
}

// expectCommand queues the write-then-read pair one I2CWordDevice.SendCommand
// call produces when it expects a response.
func expectCommand(b *testbus.Bus, resp []byte) {
	b.ExpectTx(nil, nil)
	b.ExpectTx(nil, resp)
}

func TestReadBeforeConditioningReturnsNotReady(t *testing.T) {
	bus := testbus.New(t)
	bus.AnyWrite = true
	resp := append(wordWithCRC(1234), wordWithCRC(5678)...)
	expectCommand(bus, resp)

	dev := New(bus, DefaultAddress)
	_, err := dev.Read(context.Background())
	require.Error(t, err)
}

func TestConditioningTicksUntilReady(t *testing.T) {
	bus := testbus.New(t)
	bus.AnyWrite = true
	for i := 0; i < conditioningTicksForReady; i++ {
		expectCommand(bus, wordWithCRC(1000))
	}
	resp := append(wordWithCRC(1234), wordWithCRC(0xffff)...)
	expectCommand(bus, resp)

	dev := New(bus, DefaultAddress)
	require.False(t, dev.IsReportingReady())
	for i := 0; i < conditioningTicksForReady; i++ {
		require.NoError(t, dev.ConditioningTick(context.Background(), 25.0, 45.0))
	}
	require.True(t, dev.IsReportingReady())

	r, err := dev.Read(context.Background())
	require.NoError(t, err)
	require.True(t, r.Channels.Has(drivers.ChanVOC))
	require.True(t, r.Channels.Has(drivers.ChanNOx))
	require.Equal(t, 500, r.NOxIndex)
}
