package shtx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/common"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/testbus"
)

func wordWithCRC(count uint16) []byte {
	b := []byte{byte(count >> 8), byte(count)}
	return append(b, common.CRC8(b))
}

func TestReadHappyPath(t *testing.T) {
	// Count chosen so T = -45 + 175*(count/65535) = 25.0 and
	// RH = -6 + 125*(count/65535) = 45.0, matching the datasheet formula
	// used by countToTempC/countToRH.
	tCount := uint16((25.0 + 45.0) / 175.0 * 65535)
	rhCount := uint16((45.0 + 6.0) / 125.0 * 65535)

	resp := append(wordWithCRC(tCount), wordWithCRC(rhCount)...)
	bus := testbus.New(t)
	bus.ExpectTx([]byte{cmdMeasure}, nil)
	bus.ExpectTx(nil, resp)

	dev := New(bus, DefaultAddress)
	r, err := dev.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, drivers.ChanTemperature|drivers.ChanHumidity, r.Channels)
	require.InDelta(t, 25.0, r.TemperatureC, 0.05)
	require.InDelta(t, 45.0, r.HumidityRH, 0.05)
}

func TestReadCRCMismatch(t *testing.T) {
	resp := append(wordWithCRC(1000), []byte{0x00, 0x00, 0xff}...) // bad CRC for second word
	bus := testbus.New(t)
	bus.ExpectTx([]byte{cmdMeasure}, nil)
	bus.ExpectTx(nil, resp)

	dev := New(bus, DefaultAddress)
	_, err := dev.Read(context.Background())
	require.Error(t, err)
}

func TestResetSendsSoftResetCommand(t *testing.T) {
	bus := testbus.New(t)
	bus.ExpectTx([]byte{cmdSoftReset}, nil)

	dev := New(bus, DefaultAddress)
	require.NoError(t, dev.Reset(context.Background()))
	bus.Done()
}
