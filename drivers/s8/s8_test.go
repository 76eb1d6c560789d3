package s8

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/common"
)

// fakePort is a minimal bus.Port backed by a flat byte queue, so the two
// ReadExact calls ModbusReadHoldingRegisters makes per request (a 3-byte
// header, then the body+CRC) each see a slice of the same stream rather
// than a response boundary.
type fakePort struct {
	rx      []byte
	tx      []byte
	flushed bool
}

func (f *fakePort) Write(b []byte) (int, error) {
	f.tx = append(f.tx, b...)
	return len(b), nil
}

func (f *fakePort) Read(b []byte) (int, error) {
	n := copy(b, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *fakePort) Flush() error {
	f.flushed = true
	f.rx = nil
	return nil
}

func (f *fakePort) SetReadDeadline(t time.Time) error { return nil }

func holdingRegistersResponse(slaveAddr byte, regs []uint16) []byte {
	body := make([]byte, 3+len(regs)*2)
	body[0] = slaveAddr
	body[1] = 0x03
	body[2] = byte(len(regs) * 2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(body[3+i*2:], r)
	}
	crc := common.CRC16Modbus(body)
	return append(body, byte(crc), byte(crc>>8))
}

func TestReadHappyPath(t *testing.T) {
	var rx []byte
	rx = append(rx, holdingRegistersResponse(DefaultSlaveAddr, []uint16{812})...) // CO2 ppm
	rx = append(rx, holdingRegistersResponse(DefaultSlaveAddr, []uint16{0})...)   // meter status, all clear
	p := &fakePort{rx: rx}
	dev := New(p, DefaultSlaveAddr)

	r, err := dev.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, float64(812), r.CO2PPM)
	require.False(t, r.S8Diag.LowSignal)
	require.False(t, r.S8Diag.CalibrationError)
}

func TestReadDecodesDiagnostics(t *testing.T) {
	var rx []byte
	rx = append(rx, holdingRegistersResponse(DefaultSlaveAddr, []uint16{400})...)
	rx = append(rx, holdingRegistersResponse(DefaultSlaveAddr, []uint16{statusLowSignal | statusCalibrationError})...)
	p := &fakePort{rx: rx}
	dev := New(p, DefaultSlaveAddr)

	r, err := dev.Read(context.Background())
	require.NoError(t, err)
	require.True(t, r.S8Diag.LowSignal)
	require.True(t, r.S8Diag.CalibrationError)
	require.False(t, r.S8Diag.LowVcc)
}

func TestReadBadCRCErrors(t *testing.T) {
	resp := holdingRegistersResponse(DefaultSlaveAddr, []uint16{812})
	resp[len(resp)-1] ^= 0xff
	p := &fakePort{rx: resp}
	dev := New(p, DefaultSlaveAddr)

	_, err := dev.Read(context.Background())
	require.Error(t, err)
	require.True(t, p.flushed)
}
