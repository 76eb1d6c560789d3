package pms5003

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePort is a minimal bus.Port backed by an in-memory byte slice, enough
// to drive the frame parser without a real serial device.
type fakePort struct {
	rx       []byte
	flushed  bool
	deadline time.Time
}

func (f *fakePort) Write(b []byte) (int, error) { return len(b), nil }

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

func (f *fakePort) SetReadDeadline(t time.Time) error {
	f.deadline = t
	return nil
}

func buildFrame(pm1, pm25, pm10 uint16) []byte {
	buf := make([]byte, 32)
	buf[0], buf[1] = 0x42, 0x4d
	binary.BigEndian.PutUint16(buf[2:4], 28)
	words := []uint16{pm1, pm25, pm10, pm1, pm25, pm10, 0, 0, 0, 0, 0, 0, 0}
	for i, w := range words {
		binary.BigEndian.PutUint16(buf[4+i*2:], w)
	}
	var sum uint16
	for i := 0; i < 30; i++ {
		sum += uint16(buf[i])
	}
	binary.BigEndian.PutUint16(buf[30:32], sum)
	return buf
}

func TestReadHappyPath(t *testing.T) {
	p := &fakePort{rx: buildFrame(3, 8, 12)}
	dev := New(p)

	r, err := dev.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, float64(3), r.PM1)
	require.Equal(t, float64(8), r.PM25)
	require.Equal(t, float64(12), r.PM10)
}

func TestReadBadChecksumFlushesAndErrors(t *testing.T) {
	frame := buildFrame(3, 8, 12)
	frame[31] ^= 0xff // corrupt checksum
	p := &fakePort{rx: frame}
	dev := New(p)

	_, err := dev.Read(context.Background())
	require.Error(t, err)
	require.True(t, p.flushed)
}
