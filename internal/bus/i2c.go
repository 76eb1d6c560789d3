// Package bus holds the shared request/response primitives used by every
// sensor driver (spec §4.2 C1 "Bus abstractions"): a CRC8-checked 16-bit
// word command helper for I²C (generalized from scd4x.go's
// sendCommand/makeWriteData/calcCRC, now sharing the common.CRC8 the
// teacher already factored out), and the UART framing helpers in uart.go,
// pms5003.go and modbus.go.
package bus

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/common"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
)

// Word16Command describes one command word sent to a Sensirion-style I²C
// sensor (used by the SGP41 driver) and the shape of its response.
type Word16Command struct {
	Word uint16
	// RespWords is the number of 16-bit words expected back, each
	// followed by one CRC8 byte. Zero means the command has no response.
	RespWords int
	// SettleDelay is how long the sensor needs between issuing the
	// command and the response being ready to read.
	SettleDelay time.Duration
}

// I2CWordDevice wraps an i2c.Dev and implements the CRC8-checked
// word-command protocol shared by the Sensirion command-based sensors.
type I2CWordDevice struct {
	Dev *i2c.Dev
}

// NewI2CWordDevice returns a word-command device on addr over bus b.
func NewI2CWordDevice(b i2c.Bus, addr uint16) *I2CWordDevice {
	return &I2CWordDevice{Dev: &i2c.Dev{Bus: b, Addr: addr}}
}

// SendCommand writes cmd.Word (and, if non-nil, writeData as CRC8-appended
// words), sleeps cmd.SettleDelay, then reads and CRC8-validates
// cmd.RespWords words back.
func (d *I2CWordDevice) SendCommand(op string, cmd Word16Command, writeData []uint16) ([]uint16, error) {
	w := make([]byte, 2, 2+len(writeData)*3)
	w[0] = byte(cmd.Word >> 8)
	w[1] = byte(cmd.Word)
	if len(writeData) > 0 {
		w = append(w, encodeWords(writeData)...)
	}

	if err := d.Dev.Tx(w, nil); err != nil {
		return nil, iaqerr.Transient(op, "i2c write failed", err)
	}
	if cmd.SettleDelay > 0 {
		time.Sleep(cmd.SettleDelay)
	}
	if cmd.RespWords == 0 {
		return nil, nil
	}

	r := make([]byte, cmd.RespWords*3)
	if err := d.Dev.Tx(nil, r); err != nil {
		return nil, iaqerr.Transient(op, "i2c read failed", err)
	}

	out := make([]uint16, cmd.RespWords)
	for i := 0; i < cmd.RespWords; i++ {
		chunk := r[i*3 : i*3+2]
		got := common.CRC8(chunk)
		want := r[i*3+2]
		if got != want {
			return nil, iaqerr.Transient(op, fmt.Sprintf("crc mismatch word %d: got 0x%02x want 0x%02x", i, got, want), nil)
		}
		out[i] = uint16(chunk[0])<<8 | uint16(chunk[1])
	}
	return out, nil
}

func encodeWords(words []uint16) []byte {
	out := make([]byte, len(words)*3)
	for i, w := range words {
		out[i*3] = byte(w >> 8)
		out[i*3+1] = byte(w)
		out[i*3+2] = common.CRC8(out[i*3 : i*3+2])
	}
	return out
}
