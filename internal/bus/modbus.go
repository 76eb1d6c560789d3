package bus

import (
	"encoding/binary"
	"time"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/common"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
)

// ModbusReadHoldingRegisters issues a Modbus RTU "read holding registers"
// (function code 0x03) request to slaveAddr for count registers starting
// at startReg, over p, validating the response's CRC16 (spec §4.2 "S8
// Modbus-CRC16"). On any framing/CRC failure it flushes p and returns a
// Transient error.
func ModbusReadHoldingRegisters(p Port, slaveAddr byte, startReg, count uint16, timeout time.Duration) ([]uint16, error) {
	req := make([]byte, 8)
	req[0] = slaveAddr
	req[1] = 0x03
	binary.BigEndian.PutUint16(req[2:4], startReg)
	binary.BigEndian.PutUint16(req[4:6], count)
	crc := common.CRC16Modbus(req[:6])
	req[6] = byte(crc)
	req[7] = byte(crc >> 8)

	if _, err := p.Write(req); err != nil {
		return nil, iaqerr.Transient("modbus.read", "write request failed", err)
	}

	deadline := time.Now().Add(timeout)
	header := make([]byte, 3)
	if err := ReadExact(p, header, deadline); err != nil {
		_ = p.Flush()
		return nil, iaqerr.Transient("modbus.read", "short response header", err)
	}
	if header[0] != slaveAddr || header[1] != 0x03 {
		_ = p.Flush()
		return nil, iaqerr.Transient("modbus.read", "unexpected response header", nil)
	}
	byteCount := int(header[2])
	if byteCount != int(count)*2 {
		_ = p.Flush()
		return nil, iaqerr.Transient("modbus.read", "unexpected byte count", nil)
	}

	body := make([]byte, byteCount+2)
	if err := ReadExact(p, body, deadline); err != nil {
		_ = p.Flush()
		return nil, iaqerr.Transient("modbus.read", "short response body", err)
	}

	full := append(header, body...)
	gotCRC := binary.LittleEndian.Uint16(full[len(full)-2:])
	wantCRC := common.CRC16Modbus(full[:len(full)-2])
	if gotCRC != wantCRC {
		_ = p.Flush()
		return nil, iaqerr.Transient("modbus.read", "crc16 mismatch", nil)
	}

	regs := make([]uint16, count)
	for i := 0; i < int(count); i++ {
		regs[i] = binary.BigEndian.Uint16(body[i*2:])
	}
	return regs, nil
}
