package bus

import (
	"encoding/binary"
	"time"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
)

// PMS5003FrameLen is the fixed length of a Plantower PMS5003 "active mode"
// output frame: 2 start bytes, 2 length bytes, 13 data words, 1 checksum
// word.
const PMS5003FrameLen = 32

// PMS5003StartByte1 and PMS5003StartByte2 are the fixed frame preamble.
const (
	PMS5003StartByte1 = 0x42
	PMS5003StartByte2 = 0x4d
)

// PMS5003Frame is the decoded 13-word payload of one PMS5003 frame. Field
// names follow the datasheet's "standard particle" / "atmospheric
// environment" distinction; the coordinator only consumes the atmospheric
// values.
type PMS5003Frame struct {
	PM1Standard, PM25Standard, PM10Standard uint16
	PM1Atm, PM25Atm, PM10Atm                uint16
	Count03, Count05, Count1, Count25, Count5, Count10 uint16
}

// ReadPMS5003Frame reads and validates one frame from p: checks the start
// bytes and the 16-bit sum checksum (spec §4.2 "PMS5003 start bytes and
// 16-bit sum"). On any framing failure it flushes p's receive buffer and
// returns a Transient error, per spec §4.2/§4.5.
func ReadPMS5003Frame(p Port, timeout time.Duration) (PMS5003Frame, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, PMS5003FrameLen)

	if err := ReadExact(p, buf[:1], deadline); err != nil || buf[0] != PMS5003StartByte1 {
		_ = p.Flush()
		return PMS5003Frame{}, iaqerr.Transient("pms5003.read", "missing start byte 1", nil)
	}
	if err := ReadExact(p, buf[1:2], deadline); err != nil || buf[1] != PMS5003StartByte2 {
		_ = p.Flush()
		return PMS5003Frame{}, iaqerr.Transient("pms5003.read", "missing start byte 2", nil)
	}
	if err := ReadExact(p, buf[2:], deadline); err != nil {
		_ = p.Flush()
		return PMS5003Frame{}, iaqerr.Transient("pms5003.read", "short frame body", err)
	}

	frameLen := binary.BigEndian.Uint16(buf[2:4])
	if int(frameLen) != PMS5003FrameLen-4 {
		_ = p.Flush()
		return PMS5003Frame{}, iaqerr.Transient("pms5003.read", "unexpected frame length field", nil)
	}

	var sum uint16
	for i := 0; i < PMS5003FrameLen-2; i++ {
		sum += uint16(buf[i])
	}
	checksum := binary.BigEndian.Uint16(buf[PMS5003FrameLen-2:])
	if sum != checksum {
		_ = p.Flush()
		return PMS5003Frame{}, iaqerr.Transient("pms5003.read", "checksum mismatch", nil)
	}

	word := func(i int) uint16 { return binary.BigEndian.Uint16(buf[4+i*2:]) }
	return PMS5003Frame{
		PM1Standard:  word(0),
		PM25Standard: word(1),
		PM10Standard: word(2),
		PM1Atm:       word(3),
		PM25Atm:      word(4),
		PM10Atm:      word(5),
		Count03:      word(6),
		Count05:      word(7),
		Count1:       word(8),
		Count25:      word(9),
		Count5:       word(10),
		Count10:      word(11),
	}, nil
}
