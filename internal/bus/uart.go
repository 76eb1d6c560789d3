package bus

import (
	"time"
)

// Port is the request/response seam for UART-attached sensors (PM sensor,
// CO2 sensor). periph.io/x/conn/v3/uart only reserves the package name and
// defines no transaction shape yet ("will eventually define the API"), so
// the coordinator's drivers talk to this narrower interface instead; a
// board-support package backs it with a real termios-configured serial
// port.
type Port interface {
	// Write sends b in full or returns an error.
	Write(b []byte) (int, error)
	// Read fills b as far as data is available within the deadline set by
	// SetReadDeadline, returning the number of bytes actually read.
	Read(b []byte) (int, error)
	// Flush discards any buffered, unread receive data. Used after a
	// framing error (spec §4.2 "framing failures flush RX and return
	// Transient").
	Flush() error
	// SetReadDeadline bounds the next Read call.
	SetReadDeadline(t time.Time) error
}

// ReadExact reads exactly len(buf) bytes from p before deadline. Otherwise
// it returns the port's own error or a plain short-read error; callers wrap
// it into a Transient error. Used by both PM-sensor and CO2-sensor framing.
func ReadExact(p Port, buf []byte, deadline time.Time) error {
	if err := p.SetReadDeadline(deadline); err != nil {
		return err
	}
	total := 0
	for total < len(buf) {
		n, err := p.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	if total != len(buf) {
		return errShortRead
	}
	return nil
}

var errShortRead = shortReadError{}

type shortReadError struct{}

func (shortReadError) Error() string { return "bus: short read before deadline" }
