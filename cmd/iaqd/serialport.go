package main

import (
	"os"
	"time"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
)

// serialPort adapts a plain device-node file to bus.Port. It does not
// configure baud/parity/stop bits itself: per internal/bus's doc comment,
// that termios setup is a board-support-package concern (device tree,
// udev, or a provisioning script run once when the board image is
// built), external to this process (spec §1).
type serialPort struct {
	f *os.File
}

func openSerialPort(path string) (*serialPort, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, iaqerr.NotReady("serialport.open", "uart device not present: "+path+": "+err.Error())
	}
	return &serialPort{f: f}, nil
}

func (p *serialPort) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *serialPort) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *serialPort) Flush() error {
	// Draining is the board-support package's job (termios TCFLSH); the
	// best this process can do without it is a short non-blocking read.
	_ = p.f.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	buf := make([]byte, 256)
	for {
		n, err := p.f.Read(buf)
		if n == 0 || err != nil {
			break
		}
	}
	return nil
}

func (p *serialPort) SetReadDeadline(t time.Time) error { return p.f.SetReadDeadline(t) }

func (p *serialPort) Close() error { return p.f.Close() }
