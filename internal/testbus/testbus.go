// Package testbus provides a scripted fake periph.io/x/conn/v3/i2c.Bus for
// driver unit tests, in the spirit of periph-devices' *_test.go files which
// hand-roll a small recording bus per package; this version is shared so
// every sensor driver's tests use the same fake instead of duplicating one
// per package.
package testbus

import (
	"bytes"
	"fmt"
	"testing"
)

// step is one expected Tx call: Write is the expected write payload (nil
// means "don't check"), Read is the data to hand back for the read side.
type step struct {
	write []byte
	read  []byte
}

// Bus is a scripted fake I²C bus. Calls to Tx are matched against the
// queued expectations in order.
type Bus struct {
	t        *testing.T
	steps    []step
	i        int
	AnyWrite bool
}

// New returns an empty scripted Bus bound to t.
func New(t *testing.T) *Bus {
	return &Bus{t: t}
}

// ExpectTx queues one expected Tx(write, read) call. If write is nil, the
// write payload is not checked (Bus.AnyWrite also disables the check for
// every queued step). read is copied into the caller's read buffer.
func (b *Bus) ExpectTx(write, read []byte) {
	b.steps = append(b.steps, step{write: write, read: read})
}

// Tx implements i2c.Bus.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	if b.i >= len(b.steps) {
		b.t.Fatalf("testbus: unexpected Tx call %d (addr=%d, w=%x)", b.i, addr, w)
	}
	s := b.steps[b.i]
	b.i++
	if !b.AnyWrite && s.write != nil && !bytes.Equal(s.write, w) {
		b.t.Fatalf("testbus: step %d write mismatch: got %x want %x", b.i-1, w, s.write)
	}
	if r != nil {
		if len(s.read) != len(r) {
			b.t.Fatalf("testbus: step %d read length mismatch: buf=%d script=%d", b.i-1, len(r), len(s.read))
		}
		copy(r, s.read)
	}
	return nil
}

// Speed implements the optional i2c.Bus speed-setting method.
func (b *Bus) Speed(hz int64) error { return nil }

// String implements fmt.Stringer.
func (b *Bus) String() string { return fmt.Sprintf("testbus(step %d/%d)", b.i, len(b.steps)) }

// Close implements io.Closer for BusCloser-typed fields.
func (b *Bus) Close() error { return nil }

// Done asserts every queued expectation was consumed.
func (b *Bus) Done() {
	if b.i != len(b.steps) {
		b.t.Fatalf("testbus: %d of %d expected Tx calls were not made", len(b.steps)-b.i, len(b.steps))
	}
}
