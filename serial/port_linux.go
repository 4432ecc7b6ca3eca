// Package serial drives a Linux tty device node the way the UPDI link
// layer needs: 8 data bits, even parity, 2 stop bits, arbitrary baud
// rates (including the 300-baud BREAK trick the link layer reconfigures
// down to) and a blocking read with a configurable per-call deadline.
//
// It is built the way github.com/daedaluz/goserial builds its Port — raw
// syscall.Open/Read/Write on the device node plus a TCSETS2 ioctl to reach
// the fields a plain os.File can't: parity, stop-bit count and
// non-standard baud rates via BOTHER.
package serial

import (
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"

	"github.com/microchip-pic-avr-tools/serialupdi/faults"
)

// Termios2 mirrors struct termios2 from linux/termbits.h, the variant that
// carries explicit ISpeed/OSpeed fields so BOTHER can express arbitrary
// baud rates instead of picking from the fixed Bnnn table.
type Termios2 struct {
	Iflag  uint32
	Oflag  uint32
	Cflag  uint32
	Lflag  uint32
	Line   byte
	Cc     [19]byte
	ISpeed uint32
	OSpeed uint32
}

// Control-mode flag bits this package actually touches.
const (
	cBother = uint32(0010000)
	cs8     = uint32(0000060)
	cStopb  = uint32(0000100)
	cRead   = uint32(0000200)
	parenb  = uint32(0000400)
	parodd  = uint32(0001000)
	clocal  = uint32(0004000)
)

// control-character indices within Termios2.Cc, matching linux/termbits.h.
const (
	fVTIME = 5
	fVMIN  = 6
)

// Parity selects the parity mode. UPDI always uses Even.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Options configures Open. Configure can be called again later to change
// baud/parity/stop bits without closing the port, which the link layer
// does to drop to the BREAK baud and return to the programming baud.
type Options struct {
	Baud        uint32
	Parity      Parity
	TwoStopBits bool
	ReadTimeout time.Duration
	OpenMode    int
}

// NewOptions returns the defaults spec.md §4.1 names: 115200 baud, even
// parity, 2 stop bits, a 1s read timeout.
func NewOptions() *Options {
	return &Options{
		Baud:        115200,
		Parity:      ParityEven,
		TwoStopBits: true,
		ReadTimeout: time.Second,
		OpenMode:    syscall.O_RDWR | syscall.O_NOCTTY,
	}
}

// Port is a single open tty device node.
type Port struct {
	opts   *Options
	closed atomic.Bool
	fd     int
}

// Open opens name (e.g. "/dev/ttyUSB0") and configures it per opts. A nil
// opts uses NewOptions().
func Open(name string, opts *Options) (*Port, error) {
	if opts == nil {
		opts = NewOptions()
	}
	fd, err := syscall.Open(name, opts.OpenMode, 0)
	if err != nil {
		return nil, faults.Wrap(faults.ToolError, "open "+name, err)
	}
	p := &Port{opts: opts, fd: fd}
	if err := p.Configure(opts.Baud, opts.Parity, opts.TwoStopBits); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return p, nil
}

// Configure rewrites the termios2 settings in place. Used by the link
// layer to switch to the BREAK baud and back to the programming baud.
func (p *Port) Configure(baud uint32, parity Parity, twoStopBits bool) error {
	t := Termios2{}
	t.Cflag = cRead | clocal | cs8 | cBother
	if twoStopBits {
		t.Cflag |= cStopb
	}
	switch parity {
	case ParityEven:
		t.Cflag |= parenb
	case ParityOdd:
		t.Cflag |= parenb | parodd
	}
	t.ISpeed = baud
	t.OSpeed = baud
	t.Cc[fVMIN] = 1
	t.Cc[fVTIME] = 0
	if err := ioctl.Ioctl(uintptr(p.fd), tcsets2, uintptr(unsafe.Pointer(&t))); err != nil {
		return faults.Wrap(faults.ToolError, "configure port", err)
	}
	p.opts.Baud = baud
	p.opts.Parity = parity
	p.opts.TwoStopBits = twoStopBits
	return nil
}

// Baud reports the currently configured baud rate.
func (p *Port) Baud() uint32 { return p.opts.Baud }

// Write sends data and returns the number of bytes actually written.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, faults.Wrap(faults.ToolError, "write", syscall.EBADF)
	}
	n, err := syscall.Write(p.fd, data)
	if err != nil {
		return n, faults.Wrap(faults.LinkFault, "write", err)
	}
	return n, nil
}

// Read blocks using the port's configured ReadTimeout.
func (p *Port) Read(data []byte) (int, error) {
	return p.ReadTimeout(data, p.opts.ReadTimeout)
}

// ReadTimeout blocks for at most timeout waiting for input, then reads
// whatever is available. A timed-out wait is reported as a LinkFault,
// matching spec.md §4.1's "no reply within timeout -> fault" rule.
func (p *Port) ReadTimeout(data []byte, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, faults.Wrap(faults.ToolError, "read", syscall.EBADF)
	}
	if err := poll.WaitInput(p.fd, timeout); err != nil {
		return 0, faults.Wrap(faults.LinkFault, "read timeout", err)
	}
	n, err := syscall.Read(p.fd, data)
	if err != nil {
		return n, faults.Wrap(faults.LinkFault, "read", err)
	}
	return n, nil
}

// Close releases the underlying file descriptor. Closing twice is an error,
// matching the teacher's ErrClosed behaviour.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return faults.Wrap(faults.ToolError, "close", syscall.EBADF)
	}
	return syscall.Close(p.fd)
}

// Fd exposes the raw descriptor, -1 once closed.
func (p *Port) Fd() int {
	if p.closed.Load() {
		return -1
	}
	return p.fd
}

