// Package link implements the UPDI link layer: a half-duplex,
// self-synchronising UART variant with even parity, BREAK-based reset,
// echo suppression and inter-frame guard-time pacing, as described in
// spec.md §4.1.
package link

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/microchip-pic-avr-tools/serialupdi/faults"
	"github.com/microchip-pic-avr-tools/serialupdi/serial"
)

// Synch is the byte the target echoes after a successful BREAK, and the
// byte the link retransmits whenever it needs to resynchronise.
const Synch = 0x55

// breakBaud is the baud rate at which a single zero byte, sent as a normal
// UART frame, is stretched long enough to act as a BREAK condition at the
// target's programming baud rate. See spec.md §4.1.
const breakBaud = 300

// breakSettle is how long to let the BREAK frame drain before switching the
// port back to the programming baud rate.
const breakSettle = 30 * time.Millisecond

// Link owns the serial port for the lifetime of a session; spec.md §5
// forbids any other party from touching it concurrently.
type Link struct {
	port   *serial.Port
	baud   uint32
	logger *slog.Logger
	pacer  *rate.Limiter
}

// New wraps an already-open port. logger may be nil, in which case
// slog.Default() is used, matching SPEC_FULL.md §7.2's threaded-logger
// requirement.
func New(port *serial.Port, baud uint32, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		port:   port,
		baud:   baud,
		logger: logger,
		// Default pacing assumes the target's reset-default guard time
		// (128 cycles); SetGuardInterval narrows this once programming
		// mode has lowered the target's guard time register.
		pacer: rate.NewLimiter(rate.Every(500*time.Microsecond), 1),
	}
}

// SetGuardInterval reprograms the minimum spacing the link enforces between
// transmitted frames, mirroring a reduction of the target's guard-time
// register (done at the application layer via STCS). Lower values speed up
// block transfers once the target has been told to expect them.
func (l *Link) SetGuardInterval(d time.Duration) {
	l.pacer = rate.NewLimiter(rate.Every(d), 1)
}

// Init resets the UPDI PHY: BREAK at 300 baud, then SYNCH at the
// programming baud rate. The first data byte after BREAK must be SYNCH
// (spec.md §4.1); Init blocks until SYNCH is accepted or returns a
// LinkFault.
func (l *Link) Init(ctx context.Context) error {
	if err := l.sendBreak(); err != nil {
		return err
	}
	if err := l.port.Configure(l.baud, serial.ParityEven, true); err != nil {
		return faults.Wrap(faults.LinkFault, "reconfigure after break", err)
	}
	if err := l.pacer.Wait(ctx); err != nil {
		return faults.Wrap(faults.LinkFault, "guard-time wait", err)
	}
	if _, err := l.port.Write([]byte{Synch}); err != nil {
		return faults.Wrap(faults.LinkFault, "send synch", err)
	}
	echo, err := l.readExact(1)
	if err != nil {
		return faults.Wrap(faults.LinkFault, "synch echo", err)
	}
	if echo[0] != Synch {
		return faults.New(faults.LinkFault, "synch echo mismatch", nil)
	}
	l.logger.Debug("updi link initialised", "baud", l.baud)
	return nil
}

// sendBreak reconfigures the port to breakBaud and writes a single zero
// byte, the pyupdi software-BREAK trick: at 300 baud a 0x00 frame's low
// period is stretched past one inter-byte interval at the programming
// baud, long enough to reset the UPDI PHY. This works over any tty
// (including a pty pair, which has no TIOCSBRK/break_ctl support to drive
// a real hardware BREAK from); serial.Port has no BREAK ioctl of its own.
func (l *Link) sendBreak() error {
	if err := l.port.Configure(breakBaud, serial.ParityEven, true); err != nil {
		return faults.Wrap(faults.LinkFault, "configure break baud", err)
	}
	if _, err := l.port.Write([]byte{0x00}); err != nil {
		return faults.Wrap(faults.LinkFault, "send break", err)
	}
	time.Sleep(breakSettle)
	return nil
}

// Send transmits data and consumes exactly len(data) echoed bytes before
// returning, per spec.md §8 invariant 1 (echo symmetry). A mismatched echo
// triggers one BREAK-and-reinit retry; if the retry's echo also mismatches,
// Send returns a LinkFault.
func (l *Link) Send(ctx context.Context, data []byte) error {
	if err := l.pacer.Wait(ctx); err != nil {
		return faults.Wrap(faults.LinkFault, "guard-time wait", err)
	}
	if err := l.sendOnce(data); err == nil {
		return nil
	}
	l.logger.Debug("echo mismatch, reinitialising link")
	if err := l.Init(ctx); err != nil {
		return err
	}
	if err := l.pacer.Wait(ctx); err != nil {
		return faults.Wrap(faults.LinkFault, "guard-time wait", err)
	}
	return l.sendOnce(data)
}

func (l *Link) sendOnce(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := l.port.Write(data); err != nil {
		return faults.Wrap(faults.LinkFault, "write", err)
	}
	echo, err := l.readExact(len(data))
	if err != nil {
		return faults.Wrap(faults.LinkFault, "echo read", err)
	}
	for i := range data {
		if echo[i] != data[i] {
			return faults.New(faults.LinkFault, "echo mismatch", nil)
		}
	}
	return nil
}

// Receive reads exactly n bytes of target reply. It does not consume an
// echo — callers only reach here after Send has already drained the echo
// of whatever provoked the reply.
func (l *Link) Receive(n int) ([]byte, error) {
	return l.readExact(n)
}

func (l *Link) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := l.port.Read(buf[got:])
		if err != nil {
			return nil, err
		}
		got += m
	}
	return buf, nil
}
