package serial

import (
	"syscall"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"

	"github.com/microchip-pic-avr-tools/serialupdi/faults"
)

// OpenVirtualPair opens a Unix98 pty pair for tests that exercise the link
// layer's echo-suppression and BREAK/SYNCH framing without real UPDI
// hardware. It is adapted from github.com/daedaluz/goserial's OpenPTY, kept
// only as far as the link-layer tests need: no Termios/Winsize plumbing,
// since a virtual pair used purely as an in-process byte pipe has no
// interactive terminal semantics to configure.
func OpenVirtualPair() (master, slave *Port, err error) {
	masterOpts := NewOptions()
	masterOpts.OpenMode = 0x2 /* O_RDWR */
	master, err = Open("/dev/ptmx", masterOpts)
	if err != nil {
		return nil, nil, err
	}
	if err := unlockPT(master); err != nil {
		master.Close()
		return nil, nil, err
	}
	slave, err = getPTPeer(master)
	if err != nil {
		master.Close()
		return nil, nil, err
	}
	return master, slave, nil
}

func unlockPT(p *Port) error {
	locked := int32(0)
	if err := ioctl.Ioctl(uintptr(p.fd), tiocsptlck, uintptr(unsafe.Pointer(&locked))); err != nil {
		return faults.Wrap(faults.ToolError, "unlock pty", err)
	}
	return nil
}

// getPTPeer issues TIOCGPTPEER directly via syscall.Syscall rather than
// goioctl's Ioctl helper, because this request returns a new file
// descriptor as the ioctl's result instead of writing through a pointer
// argument.
func getPTPeer(p *Port) (*Port, error) {
	r1, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(p.fd), tiocgptpeer, uintptr(p.opts.OpenMode))
	if errno != 0 {
		return nil, faults.Wrap(faults.ToolError, "open pty peer", errno)
	}
	return &Port{opts: NewOptions(), fd: int(r1)}, nil
}
