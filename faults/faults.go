// Package faults defines the error kinds shared by the link, application,
// NVM and session layers of the UPDI programmer.
package faults

import "errors"

// Kind classifies a Fault. See spec §7 for the full catalogue.
type Kind int

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Kind = iota
	// LinkFault covers parity errors, echo mismatches, read timeouts and
	// failed BREAK recovery.
	LinkFault
	// ProtocolFault covers unexpected ACKs, unparsable SIBs and rejected
	// opcodes.
	ProtocolFault
	// DeviceIDMismatch means the signature bytes differ from the device
	// descriptor.
	DeviceIDMismatch
	// Locked means the operation requires an unlock flow first.
	Locked
	// NVMTimeout means the NVM BUSY bit did not clear in time.
	NVMTimeout
	// UnsupportedMemory means the region is absent or not writable on this
	// device.
	UnsupportedMemory
	// Alignment means an offset or length violates a word/page constraint.
	Alignment
	// VerifyMismatch means a readback differed from the written bytes.
	VerifyMismatch
	// ToolError means the serial port or target voltage is unusable.
	ToolError
)

func (k Kind) String() string {
	switch k {
	case LinkFault:
		return "LinkFault"
	case ProtocolFault:
		return "ProtocolFault"
	case DeviceIDMismatch:
		return "DeviceIdMismatch"
	case Locked:
		return "Locked"
	case NVMTimeout:
		return "NvmTimeout"
	case UnsupportedMemory:
		return "UnsupportedMemory"
	case Alignment:
		return "Alignment"
	case VerifyMismatch:
		return "VerifyMismatch"
	case ToolError:
		return "ToolError"
	default:
		return "Unknown"
	}
}

// Fault is the error type returned by every layer of the programmer. It
// carries the classifying Kind, a human message and optionally the
// underlying error it wraps.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error

	// Address is set by faults that carry a specific device address
	// (VerifyMismatch's first differing byte, Alignment's offending
	// offset). Negative means "not applicable".
	Address int64
}

func (f *Fault) Error() string {
	msg := f.Kind.String()
	if f.Msg != "" {
		msg += ": " + f.Msg
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Is reports whether target is a *Fault with the same Kind, so callers can
// do errors.Is(err, faults.New(faults.Locked, "", nil)) or more idiomatically
// check Kind via errors.As.
func (f *Fault) Is(target error) bool {
	other, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Kind == other.Kind
}

// New builds a Fault with no address context.
func New(kind Kind, msg string, err error) *Fault {
	return &Fault{Kind: kind, Msg: msg, Err: err, Address: -1}
}

// NewAt builds a Fault carrying the offending address.
func NewAt(kind Kind, msg string, err error, address int64) *Fault {
	return &Fault{Kind: kind, Msg: msg, Err: err, Address: address}
}

// Wrap is a convenience for New when there is no address context, mirroring
// the message-then-error shape used throughout this module.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil && msg == "" {
		return nil
	}
	return New(kind, msg, err)
}

// KindOf extracts the Kind from err if it is (or wraps) a *Fault, otherwise
// returns Unknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Unknown
}
