// Package app implements the UPDI application layer: SIB parsing, key
// activation, enter/leave programming mode and the locked-device unlock
// flows, as specified in spec.md §4.3.
package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/microchip-pic-avr-tools/serialupdi/faults"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/phy"
)

// UPDI control/status register addresses (CS space, accessed via
// LDCS/STCS).
const (
	csStatusA       = 0x00
	csStatusB       = 0x01
	csCtrlA         = 0x02
	csCtrlB         = 0x03
	csASIKeyStatus  = 0x07
	csASIResetReq   = 0x08
	csASICtrlA      = 0x09
	csASISysCtrlA   = 0x0A
	csASISysStatus  = 0x0B
	csASICRCStatus  = 0x0C
)

// CTRLA bits.
const (
	ctrlARSD = 1 << 3 // response-signature (ACK) disable
)

// CTRLB bits.
const (
	ctrlBUPDIDIS = 1 << 2
)

// ASI_SYS_STATUS bits.
const (
	sysStatusLockStatus = 1 << 0
	sysStatusNVMProg    = 1 << 3
)

// Reset request values.
const (
	resetAssert  = 0x59
	resetRelease = 0x00
)

// Key activation payloads, 8 bytes each, per spec.md §4.3.
var (
	KeyNVMProg     = []byte("NVMProg ")
	KeyNVMErase    = []byte("NVMErase")
	KeyUserRowWrite = []byte("NVMUs&te")
)

// HVMode selects how (if at all) high-voltage UPDI activation is driven,
// per spec.md §4.3.
type HVMode int

const (
	HVNone HVMode = iota
	HVToolTogglePower
	HVUserTogglePower
	HVSimpleUnsafePulse
)

// SIB is the parsed System Information Block.
type SIB struct {
	Raw        string
	Family     string
	NVMVersion string
	DebugVer   string
	OCDRev     string
}

// HVActivator lets the caller supply hardware-specific high-voltage
// activation hooks. Pulse is invoked for HVSimpleUnsafePulse and
// HVToolTogglePower (before the first SYNCH); PromptUser is invoked for
// HVUserTogglePower and must block until the user has cycled power.
type HVActivator struct {
	Mode       HVMode
	Pulse      func(ctx context.Context) error
	PromptUser func(ctx context.Context) error
}

// Handshake drives the application-layer operations over a phy.Layer.
type Handshake struct {
	phy    *phy.Layer
	logger *slog.Logger
	hv     HVActivator
}

// New builds a Handshake. logger nil uses slog.Default().
func New(p *phy.Layer, hv HVActivator, logger *slog.Logger) *Handshake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handshake{phy: p, logger: logger, hv: hv}
}

// Activate runs whatever high-voltage activation the session was
// configured for, before the link's first SYNCH. HVNone is a no-op.
func (h *Handshake) Activate(ctx context.Context) error {
	switch h.hv.Mode {
	case HVNone:
		return nil
	case HVToolTogglePower, HVSimpleUnsafePulse:
		if h.hv.Pulse == nil {
			return faults.New(faults.ToolError, "HV pulse mode selected but no Pulse hook configured", nil)
		}
		return h.hv.Pulse(ctx)
	case HVUserTogglePower:
		if h.hv.PromptUser == nil {
			return faults.New(faults.ToolError, "HVUserTogglePower selected but no PromptUser hook configured", nil)
		}
		return h.hv.PromptUser(ctx)
	default:
		return faults.New(faults.ToolError, "unknown HV mode", nil)
	}
}

// LowerGuardTime writes the ASI_CTRLA guard-time field, matching spec.md
// §4.1's "the link lowers it early in programming mode". val is the raw
// 3-bit guard-time field value (0 = slowest/default, 7 = fastest).
func (h *Handshake) LowerGuardTime(ctx context.Context, val byte) error {
	return h.phy.STCS(ctx, csASICtrlA, val&0x07)
}

// DisableACK sets CTRLA.RSD so block writes skip the per-byte ACK; callers
// must pass skipAck=true to phy.Layer.ST until ReenableACK is called.
func (h *Handshake) DisableACK(ctx context.Context) error {
	return h.phy.STCS(ctx, csCtrlA, ctrlARSD)
}

// ReenableACK clears CTRLA.RSD.
func (h *Handshake) ReenableACK(ctx context.Context) error {
	return h.phy.STCS(ctx, csCtrlA, 0x00)
}

// ReadSIB reads and parses the device's 32-byte System Information Block.
// A failed SIB read is retried once as a plain second read; ReadSIB sends
// no BREAK of its own before the retry (the link re-initialises only when
// the request bytes fail to echo, not when the SIB reply is missing or
// short). If it fails again,
// the device is assumed locked rather than link-dead, since a dead link
// would already have failed during Init's SYNCH handshake.
func (h *Handshake) ReadSIB(ctx context.Context) (SIB, error) {
	raw, err := h.phy.ReadSIB(ctx, 32)
	if err != nil {
		raw, err = h.phy.ReadSIB(ctx, 32)
		if err != nil {
			return SIB{}, faults.New(faults.Locked, "SIB unreadable after retry, assuming locked device", err)
		}
	}
	for _, b := range raw {
		if b < 0x20 || b > 0x7E {
			return SIB{}, faults.New(faults.ProtocolFault, "SIB contains non-ASCII byte", nil)
		}
	}
	return parseSIB(string(raw)), nil
}

// parseSIB splits the SIB text on whitespace and takes the first four
// fields, in order, as family name, NVM version, debug version and OCD
// revision; fields that are absent stay empty. The whole text is kept in
// Raw.
func parseSIB(raw string) SIB {
	fields := strings.Fields(raw)
	s := SIB{Raw: raw}
	if len(fields) > 0 {
		s.Family = fields[0]
	}
	if len(fields) > 1 {
		s.NVMVersion = fields[1]
	}
	if len(fields) > 2 {
		s.DebugVer = fields[2]
	}
	if len(fields) > 3 {
		s.OCDRev = fields[3]
	}
	return s
}

// EnterProgrammingMode writes the NVMProg key, pulses reset and polls
// ASI_SYS_STATUS until the NVMPROG bit is set, per spec.md §4.3 and
// scenario S1.
func (h *Handshake) EnterProgrammingMode(ctx context.Context, timeout time.Duration) error {
	if err := h.phy.KEY(ctx, KeyNVMProg); err != nil {
		return err
	}
	if err := h.resetPulse(ctx); err != nil {
		return err
	}
	return h.pollSysStatus(ctx, sysStatusNVMProg, timeout)
}

// ChipEraseLocked sends the CHIPERASE key, pulses reset and polls
// LOCKSTATUS until it clears, per spec.md §4.3 and scenario S4. The device
// is unlocked but erased afterwards.
func (h *Handshake) ChipEraseLocked(ctx context.Context, timeout time.Duration) error {
	if err := h.phy.KEY(ctx, KeyNVMErase); err != nil {
		return err
	}
	if err := h.resetPulse(ctx); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		status, err := h.phy.LDCS(ctx, csASISysStatus)
		if err != nil {
			return err
		}
		if status&sysStatusLockStatus == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return faults.New(faults.NVMTimeout, "chip erase: LOCKSTATUS did not clear", nil)
		}
		time.Sleep(time.Millisecond)
	}
}

// ActivateUserRowWrite sends the distinct key that allows writing the user
// row while the device remains locked (spec.md §4.3). It does not pulse
// reset or poll NVMPROG: the device stays locked, only the user-row NVM
// path is unlocked.
func (h *Handshake) ActivateUserRowWrite(ctx context.Context) error {
	return h.phy.KEY(ctx, KeyUserRowWrite)
}

// LeaveProgrammingMode sets CTRLB.UPDIDIS, releasing the UPDI pin back to
// GPIO/reset function.
func (h *Handshake) LeaveProgrammingMode(ctx context.Context) error {
	return h.phy.STCS(ctx, csCtrlB, ctrlBUPDIDIS)
}

// ReadSignature reads the 3-byte device signature from sigAddr via LDS,
// per spec.md §4.3 and scenario S1.
func (h *Handshake) ReadSignature(ctx context.Context, sigAddr uint32) ([3]byte, error) {
	var sig [3]byte
	b0, err := h.phy.LDS(ctx, sigAddr, 1)
	if err != nil {
		return sig, err
	}
	b1, err := h.phy.LDS(ctx, sigAddr+1, 1)
	if err != nil {
		return sig, err
	}
	b2, err := h.phy.LDS(ctx, sigAddr+2, 1)
	if err != nil {
		return sig, err
	}
	sig[0], sig[1], sig[2] = b0[0], b1[0], b2[0]
	return sig, nil
}

func (h *Handshake) resetPulse(ctx context.Context) error {
	if err := h.phy.STCS(ctx, csASIResetReq, resetAssert); err != nil {
		return err
	}
	return h.phy.STCS(ctx, csASIResetReq, resetRelease)
}

func (h *Handshake) pollSysStatus(ctx context.Context, bit byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status, err := h.phy.LDCS(ctx, csASISysStatus)
		if err != nil {
			return err
		}
		if status&bit != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return faults.New(faults.NVMTimeout, "ASI_SYS_STATUS bit did not set in time", nil)
		}
		time.Sleep(time.Millisecond)
	}
}
