// Package phy implements the UPDI physical instruction set: LDCS, STCS,
// LDS, STS, LD, ST, REPEAT and KEY, as specified in spec.md §4.2. It is the
// only layer that encodes UPDI opcodes onto the wire; everything above it
// talks in terms of addresses, sizes and register values.
package phy

import (
	"context"

	"github.com/microchip-pic-avr-tools/serialupdi/faults"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/link"
)

// Instruction base opcodes, bits 7:5 of the opcode byte.
const (
	opLDS    = 0x00
	opSTS    = 0x40
	opLD     = 0x20
	opST     = 0x60
	opLDCS   = 0x80
	opSTCS   = 0xC0
	opREPEAT = 0xA0
	opKEY    = 0xE0
)

// Pointer access mode for LD/ST, bits 3:2.
const (
	PtrUnchanged PtrMode = 0x00 // *ptr, pointer untouched
	PtrInc       PtrMode = 0x04 // *ptr++, pointer auto-incremented
	PtrAddress   PtrMode = 0x08 // ptr, operate on the pointer register itself
)

// PtrMode selects how LD/ST uses the internal pointer register.
type PtrMode byte

const ack = 0x40

// Layer drives the physical opcodes over a link.Link. AddressWidth (2 or 3
// bytes) is fixed per device per spec.md §3 ("address width 16 or 24
// bits").
type Layer struct {
	l             *link.Link
	addressWidth  int
	repeatPending bool
}

// New builds a Layer for a device with the given address width in bytes
// (2 for 16-bit parts, 3 for 24-bit parts).
func New(l *link.Link, addressWidth int) *Layer {
	return &Layer{l: l, addressWidth: addressWidth}
}

// sizeBits encodes a byte count (1, 2 or 3) into the two-bit size field
// shared by the address size (LDS/STS) and data/pointer size (LD/ST)
// positions of the opcode byte.
func sizeBits(n int) (byte, error) {
	switch n {
	case 1:
		return 0x00, nil
	case 2:
		return 0x01, nil
	case 3:
		return 0x02, nil
	default:
		return 0, faults.New(faults.ProtocolFault, "size must be 1, 2 or 3 bytes", nil)
	}
}

// LDCS reads a one-byte control/status register.
func (p *Layer) LDCS(ctx context.Context, reg byte) (byte, error) {
	if reg > 0x0F {
		return 0, faults.New(faults.ProtocolFault, "ldcs register out of range", nil)
	}
	if err := p.l.Send(ctx, []byte{opLDCS | reg}); err != nil {
		return 0, err
	}
	v, err := p.l.Receive(1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// STCS writes a one-byte control/status register. No ACK is returned.
func (p *Layer) STCS(ctx context.Context, reg, value byte) error {
	if reg > 0x0F {
		return faults.New(faults.ProtocolFault, "stcs register out of range", nil)
	}
	return p.l.Send(ctx, []byte{opSTCS | reg, value})
}

// LDS reads size bytes (1 or 2) from data-space address addr.
func (p *Layer) LDS(ctx context.Context, addr uint32, size int) ([]byte, error) {
	if size != 1 && size != 2 {
		return nil, faults.New(faults.ProtocolFault, "unsupported LDS data size", nil)
	}
	dataBits, _ := sizeBits(size)
	addrBits, err := sizeBits(p.addressWidth)
	if err != nil {
		return nil, err
	}
	frame := append([]byte{opLDS | addrBits<<2 | dataBits}, encodeAddr(addr, p.addressWidth)...)
	if err := p.l.Send(ctx, frame); err != nil {
		return nil, err
	}
	return p.l.Receive(size)
}

// STS writes data (1 or 2 bytes) to data-space address addr. The UPDI PHY
// ACKs the address phase and the data phase separately; a missing ACK is a
// ProtocolFault (spec.md §4.2 invariant).
func (p *Layer) STS(ctx context.Context, addr uint32, data []byte) error {
	if len(data) != 1 && len(data) != 2 {
		return faults.New(faults.ProtocolFault, "unsupported STS data size", nil)
	}
	dataBits, _ := sizeBits(len(data))
	addrBits, err := sizeBits(p.addressWidth)
	if err != nil {
		return err
	}
	frame := append([]byte{opSTS | addrBits<<2 | dataBits}, encodeAddr(addr, p.addressWidth)...)
	if err := p.l.Send(ctx, frame); err != nil {
		return err
	}
	if err := p.expectACK(ctx); err != nil {
		return err
	}
	if err := p.l.Send(ctx, data); err != nil {
		return err
	}
	return p.expectACK(ctx)
}

// LD reads size bytes via the internal pointer, per mode. size is 1 or 2
// for PtrUnchanged/PtrInc; PtrAddress (reading the pointer register back)
// uses the device's address width.
func (p *Layer) LD(ctx context.Context, mode PtrMode, size int) ([]byte, error) {
	dataBits, err := sizeBits(size)
	if err != nil {
		return nil, err
	}
	if err := p.l.Send(ctx, []byte{opLD | byte(mode) | dataBits}); err != nil {
		return nil, err
	}
	p.repeatPending = false
	return p.l.Receive(size)
}

// ST writes data via the internal pointer, per mode. skipAck must be true
// when CTRLA.RSD has disabled ACK responses for a fast block write, or ST
// will block waiting for a byte that never arrives.
func (p *Layer) ST(ctx context.Context, mode PtrMode, data []byte, skipAck bool) error {
	dataBits, err := sizeBits(len(data))
	if err != nil {
		return err
	}
	frame := append([]byte{opST | byte(mode) | dataBits}, data...)
	if err := p.l.Send(ctx, frame); err != nil {
		return err
	}
	p.repeatPending = false
	if skipAck {
		return nil
	}
	return p.expectACK(ctx)
}

// STBlock writes data one byte at a time through a single ST opcode frame,
// for use immediately after REPEAT(ctx, len(data)-1): the opcode is sent
// once and the device re-executes it for every subsequent byte, per
// spec.md §4.2's REPEAT semantics (it arms "the next instruction", not a
// sequence of instructions, so the opcode itself is never repeated on the
// wire). skipAck must match whatever CTRLA.RSD was last set to.
func (p *Layer) STBlock(ctx context.Context, mode PtrMode, data []byte, skipAck bool) error {
	if len(data) == 0 {
		return nil
	}
	dataBits, _ := sizeBits(1)
	if err := p.l.Send(ctx, []byte{opST | byte(mode) | dataBits}); err != nil {
		return err
	}
	p.repeatPending = false
	for _, b := range data {
		if err := p.l.Send(ctx, []byte{b}); err != nil {
			return err
		}
		if !skipAck {
			if err := p.expectACK(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// LDBlock reads n bytes through a single LD opcode frame, the read
// counterpart of STBlock: the opcode is sent once, arming the device's
// pointer-increment read that repeats for every byte read back.
func (p *Layer) LDBlock(ctx context.Context, mode PtrMode, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	dataBits, _ := sizeBits(1)
	if err := p.l.Send(ctx, []byte{opLD | byte(mode) | dataBits}); err != nil {
		return nil, err
	}
	p.repeatPending = false
	return p.l.Receive(n)
}

// SetPointer loads the internal pointer register with addr, the
// prerequisite every LD(PtrUnchanged|PtrInc,...)/ST(PtrUnchanged|PtrInc,
// ...) call assumes (spec.md §4.2 invariant). It is encoded as
// ST(PtrAddress, ...) carrying addressWidth bytes of addr.
func (p *Layer) SetPointer(ctx context.Context, addr uint32) error {
	return p.ST(ctx, PtrAddress, encodeAddr(addr, p.addressWidth), false)
}

// REPEAT arms the next instruction to execute n+1 times. It does not
// compose: only the single instruction immediately following consumes it
// (spec.md §4.2 invariant). Callers must pair every REPEAT with exactly one
// subsequent ST/LD call.
func (p *Layer) REPEAT(ctx context.Context, n uint16) error {
	if p.repeatPending {
		return faults.New(faults.ProtocolFault, "REPEAT issued while already pending", nil)
	}
	frame := []byte{opREPEAT | 0x01, byte(n), byte(n >> 8)}
	if err := p.l.Send(ctx, frame); err != nil {
		return err
	}
	p.repeatPending = true
	return nil
}

// KEY sends an 8-byte (or 16-byte) activation key. UPDI transmits the key
// least-significant-byte first relative to its natural ASCII order (e.g.
// "NVMProg " is sent ' ','g','o','r','P','M','V','N'). No reply is sent.
func (p *Layer) KEY(ctx context.Context, key []byte) error {
	if len(key) != 8 && len(key) != 16 {
		return faults.New(faults.ProtocolFault, "key must be 8 or 16 bytes", nil)
	}
	sizeBit := byte(0x00)
	if len(key) == 16 {
		sizeBit = 0x01
	}
	reversed := make([]byte, len(key))
	for i, b := range key {
		reversed[len(key)-1-i] = b
	}
	frame := append([]byte{opKEY | sizeBit}, reversed...)
	return p.l.Send(ctx, frame)
}

// sibFlag selects the SIB variant of the KEY opcode: bit 2 set picks SIB
// mode instead of key-activation mode, and the low bit picks 16 vs 32
// bytes, matching the two SIB lengths spec.md §4.3 names.
const sibFlag = 0x04

// ReadSIB requests the device's System Information Block: length must be
// 16 or 32. Unlike KEY, the target replies with length ASCII bytes instead
// of accepting silently.
func (p *Layer) ReadSIB(ctx context.Context, length int) ([]byte, error) {
	var sizeBit byte
	switch length {
	case 16:
		sizeBit = 0x00
	case 32:
		sizeBit = 0x01
	default:
		return nil, faults.New(faults.ProtocolFault, "SIB length must be 16 or 32", nil)
	}
	if err := p.l.Send(ctx, []byte{opKEY | sibFlag | sizeBit}); err != nil {
		return nil, err
	}
	return p.l.Receive(length)
}

func (p *Layer) expectACK(ctx context.Context) error {
	b, err := p.l.Receive(1)
	if err != nil {
		return err
	}
	if b[0] != ack {
		return faults.New(faults.ProtocolFault, "missing ACK", nil)
	}
	return nil
}

func encodeAddr(addr uint32, width int) []byte {
	buf := make([]byte, width)
	for i := 0; i < width; i++ {
		buf[i] = byte(addr >> (8 * i))
	}
	return buf
}
