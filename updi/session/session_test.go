package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/microchip-pic-avr-tools/serialupdi/faults"
	"github.com/microchip-pic-avr-tools/serialupdi/serial"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/app"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/device"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/hexio"
)

// fakeTarget is a UPDI target simulator covering the slice of behaviour a
// Session drives: CS register access (reset pulse, ASI_SYS_STATUS, key
// activation) plus the LDS/STS/LD/ST/REPEAT data-space instructions the NVM
// controller issues for page fills, command writes and reads. It combines
// the app and nvm packages' own fake-target patterns into one target since
// a Session exercises both layers together.
type fakeTarget struct {
	slave           *serial.Port
	breaksToSwallow int32

	data [1 << 20]byte
	ptr  uint32

	repeatCount      int
	blockSTRemaining int
	blockSTMode      byte
	rsd              bool

	// sysStatus mirrors ASI_SYS_STATUS: bit 0 is LOCKSTATUS, bit 3 is
	// NVMPROG. lastKey records the most recently completed KEY frame
	// (decoded back to its original byte order) so a following reset pulse
	// can apply the right real-hardware effect, the way an actual target's
	// key-activation latch would.
	sysStatus atomic.Int32
	lastKey   string

	// corruptAddr/corruptOnce let a test force a single stale readback at a
	// given address, independent of what was actually written there, to
	// exercise Verify's mismatch path without racing the write itself.
	corruptAddr uint32
	corruptOnce bool

	frame []byte
	// synchNext marks that the byte after a swallowed BREAK is the SYNCH
	// character Init sends, which is echoed but is not an instruction.
	synchNext bool
}

const (
	sysStatusLockStatus = 1 << 0
	sysStatusNVMProg    = 1 << 3
)

// onKeyActivated applies the real-hardware effect of the key most recently
// sent, once the following reset pulse completes: NVMProg only takes effect
// on an already-unlocked device, NVMErase always clears LOCKSTATUS (and
// leaves NVMPROG for the caller's subsequent EnterProgrammingMode to set).
func (f *fakeTarget) onKeyActivated() {
	switch f.lastKey {
	case "NVMProg ":
		if f.sysStatus.Load()&sysStatusLockStatus == 0 {
			f.sysStatus.Store(f.sysStatus.Load() | sysStatusNVMProg)
		}
	case "NVMErase":
		f.sysStatus.Store(f.sysStatus.Load() &^ sysStatusLockStatus)
	}
}

func (f *fakeTarget) readByte(addr uint32) byte {
	if f.corruptOnce && addr == f.corruptAddr {
		f.corruptOnce = false
		return f.data[addr] ^ 0xFF
	}
	return f.data[addr]
}

func (f *fakeTarget) armBreaks(n int32) { atomic.AddInt32(&f.breaksToSwallow, n) }

func (f *fakeTarget) run() {
	buf := make([]byte, 1)
	for {
		n, err := f.slave.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		b := buf[0]
		if b == 0x00 && atomic.LoadInt32(&f.breaksToSwallow) > 0 {
			atomic.AddInt32(&f.breaksToSwallow, -1)
			f.synchNext = true
			continue
		}
		f.slave.Write([]byte{b})
		if f.synchNext {
			f.synchNext = false
			continue
		}
		if f.blockSTRemaining > 0 {
			f.data[f.ptr] = b
			if f.blockSTMode == 0x04 {
				f.ptr++
			}
			f.blockSTRemaining--
			if !f.rsd {
				f.slave.Write([]byte{0x40})
			}
			continue
		}
		f.frame = append(f.frame, b)
		f.handleFrame()
	}
}

func (f *fakeTarget) handleFrame() {
	if len(f.frame) == 0 {
		return
	}
	const (
		csASIResetReq  = 0x08
		csASISysStatus = 0x0B
		resetAssert    = 0x59
		resetRelease   = 0x00
	)
	op := f.frame[0] & 0xE0
	switch op {
	case 0x80: // LDCS
		if len(f.frame) == 1 {
			reg := f.frame[0] & 0x0F
			var v byte
			if reg == csASISysStatus {
				v = byte(f.sysStatus.Load())
			}
			f.slave.Write([]byte{v})
			f.frame = nil
		}
	case 0xC0: // STCS
		if len(f.frame) == 2 {
			reg := f.frame[0] & 0x0F
			val := f.frame[1]
			if reg == csASIResetReq && val == resetRelease {
				f.onKeyActivated()
			}
			if reg == 0x02 { // CTRLA.RSD
				f.rsd = val&(1<<3) != 0
			}
			f.frame = nil
		}
	case 0x00: // LDS
		addrLen := int((f.frame[0]>>2)&0x03) + 1
		dataLen := int(f.frame[0]&0x03) + 1
		if len(f.frame) == 1+addrLen {
			addr := decodeAddr(f.frame[1:])
			reply := make([]byte, dataLen)
			for i := range reply {
				reply[i] = f.readByte(addr + uint32(i))
			}
			f.slave.Write(reply)
			f.frame = nil
		}
	case 0x40: // STS
		addrLen := int((f.frame[0]>>2)&0x03) + 1
		dataLen := int(f.frame[0] & 0x03) + 1
		if len(f.frame) == 1+addrLen {
			f.slave.Write([]byte{0x40})
		}
		if len(f.frame) == 1+addrLen+dataLen {
			addr := decodeAddr(f.frame[1 : 1+addrLen])
			copy(f.data[addr:], f.frame[1+addrLen:])
			f.slave.Write([]byte{0x40})
			f.frame = nil
		}
	case 0x20: // LD
		mode := f.frame[0] & 0x0C
		dataLen := int(f.frame[0]&0x03) + 1
		if len(f.frame) == 1 {
			reps := f.repeatCount + 1
			f.repeatCount = 0
			for i := 0; i < reps; i++ {
				reply := make([]byte, dataLen)
				for j := range reply {
					reply[j] = f.readByte(f.ptr + uint32(j))
				}
				f.slave.Write(reply)
				if mode == 0x04 {
					f.ptr += uint32(dataLen)
				}
			}
			f.frame = nil
		}
	case 0x60: // ST
		mode := f.frame[0] & 0x0C
		dataLen := int(f.frame[0]&0x03) + 1
		if len(f.frame) == 1 && dataLen == 1 && f.repeatCount > 0 && mode != 0x08 {
			f.blockSTRemaining = f.repeatCount + 1
			f.blockSTMode = mode
			f.repeatCount = 0
			f.frame = nil
			return
		}
		if len(f.frame) == 1+dataLen {
			if mode == 0x08 {
				f.ptr = decodeAddr(f.frame[1:])
			} else {
				copy(f.data[f.ptr:], f.frame[1:])
				if mode == 0x04 {
					f.ptr += uint32(dataLen)
				}
			}
			if !f.rsd {
				f.slave.Write([]byte{0x40})
			}
			f.frame = nil
			if f.repeatCount > 0 {
				f.repeatCount--
			}
		}
	case 0xA0: // REPEAT
		if len(f.frame) == 3 {
			f.repeatCount = int(f.frame[1]) | int(f.frame[2])<<8
			f.frame = nil
		}
	case 0xE0: // KEY
		if len(f.frame) == 9 {
			reversed := f.frame[1:9]
			key := make([]byte, len(reversed))
			for i, b := range reversed {
				key[len(reversed)-1-i] = b
			}
			f.lastKey = string(key)
			f.frame = nil
		}
	}
}

func decodeAddr(b []byte) uint32 {
	var addr uint32
	for i, v := range b {
		addr |= uint32(v) << (8 * i)
	}
	return addr
}

// newTestTarget opens a virtual serial pair and starts dev.run(), seeding
// desc's signature bytes into the simulated data space so Start's gating
// check passes unless the test overwrites them afterwards.
func newTestTarget(t *testing.T, desc device.Descriptor) (*serial.Port, *fakeTarget, func()) {
	t.Helper()
	master, slave, err := serial.OpenVirtualPair()
	if err != nil {
		t.Fatalf("OpenVirtualPair: %v", err)
	}
	dev := &fakeTarget{slave: slave}
	dev.armBreaks(1)
	sigRegion, err := desc.Region(device.RegionSignatures)
	if err != nil {
		t.Fatalf("Region(signatures) = %v", err)
	}
	copy(dev.data[sigRegion.Base:], desc.Signature[:])
	go dev.run()
	return master, dev, func() { master.Close(); slave.Close() }
}

func TestStartEntersProgrammingModeAndVerifiesSignature(t *testing.T) {
	desc, err := device.Lookup("atmega4809")
	if err != nil {
		t.Fatalf("device.Lookup() = %v", err)
	}
	port, _, cleanup := newTestTarget(t, desc)
	defer cleanup()
	// Device starts unlocked: the NVMProg key's reset pulse sets NVMPROG.

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := Start(ctx, port, desc, 115200, app.HVActivator{Mode: app.HVNone}, nil)
	if err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if !s.programming.Load() {
		t.Error("programming = false, want true")
	}
	if s.locked.Load() {
		t.Error("locked = true, want false")
	}
}

func TestStartSignatureMismatchIsFault(t *testing.T) {
	desc, err := device.Lookup("atmega4809")
	if err != nil {
		t.Fatalf("device.Lookup() = %v", err)
	}
	port, dev, cleanup := newTestTarget(t, desc)
	defer cleanup()
	sigRegion, _ := desc.Region(device.RegionSignatures)
	dev.data[sigRegion.Base] = 0xFF // corrupt the signature

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Start(ctx, port, desc, 115200, app.HVActivator{Mode: app.HVNone}, nil)
	if faults.KindOf(err) != faults.DeviceIDMismatch {
		t.Fatalf("Start() = %v, want DeviceIDMismatch", err)
	}
}

func TestStartLockedDeviceNeverEntersProgrammingMode(t *testing.T) {
	desc, err := device.Lookup("atmega4809")
	if err != nil {
		t.Fatalf("device.Lookup() = %v", err)
	}
	// The device is locked: the NVMProg key's reset pulse has no effect
	// while LOCKSTATUS is set, so EnterProgrammingMode times out and Start
	// marks the device locked rather than failing outright, per scenario S4.
	port, dev, cleanup := newTestTarget(t, desc)
	defer cleanup()
	dev.sysStatus.Store(sysStatusLockStatus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := Start(ctx, port, desc, 115200, app.HVActivator{Mode: app.HVNone}, nil)
	if err != nil {
		t.Fatalf("Start() = %v, want nil (locked, not an error)", err)
	}
	if !s.locked.Load() {
		t.Error("locked = false, want true")
	}
	if s.programming.Load() {
		t.Error("programming = true, want false")
	}
	if err := s.requireUnlocked(); faults.KindOf(err) != faults.Locked {
		t.Fatalf("requireUnlocked() = %v, want Locked", err)
	}
}

func startUnlocked(t *testing.T, desc device.Descriptor) (*Session, *fakeTarget, func()) {
	t.Helper()
	port, dev, cleanup := newTestTarget(t, desc)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := Start(ctx, port, desc, 115200, app.HVActivator{Mode: app.HVNone}, nil)
	if err != nil {
		cleanup()
		t.Fatalf("Start() = %v, want nil", err)
	}
	return s, dev, cleanup
}

func TestWritePartialPagePreservesNeighbors(t *testing.T) {
	desc, err := device.Lookup("atmega4809")
	if err != nil {
		t.Fatalf("device.Lookup() = %v", err)
	}
	s, dev, cleanup := startUnlocked(t, desc)
	defer cleanup()

	eeprom, err := desc.Region(device.RegionEEPROM)
	if err != nil {
		t.Fatalf("Region(eeprom) = %v", err)
	}
	// Pre-seed the whole page with a known pattern so we can confirm a
	// partial write leaves everything but the targeted bytes untouched,
	// per spec.md §8 invariant 4.
	for i := uint32(0); i < eeprom.PageSize; i++ {
		dev.data[eeprom.Base+i] = 0xEE
	}

	ctx := context.Background()
	if err := s.Write(ctx, device.RegionEEPROM, 4, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("Write() = %v, want nil", err)
	}

	got, err := s.Read(ctx, device.RegionEEPROM, 0, int(eeprom.PageSize))
	if err != nil {
		t.Fatalf("Read() = %v", err)
	}
	for i, b := range got {
		switch i {
		case 4:
			if b != 0xAA {
				t.Errorf("byte[4] = %#x, want 0xAA", b)
			}
		case 5:
			if b != 0xBB {
				t.Errorf("byte[5] = %#x, want 0xBB", b)
			}
		default:
			if b != 0xEE {
				t.Errorf("byte[%d] = %#x, want untouched 0xEE", i, b)
			}
		}
	}
}

func TestVerifyMismatchReportsFirstDifferingAddress(t *testing.T) {
	desc, err := device.Lookup("atmega4809")
	if err != nil {
		t.Fatalf("device.Lookup() = %v", err)
	}
	s, _, cleanup := startUnlocked(t, desc)
	defer cleanup()

	ctx := context.Background()
	eeprom, err := desc.Region(device.RegionEEPROM)
	if err != nil {
		t.Fatalf("Region(eeprom) = %v", err)
	}
	if err := s.Write(ctx, device.RegionEEPROM, 0, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	err = s.Verify(ctx, device.RegionEEPROM, 0, []byte{0x01, 0x02, 0xFF})
	f, ok := err.(*faults.Fault)
	if !ok || f.Kind != faults.VerifyMismatch {
		t.Fatalf("Verify() = %v, want VerifyMismatch", err)
	}
	if f.Address != int64(eeprom.Base+2) {
		t.Errorf("VerifyMismatch.Address = %#x, want %#x", f.Address, eeprom.Base+2)
	}
}

func TestChipEraseLockedUnlocksAndEntersProgrammingMode(t *testing.T) {
	desc, err := device.Lookup("atmega4809")
	if err != nil {
		t.Fatalf("device.Lookup() = %v", err)
	}
	// The device starts locked. ChipEraseLocked sends the NVMErase key
	// (clearing LOCKSTATUS on reset) and then, inside Session, re-enters
	// programming mode with the NVMProg key (which now takes effect since
	// LOCKSTATUS is clear) — both are handled by onKeyActivated.
	port, dev, cleanup := newTestTarget(t, desc)
	defer cleanup()
	dev.sysStatus.Store(sysStatusLockStatus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := Start(ctx, port, desc, 115200, app.HVActivator{Mode: app.HVNone}, nil)
	if err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if !s.locked.Load() {
		t.Fatalf("locked = false, want true before ChipEraseLocked")
	}

	if err := s.ChipEraseLocked(ctx, time.Second); err != nil {
		t.Fatalf("ChipEraseLocked() = %v, want nil", err)
	}
	if s.locked.Load() {
		t.Error("locked = true, want false after ChipEraseLocked")
	}
	if !s.programming.Load() {
		t.Error("programming = false, want true after ChipEraseLocked")
	}
}

func TestWriteFromSegmentsOrderingAndVerifyFailFast(t *testing.T) {
	desc, err := device.Lookup("atmega4809")
	if err != nil {
		t.Fatalf("device.Lookup() = %v", err)
	}
	s, dev, cleanup := startUnlocked(t, desc)
	defer cleanup()

	flash, _ := desc.Region(device.RegionFlash)
	eeprom, _ := desc.Region(device.RegionEEPROM)

	segs := []hexio.Segment{
		{Address: 0x810000, Data: []byte{0x11, 0x22}}, // eeprom, out of HEX order
		{Address: 0x000000, Data: []byte{0x33, 0x44}}, // flash, must write first
	}
	ctx := context.Background()
	if err := s.WriteFromSegments(ctx, segs, Config{Verify: true}); err != nil {
		t.Fatalf("WriteFromSegments() = %v, want nil", err)
	}
	if dev.data[flash.Base] != 0x33 || dev.data[flash.Base+1] != 0x44 {
		t.Errorf("flash not written: % X", dev.data[flash.Base:flash.Base+2])
	}
	if dev.data[eeprom.Base] != 0x11 || dev.data[eeprom.Base+1] != 0x22 {
		t.Errorf("eeprom not written: % X", dev.data[eeprom.Base:eeprom.Base+2])
	}

	// Force the flash segment's post-write verify to see one stale byte,
	// without disturbing what was actually written, then confirm
	// VerifyFailFast stops before the eeprom segment is written at all.
	// The eeprom segment is listed first, so this also shows that writes
	// go in ascending address order rather than HEX order.
	// The flash segment spans a whole page so its write commits directly
	// (no read-modify-write pre-read that would otherwise consume the
	// one-shot corruption before Verify gets to read it back).
	flashPage := make([]byte, flash.PageSize)
	for i := range flashPage {
		flashPage[i] = 0x77
	}
	badSegs := []hexio.Segment{
		{Address: 0x810000, Data: []byte{0x88}},
		{Address: 0x000000, Data: flashPage},
	}
	dev.corruptAddr = flash.Base
	dev.corruptOnce = true
	err = s.WriteFromSegments(ctx, badSegs, Config{Verify: true, VerifyFailFast: true})
	if faults.KindOf(err) != faults.VerifyMismatch {
		t.Fatalf("WriteFromSegments() = %v, want VerifyMismatch", err)
	}
	if dev.data[eeprom.Base] == 0x88 {
		t.Error("eeprom segment was written after flash's verify failed, want fail-fast to stop first")
	}

	// Same corruption with VerifyFailFast off: every segment still gets
	// written, and the first mismatch is reported only after the pass
	// completes.
	dev.corruptAddr = flash.Base
	dev.corruptOnce = true
	err = s.WriteFromSegments(ctx, badSegs, Config{Verify: true, VerifyFailFast: false})
	if faults.KindOf(err) != faults.VerifyMismatch {
		t.Fatalf("WriteFromSegments() = %v, want VerifyMismatch", err)
	}
	if dev.data[eeprom.Base] != 0x88 {
		t.Error("eeprom segment was not written even though VerifyFailFast was off")
	}
}
