// Package session implements the programming orchestration of spec.md
// §4.5: a process-wide construct bound to one device and one serial port,
// exposing ping/erase/write/read/verify/write_from_segments/write_fuse
// over memory regions.
package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/microchip-pic-avr-tools/serialupdi/faults"
	"github.com/microchip-pic-avr-tools/serialupdi/serial"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/app"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/device"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/hexio"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/link"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/nvm"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/phy"
)

// Config is the explicit configuration record of SPEC_FULL.md §9/spec.md
// §9, replacing the source tool's ad hoc CLI argument shapes.
type Config struct {
	Region            device.RegionTag
	Offset            uint32
	Length            uint32 // 0 means "region size"
	Literals          []byte
	Verify            bool
	Erase             bool
	HV                app.HVActivator
	LockedUserRow     bool
	LockedChipErase   bool
	// VerifyFailFast stops write_from_segments at the first
	// VerifyMismatch instead of writing every segment and reporting only
	// the first one (SPEC_FULL.md §12 supplemented feature).
	VerifyFailFast bool
}

// Session is a process-wide construct bound to one device and one serial
// port, per spec.md §3. Exactly one Session may own a given port at a
// time; spec.md §5 forbids concurrent use.
type Session struct {
	desc    device.Descriptor
	port    *serial.Port
	link    *link.Link
	phy     *phy.Layer
	hs      *app.Handshake
	nvmCtrl *nvm.Controller
	logger  *slog.Logger

	programming atomic.Bool
	locked      atomic.Bool
	closed      atomic.Bool
}

// Start binds a Session to desc over an already-open port, brings the
// target into programming mode, and verifies its signature against desc,
// per spec.md §4.5/§8 invariant 7 ("signature gating ... before any
// write"). baud is the programming baud rate (spec.md §3 requires at
// least 300 and 115200 be supported).
func Start(ctx context.Context, port *serial.Port, desc device.Descriptor, baud uint32, hv app.HVActivator, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := link.New(port, baud, logger)
	p := phy.New(l, desc.AddressWidth)
	hs := app.New(p, hv, logger)
	ctrl, err := nvm.New(p, hs, desc)
	if err != nil {
		return nil, err
	}

	s := &Session{desc: desc, port: port, link: l, phy: p, hs: hs, nvmCtrl: ctrl, logger: logger}

	if err := hs.Activate(ctx); err != nil {
		return nil, err
	}
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	if err := hs.EnterProgrammingMode(ctx, 500*time.Millisecond); err != nil {
		// A device that never sets NVMPROG despite accepting the key is
		// the locked-device signature: record it and let the caller
		// decide between ChipEraseLocked/ActivateUserRowWrite.
		s.locked.Store(true)
		logger.Warn("device did not enter programming mode, may be locked", "error", err)
		return s, nil
	}
	s.programming.Store(true)

	sigRegion, err := desc.Region(device.RegionSignatures)
	if err != nil {
		return nil, err
	}
	sig, err := hs.ReadSignature(ctx, sigRegion.Base)
	if err != nil {
		return nil, err
	}
	if sig != desc.Signature {
		return nil, faults.New(faults.DeviceIDMismatch, "device signature does not match descriptor", nil)
	}
	return s, nil
}

// End leaves programming mode. It does not close the underlying port,
// which stays with the caller. It is safe to call multiple times.
func (s *Session) End(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.programming.Load() {
		if err := s.hs.LeaveProgrammingMode(ctx); err != nil {
			return err
		}
		s.programming.Store(false)
	}
	return nil
}

func (s *Session) requireUnlocked() error {
	if s.locked.Load() {
		return faults.New(faults.Locked, "device is locked; use ChipEraseLocked or ActivateUserRowWrite", nil)
	}
	return nil
}

// Ping reads the three signature bytes and compares them to the
// descriptor, per spec.md §4.5.
func (s *Session) Ping(ctx context.Context) ([3]byte, error) {
	if err := s.requireUnlocked(); err != nil {
		return [3]byte{}, err
	}
	sigRegion, err := s.desc.Region(device.RegionSignatures)
	if err != nil {
		return [3]byte{}, err
	}
	sig, err := s.hs.ReadSignature(ctx, sigRegion.Base)
	if err != nil {
		return [3]byte{}, err
	}
	if sig != s.desc.Signature {
		return sig, faults.New(faults.DeviceIDMismatch, "signature mismatch", nil)
	}
	return sig, nil
}

// Erase chip-erases when tag is empty, otherwise erases the named region
// if it supports standalone erase, per spec.md §4.5.
func (s *Session) Erase(ctx context.Context, tag device.RegionTag) error {
	if err := s.requireUnlocked(); err != nil {
		return err
	}
	if tag == "" {
		return s.nvmCtrl.ChipErase(ctx)
	}
	region, err := s.desc.Region(tag)
	if err != nil {
		return err
	}
	return s.nvmCtrl.EraseRegion(ctx, region)
}

// ChipEraseLocked runs the locked-device chip-erase-with-key flow of
// spec.md §4.3/§8 invariant 6 and scenario S4, and clears the locked flag
// on success.
func (s *Session) ChipEraseLocked(ctx context.Context, timeout time.Duration) error {
	if err := s.hs.ChipEraseLocked(ctx, timeout); err != nil {
		return err
	}
	s.locked.Store(false)
	if err := s.hs.EnterProgrammingMode(ctx, timeout); err != nil {
		return err
	}
	s.programming.Store(true)
	return nil
}

// ActivateUserRowWrite runs the locked-device user-row-write key flow;
// the device remains otherwise locked afterwards.
func (s *Session) ActivateUserRowWrite(ctx context.Context) error {
	return s.hs.ActivateUserRowWrite(ctx)
}

// Write writes data at offset within region, splitting across pages and
// committing each page before continuing, per spec.md §4.5. On a locked
// device every region but user_row (via ActivateUserRowWrite first)
// raises Locked, per §8 invariant 6.
func (s *Session) Write(ctx context.Context, tag device.RegionTag, offset uint32, data []byte) error {
	region, err := s.desc.Region(tag)
	if err != nil {
		return err
	}
	if s.locked.Load() && tag != device.RegionUserRow {
		return faults.New(faults.Locked, "device is locked", nil)
	}
	if tag == device.RegionUserRow {
		return s.writeUserRow(ctx, region, offset, data)
	}
	if region.WordOriented && (offset%2 != 0 || len(data)%2 != 0) {
		return faults.NewAt(faults.Alignment, "word-oriented region requires even offset and length", nil, int64(offset))
	}
	if region.PageSize == 0 {
		return s.nvmCtrl.WriteNonPaged(ctx, region, region.Base+offset, data)
	}
	return s.writePaged(ctx, region, offset, data)
}

func (s *Session) writeUserRow(ctx context.Context, region device.Region, offset uint32, data []byte) error {
	return s.nvmCtrl.WriteUserRow(ctx, region, offset, data)
}

// writePaged splits data into page-sized chunks aligned to region page
// boundaries, overlaying each chunk onto a fresh read of its page so a
// partial-page write never disturbs untouched bytes, per spec.md §8
// invariant 4.
func (s *Session) writePaged(ctx context.Context, region device.Region, offset uint32, data []byte) error {
	pageSize := region.PageSize
	pos := 0
	for pos < len(data) {
		pageIndex := (offset + uint32(pos)) / pageSize
		pageStart := pageIndex * pageSize
		inPageOffset := (offset + uint32(pos)) - pageStart
		n := pageSize - inPageOffset
		remaining := uint32(len(data) - pos)
		if n > remaining {
			n = remaining
		}

		chunk := data[pos : pos+int(n)]
		pageAddr := region.Base + pageStart
		if inPageOffset == 0 && n == pageSize {
			if err := s.nvmCtrl.WritePage(ctx, region, pageAddr, chunk); err != nil {
				return err
			}
		} else {
			full, err := s.nvmCtrl.ReadBytes(ctx, pageAddr, int(pageSize))
			if err != nil {
				return err
			}
			copy(full[inPageOffset:], chunk)
			if err := s.nvmCtrl.WritePage(ctx, region, pageAddr, full); err != nil {
				return err
			}
		}
		pos += int(n)
	}
	return nil
}

// Read performs a block-read of n bytes at offset within region.
func (s *Session) Read(ctx context.Context, tag device.RegionTag, offset uint32, n int) ([]byte, error) {
	region, err := s.desc.Region(tag)
	if err != nil {
		return nil, err
	}
	if uint64(offset)+uint64(n) > uint64(region.Size) {
		return nil, faults.NewAt(faults.Alignment, "read exceeds region bounds", nil, int64(offset))
	}
	return s.nvmCtrl.ReadBytes(ctx, region.Base+offset, n)
}

// Verify reads back region at offset and compares byte-exact to want,
// raising VerifyMismatch carrying the first differing address on
// mismatch, per spec.md §4.5/§7.
func (s *Session) Verify(ctx context.Context, tag device.RegionTag, offset uint32, want []byte) error {
	region, err := s.desc.Region(tag)
	if err != nil {
		return err
	}
	got, err := s.nvmCtrl.ReadBytes(ctx, region.Base+offset, len(want))
	if err != nil {
		return err
	}
	for i := range want {
		if got[i] != want[i] {
			return faults.NewAt(faults.VerifyMismatch, "readback differs from written data", nil, int64(region.Base+offset+uint32(i)))
		}
	}
	return nil
}

// WriteFuse writes a single fuse byte and optionally verifies it.
func (s *Session) WriteFuse(ctx context.Context, index int, value byte, verify bool) error {
	if err := s.requireUnlocked(); err != nil {
		return err
	}
	region, err := s.desc.Region(device.RegionFuses)
	if err != nil {
		return err
	}
	if err := s.nvmCtrl.WriteFuse(ctx, region, index, value); err != nil {
		return err
	}
	if !verify {
		return nil
	}
	got, err := s.nvmCtrl.ReadBytes(ctx, region.Base+uint32(index), 1)
	if err != nil {
		return err
	}
	if got[0] != value {
		return faults.NewAt(faults.VerifyMismatch, "fuse readback mismatch", nil, int64(region.Base)+int64(index))
	}
	return nil
}

// WriteFromSegments routes each HEX segment to its region using the AVR
// HEX offset convention, then writes them in ascending address order,
// optionally chip-erasing first and verifying each segment afterwards.
// When cfg.VerifyFailFast is set, the first VerifyMismatch stops the
// whole operation instead of continuing through the remaining segments
// (SPEC_FULL.md §12), per spec.md §4.5's "optional chip-erase → for each
// segment in ascending address: page-split, write, (optional) verify →
// leave programming mode" ordering.
func (s *Session) WriteFromSegments(ctx context.Context, segs []hexio.Segment, cfg Config) error {
	routed, err := hexio.RouteSegments(segs, s.desc)
	if err != nil {
		return err
	}
	if cfg.Erase {
		if err := s.Erase(ctx, ""); err != nil {
			return err
		}
	}
	var firstMismatch error
	for _, seg := range routed {
		if err := s.Write(ctx, seg.Region.Tag, seg.Offset, seg.Data); err != nil {
			return err
		}
		if cfg.Verify {
			if err := s.Verify(ctx, seg.Region.Tag, seg.Offset, seg.Data); err != nil {
				if cfg.VerifyFailFast {
					return err
				}
				if firstMismatch == nil {
					firstMismatch = err
				}
			}
		}
	}
	return firstMismatch
}
