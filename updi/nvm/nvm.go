// Package nvm implements the per-family NVM controller state machine of
// spec.md §4.4: one Controller type parameterised by a small variant
// config keyed on (family, NVM version), rather than a class hierarchy per
// family, per spec.md §9's explicit redesign note.
package nvm

import (
	"context"
	"time"

	"github.com/microchip-pic-avr-tools/serialupdi/faults"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/app"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/device"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/phy"
)

// action is a logical NVM command, independent of the numeric value the
// target NVM version expects in NVMCTRL.CTRLA.
type action int

const (
	actNOP action = iota
	actWritePage
	actErase
	actEraseWritePage
	actPageBufferClear
	actPageBufferErase
	actChipErase
	actEEPROMErase
	actWriteFuse
)

type commandTable map[action]byte

// Command word tables, one per NVM controller generation (spec.md §4.4).
// The numeric values are the NVMCTRL.CTRLA command codes for that
// generation; they are internal to this package, never surfaced to
// callers, matching spec.md §3's "NVM command word" data-model note.
var commandTables = map[device.NVMVersion]commandTable{
	device.NVMv0: {
		actNOP:             0x00,
		actWritePage:       0x01,
		actErase:           0x02,
		actEraseWritePage:  0x03,
		actPageBufferClear: 0x04,
		actChipErase:       0x05,
		actEEPROMErase:     0x06,
		actWriteFuse:       0x07,
	},
	device.NVMv2: {
		actNOP:             0x00,
		actWritePage:       0x01,
		actErase:           0x02,
		actEraseWritePage:  0x03,
		actPageBufferClear: 0x04,
		actChipErase:       0x05,
		actEEPROMErase:     0x06,
		actWriteFuse:       0x07,
	},
	device.NVMv3: {
		actNOP:             0x00,
		actWritePage:       0x01,
		actErase:           0x02,
		actEraseWritePage:  0x03,
		actPageBufferClear: 0x04,
		actPageBufferErase: 0x08,
		actChipErase:       0x05,
		actEEPROMErase:     0x06,
	},
	device.NVMv5: {
		actNOP:             0x00,
		actWritePage:       0x01,
		actErase:           0x02,
		actEraseWritePage:  0x03,
		actPageBufferClear: 0x04,
		actPageBufferErase: 0x08,
		actChipErase:       0x05,
		actEEPROMErase:     0x06,
	},
}

// variantFlags captures the family/NVM-version behavioural differences
// spec.md §4.4 describes, beyond the command table.
type variantFlags struct {
	// flashEraseWriteOnly: flash only has a combined erase+write page
	// command (v0). When false, flash erase and write are separate
	// commands (v2, v3), or use a dedicated page-buffer-erase opcode (v5).
	flashEraseWriteOnly bool
	// flashPageBufferErase: flash uses PAGE_BUFFER_CLEAR/erase before fill
	// instead of ERASE_WRITE_PAGE (v5).
	flashPageBufferErase bool
	// eepromEraseWrite: EEPROM supports a single ERASE_WRITE_PAGE command
	// (v0, v2, v3). When false (v5 on EA/EB), EEPROM requires a separate
	// ERASE then WRITE.
	eepromEraseWrite bool
	// eepromPageBufferEraseBeforeFill: v0 always, and some v3 parts,
	// require clearing the page buffer with PAGE_BUFFER_CLEAR before
	// filling it for EEPROM (spec.md §4.4's v0 entry: "EEPROM uses
	// PAGE_BUFFER_CLEAR + WRITE_PAGE").
	eepromPageBufferEraseBeforeFill bool
	busyTimeout                     time.Duration
	chipEraseTimeout                time.Duration
}

var variants = map[device.NVMVersion]variantFlags{
	device.NVMv0: {flashEraseWriteOnly: true, eepromEraseWrite: true, eepromPageBufferEraseBeforeFill: true, busyTimeout: 20 * time.Millisecond, chipEraseTimeout: 100 * time.Millisecond},
	device.NVMv2: {eepromEraseWrite: true, busyTimeout: 20 * time.Millisecond, chipEraseTimeout: 150 * time.Millisecond},
	device.NVMv3: {eepromEraseWrite: true, eepromPageBufferEraseBeforeFill: true, busyTimeout: 20 * time.Millisecond, chipEraseTimeout: 150 * time.Millisecond},
	device.NVMv5: {flashPageBufferErase: true, busyTimeout: 20 * time.Millisecond, chipEraseTimeout: 200 * time.Millisecond},
}

// NVMCTRL register addresses in data space. Held constant across
// generations for this module; only the command codes and behavioural
// flags above vary.
const (
	nvmctrlBase   = 0x1000
	regCtrlA      = nvmctrlBase + 0x00
	regStatus     = nvmctrlBase + 0x02
	regDataLo     = nvmctrlBase + 0x06
	regAddrLo     = nvmctrlBase + 0x08
	statusBusyBit = 1 << 0
)

// Controller drives the NVM state machine of spec.md §4.4:
//
//	idle --write--> page_buffer_fill --commit--> busy --ready--> idle
//	      --erase-> busy --ready--> idle
type Controller struct {
	phy     *phy.Layer
	hs      *app.Handshake
	desc    device.Descriptor
	cmds    commandTable
	variant variantFlags
}

// New builds a Controller for desc's NVM version.
func New(p *phy.Layer, hs *app.Handshake, desc device.Descriptor) (*Controller, error) {
	cmds, ok := commandTables[desc.NVMVersion]
	if !ok {
		return nil, faults.New(faults.UnsupportedMemory, "unknown NVM version", nil)
	}
	return &Controller{phy: p, hs: hs, desc: desc, cmds: cmds, variant: variants[desc.NVMVersion]}, nil
}

func (c *Controller) command(ctx context.Context, a action) error {
	code, ok := c.cmds[a]
	if !ok {
		return faults.New(faults.UnsupportedMemory, "command not supported by this NVM version", nil)
	}
	if err := c.phy.STS(ctx, regCtrlA, []byte{code}); err != nil {
		return err
	}
	return nil
}

// waitReady polls NVMCTRL.STATUS until BUSY clears, per spec.md §4.4/§5:
// writes are only visible to subsequent reads once this returns.
func (c *Controller) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status, err := c.phy.LDS(ctx, regStatus, 1)
		if err != nil {
			return err
		}
		if status[0]&statusBusyBit == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return faults.New(faults.NVMTimeout, "NVMCTRL.STATUS busy bit did not clear", nil)
		}
		time.Sleep(200 * time.Microsecond)
	}
}

func checkAlignment(region device.Region, offset uint32, n int) error {
	if region.WordOriented {
		if offset%2 != 0 {
			return faults.NewAt(faults.Alignment, "word-oriented region requires even offset", nil, int64(offset))
		}
		if n%2 != 0 {
			return faults.NewAt(faults.Alignment, "word-oriented region requires even length", nil, int64(offset))
		}
	}
	if uint64(offset)+uint64(n) > uint64(region.Size) {
		return faults.NewAt(faults.Alignment, "write exceeds region bounds", nil, int64(offset))
	}
	return nil
}

// ChipErase issues the family's chip-erase command and waits for BUSY to
// clear, per spec.md §4.4/§8 invariant 3.
func (c *Controller) ChipErase(ctx context.Context) error {
	if err := c.command(ctx, actChipErase); err != nil {
		return err
	}
	return c.waitReady(ctx, c.variant.chipEraseTimeout)
}

// EraseRegion erases region as a whole, if it supports page erase, per
// spec.md §4.5 (erase(region) "if region supports it").
func (c *Controller) EraseRegion(ctx context.Context, region device.Region) error {
	if !region.ErasableAsPage {
		return faults.New(faults.UnsupportedMemory, "region does not support standalone erase", nil)
	}
	if region.Tag == device.RegionEEPROM {
		return c.command(ctx, actEEPROMErase)
	}
	if region.PageSize == 0 {
		return c.eraseFlashPage(ctx, region.Base)
	}
	for addr := region.Base; addr < region.Base+region.Size; addr += region.PageSize {
		if err := c.eraseFlashPage(ctx, addr); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) eraseFlashPage(ctx context.Context, addr uint32) error {
	if err := c.phy.SetPointer(ctx, addr); err != nil {
		return err
	}
	if c.variant.flashPageBufferErase {
		if err := c.command(ctx, actPageBufferErase); err != nil {
			return err
		}
	} else {
		if err := c.command(ctx, actErase); err != nil {
			return err
		}
	}
	return c.waitReady(ctx, c.variant.busyTimeout)
}

// WritePage fills the page buffer at addr with data (<= region.PageSize
// bytes) and commits it in one operation, per spec.md §4.4's state
// machine. addr must be a page-aligned address within region.
func (c *Controller) WritePage(ctx context.Context, region device.Region, addr uint32, data []byte) error {
	if region.PageSize == 0 {
		return faults.New(faults.UnsupportedMemory, "region is not page-buffered", nil)
	}
	if uint32(len(data)) > region.PageSize {
		return faults.New(faults.Alignment, "write exceeds page size", nil)
	}
	if err := checkAlignment(region, addr-region.Base, len(data)); err != nil {
		return err
	}

	if region.Tag == device.RegionEEPROM && c.variant.eepromPageBufferEraseBeforeFill {
		if err := c.command(ctx, actPageBufferClear); err != nil {
			return err
		}
	}

	if err := c.fillPageBuffer(ctx, addr, data); err != nil {
		return err
	}

	commit := actEraseWritePage
	if region.Tag == device.RegionEEPROM {
		if !c.variant.eepromEraseWrite {
			// v5 EA/EB: ERASE then WRITE, not a combined command.
			if err := c.command(ctx, actErase); err != nil {
				return err
			}
			if err := c.waitReady(ctx, c.variant.busyTimeout); err != nil {
				return err
			}
			commit = actWritePage
		}
	} else if !c.variant.flashEraseWriteOnly {
		if c.variant.flashPageBufferErase {
			// Page buffer was not pre-erased for flash in this path
			// (unlike EEPROM): erase the flash page first.
			if err := c.eraseFlashPage(ctx, addr); err != nil {
				return err
			}
			if err := c.fillPageBuffer(ctx, addr, data); err != nil {
				return err
			}
			commit = actWritePage
		} else {
			commit = actWritePage
		}
	}

	if err := c.command(ctx, commit); err != nil {
		return err
	}
	return c.waitReady(ctx, c.variant.busyTimeout)
}

// fillPageBuffer loads data into the device's page buffer via the
// block-write fast path: ST_PTR(addr) + REPEAT(n-1) + ST(PTR_INC, ...),
// per spec.md §4.2.
func (c *Controller) fillPageBuffer(ctx context.Context, addr uint32, data []byte) error {
	if err := c.phy.SetPointer(ctx, addr); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if len(data) == 1 {
		return c.phy.ST(ctx, phy.PtrInc, data, false)
	}
	if err := c.hs.DisableACK(ctx); err != nil {
		return err
	}
	defer c.hs.ReenableACK(ctx)
	if err := c.phy.REPEAT(ctx, uint16(len(data)-1)); err != nil {
		return err
	}
	return c.phy.STBlock(ctx, phy.PtrInc, data, true)
}

// ReadBytes reads n bytes starting at addr via the block-read fast path,
// per spec.md §4.2.
func (c *Controller) ReadBytes(ctx context.Context, addr uint32, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if err := c.phy.SetPointer(ctx, addr); err != nil {
		return nil, err
	}
	if n == 1 {
		return c.phy.LD(ctx, phy.PtrInc, 1)
	}
	if err := c.phy.REPEAT(ctx, uint16(n-1)); err != nil {
		return nil, err
	}
	return c.phy.LDBlock(ctx, phy.PtrInc, n)
}

// WriteNonPaged writes data directly via STS, for regions with no page
// buffer (fuses, lockbits). Each byte is written individually through a
// read-modify-write-free STS, since these regions have write granularity 1
// and no adjacent-byte corruption risk.
func (c *Controller) WriteNonPaged(ctx context.Context, region device.Region, addr uint32, data []byte) error {
	if region.PageSize != 0 {
		return faults.New(faults.Alignment, "region is page-buffered; use WritePage", nil)
	}
	if err := checkAlignment(region, addr-region.Base, len(data)); err != nil {
		return err
	}
	for i, b := range data {
		if err := c.phy.STS(ctx, addr+uint32(i), []byte{b}); err != nil {
			return err
		}
	}
	return c.waitReady(ctx, c.variant.busyTimeout)
}

// WriteFuse writes a single fuse byte. On families that accept the
// WRITE_FUSE command it is used directly; otherwise (no WRITE_FUSE in this
// generation's command table) the driver falls back to the plain STS path,
// which is safe for fuses since each fuse byte is independently addressed
// (spec.md §4.4).
func (c *Controller) WriteFuse(ctx context.Context, region device.Region, index int, value byte) error {
	if index < 0 || uint32(index) >= region.Size {
		return faults.New(faults.Alignment, "fuse index out of range", nil)
	}
	addr := region.Base + uint32(index)
	if _, ok := c.cmds[actWriteFuse]; ok {
		if err := c.phy.SetPointer(ctx, addr); err != nil {
			return err
		}
		if err := c.phy.ST(ctx, phy.PtrUnchanged, []byte{value}, false); err != nil {
			return err
		}
		if err := c.command(ctx, actWriteFuse); err != nil {
			return err
		}
		return c.waitReady(ctx, c.variant.busyTimeout)
	}
	return c.WriteNonPaged(ctx, region, addr, []byte{value})
}

// WriteUserRow overlays data (which may be shorter than a full page) onto
// a full read of the user row's page and commits the whole page in one
// operation, so a single-byte write can never corrupt adjacent bytes
// (spec.md §4.4, §8 invariant 4). On families where desc.UserRowSingleOp is
// set (AVR-DU), data must span the entire page or Alignment is raised,
// matching scenario S6.
func (c *Controller) WriteUserRow(ctx context.Context, region device.Region, offset uint32, data []byte) error {
	if region.PageSize == 0 {
		return c.WriteNonPaged(ctx, region, region.Base+offset, data)
	}
	if c.desc.UserRowSingleOp && uint32(len(data)) != region.PageSize {
		return faults.New(faults.Alignment, "this family commits the user row as exactly one page operation", nil)
	}
	full, err := c.ReadBytes(ctx, region.Base, int(region.PageSize))
	if err != nil {
		return err
	}
	if offset+uint32(len(data)) > region.PageSize {
		return faults.New(faults.Alignment, "user row write exceeds page size", nil)
	}
	copy(full[offset:], data)
	return c.WritePage(ctx, region, region.Base, full)
}
