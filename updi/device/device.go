// Package device provides the device-parameter provider of spec.md §6: a
// static table of AVR UPDI part descriptors and the memory region layout
// each one exposes.
package device

import "github.com/microchip-pic-avr-tools/serialupdi/faults"

// Family identifies an AVR UPDI device family, as enumerated in spec.md §3.
type Family string

const (
	FamilyTinyAVR0  Family = "tinyAVR-0/1/2"
	FamilyMegaAVR0  Family = "megaAVR-0"
	FamilyAVRDx     Family = "AVR-Dx"
	FamilyAVREx     Family = "AVR-Ex"
	FamilyAVRDU     Family = "AVR-DU"
	FamilyAVREB     Family = "AVR-EB"
	FamilyAVREA     Family = "AVR-EA"
)

// NVMVersion identifies the NVM controller generation, per spec.md §3/§4.4.
type NVMVersion int

const (
	NVMv0 NVMVersion = 0
	NVMv2 NVMVersion = 2
	NVMv3 NVMVersion = 3
	NVMv5 NVMVersion = 5
)

// RegionTag names a memory region, per spec.md §3's recognised tag list.
type RegionTag string

const (
	RegionFlash          RegionTag = "flash"
	RegionEEPROM         RegionTag = "eeprom"
	RegionFuses          RegionTag = "fuses"
	RegionLockbits       RegionTag = "lockbits"
	RegionSignatures     RegionTag = "signatures"
	RegionUserRow        RegionTag = "user_row"
	RegionBootRow        RegionTag = "boot_row"
	RegionInternalSRAM   RegionTag = "internal_sram"
	RegionCalibrationRow RegionTag = "calibration_row"
	RegionDIA            RegionTag = "dia"
	RegionDCI            RegionTag = "dci"
	RegionConfigWords    RegionTag = "config_words"
	RegionUserID         RegionTag = "user_id"
	RegionICD            RegionTag = "icd"
)

// Region describes one addressable memory region of a device, per
// spec.md §3.
type Region struct {
	Tag               RegionTag
	Base              uint32
	Size              uint32
	PageSize          uint32 // 0 if not page-buffered
	WriteGranularity  uint32 // bytes per write unit, e.g. 1 or 2
	ErasableAsPage    bool
	RequiresEraseWrite bool
	WordOriented      bool
	HiddenFromHex     bool
}

// Descriptor is the immutable, once-per-session device record of
// spec.md §3.
type Descriptor struct {
	Name           string
	Family         Family
	NVMVersion     NVMVersion
	AddressWidth   int // 2 or 3 bytes
	Signature      [3]byte
	Regions        []Region
	EEPROMIsErasedByChipErase bool
	UserRowSingleOp           bool // AVR-DU: user row must commit as one page op
}

// Region returns the region with the given tag, or an UnsupportedMemory
// fault if the device has none.
func (d Descriptor) Region(tag RegionTag) (Region, error) {
	for _, r := range d.Regions {
		if r.Tag == tag {
			return r, nil
		}
	}
	return Region{}, faults.New(faults.UnsupportedMemory, string(tag)+" not present on "+d.Name, nil)
}

var catalog = map[string]Descriptor{
	"attiny817": {
		Name: "attiny817", Family: FamilyTinyAVR0, NVMVersion: NVMv0, AddressWidth: 2,
		Signature:                 [3]byte{0x1E, 0x93, 0x20},
		EEPROMIsErasedByChipErase: false,
		Regions: []Region{
			{Tag: RegionFlash, Base: 0x8000, Size: 8192, PageSize: 64, WriteGranularity: 2, ErasableAsPage: true},
			{Tag: RegionEEPROM, Base: 0x1400, Size: 128, PageSize: 32, WriteGranularity: 1, RequiresEraseWrite: true},
			{Tag: RegionFuses, Base: 0x1280, Size: 10, WriteGranularity: 1},
			{Tag: RegionLockbits, Base: 0x128A, Size: 1, WriteGranularity: 1},
			{Tag: RegionSignatures, Base: 0x1100, Size: 3, WriteGranularity: 1},
			{Tag: RegionUserRow, Base: 0x1300, Size: 32, PageSize: 32, WriteGranularity: 1, RequiresEraseWrite: true},
			{Tag: RegionInternalSRAM, Base: 0x3800, Size: 512, WriteGranularity: 1, HiddenFromHex: true},
		},
	},
	"atmega4809": {
		Name: "atmega4809", Family: FamilyMegaAVR0, NVMVersion: NVMv0, AddressWidth: 2,
		Signature: [3]byte{0x1E, 0x96, 0x51},
		Regions: []Region{
			{Tag: RegionFlash, Base: 0x4000, Size: 49152, PageSize: 128, WriteGranularity: 2, ErasableAsPage: true},
			{Tag: RegionEEPROM, Base: 0x1400, Size: 256, PageSize: 32, WriteGranularity: 1, RequiresEraseWrite: true},
			{Tag: RegionFuses, Base: 0x1280, Size: 11, WriteGranularity: 1},
			{Tag: RegionLockbits, Base: 0x128A, Size: 1, WriteGranularity: 1},
			{Tag: RegionSignatures, Base: 0x1100, Size: 3, WriteGranularity: 1},
			{Tag: RegionUserRow, Base: 0x1300, Size: 32, PageSize: 32, WriteGranularity: 1, RequiresEraseWrite: true},
			{Tag: RegionInternalSRAM, Base: 0x3800, Size: 6144, WriteGranularity: 1, HiddenFromHex: true},
		},
	},
	"avr128da48": {
		Name: "avr128da48", Family: FamilyAVRDx, NVMVersion: NVMv2, AddressWidth: 3,
		Signature: [3]byte{0x1E, 0x97, 0x02},
		Regions: []Region{
			{Tag: RegionFlash, Base: 0x800000, Size: 131072, PageSize: 512, WriteGranularity: 2, ErasableAsPage: true},
			{Tag: RegionEEPROM, Base: 0x1400, Size: 512, PageSize: 8, WriteGranularity: 1, ErasableAsPage: true},
			{Tag: RegionFuses, Base: 0x1050, Size: 16, WriteGranularity: 1},
			{Tag: RegionLockbits, Base: 0x1040, Size: 1, WriteGranularity: 1},
			{Tag: RegionSignatures, Base: 0x1100, Size: 3, WriteGranularity: 1},
			{Tag: RegionUserRow, Base: 0x1080, Size: 64, PageSize: 64, WriteGranularity: 1, RequiresEraseWrite: true},
			{Tag: RegionBootRow, Base: 0x1180, Size: 64, PageSize: 64, WriteGranularity: 1, RequiresEraseWrite: true},
			{Tag: RegionInternalSRAM, Base: 0x4000, Size: 16384, WriteGranularity: 1, HiddenFromHex: true},
		},
	},
	"avr64du32": {
		Name: "avr64du32", Family: FamilyAVRDU, NVMVersion: NVMv3, AddressWidth: 3,
		Signature: [3]byte{0x1E, 0x96, 0x2A},
		Regions: []Region{
			{Tag: RegionFlash, Base: 0x800000, Size: 65536, PageSize: 512, WriteGranularity: 2, ErasableAsPage: true},
			{Tag: RegionEEPROM, Base: 0x1400, Size: 256, PageSize: 8, WriteGranularity: 1, ErasableAsPage: true},
			{Tag: RegionFuses, Base: 0x1050, Size: 16, WriteGranularity: 1},
			{Tag: RegionSignatures, Base: 0x1100, Size: 3, WriteGranularity: 1},
			{Tag: RegionUserRow, Base: 0x1080, Size: 32, PageSize: 32, WriteGranularity: 1, RequiresEraseWrite: true},
			{Tag: RegionInternalSRAM, Base: 0x4000, Size: 8192, WriteGranularity: 1, HiddenFromHex: true},
		},
		UserRowSingleOp: true,
	},
	"avr16eb32": {
		Name: "avr16eb32", Family: FamilyAVREB, NVMVersion: NVMv5, AddressWidth: 3,
		Signature: [3]byte{0x1E, 0x94, 0x2D},
		Regions: []Region{
			{Tag: RegionFlash, Base: 0x800000, Size: 16384, PageSize: 64, WriteGranularity: 2, ErasableAsPage: true},
			{Tag: RegionEEPROM, Base: 0x1400, Size: 128, PageSize: 8, WriteGranularity: 1},
			{Tag: RegionFuses, Base: 0x1050, Size: 16, WriteGranularity: 1},
			{Tag: RegionSignatures, Base: 0x1100, Size: 3, WriteGranularity: 1},
			{Tag: RegionUserRow, Base: 0x1080, Size: 32, PageSize: 32, WriteGranularity: 1, RequiresEraseWrite: true},
			{Tag: RegionInternalSRAM, Base: 0x4000, Size: 2048, WriteGranularity: 1, HiddenFromHex: true},
		},
	},
	"avr64ea48": {
		Name: "avr64ea48", Family: FamilyAVREA, NVMVersion: NVMv5, AddressWidth: 3,
		Signature: [3]byte{0x1E, 0x96, 0x27},
		Regions: []Region{
			{Tag: RegionFlash, Base: 0x800000, Size: 65536, PageSize: 128, WriteGranularity: 2, ErasableAsPage: true},
			{Tag: RegionEEPROM, Base: 0x1400, Size: 256, PageSize: 8, WriteGranularity: 1},
			{Tag: RegionFuses, Base: 0x1050, Size: 16, WriteGranularity: 1},
			{Tag: RegionSignatures, Base: 0x1100, Size: 3, WriteGranularity: 1},
			{Tag: RegionUserRow, Base: 0x1080, Size: 64, PageSize: 64, WriteGranularity: 1, RequiresEraseWrite: true},
			{Tag: RegionInternalSRAM, Base: 0x4000, Size: 8192, WriteGranularity: 1, HiddenFromHex: true},
		},
	},
}

// Lookup implements spec.md §6's get_device(name) -> descriptor service.
func Lookup(name string) (Descriptor, error) {
	d, ok := catalog[name]
	if !ok {
		return Descriptor{}, faults.New(faults.ToolError, "unknown device "+name, nil)
	}
	return d, nil
}

// KnownDevices enumerates the catalog, supplementing §6 for CLI listing
// (e.g. "-d list"-equivalent behaviour).
func KnownDevices() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	return names
}
