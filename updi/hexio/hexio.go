// Package hexio implements the HEX/segment glue of spec.md §6: routing a
// decoded Intel-HEX segment to the memory region its address falls in,
// using the AVR HEX offset convention, and the inverse operation for
// emitting a region's contents back into segment form. Parsing the HEX
// file itself is out of scope (spec.md §1 Non-goals): callers already hold
// decoded (address, data) segments.
package hexio

import (
	"sort"

	"github.com/microchip-pic-avr-tools/serialupdi/faults"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/device"
)

// Segment is one contiguous block of a decoded HEX file, addressed in the
// flat AVR HEX offset space of spec.md §6.
type Segment struct {
	Address uint32
	Data    []byte
}

// regionOffsets is the AVR HEX offset table of spec.md §6.
var regionOffsets = []struct {
	tag  device.RegionTag
	base uint32
}{
	{device.RegionFlash, 0x000000},
	{device.RegionEEPROM, 0x810000},
	{device.RegionFuses, 0x820000},
	{device.RegionLockbits, 0x830000},
	{device.RegionSignatures, 0x840000},
	{device.RegionUserRow, 0x850000},
	{device.RegionBootRow, 0x860000},
}

// emittableTags is the set of regions written out when producing a HEX
// file, per spec.md §6 ("only eeprom, flash, fuses, config_words, and
// user_row are emitted").
var emittableTags = map[device.RegionTag]bool{
	device.RegionEEPROM:      true,
	device.RegionFlash:       true,
	device.RegionFuses:       true,
	device.RegionConfigWords: true,
	device.RegionUserRow:     true,
}

// RouteToRegion maps seg's HEX-file address to the region it targets and
// the in-region offset, per spec.md §6/§8 invariant 5. The region need not
// exist on desc (e.g. a HEX file written for a different part); that is an
// UnsupportedMemory fault, not a panic.
func RouteToRegion(seg Segment, desc device.Descriptor) (device.Region, uint32, error) {
	for _, ro := range regionOffsets {
		if seg.Address < ro.base {
			continue
		}
		offset := seg.Address - ro.base
		// Only a match if the segment actually falls within this
		// region's offset window; the first region in table order whose
		// window holds the address is returned.
		r, err := desc.Region(ro.tag)
		if err != nil {
			continue
		}
		if offset < r.Size {
			return r, offset, nil
		}
	}
	return device.Region{}, 0, faults.NewAt(faults.UnsupportedMemory, "HEX address does not map to a known region", nil, int64(seg.Address))
}

type RoutedSegment struct {
	Region device.Region
	Offset uint32
	Data   []byte
}

// RouteSegments routes every segment in segs, returning them in ascending
// address order, matching spec.md §4.5's "for each segment in ascending
// address" write order.
func RouteSegments(segs []Segment, desc device.Descriptor) ([]RoutedSegment, error) {
	ordered := make([]Segment, len(segs))
	copy(ordered, segs)
	// Order by the original flat HEX-file address, per spec.md §4.5 ("for
	// each segment in ascending address"), not by the routed region's
	// device-space base — flash's HEX offset (0x000000) sorts before
	// eeprom's (0x810000) even though EEPROM's device-space base address
	// is often lower than flash's.
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Address < ordered[j].Address })

	routed := make([]RoutedSegment, 0, len(ordered))
	for _, seg := range ordered {
		region, offset, err := RouteToRegion(seg, desc)
		if err != nil {
			return nil, err
		}
		routed = append(routed, RoutedSegment{Region: region, Offset: offset, Data: seg.Data})
	}
	return routed, nil
}

// Emit converts a region read-back into a HEX-file segment at its
// conventional offset, restricted to the regions spec.md §6 says are
// emitted on read-to-file.
func Emit(tag device.RegionTag, offset uint32, data []byte) (Segment, error) {
	if !emittableTags[tag] {
		return Segment{}, faults.New(faults.UnsupportedMemory, string(tag)+" is not emitted to HEX output", nil)
	}
	for _, ro := range regionOffsets {
		if ro.tag == tag {
			return Segment{Address: ro.base + offset, Data: data}, nil
		}
	}
	return Segment{}, faults.New(faults.UnsupportedMemory, string(tag)+" has no HEX offset convention", nil)
}
