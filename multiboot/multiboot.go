// Package multiboot provides read-only access to the multiboot2 boot
// information structure that the bootloader passes to the kernel.
//
// The boot information is accessed through a byte view and decoded with
// explicit little-endian reads so that fields which the format places at
// addresses that are not naturally aligned (e.g. the ELF section headers)
// can be read safely.
package multiboot

import (
	"encoding/binary"
	"unsafe"

	"github.com/sparkle-os/sparkle/kernel"
)

var (
	infoData uintptr

	// ErrMissingMemoryMap is returned when the boot information does not
	// contain a memory map tag.
	ErrMissingMemoryMap = &kernel.Error{Module: "multiboot", Message: "memory map tag not present"}

	// ErrMissingElfSections is returned when the boot information does not
	// contain an ELF sections tag.
	ErrMissingElfSections = &kernel.Error{Module: "multiboot", Message: "ELF sections tag not present"}

	le = binary.LittleEndian
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize is the size of the fixed header (total size and a
	// reserved dword) that precedes the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type and size fields that precede
	// each tag's payload.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry size and entry version
	// fields that precede the memory map entries.
	mmapHeaderSize = 8

	// elfHeaderSize is the size of the section count, section header size
	// and string table index fields that precede the ELF section headers.
	elfHeaderSize = 12

	elfSection32Size = 40
	elfSection64Size = 64
)

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoRange returns the physical address range [start, end) occupied by the
// boot information structure.
func InfoRange() (uintptr, uintptr) {
	if infoData == 0 {
		return 0, 0
	}

	return infoData, infoData + uintptr(*(*uint32)(unsafe.Pointer(infoData)))
}

// infoBytes returns a byte view of the whole boot information structure.
func infoBytes() []byte {
	start, end := InfoRange()
	if start == end {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
}

// findTagByType scans the boot information looking for a tag with the given
// type and returns its payload (excluding the tag header) or nil if the tag
// is not present.
func findTagByType(wanted tagType) []byte {
	data := infoBytes()

	for offset := infoHeaderSize; offset+tagHeaderSize <= len(data); {
		curType := tagType(le.Uint32(data[offset:]))
		size := int(le.Uint32(data[offset+4:]))
		if curType == tagMbSectionEnd || size < tagHeaderSize || offset+size > len(data) {
			break
		}

		if curType == wanted {
			return data[offset+tagHeaderSize : offset+size]
		}

		// Tags always start at 8-byte aligned offsets.
		offset += (size + 7) &^ 7
	}

	return nil
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(MemoryMapEntry) bool

// VisitMemRegions invokes the supplied visitor for each memory region that
// is defined by the boot information. It returns ErrMissingMemoryMap if the
// bootloader did not supply a memory map.
func VisitMemRegions(visitor MemRegionVisitor) *kernel.Error {
	payload := findTagByType(tagMemoryMap)
	if len(payload) < mmapHeaderSize {
		return ErrMissingMemoryMap
	}

	entrySize := int(le.Uint32(payload))
	if entrySize < 20 {
		return ErrMissingMemoryMap
	}

	for offset := mmapHeaderSize; offset+entrySize <= len(payload); offset += entrySize {
		entry := MemoryMapEntry{
			PhysAddress: le.Uint64(payload[offset:]),
			Length:      le.Uint64(payload[offset+8:]),
			Type:        MemoryEntryType(le.Uint32(payload[offset+16:])),
		}

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			break
		}
	}

	return nil
}
