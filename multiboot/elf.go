package multiboot

import (
	"unsafe"

	"github.com/sparkle-os/sparkle/kernel"
)

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSection describes a section of the loaded kernel image.
type ElfSection struct {
	Flags   ElfSectionFlag
	Address uintptr
	Size    uint64

	// nameAddr points to the NULL-terminated section name inside the
	// loaded string table section or is 0 if no string table exists.
	nameAddr uintptr
}

// Name returns the section name. It reads the string table that the
// bootloader loaded into memory so it must only be called while that table
// is mapped.
func (s ElfSection) Name() string {
	if s.nameAddr == 0 {
		return ""
	}

	var length uintptr
	for *(*byte)(unsafe.Pointer(s.nameAddr + length)) != 0 {
		length++
	}

	return unsafe.String((*byte)(unsafe.Pointer(s.nameAddr)), length)
}

// ElfSectionVisitor defines a visitor function that gets invoked by
// VisitElfSections for each ELF section that belongs to the loaded kernel
// image.
type ElfSectionVisitor func(ElfSection)

// VisitElfSections invokes visitor for each non-empty ELF section that
// belongs to the loaded kernel image. Both 32-bit and 64-bit section header
// layouts are supported. It returns ErrMissingElfSections if the bootloader
// did not supply the section headers.
func VisitElfSections(visitor ElfSectionVisitor) *kernel.Error {
	payload := findTagByType(tagElfSymbols)
	if len(payload) < elfHeaderSize {
		return ErrMissingElfSections
	}

	var (
		numSections = int(le.Uint32(payload))
		entrySize   = int(le.Uint32(payload[4:]))
		strtabIndex = int(le.Uint32(payload[8:]))
		headers     = payload[elfHeaderSize:]
	)

	if (entrySize != elfSection32Size && entrySize != elfSection64Size) || numSections*entrySize > len(headers) {
		return ErrMissingElfSections
	}

	var strtabAddr uintptr
	if strtabIndex > 0 && strtabIndex < numSections {
		strtabAddr = decodeElfSection(headers[strtabIndex*entrySize:], entrySize).Address
	}

	for secIndex := 0; secIndex < numSections; secIndex++ {
		hdr := headers[secIndex*entrySize:]
		section := decodeElfSection(hdr, entrySize)
		if section.Size == 0 {
			continue
		}

		if strtabAddr != 0 {
			section.nameAddr = strtabAddr + uintptr(le.Uint32(hdr))
		}

		visitor(section)
	}

	return nil
}

// decodeElfSection parses the flags, address and size fields of a 32-bit
// (Elf32_Shdr) or 64-bit (Elf64_Shdr) section header.
func decodeElfSection(hdr []byte, entrySize int) ElfSection {
	if entrySize == elfSection32Size {
		return ElfSection{
			Flags:   ElfSectionFlag(le.Uint32(hdr[8:])),
			Address: uintptr(le.Uint32(hdr[12:])),
			Size:    uint64(le.Uint32(hdr[20:])),
		}
	}

	return ElfSection{
		Flags:   ElfSectionFlag(le.Uint64(hdr[8:])),
		Address: uintptr(le.Uint64(hdr[16:])),
		Size:    le.Uint64(hdr[32:]),
	}
}
