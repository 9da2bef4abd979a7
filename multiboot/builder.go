package multiboot

import "unsafe"

// elfSectionTypeStrtab is the ELF section type of a string table.
const elfSectionTypeStrtab = 3

type builderSection struct {
	name    string
	flags   ElfSectionFlag
	address uint64
	size    uint64
}

// InfoBuilder assembles multiboot2 boot information blobs with a memory map
// and 64-bit ELF section headers. It allows the memory sub-system to be
// exercised without a bootloader.
type InfoBuilder struct {
	regions  []MemoryMapEntry
	sections []builderSection
}

// AddMemRegion appends a memory map entry.
func (b *InfoBuilder) AddMemRegion(physAddr, length uint64, entryType MemoryEntryType) *InfoBuilder {
	b.regions = append(b.regions, MemoryMapEntry{PhysAddress: physAddr, Length: length, Type: entryType})
	return b
}

// AddElfSection appends an ELF section header.
func (b *InfoBuilder) AddElfSection(name string, flags ElfSectionFlag, address, size uint64) *InfoBuilder {
	b.sections = append(b.sections, builderSection{name: name, flags: flags, address: address, size: size})
	return b
}

// Build returns the encoded boot information. The memory map tag is only
// emitted when at least one region was added and the ELF tag only when at
// least one section was added.
//
// The section name string table is embedded in the returned buffer and the
// string table section header points to its location in host memory so
// that ElfSection.Name works on the result. Callers must keep the returned
// slice alive for as long as SetInfoPtr refers to it.
func (b *InfoBuilder) Build() []byte {
	var (
		strtab      []byte
		nameOffsets []uint32
	)

	if len(b.sections) != 0 {
		strtab = append(strtab, 0)
		for _, sec := range b.sections {
			nameOffsets = append(nameOffsets, uint32(len(strtab)))
			strtab = append(strtab, sec.name...)
			strtab = append(strtab, 0)
		}
		nameOffsets = append(nameOffsets, uint32(len(strtab)))
		strtab = append(strtab, ".shstrtab"...)
		strtab = append(strtab, 0)
	}

	buf := make([]byte, infoHeaderSize, 4096)

	if len(b.regions) != 0 {
		payload := make([]byte, mmapHeaderSize, mmapHeaderSize+24*len(b.regions))
		le.PutUint32(payload, 24)
		for _, region := range b.regions {
			payload = le.AppendUint64(payload, region.PhysAddress)
			payload = le.AppendUint64(payload, region.Length)
			payload = le.AppendUint32(payload, uint32(region.Type))
			payload = le.AppendUint32(payload, 0)
		}
		buf = appendTag(buf, tagMemoryMap, payload)
	}

	strtabAddrOffset := -1
	if len(b.sections) != 0 {
		// Section 0 is the NULL section followed by the supplied sections
		// and the string table.
		numSections := len(b.sections) + 2
		payload := make([]byte, 0, elfHeaderSize+numSections*elfSection64Size)
		payload = le.AppendUint32(payload, uint32(numSections))
		payload = le.AppendUint32(payload, elfSection64Size)
		payload = le.AppendUint32(payload, uint32(numSections-1))
		payload = append(payload, make([]byte, elfSection64Size)...)
		for i, sec := range b.sections {
			payload = appendElfSection64(payload, nameOffsets[i], 1, uint64(sec.flags), sec.address, sec.size)
		}

		// The string table address is patched below once the final
		// location of the buffer is known.
		strtabAddrOffset = len(buf) + tagHeaderSize + len(payload) + 16
		payload = appendElfSection64(payload, nameOffsets[len(b.sections)], elfSectionTypeStrtab, 0, 0, uint64(len(strtab)))
		buf = appendTag(buf, tagElfSymbols, payload)
	}

	buf = appendTag(buf, tagMbSectionEnd, nil)

	strtabOffset := len(buf)
	buf = append(buf, strtab...)
	le.PutUint32(buf, uint32(len(buf)))

	if strtabAddrOffset >= 0 {
		le.PutUint64(buf[strtabAddrOffset:], uint64(uintptr(unsafe.Pointer(&buf[strtabOffset]))))
	}

	return buf
}

func appendTag(buf []byte, t tagType, payload []byte) []byte {
	buf = le.AppendUint32(buf, uint32(t))
	buf = le.AppendUint32(buf, uint32(tagHeaderSize+len(payload)))
	buf = append(buf, payload...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func appendElfSection64(buf []byte, nameIndex, sectionType uint32, flags, address, size uint64) []byte {
	var hdr [elfSection64Size]byte
	le.PutUint32(hdr[0:], nameIndex)
	le.PutUint32(hdr[4:], sectionType)
	le.PutUint64(hdr[8:], flags)
	le.PutUint64(hdr[16:], address)
	le.PutUint64(hdr[32:], size)
	return append(buf, hdr[:]...)
}
