package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sparkle-os/sparkle/kernel/mm"
	"github.com/sparkle-os/sparkle/multiboot"
)

// layout describes the machine that the simulator boots: the memory map
// reported by the bootloader, the sections of the kernel image and the
// location of the page tables set up by the boot stub.
type layout struct {
	BootTables bootTables `toml:"boot_tables"`
	Memory     []region   `toml:"memory"`
	Sections   []section  `toml:"section"`
}

type bootTables struct {
	P4 uint64 `toml:"p4"`
	P3 uint64 `toml:"p3"`
	P2 uint64 `toml:"p2"`
}

type region struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	Type   string `toml:"type"`
}

type section struct {
	Name    string   `toml:"name"`
	Address uint64   `toml:"address"`
	Size    uint64   `toml:"size"`
	Flags   []string `toml:"flags"`
}

var (
	regionTypes = map[string]multiboot.MemoryEntryType{
		"available": multiboot.MemAvailable,
		"reserved":  multiboot.MemReserved,
		"acpi":      multiboot.MemAcpiReclaimable,
		"nvs":       multiboot.MemNvs,
	}

	sectionFlags = map[string]multiboot.ElfSectionFlag{
		"write": multiboot.ElfSectionWritable,
		"alloc": multiboot.ElfSectionAllocated,
		"exec":  multiboot.ElfSectionExecutable,
	}
)

// loadLayout decodes and validates the layout stored at path.
func loadLayout(path string) (*layout, error) {
	var l layout
	md, err := toml.DecodeFile(path, &l)
	if err != nil {
		return nil, fmt.Errorf("decoding layout %q: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("layout %q: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := l.validate(); err != nil {
		return nil, fmt.Errorf("layout %q: %w", path, err)
	}
	return &l, nil
}

func (l *layout) validate() error {
	for name, addr := range map[string]uint64{"p4": l.BootTables.P4, "p3": l.BootTables.P3, "p2": l.BootTables.P2} {
		if addr == 0 || addr&uint64(mm.PageSize-1) != 0 {
			return fmt.Errorf("boot table %s at 0x%x is not a non-zero page-aligned address", name, addr)
		}
	}

	if len(l.Memory) == 0 {
		return fmt.Errorf("no memory regions defined")
	}
	for i, r := range l.Memory {
		if _, ok := regionTypes[r.Type]; !ok {
			return fmt.Errorf("memory region %d: unknown type %q", i, r.Type)
		}
	}

	if len(l.Sections) == 0 {
		return fmt.Errorf("no kernel sections defined")
	}
	for _, s := range l.Sections {
		for _, flag := range s.Flags {
			if _, ok := sectionFlags[flag]; !ok {
				return fmt.Errorf("section %q: unknown flag %q", s.Name, flag)
			}
		}
	}

	return nil
}

// kernelRange returns the [start, end) physical range of the allocated
// kernel sections.
func (l *layout) kernelRange() (uintptr, uintptr) {
	var start, end uint64
	for _, s := range l.Sections {
		if !s.has(multiboot.ElfSectionAllocated) || s.Size == 0 {
			continue
		}

		if end == 0 || s.Address < start {
			start = s.Address
		}
		if s.Address+s.Size > end {
			end = s.Address + s.Size
		}
	}
	return uintptr(start), uintptr(end)
}

func (s section) flags() multiboot.ElfSectionFlag {
	var flags multiboot.ElfSectionFlag
	for _, name := range s.Flags {
		flags |= sectionFlags[name]
	}
	return flags
}

func (s section) has(flag multiboot.ElfSectionFlag) bool {
	return s.flags()&flag != 0
}

// bootInfo encodes the layout as multiboot2 boot information.
func (l *layout) bootInfo() []byte {
	var b multiboot.InfoBuilder
	for _, r := range l.Memory {
		b.AddMemRegion(r.Base, r.Length, regionTypes[r.Type])
	}
	for _, s := range l.Sections {
		b.AddElfSection(s.Name, s.flags(), s.Address, s.Size)
	}
	return b.Build()
}
