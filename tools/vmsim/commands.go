package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"github.com/sparkle-os/sparkle/kernel/cpu/emu"
	"github.com/sparkle-os/sparkle/kernel/memory"
	"github.com/sparkle-os/sparkle/kernel/mm"
	"github.com/sparkle-os/sparkle/kernel/mm/heap"
	"github.com/sparkle-os/sparkle/kernel/mm/pmm"
	"github.com/sparkle-os/sparkle/multiboot"
)

const defaultLayout = "layout.toml"

// common holds the flags shared by all simulator commands.
type common struct {
	layoutPath string
	out        io.Writer
}

func (c *common) setFlags(f *flag.FlagSet) {
	f.StringVar(&c.layoutPath, "layout", defaultLayout, "path to the TOML machine layout")
}

func (c *common) output() io.Writer {
	if c.out == nil {
		return os.Stdout
	}
	return c.out
}

// boot loads the layout and returns an emulated machine ready to run the
// kernel memory initialization.
func (c *common) boot() (*machine, *layout, error) {
	l, err := loadLayout(c.layoutPath)
	if err != nil {
		return nil, nil, err
	}
	return newMachine(l), l, nil
}

func failure(err error) subcommands.ExitStatus {
	logrus.WithError(err).Error("simulation failed")
	return subcommands.ExitFailure
}

// remapCmd implements subcommands.Command for the "remap" command.
type remapCmd struct {
	common
	raw bool
}

// Name implements subcommands.Command.Name.
func (*remapCmd) Name() string { return "remap" }

// Synopsis implements subcommands.Command.Synopsis.
func (*remapCmd) Synopsis() string {
	return "initialize the memory sub-system and print the resulting page mappings"
}

// Usage implements subcommands.Command.Usage.
func (*remapCmd) Usage() string {
	return `remap [flags]

Boots the emulated machine described by the layout, runs the kernel memory
initialization and prints the virtual memory mappings of the new page table.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *remapCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.BoolVar(&c.raw, "raw", false, "print every page instead of merging contiguous mappings")
}

// Execute implements subcommands.Command.Execute.
func (c *remapCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, _, err := c.boot()
	if err != nil {
		return failure(err)
	}
	defer m.close()

	if err := runKernel(func() { memory.Init() }); err != nil {
		return failure(err)
	}

	writeMappings(c.output(), m.Machine, !c.raw)
	writeStats(c.output(), m.Stats(), m.FrameCount())
	writeHeapUsage(c.output(), heap.Stats())
	return subcommands.ExitSuccess
}

// mappingRange is a run of mappings that are contiguous in both the virtual
// and physical address space and share the same flags.
type mappingRange struct {
	virt, phys, size uintptr
	flags            uint64
}

func (r *mappingRange) extends(m emu.Mapping) bool {
	return r.flags == m.Flags && r.virt+r.size == m.Virt && r.phys+r.size == m.Phys
}

func flagString(flags uint64) string {
	perms := []byte("r--")
	if flags&emu.FlagRW != 0 {
		perms[1] = 'w'
	}
	if flags&emu.FlagNoExec == 0 {
		perms[2] = 'x'
	}
	if flags&emu.FlagHugePage != 0 {
		return string(perms) + " huge"
	}
	return string(perms)
}

// writeMappings prints the mappings of the active page table. When merge is
// set, contiguous mappings with identical flags are printed as one range.
func writeMappings(w io.Writer, m *emu.Machine, merge bool) {
	var ranges []mappingRange
	m.Mappings(func(mapping emu.Mapping) bool {
		if n := len(ranges); merge && n != 0 && ranges[n-1].extends(mapping) {
			ranges[n-1].size += mapping.Size
			return true
		}

		ranges = append(ranges, mappingRange{virt: mapping.Virt, phys: mapping.Phys, size: mapping.Size, flags: mapping.Flags})
		return true
	})

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VIRTUAL\tPHYSICAL\tSIZE\tFLAGS")
	for _, r := range ranges {
		fmt.Fprintf(tw, "0x%016x-0x%016x\t%#x\t%d\t%s\n", r.virt, r.virt+r.size, r.phys, r.size, flagString(r.flags))
	}
	tw.Flush()
}

func writeStats(w io.Writer, stats emu.Stats, frames int) {
	fmt.Fprintf(w, "\ncr3 writes: %d, tlb flushes: %d page / %d full, tlb hits: %d, misses: %d, touched frames: %d\n",
		stats.CR3Writes, stats.TLBEntryFlushes, stats.TLBFullFlushes, stats.TLBHits, stats.TLBMisses, frames)
}

func writeHeapUsage(w io.Writer, u heap.Usage) {
	fmt.Fprintf(w, "heap: %d bytes, used: %d, free: %d in %d spans, allocations: %d\n",
		u.Size, u.Used, u.Free, u.FreeSpans, u.AllocCount)
}

// framesCmd implements subcommands.Command for the "frames" command.
type framesCmd struct {
	common
	count int
}

// Name implements subcommands.Command.Name.
func (*framesCmd) Name() string { return "frames" }

// Synopsis implements subcommands.Command.Synopsis.
func (*framesCmd) Synopsis() string {
	return "run the physical frame allocator over the layout's memory map"
}

// Usage implements subcommands.Command.Usage.
func (*framesCmd) Usage() string {
	return `frames [flags]

Allocates physical frames from the memory map described by the layout and
prints the allocated frame ranges. Frames used by the kernel image and the
boot information are never handed out.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *framesCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.IntVar(&c.count, "count", 0, "number of frames to allocate; 0 allocates until memory is exhausted")
}

// Execute implements subcommands.Command.Execute.
func (c *framesCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || c.count < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, l, err := c.boot()
	if err != nil {
		return failure(err)
	}
	defer m.close()

	var (
		alloc                  pmm.AreaFrameAllocator
		kernelStart, kernelEnd = l.kernelRange()
		infoStart, infoEnd     = multiboot.InfoRange()
	)
	if err := alloc.Init(kernelStart, kernelEnd, infoStart, infoEnd); err != nil {
		return failure(err)
	}
	alloc.PrintMemoryMap()

	// first and last hold the bounds of each run of consecutive frames.
	var first, last []mm.Frame
	for c.count == 0 || int(alloc.AllocatedFrames()) < c.count {
		frame, err := alloc.AllocFrame()
		if err != nil {
			if c.count != 0 {
				return failure(err)
			}
			break
		}

		if n := len(last); n != 0 && last[n-1]+1 == frame {
			last[n-1] = frame
			continue
		}
		first = append(first, frame)
		last = append(last, frame)
	}

	tw := tabwriter.NewWriter(c.output(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "FIRST\tLAST\tFRAMES")
	for i := range first {
		fmt.Fprintf(tw, "%#x\t%#x\t%d\n", first[i].Address(), last[i].Address(), uintptr(last[i]-first[i])+1)
	}
	tw.Flush()
	fmt.Fprintf(c.output(), "\nallocated %d frames\n", alloc.AllocatedFrames())
	return subcommands.ExitSuccess
}

// stacksCmd implements subcommands.Command for the "stacks" command.
type stacksCmd struct {
	common
	pages string
}

// Name implements subcommands.Command.Name.
func (*stacksCmd) Name() string { return "stacks" }

// Synopsis implements subcommands.Command.Synopsis.
func (*stacksCmd) Synopsis() string {
	return "initialize the memory sub-system and allocate kernel stacks"
}

// Usage implements subcommands.Command.Usage.
func (*stacksCmd) Usage() string {
	return `stacks [flags]

Boots the emulated machine described by the layout, runs the kernel memory
initialization and allocates stacks of the requested sizes from the kernel
stack range. Each stack is preceded by an unmapped guard page.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *stacksCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.StringVar(&c.pages, "pages", "1", "comma-separated list of stack sizes in pages")
}

func parsePages(list string) ([]int, error) {
	var sizes []int
	for _, field := range strings.Split(list, ",") {
		size, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("invalid stack size %q: %w", field, err)
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}

// Execute implements subcommands.Command.Execute.
func (c *stacksCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sizes, err := parsePages(c.pages)
	if f.NArg() != 0 || err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, _, err := c.boot()
	if err != nil {
		return failure(err)
	}
	defer m.close()

	var ctrl *memory.Controller
	if err := runKernel(func() { ctrl = memory.Init() }); err != nil {
		return failure(err)
	}

	tw := tabwriter.NewWriter(c.output(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PAGES\tBOTTOM\tTOP\tGUARD\tSTATUS")
	for _, pages := range sizes {
		stack, err := ctrl.AllocStack(pages)
		if err != nil {
			fmt.Fprintf(tw, "%d\t-\t-\t-\t%s\n", pages, err.Error())
			continue
		}

		guard := stack.Bottom() - mm.PageSize
		status := "ok"
		if _, fault := m.Walk(guard); fault == nil {
			status = "guard page mapped"
		}
		fmt.Fprintf(tw, "%d\t%#x\t%#x\t%#x\t%s\n", pages, stack.Bottom(), stack.Top(), guard, status)
	}
	tw.Flush()
	return subcommands.ExitSuccess
}
