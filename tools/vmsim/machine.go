package main

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/cpu/emu"
	"github.com/sparkle-os/sparkle/kernel/mm/vmm"
	"github.com/sparkle-os/sparkle/multiboot"
)

// machine is an emulated x86_64 machine in the state left by the boot stub:
// the boot page tables are active and the boot information is in memory.
type machine struct {
	*emu.Machine

	bootInfo    []byte
	restoreMMU  func()
	infoAddress uintptr
}

func newMachine(l *layout) *machine {
	m := &machine{
		Machine:  emu.New(),
		bootInfo: l.bootInfo(),
	}

	m.Boot(uintptr(l.BootTables.P4), uintptr(l.BootTables.P3), uintptr(l.BootTables.P2))
	m.restoreMMU = vmm.UseMMU(m.Machine)
	m.infoAddress = uintptr(unsafe.Pointer(&m.bootInfo[0]))
	multiboot.SetInfoPtr(m.infoAddress)

	logrus.WithFields(logrus.Fields{
		"cr3":       fmt.Sprintf("%#x", m.ActivePDT()),
		"boot_info": fmt.Sprintf("%#x", m.infoAddress),
		"size":      len(m.bootInfo),
	}).Debug("booted emulated machine")

	return m
}

func (m *machine) close() {
	multiboot.SetInfoPtr(0)
	m.restoreMMU()
	runtime.KeepAlive(m.bootInfo)
}

// runKernel calls fn and converts a kernel panic into an error.
func runKernel(fn func()) (err error) {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case *kernel.Error:
			err = fmt.Errorf("[%s] %s", r.Module, r.Message)
		case *emu.Fault:
			err = fmt.Errorf("[mmu] %w", r)
		default:
			panic(r)
		}
	}()

	fn()
	return nil
}
