package vmm

import (
	"fmt"
	"os"
	"sync"

	"github.com/kvmxfer/kvmxfer/machine"
	"github.com/kvmxfer/kvmxfer/section"
)

// Config describes how to build and, if booting, load a VMM's machine.
// Kernel/Initrd/Params are only needed when the VMM boots a guest itself;
// a migration destination leaves them empty and restores state instead.
type Config struct {
	Dev        string
	Kernel     string
	Initrd     string
	Params     string
	TapIfName  string
	Disk       string
	NCPUs      int
	MemSize    int
	TraceCount int
}

type VMM struct {
	*machine.Machine
	Config

	sectionDriver *section.Driver
}

func New(c Config) *VMM {
	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init instantiates a machine and registers its migratable state as
// sections, so SectionDriver() is usable as soon as Init returns.
func (v *VMM) Init() error {
	m, err := machine.New(v.Dev, v.NCPUs, v.TapIfName, v.Disk, v.MemSize)
	if err != nil {
		return err
	}

	v.Machine = m

	return v.registerSections()
}

// registerSections builds the section registry/driver for v.Machine's
// current devices. Called once the machine exists, from Init() on the
// boot side and Incoming() on the migration-destination side; the serial
// section is only present once LoadLinux has run serial.New, so a
// destination machine (which never calls LoadLinux) registers every
// section except serial/0.
func (v *VMM) registerSections() error {
	reg := section.NewRegistry()
	if err := v.Machine.RegisterSections(reg); err != nil {
		return fmt.Errorf("register sections: %w", err)
	}

	v.sectionDriver = section.NewDriver(reg)

	return nil
}

// SectionDriver returns the section.Driver built over v.Machine's
// registered state, for callers (COLO checkpointing, postcopy discard
// handling) that need to walk it directly rather than through the
// migrate.go transfer helpers.
func (v *VMM) SectionDriver() *section.Driver {
	return v.sectionDriver
}

func (v *VMM) Setup() error {
	kern, err := os.Open(v.Kernel)
	if err != nil {
		return err
	}

	initrd, err := os.Open(v.Initrd)
	if err != nil {
		return err
	}

	if err := v.Machine.LoadLinux(kern, initrd, v.Params); err != nil {
		return err
	}

	return nil
}

// Boot starts every vCPU and blocks until they all exit. Callers that want
// serial I/O wire their own reader/writer to v.GetSerial()/GetInputChan();
// this VMM has no console of its own.
func (v *VMM) Boot() error {
	var wg sync.WaitGroup

	trace := v.TraceCount > 0
	if err := v.SingleStep(trace); err != nil {
		return fmt.Errorf("setting trace to %v:%w", trace, err)
	}

	for cpu := 0; cpu < v.NCPUs; cpu++ {
		wg.Add(1)
		v.StartVCPU(cpu, v.TraceCount, &wg)
	}

	wg.Wait()

	return nil
}
