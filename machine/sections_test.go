package machine_test

import (
	"testing"

	"github.com/kvmxfer/kvmxfer/machine"
	"github.com/kvmxfer/kvmxfer/section"
	"github.com/kvmxfer/kvmxfer/wire"
)

// TestRegisterSectionsRoundTrip drives a full save/load cycle through the
// section registry: cpu/<n> and vm/core go through SaveBegin's TagFull
// path, ram goes through the live SaveIterate/SaveComplete path, and the
// destination machine applies all of it via LoadLoop.
func TestRegisterSectionsRoundTrip(t *testing.T) {
	t.Parallel()

	src, err := machine.New("/dev/kvm", 1, "", "", machine.MinMemSize)
	if err != nil {
		t.Fatalf("New src: %v", err)
	}

	dst, err := machine.New("/dev/kvm", 1, "", "", machine.MinMemSize)
	if err != nil {
		t.Fatalf("New dst: %v", err)
	}

	if err := src.SetupRegs(0x1_00_000, 0x10_000, true); err != nil {
		t.Fatalf("SetupRegs: %v", err)
	}

	srcReg := section.NewRegistry()
	if err := src.RegisterSections(srcReg); err != nil {
		t.Fatalf("RegisterSections src: %v", err)
	}

	dstReg := section.NewRegistry()
	if err := dst.RegisterSections(dstReg); err != nil {
		t.Fatalf("RegisterSections dst: %v", err)
	}

	srcDrv := section.NewDriver(srcReg)
	dstDrv := section.NewDriver(dstReg)

	if err := src.EnableDirtyTracking(); err != nil {
		t.Fatalf("EnableDirtyTracking: %v", err)
	}

	const marker = "section ram round trip"

	copy(src.Mem()[0x2000:], marker)

	buf := wire.NewBuffer()
	out := buf.OpenWrite()

	if err := srcDrv.SaveBegin(out); err != nil {
		t.Fatalf("SaveBegin: %v", err)
	}

	for {
		done, err := srcDrv.SaveIterate(out)
		if err != nil {
			t.Fatalf("SaveIterate: %v", err)
		}

		if done {
			break
		}
	}

	if err := srcDrv.SaveComplete(out); err != nil {
		t.Fatalf("SaveComplete: %v", err)
	}

	if err := out.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := dstDrv.LoadLoop(buf.OpenRead()); err != nil {
		t.Fatalf("LoadLoop: %v", err)
	}

	srcRegs, err := src.GetRegs(0)
	if err != nil {
		t.Fatalf("GetRegs src: %v", err)
	}

	dstRegs, err := dst.GetRegs(0)
	if err != nil {
		t.Fatalf("GetRegs dst: %v", err)
	}

	if srcRegs.RIP != dstRegs.RIP {
		t.Errorf("RIP = %#x, want %#x", dstRegs.RIP, srcRegs.RIP)
	}

	if srcRegs.RSP != dstRegs.RSP {
		t.Errorf("RSP = %#x, want %#x", dstRegs.RSP, srcRegs.RSP)
	}

	if len(dst.Mem()) != len(src.Mem()) {
		t.Fatalf("dst mem len = %d, want %d", len(dst.Mem()), len(src.Mem()))
	}

	if got := string(dst.Mem()[0x2000 : 0x2000+len(marker)]); got != marker {
		t.Errorf("ram content = %q, want %q", got, marker)
	}
}
