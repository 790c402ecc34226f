package kvm

import "unsafe"

// Memory region flags, matching KVM_MEM_*.
const (
	memLogDirtyPages = 1 << 0
	memReadonly      = 1 << 1
)

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region: one
// guest-physical slot backed by a userspace mapping.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks the region for dirty-page tracking, which the
// precopy live-iterate phase depends on to find pages it still needs to send.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= memLogDirtyPages
}

// SetMemReadonly marks the region read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= memReadonly
}

// SetUserMemoryRegion installs or updates a guest memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd,
		IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// defaultTSSAddr and defaultIdentityMapAddr place KVM's synthetic TSS and
// identity-mapped page tables just below the 4GB boundary, out of the way
// of any guest-physical memory this emulator hands out.
const (
	defaultTSSAddr         = 0xfffbd000
	defaultIdentityMapAddr = 0xfffbc000
)

// SetTSSAddr tells KVM where in guest-physical space to place the x86 task
// state segment KVM needs for real-mode emulation.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), uintptr(defaultTSSAddr))

	return err
}

// SetIdentityMapAddr tells KVM where in guest-physical space to place the
// identity-mapped page tables used for the same real-mode transition.
func SetIdentityMapAddr(vmFd uintptr) error {
	addr := uint64(defaultIdentityMapAddr)

	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, unsafe.Sizeof(addr)), uintptr(unsafe.Pointer(&addr)))

	return err
}

// DirtyLog mirrors struct kvm_dirty_log: BitMap points at a bitmap with one
// bit per page in Slot, set for every page written since the log was last
// cleared.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

// GetDirtyLog fills the bitmap pointed to by dl.BitMap and atomically clears
// the kernel's copy so the next call only reports newly-dirtied pages.
func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, IIOW(kvmGetDirtyLog, unsafe.Sizeof(DirtyLog{})), uintptr(unsafe.Pointer(dl)))

	return err
}
