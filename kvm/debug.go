package kvm

import "unsafe"

const (
	guestDebugEnable     = 1 << 0
	guestDebugSingleStep = 1 << 2
)

// guestDebug mirrors struct kvm_guest_debug's fixed-size prefix.
type guestDebug struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

// SingleStep toggles instruction-level single-stepping on a vcpu, used to
// trace execution while verifying a migration round-trip.
func SingleStep(vcpuFd uintptr, enable bool) error {
	dbg := guestDebug{}
	if enable {
		dbg.Control = guestDebugEnable | guestDebugSingleStep
	}

	_, err := Ioctl(vcpuFd, IIOW(kvmSetGuestDebug, unsafe.Sizeof(dbg)), uintptr(unsafe.Pointer(&dbg)))

	return err
}
