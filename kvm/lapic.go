package kvm

import "unsafe"

// LAPICState mirrors struct kvm_lapic_state: a flat 4KB register page,
// one uint32 per APIC register slot.
type LAPICState struct {
	Regs [0x400]byte
}

// GetLocalAPIC fills s with the vcpu's local APIC register page.
func GetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// SetLocalAPIC writes the vcpu's local APIC register page.
func SetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(s)))

	return err
}
