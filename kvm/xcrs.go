package kvm

import "unsafe"

// xcrEntry mirrors struct kvm_xcr.
type xcrEntry struct {
	XCR   uint32
	_     uint32
	Value uint64
}

const maxXCRs = 16

// XCRS mirrors struct kvm_xcrs: the vcpu's extended control registers
// (currently just XCR0 on real hardware, room reserved for more).
type XCRS struct {
	NRXCRs uint32
	Flags  uint32
	XCRs   [maxXCRs]xcrEntry
	_      [64]uint8
}

// GetXCRS fills x with the vcpu's extended control registers.
func GetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}

// SetXCRS writes the vcpu's extended control registers.
func SetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}
