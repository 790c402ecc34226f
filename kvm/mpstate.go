package kvm

import "unsafe"

// MPState mirrors struct kvm_mp_state: the vcpu's multiprocessing state
// (running, halted, waiting for SIPI, ...).
type MPState struct {
	State uint32
}

// GetMPState fills s with the vcpu's multiprocessing state.
func GetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// SetMPState writes the vcpu's multiprocessing state.
func SetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(s)))

	return err
}
