package kvm

import "unsafe"

// VCPUEvents mirrors struct kvm_vcpu_events: pending exception/interrupt/NMI
// state that doesn't fit into Regs/Sregs.
type VCPUEvents struct {
	ExceptionInjected   uint8
	ExceptionNr         uint8
	ExceptionHasErrCode uint8
	_                   uint8
	ExceptionErrCode    uint32

	InterruptInjected uint8
	InterruptNr       uint8
	InterruptSoft     uint8
	InterruptShadow   uint8

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	_           uint8

	SIPIVector uint32
	Flags      uint32

	SMISmm          uint8
	SMIPending      uint8
	SMISmmInsideNMI uint8
	SMILatchedInit  uint8

	Reserved [27]uint8
}

// GetVCPUEvents fills e with pending-event state from the vcpu.
func GetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(e)))

	return err
}

// SetVCPUEvents restores pending-event state to the vcpu.
func SetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(e)))

	return err
}
