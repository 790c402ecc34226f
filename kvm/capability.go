package kvm

import "fmt"

// Capability identifies an extension the host kernel may or may not support,
// as queried with the KVM_CHECK_EXTENSION ioctl. Numeric values follow
// linux/kvm.h's KVM_CAP_* assignment.
type Capability int

const (
	CapIRQChip      Capability = 0
	CapHLT          Capability = 1
	CapUserMemory   Capability = 3
	CapSetTSSAddr   Capability = 4
	CapMPState      Capability = 14
	CapIOMMU        Capability = 18
	CapIRQRouting   Capability = 25
	CapKVMClockCtrl Capability = 36
)

func (c Capability) String() string {
	switch c {
	case CapIRQChip:
		return "CapIRQChip"
	case CapHLT:
		return "CapHLT"
	case CapUserMemory:
		return "CapUserMemory"
	case CapSetTSSAddr:
		return "CapSetTSSAddr"
	case CapMPState:
		return "CapMPState"
	case CapIOMMU:
		return "CapIOMMU"
	case CapIRQRouting:
		return "CapIRQRouting"
	case CapKVMClockCtrl:
		return "CapKVMClockCtrl"
	default:
		return fmt.Sprintf("Capability(%d)", c)
	}
}

const kvmCheckExtension = 3

// CheckExtension reports whether the host supports the given capability.
func CheckExtension(kvmFd uintptr, cap Capability) (int, error) {
	r, err := Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(cap))

	return int(r), err
}
