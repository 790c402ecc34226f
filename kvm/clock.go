package kvm

import "unsafe"

// ClockData mirrors struct kvm_clock_data: the VM-wide paravirt clock used
// to keep all vcpus' notion of elapsed time consistent across a migration.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	Reserved [16]uint32
}

// GetClock fills c with the VM's kvmclock value.
func GetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(c)))

	return err
}

// SetClock restores the VM's kvmclock value.
func SetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(c)))

	return err
}
