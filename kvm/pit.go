package kvm

import "unsafe"

// pitChannelState mirrors struct kvm_pit_channel_state, one per 8254 PIT
// channel (channel 0 is the legacy IRQ0 timer).
type pitChannelState struct {
	Count         uint32
	LatchedCount  uint16
	CountLatched  uint8
	StatusLatched uint8
	Status        uint8
	ReadState     uint8
	WriteState    uint8
	WriteLatch    uint8
	RWMode        uint8
	Mode          uint8
	BCD           uint8
	Gate          uint8
	CountLoadTime int64
}

// PITState2 mirrors struct kvm_pit_state2: the 8254 programmable interval
// timer's full channel state plus emulation flags.
type PITState2 struct {
	Channels [3]pitChannelState
	Flags    uint32
	Reserved [9]uint32
}

// CreatePIT2 instantiates an in-kernel 8254 PIT for the VM.
func CreatePIT2(vmFd uintptr) error {
	var cfg struct {
		Flags    uint32
		Reserved [15]uint32
	}

	_, err := Ioctl(vmFd, IIOW(kvmCreatePIT2, unsafe.Sizeof(cfg)), uintptr(unsafe.Pointer(&cfg)))

	return err
}

// GetPIT2 fills s with the PIT's full channel state.
func GetPIT2(vmFd uintptr, s *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(s)))

	return err
}

// SetPIT2 restores the PIT's full channel state.
func SetPIT2(vmFd uintptr, s *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(s)))

	return err
}
