package kvm

import (
	"unsafe"
)

type MSRList struct {
	NMSRs    uint32
	Indicies [100]uint32
}

// GetMSRIndexList returns the guest msrs that are supported.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	// This ugly hack is required to make the Ioctl work.
	// If tried like kvm.GetSupportedCPUID it doesn't work.
	// Maybe a difference in behavior on kernel side.
	tmp := struct {
		NMSRs uint32
	}{
		NMSRs: 100,
	}
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is a single model-specific register index/value pair, matching
// struct kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRS mirrors struct kvm_msrs and its flexible array member. Entries is
// sized by the caller to exactly the number of MSRs being transferred.
type MSRS struct {
	NMSRs   uint32
	_       uint32
	Entries []MSREntry
}

// GetMSRs fills in msrs.Entries[i].Data for each already-populated
// msrs.Entries[i].Index.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	if len(msrs.Entries) == 0 {
		return nil
	}

	hdr := msrsHeader{NMSRs: uint32(len(msrs.Entries))}
	buf := make([]byte, unsafe.Sizeof(hdr)+uintptr(len(msrs.Entries))*unsafe.Sizeof(MSREntry{}))
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(&hdr)), unsafe.Sizeof(hdr)))
	copy(buf[unsafe.Sizeof(hdr):], unsafe.Slice((*byte)(unsafe.Pointer(&msrs.Entries[0])), uintptr(len(msrs.Entries))*unsafe.Sizeof(MSREntry{})))

	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, unsafe.Sizeof(buf[0])*uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	entries := unsafe.Slice((*MSREntry)(unsafe.Pointer(&buf[unsafe.Sizeof(hdr)])), len(msrs.Entries))
	copy(msrs.Entries, entries)
	msrs.NMSRs = uint32(len(msrs.Entries))

	return nil
}

// SetMSRs writes msrs.Entries to the vcpu's model-specific registers.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	if len(msrs.Entries) == 0 {
		return nil
	}

	hdr := msrsHeader{NMSRs: uint32(len(msrs.Entries))}
	buf := make([]byte, unsafe.Sizeof(hdr)+uintptr(len(msrs.Entries))*unsafe.Sizeof(MSREntry{}))
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(&hdr)), unsafe.Sizeof(hdr)))
	copy(buf[unsafe.Sizeof(hdr):], unsafe.Slice((*byte)(unsafe.Pointer(&msrs.Entries[0])), uintptr(len(msrs.Entries))*unsafe.Sizeof(MSREntry{})))

	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, unsafe.Sizeof(buf[0])*uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))

	return err
}

// msrsHeader mirrors struct kvm_msrs without its flexible array member.
type msrsHeader struct {
	NMSRs uint32
	_     uint32
}
