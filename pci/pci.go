package pci

import (
	"bytes"
	"encoding/binary"
)

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return ((uint32(a) >> 31) | 0x1) == 0x1
}

// DeviceHeader is a PCI type-0 configuration header, laid out field for
// field the way a guest reading configuration space would see it.
type DeviceHeader struct {
	VendorID       uint16
	DeviceID       uint16
	Command        uint16
	Status         uint16
	RevisionID     uint8
	ProgIF         uint8
	Subclass       uint8
	ClassCode      uint8
	CacheLineSize  uint8
	LatencyTimer   uint8
	HeaderType     uint8
	BIST           uint8
	BAR            [6]uint32
	CardbusCISPtr  uint32
	SubsystemVenID uint16
	SubsystemID    uint16
	ExpansionROM   uint32
	CapPointer     uint8
	Reserved       [7]uint8
	InterruptLine  uint8
	InterruptPin   uint8
	MinGrant       uint8
	MaxLatency     uint8
}

// Bytes encodes the header the way it is laid out in configuration space.
func (h DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Device is a PCI function attached to the bus: a bridge or a virtio device.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, bytes []byte) error
	IOOutHandler(port uint64, bytes []byte) error
	GetIORange() (start, end uint64)
}

const (
	barRegisterStart = 0x10
	barRegisterEnd   = 0x28
	barProbeValue    = 0xffffffff
)

// PCI models configuration space access mechanism #1: an address register
// at 0xCF8 and a data window at 0xCFC, multiplexed across Devices by slot.
type PCI struct {
	addr     address
	Devices  []Device
	barProbe map[uint32]bool
}

// New creates a PCI bus with the given devices already attached, starting
// at device/slot 0.
func New(devices ...Device) *PCI {
	return &PCI{
		addr:     0xaabbccdd,
		Devices:  devices,
		barProbe: make(map[uint32]bool),
	}
}

func (p *PCI) deviceAt(slot uint32) (Device, bool) {
	if int(slot) >= len(p.Devices) {
		return nil, false
	}

	return p.Devices[slot], true
}

// SizeToBits converts the byte size of a BAR's address range into the mask
// the guest reads back when probing that BAR's size (the standard trick of
// writing all 1-bits to a BAR and reading back the decode mask).
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

// BytesToNum decodes a little-endian byte slice into a uint64.
func BytesToNum(b []byte) uint64 {
	var n uint64
	for i, v := range b {
		n |= uint64(v) << (8 * i)
	}

	return n
}

// NumToBytes encodes an unsigned integer of any width as little-endian bytes.
func NumToBytes(num interface{}) []byte {
	switch v := num.(type) {
	case uint8:
		return []byte{v}
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)

		return b
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)

		return b
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)

		return b
	default:
		return []byte{}
	}
}

func barKey(slot, barIndex uint32) uint32 {
	return slot<<8 | barIndex
}

func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	dev, ok := p.deviceAt(p.addr.getDeviceNumber())
	if !ok {
		return nil
	}

	offset := p.addr.getRegisterOffset()

	if offset >= barRegisterStart && offset < barRegisterEnd {
		barIndex := (offset - barRegisterStart) / 4
		if p.barProbe[barKey(p.addr.getDeviceNumber(), barIndex)] {
			start, end := dev.GetIORange()
			copy(values, NumToBytes(SizeToBits(end-start)))

			return nil
		}
	}

	h := dev.GetDeviceHeader()

	hdrBytes, err := h.Bytes()
	if err != nil {
		return err
	}

	if int(offset) >= len(hdrBytes) {
		return nil
	}

	copy(values, hdrBytes[offset:])

	return nil
}

func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	offset := p.addr.getRegisterOffset()

	if offset >= barRegisterStart && offset < barRegisterEnd {
		barIndex := (offset - barRegisterStart) / 4
		key := barKey(p.addr.getDeviceNumber(), barIndex)
		p.barProbe[key] = uint32(BytesToNum(values)) == barProbeValue
	}

	return nil
}

func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	values[3] = uint8((p.addr >> 24) & 0xff)
	values[2] = uint8((p.addr >> 16) & 0xff)
	values[1] = uint8((p.addr >> 8) & 0xff)
	values[0] = uint8((p.addr >> 0) & 0xff)

	return nil
}

func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	x := uint32(0)
	x |= uint32(values[3]) << 24
	x |= uint32(values[2]) << 16
	x |= uint32(values[1]) << 8
	x |= uint32(values[0]) << 0

	p.addr = address(x)

	return nil
}
