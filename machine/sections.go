package machine

// sections.go registers the machine's migratable state with a
// section.Registry: one cpu/<n> section per vCPU, vm/core for VM-level
// hardware state, ram as the live (iteratively transferred) section, and
// virtio-blk/<n>, virtio-net/<n>, serial/0 for device state. Driver.SaveBegin
// / SaveIterate / SaveComplete / LoadLoop then walk the registry exactly as
// they would any other producer, instead of migrate.go hand-rolling the
// wire format for each piece of state.

import (
	"fmt"

	"github.com/kvmxfer/kvmxfer/migration"
	"github.com/kvmxfer/kvmxfer/section"
	"github.com/kvmxfer/kvmxfer/virtio"
	"github.com/kvmxfer/kvmxfer/wire"
)

const ramChunkSize = 1 << 20

// sectionPageSize is the granularity LiveComplete uses to flush the final
// dirty-page round; matches the page size KVM's dirty bitmap already
// counts in, so GetAndClearDirtyBitmap's bits line up 1:1.
const sectionPageSize = 4096

// RegisterSections adds every piece of m's migratable state to reg, in the
// order the wire format expects: per-vCPU state, VM-level state, RAM,
// then device state.
func (m *Machine) RegisterSections(reg *section.Registry) error {
	for cpu := 0; cpu < m.NumCPU(); cpu++ {
		if _, err := reg.Register(fmt.Sprintf("cpu/%d", cpu), 1, 1, m.cpuSectionOps(cpu)); err != nil {
			return fmt.Errorf("register cpu/%d: %w", cpu, err)
		}
	}

	if _, err := reg.Register("vm/core", 1, 1, m.vmCoreSectionOps()); err != nil {
		return fmt.Errorf("register vm/core: %w", err)
	}

	if _, err := reg.RegisterLive("ram", 1, 1, m.ramSectionOps()); err != nil {
		return fmt.Errorf("register ram: %w", err)
	}

	for slot, dev := range m.pci.Devices {
		switch d := dev.(type) {
		case *virtio.Blk:
			idstr := fmt.Sprintf("virtio-blk/%d", slot)
			if _, err := reg.Register(idstr, 1, 1, blkSectionOps(d, m)); err != nil {
				return fmt.Errorf("register %s: %w", idstr, err)
			}
		case *virtio.Net:
			idstr := fmt.Sprintf("virtio-net/%d", slot)
			if _, err := reg.Register(idstr, 1, 1, netSectionOps(d, m)); err != nil {
				return fmt.Errorf("register %s: %w", idstr, err)
			}
		}
	}

	if m.serial != nil {
		if _, err := reg.Register("serial/0", 1, 1, m.serialSectionOps()); err != nil {
			return fmt.Errorf("register serial/0: %w", err)
		}
	}

	return nil
}

// putBytesField writes a length-prefixed opaque byte field.
func putBytesField(s *wire.Stream, b []byte) error {
	if err := s.PutU32(uint32(len(b))); err != nil {
		return err
	}

	return s.PutBuffer(b)
}

// getBytesField reads a field written by putBytesField.
func getBytesField(s *wire.Stream) ([]byte, error) {
	n, err := s.GetU32()
	if err != nil {
		return nil, err
	}

	return s.GetBuffer(int(n))
}

func (m *Machine) cpuSectionOps(cpu int) section.Ops {
	return section.Ops{
		SaveState: func(s *wire.Stream) error {
			st, err := m.SaveCPUState(cpu)
			if err != nil {
				return err
			}

			return putVCPUState(s, st)
		},
		LoadState: func(s *wire.Stream, _ uint32) error {
			st, err := getVCPUState(s)
			if err != nil {
				return err
			}

			return m.RestoreCPUState(cpu, st)
		},
	}
}

func putVCPUState(s *wire.Stream, st *migration.VCPUState) error {
	for _, b := range [][]byte{st.Regs, st.Sregs} {
		if err := putBytesField(s, b); err != nil {
			return err
		}
	}

	if err := s.PutU32(uint32(len(st.MSRs))); err != nil {
		return err
	}

	for _, e := range st.MSRs {
		if err := s.PutU32(e.Index); err != nil {
			return err
		}

		if err := s.PutU64(e.Data); err != nil {
			return err
		}
	}

	for _, b := range [][]byte{st.LAPIC, st.Events} {
		if err := putBytesField(s, b); err != nil {
			return err
		}
	}

	if err := s.PutU32(st.MPState); err != nil {
		return err
	}

	for _, b := range [][]byte{st.DebugRegs, st.XCRS} {
		if err := putBytesField(s, b); err != nil {
			return err
		}
	}

	return nil
}

func getVCPUState(s *wire.Stream) (*migration.VCPUState, error) {
	st := &migration.VCPUState{}

	var err error

	if st.Regs, err = getBytesField(s); err != nil {
		return nil, err
	}

	if st.Sregs, err = getBytesField(s); err != nil {
		return nil, err
	}

	n, err := s.GetU32()
	if err != nil {
		return nil, err
	}

	st.MSRs = make([]migration.MSREntry, n)

	for i := range st.MSRs {
		idx, err := s.GetU32()
		if err != nil {
			return nil, err
		}

		data, err := s.GetU64()
		if err != nil {
			return nil, err
		}

		st.MSRs[i] = migration.MSREntry{Index: idx, Data: data}
	}

	if st.LAPIC, err = getBytesField(s); err != nil {
		return nil, err
	}

	if st.Events, err = getBytesField(s); err != nil {
		return nil, err
	}

	if st.MPState, err = s.GetU32(); err != nil {
		return nil, err
	}

	if st.DebugRegs, err = getBytesField(s); err != nil {
		return nil, err
	}

	if st.XCRS, err = getBytesField(s); err != nil {
		return nil, err
	}

	return st, nil
}

func (m *Machine) vmCoreSectionOps() section.Ops {
	return section.Ops{
		SaveState: func(s *wire.Stream) error {
			st, err := m.SaveVMState()
			if err != nil {
				return err
			}

			for _, b := range [][]byte{st.Clock, st.IRQChipPIC0, st.IRQChipPIC1, st.IRQChipIOAPIC, st.PIT2} {
				if err := putBytesField(s, b); err != nil {
					return err
				}
			}

			return nil
		},
		LoadState: func(s *wire.Stream, _ uint32) error {
			st := &migration.VMState{}

			fields := []*[]byte{&st.Clock, &st.IRQChipPIC0, &st.IRQChipPIC1, &st.IRQChipIOAPIC, &st.PIT2}

			for _, f := range fields {
				b, err := getBytesField(s)
				if err != nil {
					return err
				}

				*f = b
			}

			return m.RestoreVMState(st)
		},
	}
}

// ramSectionOps drives the RAM section as a live section: LiveIterate walks
// guest memory in fixed-size chunks while the VM keeps running, and
// LiveComplete sends one final round of whatever dirty-tracking marked
// since the last chunk, once the VM has actually stopped. LoadState applies
// whichever chunk arrived, regardless of whether it came from LiveIterate
// or LiveComplete; both use the same offset+length+data framing.
func (m *Machine) ramSectionOps() section.Ops {
	cursor := 0

	return section.Ops{
		LiveIterate: func(s *wire.Stream) (bool, error) {
			mem := m.Mem()
			if cursor >= len(mem) {
				return true, nil
			}

			end := cursor + ramChunkSize
			if end > len(mem) {
				end = len(mem)
			}

			if err := putRAMChunk(s, uint64(cursor), mem[cursor:end]); err != nil {
				return false, err
			}

			cursor = end

			return cursor >= len(mem), nil
		},
		LiveComplete: func(s *wire.Stream) error {
			bitmap, err := m.GetAndClearDirtyBitmap()
			if err != nil {
				return err
			}

			mem := m.Mem()

			for wordIdx, word := range bitmap {
				if word == 0 {
					continue
				}

				for bit := 0; bit < 64; bit++ {
					if word&(1<<uint(bit)) == 0 {
						continue
					}

					offset := (wordIdx*64 + bit) * sectionPageSize
					if offset+sectionPageSize > len(mem) {
						continue
					}

					if err := putRAMChunk(s, uint64(offset), mem[offset:offset+sectionPageSize]); err != nil {
						return err
					}
				}
			}

			return nil
		},
		LoadState: func(s *wire.Stream, _ uint32) error {
			offset, data, err := getRAMChunk(s)
			if err != nil {
				return err
			}

			mem := m.Mem()
			if int(offset)+len(data) > len(mem) {
				return fmt.Errorf("ram chunk at %#x (%d bytes) out of range", offset, len(data))
			}

			copy(mem[offset:], data)

			return nil
		},
	}
}

func putRAMChunk(s *wire.Stream, offset uint64, data []byte) error {
	if err := s.PutU64(offset); err != nil {
		return err
	}

	if err := s.PutU32(uint32(len(data))); err != nil {
		return err
	}

	return s.PutBuffer(data)
}

func getRAMChunk(s *wire.Stream) (offset uint64, data []byte, err error) {
	offset, err = s.GetU64()
	if err != nil {
		return 0, nil, err
	}

	n, err := s.GetU32()
	if err != nil {
		return 0, nil, err
	}

	data, err = s.GetBuffer(int(n))
	if err != nil {
		return 0, nil, err
	}

	return offset, data, nil
}

func blkSectionOps(d *virtio.Blk, m *Machine) section.Ops {
	return section.Ops{
		SaveState: func(s *wire.Stream) error {
			st := d.GetState()

			if err := putBytesField(s, st.HdrBytes); err != nil {
				return err
			}

			for _, a := range st.QueuePhysAddr {
				if err := s.PutU64(a); err != nil {
					return err
				}
			}

			for _, idx := range st.LastAvailIdx {
				if err := s.PutU16(idx); err != nil {
					return err
				}
			}

			return nil
		},
		LoadState: func(s *wire.Stream, _ uint32) error {
			st := &migration.BlkState{}

			hdr, err := getBytesField(s)
			if err != nil {
				return err
			}

			st.HdrBytes = hdr

			for i := range st.QueuePhysAddr {
				if st.QueuePhysAddr[i], err = s.GetU64(); err != nil {
					return err
				}
			}

			for i := range st.LastAvailIdx {
				if st.LastAvailIdx[i], err = s.GetU16(); err != nil {
					return err
				}
			}

			d.SetState(st, m.Mem())

			return nil
		},
	}
}

func netSectionOps(d *virtio.Net, m *Machine) section.Ops {
	return section.Ops{
		SaveState: func(s *wire.Stream) error {
			st := d.GetState()

			if err := putBytesField(s, st.HdrBytes); err != nil {
				return err
			}

			for _, a := range st.QueuePhysAddr {
				if err := s.PutU64(a); err != nil {
					return err
				}
			}

			for _, idx := range st.LastAvailIdx {
				if err := s.PutU16(idx); err != nil {
					return err
				}
			}

			return nil
		},
		LoadState: func(s *wire.Stream, _ uint32) error {
			st := &migration.NetState{}

			hdr, err := getBytesField(s)
			if err != nil {
				return err
			}

			st.HdrBytes = hdr

			for i := range st.QueuePhysAddr {
				if st.QueuePhysAddr[i], err = s.GetU64(); err != nil {
					return err
				}
			}

			for i := range st.LastAvailIdx {
				if st.LastAvailIdx[i], err = s.GetU16(); err != nil {
					return err
				}
			}

			d.SetState(st, m.Mem())

			return nil
		},
	}
}

func (m *Machine) serialSectionOps() section.Ops {
	return section.Ops{
		SaveState: func(s *wire.Stream) error {
			st := m.serial.GetState()

			if err := s.PutU8(st.IER); err != nil {
				return err
			}

			return s.PutU8(st.LCR)
		},
		LoadState: func(s *wire.Stream, _ uint32) error {
			ier, err := s.GetU8()
			if err != nil {
				return err
			}

			lcr, err := s.GetU8()
			if err != nil {
				return err
			}

			m.serial.SetState(migration.SerialState{IER: ier, LCR: lcr})

			return nil
		},
	}
}
