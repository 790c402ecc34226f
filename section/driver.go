package section

import (
	"fmt"

	"github.com/kvmxfer/kvmxfer/wire"
)

// DispatchResult flags tell the driver's read loop how to proceed after a
// command has been handled.
type DispatchResult uint8

const (
	// FlagQuitLoop ends the current LoadLoop call but leaves the
	// stream and handler state intact, e.g. postcopy handing control
	// back to the caller to start running the guest.
	FlagQuitLoop DispatchResult = 1 << iota
	// FlagQuitParent additionally signals that the whole load (not
	// just this command) should stop, e.g. COLO guest shutdown.
	FlagQuitParent
	// FlagKeepHandlers suppresses the driver's default teardown of
	// per-command state on return, used by multi-message commands like
	// PACKAGED that span more than one dispatch.
	FlagKeepHandlers
)

// CommandHandler reacts to a TagCommand frame. Implementations live in
// the postcopy and colo packages, which register themselves with a
// Driver to receive the command types they care about.
type CommandHandler interface {
	HandleCommand(cmdType uint16, payload []byte) (DispatchResult, error)
}

// Driver walks a Registry to produce or consume a framed section stream.
type Driver struct {
	reg         *Registry
	handlers    map[uint16]CommandHandler
	iterCursor  int
	liveDone    map[*Section]bool
	liveEntries map[uint32]*Section
}

// NewDriver returns a Driver bound to reg.
func NewDriver(reg *Registry) *Driver {
	return &Driver{
		reg:         reg,
		handlers:    make(map[uint16]CommandHandler),
		liveDone:    make(map[*Section]bool),
		liveEntries: make(map[uint32]*Section),
	}
}

// RegisterCommandHandler routes command frames of cmdType to h.
func (d *Driver) RegisterCommandHandler(cmdType uint16, h CommandHandler) {
	d.handlers[cmdType] = h
}

func writeHeader(s *wire.Stream) error {
	if err := s.PutU32(Magic); err != nil {
		return err
	}

	return s.PutU32(Version)
}

func readHeader(s *wire.Stream) error {
	magic, err := s.GetU32()
	if err != nil {
		return fmt.Errorf("section: read magic: %w", err)
	}

	if magic != Magic {
		return fmt.Errorf("%w: got %#x", errBadMagic, magic)
	}

	version, err := s.GetU32()
	if err != nil {
		return fmt.Errorf("section: read version: %w", err)
	}

	if version > Version {
		return fmt.Errorf("%w: got %d, support up to %d", errBadVersion, version, Version)
	}

	return nil
}

func writeSectionHeader(s *wire.Stream, tag uint8, sec *Section) error {
	if err := s.PutU8(tag); err != nil {
		return err
	}

	if err := s.PutU32(sec.sectionID); err != nil {
		return err
	}

	if tag == TagStart || tag == TagFull {
		if err := s.PutCountedString(sec.IDStr); err != nil {
			return err
		}

		if err := s.PutU32(sec.InstanceID); err != nil {
			return err
		}

		if err := s.PutU32(sec.VersionID); err != nil {
			return err
		}
	}

	return nil
}

// SaveBegin writes the stream header and, for every active section, its
// initial state: live sections get a TagStart frame with no payload (the
// payload streams later via SaveIterate), everything else gets a TagFull
// frame with the complete state inline.
func (d *Driver) SaveBegin(s *wire.Stream) error {
	if err := writeHeader(s); err != nil {
		return err
	}

	d.liveDone = make(map[*Section]bool)
	d.iterCursor = 0

	for _, sec := range d.reg.active() {
		if sec.Ops.IsRAMLive() {
			if err := writeSectionHeader(s, TagStart, sec); err != nil {
				return fmt.Errorf("section %s: write start: %w", sec.IDStr, err)
			}

			continue
		}

		if err := writeSectionHeader(s, TagFull, sec); err != nil {
			return fmt.Errorf("section %s: write full header: %w", sec.IDStr, err)
		}

		if sec.Ops.SaveState != nil {
			if err := sec.Ops.SaveState(s); err != nil {
				return fmt.Errorf("section %s: save state: %w", sec.IDStr, err)
			}
		}
	}

	return nil
}

func (o Ops) IsRAMLive() bool { return o.LiveIterate != nil }

// SaveIterate round-robins one bounded chunk of work across every live
// section, wrapping around to the start of the list on each call so no
// single section starves the others. It returns true once every live
// section has reported completion; the caller re-enters until then.
func (d *Driver) SaveIterate(s *wire.Stream) (done bool, err error) {
	live := make([]*Section, 0)

	for _, sec := range d.reg.active() {
		if sec.Ops.IsRAMLive() && !d.liveDone[sec] {
			live = append(live, sec)
		}
	}

	if len(live) == 0 {
		return true, nil
	}

	if d.iterCursor >= len(live) {
		d.iterCursor = 0
	}

	sec := live[d.iterCursor]

	if err := writeSectionHeader(s, TagPart, sec); err != nil {
		return false, fmt.Errorf("section %s: write part: %w", sec.IDStr, err)
	}

	secDone, err := sec.Ops.LiveIterate(s)
	if err != nil {
		return false, fmt.Errorf("section %s: live iterate: %w", sec.IDStr, err)
	}

	if !secDone {
		d.iterCursor++

		return false, nil
	}

	d.liveDone[sec] = true

	if len(live) == 1 {
		return true, nil
	}

	if d.iterCursor >= len(live)-1 {
		d.iterCursor = 0
	}

	return false, nil
}

// SaveComplete writes the final TagEnd frame for every live section once
// the VM has stopped, followed by TagEOF to close the stream.
func (d *Driver) SaveComplete(s *wire.Stream) error {
	for _, sec := range d.reg.active() {
		if !sec.Ops.IsRAMLive() {
			continue
		}

		if err := writeSectionHeader(s, TagEnd, sec); err != nil {
			return fmt.Errorf("section %s: write end: %w", sec.IDStr, err)
		}

		if sec.Ops.LiveComplete != nil {
			if err := sec.Ops.LiveComplete(s); err != nil {
				return fmt.Errorf("section %s: live complete: %w", sec.IDStr, err)
			}
		}
	}

	return s.PutU8(TagEOF)
}

// SaveLiveOnly writes a self-contained, header-less stream of just the
// live (RAM) sections: TagStart for each, then SaveIterate rounds until
// every one reports done, then TagEnd/LiveComplete for each, then TagEOF.
// Used by COLO to push one checkpoint's RAM state directly onto the
// forward stream (spec step "save live RAM state to the forward stream"),
// independent of the non-live device-state buffer.
func (d *Driver) SaveLiveOnly(s *wire.Stream) error {
	d.liveDone = make(map[*Section]bool)
	d.iterCursor = 0

	for _, sec := range d.reg.active() {
		if !sec.Ops.IsRAMLive() {
			continue
		}

		if err := writeSectionHeader(s, TagStart, sec); err != nil {
			return fmt.Errorf("section %s: write start: %w", sec.IDStr, err)
		}
	}

	for {
		done, err := d.SaveIterate(s)
		if err != nil {
			return err
		}

		if done {
			break
		}
	}

	for _, sec := range d.reg.active() {
		if !sec.Ops.IsRAMLive() {
			continue
		}

		if err := writeSectionHeader(s, TagEnd, sec); err != nil {
			return fmt.Errorf("section %s: write end: %w", sec.IDStr, err)
		}

		if sec.Ops.LiveComplete != nil {
			if err := sec.Ops.LiveComplete(s); err != nil {
				return fmt.Errorf("section %s: live complete: %w", sec.IDStr, err)
			}
		}
	}

	return s.PutU8(TagEOF)
}

// LoadLiveOnly reads a stream produced by SaveLiveOnly.
func (d *Driver) LoadLiveOnly(s *wire.Stream) error {
	_, err := d.loadLoopBody(s)

	return err
}

// SaveNonLiveFull writes a self-contained, header-less stream holding a
// TagFull frame for every active non-live section, then TagEOF. Used by
// COLO to build the in-memory device-state buffer (spec step "save
// device state into the in-memory buffer") from the same registry that
// backs the ordinary save/load path and PACKAGED sub-streams.
func (d *Driver) SaveNonLiveFull(s *wire.Stream) error {
	for _, sec := range d.reg.active() {
		if sec.Ops.IsRAMLive() {
			continue
		}

		if err := writeSectionHeader(s, TagFull, sec); err != nil {
			return fmt.Errorf("section %s: write full header: %w", sec.IDStr, err)
		}

		if sec.Ops.SaveState != nil {
			if err := sec.Ops.SaveState(s); err != nil {
				return fmt.Errorf("section %s: save state: %w", sec.IDStr, err)
			}
		}
	}

	return s.PutU8(TagEOF)
}

// LoadNonLiveFull reads a stream produced by SaveNonLiveFull, reusing the
// same recursive dispatch loop that drives a PACKAGED sub-stream.
func (d *Driver) LoadNonLiveFull(s *wire.Stream) error {
	_, err := d.loadLoopBody(s)

	return err
}

// SendCommand writes a TagCommand frame with a 16-bit type, 16-bit length
// prefix and payload.
func (d *Driver) SendCommand(s *wire.Stream, cmdType uint16, payload []byte) error {
	if err := s.PutU8(TagCommand); err != nil {
		return err
	}

	if err := s.PutU16(cmdType); err != nil {
		return err
	}

	if err := s.PutU16(uint16(len(payload))); err != nil {
		return err
	}

	return s.PutBuffer(payload)
}

// SendPackaged writes a PACKAGED command: an outer command header whose
// length field is fixed at 4 (the size of the declared sub-stream
// length that follows), then the declared length itself, then the raw
// sub-stream bytes. The sub-stream is not bounded by the outer command
// length, matching how the reader splices it out of the main stream.
func (d *Driver) SendPackaged(s *wire.Stream, sub []byte) error {
	if err := s.PutU8(TagCommand); err != nil {
		return err
	}

	if err := s.PutU16(CmdPackaged); err != nil {
		return err
	}

	if err := s.PutU16(4); err != nil {
		return err
	}

	if err := s.PutU32(uint32(len(sub))); err != nil {
		return err
	}

	return s.PutBuffer(sub)
}

// LoadLoop reads frames from s until TagEOF, a command handler requests
// an early exit, or an error occurs. setup is invoked once per section
// the first time it is encountered on the wire.
func (d *Driver) LoadLoop(s *wire.Stream) error {
	if err := readHeader(s); err != nil {
		return err
	}

	_, err := d.loadLoopBody(s)

	return err
}

// loadLoopBody runs the tag-dispatch loop until TagEOF, a command asks to
// stop, or an error occurs, and returns the DispatchResult that stopped
// it (zero on a clean TagEOF). It carries no magic/version header of its
// own: dispatchPackaged calls it recursively on a spliced-out sub-stream,
// which is framed the same way as the top-level stream minus that header.
func (d *Driver) loadLoopBody(s *wire.Stream) (DispatchResult, error) {
	for {
		tag, err := s.GetU8()
		if err != nil {
			return 0, fmt.Errorf("section: read tag: %w", err)
		}

		switch tag {
		case TagEOF:
			return 0, nil
		case TagCommand:
			result, err := d.dispatchCommand(s)
			if err != nil {
				return 0, err
			}

			if result&FlagQuitLoop != 0 || result&FlagQuitParent != 0 {
				return result, nil
			}
		case TagStart, TagFull:
			if err := d.loadSectionHeader(s, tag); err != nil {
				return 0, err
			}
		case TagPart, TagEnd:
			if err := d.loadSectionBody(s, tag); err != nil {
				return 0, err
			}
		default:
			return 0, fmt.Errorf("%w: %#x", errUnknownTag, tag)
		}
	}
}

func (d *Driver) loadSectionHeader(s *wire.Stream, tag uint8) error {
	sectionID, err := s.GetU32()
	if err != nil {
		return fmt.Errorf("section: read section id: %w", err)
	}

	idstr, err := s.GetCountedString()
	if err != nil {
		return fmt.Errorf("section: read idstr: %w", err)
	}

	instance, err := s.GetU32()
	if err != nil {
		return fmt.Errorf("section: read instance id: %w", err)
	}

	version, err := s.GetU32()
	if err != nil {
		return fmt.Errorf("section: read version id: %w", err)
	}

	sec, ok := d.reg.Find(idstr, instance)
	if !ok {
		return fmt.Errorf("%w: %s/%d", errUnknownSection, idstr, instance)
	}

	if version > sec.VersionID {
		return fmt.Errorf("%w: %s wants %d, max %d", errVersionTooNew, idstr, version, sec.VersionID)
	}

	if version < sec.MinimumVersionID {
		return fmt.Errorf("%w: %s sent %d, need >= %d", errVersionTooNew, idstr, version, sec.MinimumVersionID)
	}

	if sec.Ops.Setup != nil {
		if err := sec.Ops.Setup(); err != nil {
			return fmt.Errorf("section %s: setup: %w", idstr, err)
		}
	}

	d.liveEntries[sectionID] = sec

	if tag == TagFull {
		if sec.Ops.LoadState != nil {
			if err := sec.Ops.LoadState(s, version); err != nil {
				return fmt.Errorf("section %s: load state: %w", idstr, err)
			}
		}
	}

	return nil
}

func (d *Driver) loadSectionBody(s *wire.Stream, tag uint8) error {
	sectionID, err := s.GetU32()
	if err != nil {
		return fmt.Errorf("section: read section id: %w", err)
	}

	sec, ok := d.liveEntries[sectionID]
	if !ok {
		return fmt.Errorf("%w: id %d", errUnknownSection, sectionID)
	}

	if sec.Ops.LoadState != nil {
		if err := sec.Ops.LoadState(s, sec.VersionID); err != nil {
			return fmt.Errorf("section %s: load body: %w", sec.IDStr, err)
		}
	}

	if tag == TagEnd {
		delete(d.liveEntries, sectionID)
	}

	return nil
}

func (d *Driver) dispatchCommand(s *wire.Stream) (DispatchResult, error) {
	cmdType, err := s.GetU16()
	if err != nil {
		return 0, fmt.Errorf("section: read command type: %w", err)
	}

	length, err := s.GetU16()
	if err != nil {
		return 0, fmt.Errorf("section: read command length: %w", err)
	}

	if cmdType == CmdPackaged {
		return d.dispatchPackaged(s)
	}

	if int(length) > maxPackagedSize {
		return 0, fmt.Errorf("%w: %d", errPackagedTooLarge, length)
	}

	payload, err := s.GetBuffer(int(length))
	if err != nil {
		return 0, fmt.Errorf("section: read command payload: %w", err)
	}

	h, ok := d.handlers[cmdType]
	if !ok {
		return 0, nil
	}

	result, err := h.HandleCommand(cmdType, payload)
	if err != nil {
		return 0, fmt.Errorf("section: command %d: %w", cmdType, err)
	}

	return result, nil
}

// dispatchPackaged implements MIG_CMD_PACKAGED semantics: the command's
// own length field carries a 4-byte declared size for the sub-stream,
// but the sub-stream's bytes follow directly in the main stream rather
// than being bounded by that 16-bit command length. The sub-stream is
// read in full and recursively driven through loadLoopBody as its own
// self-contained section stream (no CommandHandler lookup — PACKAGED's
// job is to splice and recurse, not to be handled like an ordinary
// command). FlagQuitParent from the nested loop propagates out as
// FlagQuitLoop on the parent, per QUITLOOP's one-level-up semantics;
// FlagQuitLoop alone only ended the sub-stream and is swallowed here.
func (d *Driver) dispatchPackaged(s *wire.Stream) (DispatchResult, error) {
	declaredLen, err := s.GetU32()
	if err != nil {
		return 0, fmt.Errorf("section: read packaged length: %w", err)
	}

	if declaredLen > maxPackagedSize {
		return 0, fmt.Errorf("%w: %d", errPackagedTooLarge, declaredLen)
	}

	sub, err := s.GetBuffer(int(declaredLen))
	if err != nil {
		return 0, fmt.Errorf("section: read packaged payload: %w", err)
	}

	buf := wire.NewBuffer()
	buf.SetLength(len(sub))
	copy(buf.Bytes(), sub)

	result, err := d.loadLoopBody(buf.OpenRead())
	if err != nil {
		return 0, fmt.Errorf("section: packaged sub-stream: %w", err)
	}

	if result&FlagQuitParent != 0 {
		return FlagQuitLoop | FlagQuitParent, nil
	}

	return 0, nil
}
