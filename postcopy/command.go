//go:build linux

package postcopy

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kvmxfer/kvmxfer/section"
)

const pagesPerWord = 64

var (
	errDiscardPayloadShort   = errors.New("postcopy: discard payload too short")
	errDiscardBadVersion     = errors.New("postcopy: discard payload has unsupported version")
	errDiscardUnknownRegion  = errors.New("postcopy: discard names unknown region")
	errDiscardBitBelowOffset = errors.New("postcopy: discard sets a bit below first_bit_offset in the first word")
	errPostcopyEndPayload    = errors.New("postcopy: END payload must be exactly one byte")
)

// HandleCommand implements section.CommandHandler, routing the five
// postcopy command types into the phase machine and discard logic. A
// Handler registers itself with RegisterWithDriver on whichever side of
// the stream plays the postcopy destination.
func (h *Handler) HandleCommand(cmdType uint16, payload []byte) (section.DispatchResult, error) {
	switch cmdType {
	case section.CmdPostcopyAdvise:
		return 0, h.Advise()
	case section.CmdPostcopyDiscard:
		return 0, h.handleDiscard(payload)
	case section.CmdPostcopyListen:
		return 0, h.Listen()
	case section.CmdPostcopyRun:
		return 0, h.Run()
	case section.CmdPostcopyEnd:
		return section.FlagQuitLoop, h.handleEnd(payload)
	default:
		return 0, fmt.Errorf("postcopy: unexpected command %d", cmdType)
	}
}

// RegisterWithDriver wires every postcopy command type to h on drv, so
// POSTCOPY_ADVISE/DISCARD/LISTEN/RUN/END frames arriving on a load loop
// reach h instead of being silently dropped as unhandled commands.
func (h *Handler) RegisterWithDriver(drv *section.Driver) {
	for _, cmd := range []uint16{
		section.CmdPostcopyAdvise,
		section.CmdPostcopyDiscard,
		section.CmdPostcopyListen,
		section.CmdPostcopyRun,
		section.CmdPostcopyEnd,
	} {
		drv.RegisterCommandHandler(cmd, h)
	}
}

func (h *Handler) handleEnd(payload []byte) error {
	if len(payload) != 1 {
		return fmt.Errorf("%w: got %d bytes", errPostcopyEndPayload, len(payload))
	}

	return h.End()
}

func (h *Handler) regionByName(name string) (RAMRegion, bool) {
	for _, r := range h.regions {
		if r.Name() == name {
			return r, true
		}
	}

	return nil, false
}

// handleDiscard parses a POSTCOPY_DISCARD payload: ver:u8=0,
// first_bit_offset:u8, name_len:u8, name[name_len], then repeating 16-byte
// (start_word:be64, mask:be64) pairs. Each set bit b in a pair selects
// page start_word*64 - first_bit_offset + b, relative to the start of the
// named region, for discard.
func (h *Handler) handleDiscard(payload []byte) error {
	if len(payload) < 3 {
		return fmt.Errorf("%w: %d bytes", errDiscardPayloadShort, len(payload))
	}

	ver := payload[0]
	firstBitOffset := int(payload[1])
	nameLen := int(payload[2])

	if ver != 0 {
		return fmt.Errorf("%w: %d", errDiscardBadVersion, ver)
	}

	if len(payload) < 3+nameLen {
		return fmt.Errorf("%w: name truncated", errDiscardPayloadShort)
	}

	name := string(payload[3 : 3+nameLen])
	rest := payload[3+nameLen:]

	if len(rest)%16 != 0 {
		return fmt.Errorf("%w: %d trailing bytes", errDiscardPayloadShort, len(rest)%16)
	}

	region, ok := h.regionByName(name)
	if !ok {
		return fmt.Errorf("%w: %q", errDiscardUnknownRegion, name)
	}

	for off := 0; off < len(rest); off += 16 {
		startWord := binary.BigEndian.Uint64(rest[off : off+8])
		mask := binary.BigEndian.Uint64(rest[off+8 : off+16])

		for bit := 0; bit < pagesPerWord; bit++ {
			if mask&(1<<uint(bit)) == 0 {
				continue
			}

			if startWord == 0 && bit < firstBitOffset {
				return fmt.Errorf("%w: word 0 bit %d", errDiscardBitBelowOffset, bit)
			}

			pageIdx := int64(startWord)*pagesPerWord - int64(firstBitOffset) + int64(bit)
			if pageIdx < 0 {
				return fmt.Errorf("%w: page index %d", errDiscardBitBelowOffset, pageIdx)
			}

			if err := region.DiscardRange(uint64(pageIdx)*pageSize, pageSize); err != nil {
				return fmt.Errorf("postcopy: discard page %d of %q: %w", pageIdx, name, err)
			}
		}
	}

	return nil
}
