//go:build linux

package postcopy

import (
	"fmt"
	"sync"

	"github.com/kvmxfer/kvmxfer/wire"
)

// Return-path message types, destination to source.
const (
	retMsgShut     uint8 = 1
	retMsgAck      uint8 = 2
	retMsgReqPages uint8 = 3
)

// ReturnMessage is one decoded return-path message.
type ReturnMessage struct {
	Type   uint8
	Status uint32 // SHUT
	Value  uint32 // ACK
	Name   string // REQ_PAGES; empty when the region is unchanged since the last request
	Offset uint64 // REQ_PAGES
	Length uint32 // REQ_PAGES
}

// PutShut writes a SHUT message, ending the return path after status.
func PutShut(s *wire.Stream, status uint32) error {
	if err := s.PutU8(retMsgShut); err != nil {
		return err
	}

	return s.PutU32(status)
}

// PutAck writes an ACK message acknowledging value.
func PutAck(s *wire.Stream, value uint32) error {
	if err := s.PutU8(retMsgAck); err != nil {
		return err
	}

	return s.PutU32(value)
}

// PutReqPages writes a REQ_PAGES message. name should be empty when the
// requested region is the same one named in the previous REQ_PAGES on this
// path, matching the wire format's "name present only when region changed"
// rule.
func PutReqPages(s *wire.Stream, name string, offset uint64, length uint32) error {
	if err := s.PutU8(retMsgReqPages); err != nil {
		return err
	}

	if err := s.PutU8(uint8(len(name))); err != nil {
		return err
	}

	if len(name) > 0 {
		if err := s.PutBuffer([]byte(name)); err != nil {
			return err
		}
	}

	if err := s.PutU64(offset); err != nil {
		return err
	}

	return s.PutU32(length)
}

// GetReturnMessage reads and decodes the next return-path message.
func GetReturnMessage(s *wire.Stream) (ReturnMessage, error) {
	typ, err := s.GetU8()
	if err != nil {
		return ReturnMessage{}, fmt.Errorf("postcopy: read return-path message type: %w", err)
	}

	switch typ {
	case retMsgShut:
		status, err := s.GetU32()
		if err != nil {
			return ReturnMessage{}, fmt.Errorf("postcopy: read SHUT status: %w", err)
		}

		return ReturnMessage{Type: typ, Status: status}, nil

	case retMsgAck:
		value, err := s.GetU32()
		if err != nil {
			return ReturnMessage{}, fmt.Errorf("postcopy: read ACK value: %w", err)
		}

		return ReturnMessage{Type: typ, Value: value}, nil

	case retMsgReqPages:
		nameLen, err := s.GetU8()
		if err != nil {
			return ReturnMessage{}, fmt.Errorf("postcopy: read REQ_PAGES name length: %w", err)
		}

		var name string

		if nameLen > 0 {
			b, err := s.GetBuffer(int(nameLen))
			if err != nil {
				return ReturnMessage{}, fmt.Errorf("postcopy: read REQ_PAGES name: %w", err)
			}

			name = string(b)
		}

		offset, err := s.GetU64()
		if err != nil {
			return ReturnMessage{}, fmt.Errorf("postcopy: read REQ_PAGES offset: %w", err)
		}

		length, err := s.GetU32()
		if err != nil {
			return ReturnMessage{}, fmt.Errorf("postcopy: read REQ_PAGES length: %w", err)
		}

		return ReturnMessage{Type: typ, Name: name, Offset: offset, Length: length}, nil

	default:
		return ReturnMessage{}, fmt.Errorf("postcopy: unknown return-path message type %d", typ)
	}
}

// ReturnPathSource implements PageSource against a destination-held return
// path: each fault request becomes a REQ_PAGES message, and the reply is
// the raw page bytes the source writes back on the same stream.
type ReturnPathSource struct {
	mu         sync.Mutex
	retPath    *wire.Stream
	lastRegion string
}

// NewReturnPathSource returns a PageSource that serves faults over retPath.
func NewReturnPathSource(retPath *wire.Stream) *ReturnPathSource {
	return &ReturnPathSource{retPath: retPath}
}

func (s *ReturnPathSource) FetchPage(region string, offset uint64) (data []byte, allZero bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := region
	if region == s.lastRegion {
		name = ""
	}

	if err := PutReqPages(s.retPath, name, offset, pageSize); err != nil {
		return nil, false, fmt.Errorf("postcopy: send REQ_PAGES: %w", err)
	}

	if err := s.retPath.Flush(); err != nil {
		return nil, false, fmt.Errorf("postcopy: flush REQ_PAGES: %w", err)
	}

	s.lastRegion = region

	data, err = s.retPath.GetBuffer(pageSize)
	if err != nil {
		return nil, false, fmt.Errorf("postcopy: read requested page: %w", err)
	}

	return data, false, nil
}

// ServeReturnPath runs on the source: it reads return-path messages from
// the destination until SHUT, answering each REQ_PAGES by calling fetch
// and writing the returned bytes back, until SHUT or an error.
func ServeReturnPath(retPath *wire.Stream, fetch func(region string, offset uint64, length uint32) ([]byte, error)) error {
	var lastRegion string

	for {
		msg, err := GetReturnMessage(retPath)
		if err != nil {
			return fmt.Errorf("postcopy: serve return path: %w", err)
		}

		switch msg.Type {
		case retMsgShut:
			return nil

		case retMsgAck:
			continue

		case retMsgReqPages:
			region := msg.Name
			if region == "" {
				region = lastRegion
			} else {
				lastRegion = region
			}

			data, err := fetch(region, msg.Offset, msg.Length)
			if err != nil {
				return fmt.Errorf("postcopy: fetch %s+%#x: %w", region, msg.Offset, err)
			}

			if err := retPath.PutBuffer(data); err != nil {
				return fmt.Errorf("postcopy: send page data: %w", err)
			}

			if err := retPath.Flush(); err != nil {
				return fmt.Errorf("postcopy: flush page data: %w", err)
			}
		}
	}
}
