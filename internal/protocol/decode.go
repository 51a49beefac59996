package protocol

import (
	"encoding/binary"

	"github.com/danmuck/edgerpc/internal/protocol/frame"
	"github.com/danmuck/edgerpc/internal/protocol/schema"
	"github.com/danmuck/edgerpc/internal/protocol/tlv"
)

// SubDecodeFunc consumes a content payload straight from the frame so
// large nested payloads never need to be buffered. Whatever it produces
// goes in msg.Content.Value. Unread payload bytes are discarded after it
// returns; a returned error fails the whole decode.
type SubDecodeFunc func(payload *frame.Stream, msg *Message) error

// HookLookup returns the sub-decode hook for tag, or nil to buffer the
// payload into msg.Content.Payload.
type HookLookup func(tag Tag) SubDecodeFunc

// DecodeFrame reads one length-prefixed envelope through pull into msg.
func DecodeFrame(pull frame.PullFunc, limits frame.Limits, msg *Message, hooks HookLookup) error {
	s, err := frame.Open(pull, limits)
	if err != nil {
		return err
	}
	return Decode(s, msg, hooks)
}

// Decode reads one envelope body from s into msg. command_id, status and
// has_next must precede content, so a hook always sees the complete
// header. Unknown fields may appear anywhere.
func Decode(s *frame.Stream, msg *Message, hooks HookLookup) error {
	if msg == nil {
		return ErrNilMessage
	}
	msg.Reset()

	var (
		hdr         [tlv.HeaderLen]byte
		val         [4]byte
		seen        = make(map[uint16]bool, 4)
		haveContent bool
	)
	for s.Left() > 0 {
		if err := s.ReadFull(hdr[:]); err != nil {
			return err
		}
		h, err := tlv.ParseHeader(hdr[:])
		if err != nil {
			return err
		}
		if uint64(h.Len) > s.Left() {
			return tlv.ErrShortFieldValue
		}
		if err := schema.CheckField(h); err != nil {
			return err
		}
		if schema.Known(h.ID) {
			if seen[h.ID] {
				return ErrDuplicateField
			}
			if haveContent {
				return ErrLateHeaderField
			}
			seen[h.ID] = true
		}

		switch h.ID {
		case schema.FieldCommandID:
			if err := s.ReadFull(val[:4]); err != nil {
				return err
			}
			msg.CommandID = binary.BigEndian.Uint32(val[:4])
		case schema.FieldStatus:
			if err := s.ReadFull(val[:4]); err != nil {
				return err
			}
			msg.Status = Status(binary.BigEndian.Uint32(val[:4]))
		case schema.FieldHasNext:
			if err := s.ReadFull(val[:1]); err != nil {
				return err
			}
			v, err := tlv.BoolFromBytes(val[:1])
			if err != nil {
				return err
			}
			msg.HasNext = v
		case schema.FieldContent:
			if err := decodeContent(s, h, msg, hooks); err != nil {
				return err
			}
			haveContent = true
		default:
			skip, err := s.Limit(uint64(h.Len))
			if err != nil {
				return err
			}
			if err := skip.Discard(); err != nil {
				return err
			}
		}
	}
	if s.Aborted() {
		return frame.ErrShortFrame
	}
	if !haveContent {
		return ErrNoContent
	}
	return nil
}

func decodeContent(s *frame.Stream, h tlv.FieldHeader, msg *Message, hooks HookLookup) error {
	var tagBuf [schema.ContentTagLen]byte
	if err := s.ReadFull(tagBuf[:]); err != nil {
		return err
	}
	tag := Tag(binary.BigEndian.Uint16(tagBuf[:]))
	if tag == TagNone {
		return ErrNoContent
	}
	msg.Content.Tag = tag
	n := uint64(h.Len) - schema.ContentTagLen

	if hooks != nil {
		if hook := hooks(tag); hook != nil {
			payload, err := s.Limit(n)
			if err != nil {
				return err
			}
			if err := hook(payload, msg); err != nil {
				return err
			}
			return payload.Discard()
		}
	}

	msg.Content.Payload = make([]byte, n)
	return s.ReadFull(msg.Content.Payload)
}
