package protocol

import (
	"encoding/binary"
	"math"

	"github.com/danmuck/edgerpc/internal/protocol/frame"
	"github.com/danmuck/edgerpc/internal/protocol/schema"
	"github.com/danmuck/edgerpc/internal/protocol/tlv"
)

// Encode returns the envelope body of msg without a length prefix.
// Zero-valued command_id, status and has_next are omitted.
func Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	if msg.Content.Tag == TagNone {
		return nil, ErrNoContent
	}
	if uint64(len(msg.Content.Payload)) > math.MaxUint32-schema.ContentTagLen {
		return nil, ErrContentTooLarge
	}

	size := 3*(tlv.HeaderLen+4) + tlv.HeaderLen + schema.ContentTagLen + len(msg.Content.Payload)
	out := make([]byte, 0, size)
	if msg.CommandID != 0 {
		out = tlv.AppendField(out, tlv.U32(schema.FieldCommandID, msg.CommandID))
	}
	if msg.Status != StatusOK {
		out = tlv.AppendField(out, tlv.U32(schema.FieldStatus, uint32(msg.Status)))
	}
	if msg.HasNext {
		out = tlv.AppendField(out, tlv.Bool(schema.FieldHasNext, true))
	}
	out = tlv.AppendHeader(out, tlv.FieldHeader{
		ID:   schema.FieldContent,
		Type: tlv.TypeBytes,
		Len:  uint32(schema.ContentTagLen + len(msg.Content.Payload)),
	})
	out = binary.BigEndian.AppendUint16(out, uint16(msg.Content.Tag))
	out = append(out, msg.Content.Payload...)
	return out, nil
}

// AppendFramed appends the length-prefixed envelope of msg to dst.
func AppendFramed(dst []byte, msg *Message) ([]byte, error) {
	body, err := Encode(msg)
	if err != nil {
		return dst, err
	}
	return frame.AppendFrame(dst, body), nil
}

// Framed returns the length-prefixed envelope of msg.
func Framed(msg *Message) ([]byte, error) {
	return AppendFramed(nil, msg)
}
