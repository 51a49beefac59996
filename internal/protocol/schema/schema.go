package schema

import (
	"fmt"

	"github.com/danmuck/edgerpc/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Envelope field IDs from tlv contract.
const (
	FieldCommandID uint16 = 1
	FieldStatus    uint16 = 2
	FieldHasNext   uint16 = 3
	FieldContent   uint16 = 4
)

// ContentTagLen is the width of the tag that prefixes the content value.
const ContentTagLen = 2

// Requirement is the wire type an envelope field must carry.
type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: envelope: %s", e.Reason)
	}
	return fmt.Sprintf("schema: envelope field=%d: %s", e.FieldID, e.Reason)
}

var envelope = map[uint16]Requirement{
	FieldCommandID: {FieldCommandID, tlv.TypeU32},
	FieldStatus:    {FieldStatus, tlv.TypeU32},
	FieldHasNext:   {FieldHasNext, tlv.TypeBool},
	FieldContent:   {FieldContent, tlv.TypeBytes},
}

// Known reports whether id is an envelope field.
func Known(id uint16) bool {
	_, ok := envelope[id]
	return ok
}

// CheckField validates one field header against the envelope contract.
// Unknown fields pass so newer peers can add fields.
func CheckField(h tlv.FieldHeader) error {
	req, ok := envelope[h.ID]
	if !ok {
		return nil
	}
	if h.Type != req.Type {
		log.Debug().
			Uint16("field_id", h.ID).
			Uint8("got", h.Type).
			Uint8("want", req.Type).
			Msg("schema.CheckField type mismatch")
		return ValidationError{FieldID: h.ID, Reason: "type mismatch"}
	}
	if n := tlv.FixedLen(req.Type); n >= 0 && h.Len != uint32(n) {
		return ValidationError{FieldID: h.ID, Reason: fmt.Sprintf("invalid length %d", h.Len)}
	}
	if h.ID == FieldContent && h.Len < ContentTagLen {
		return ValidationError{FieldID: h.ID, Reason: "content shorter than tag"}
	}
	return nil
}
