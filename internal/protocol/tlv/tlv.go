package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
)

// Type IDs from tlv contract.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

// FieldHeader is the fixed prefix of one field, decoded ahead of its value
// so streaming readers can decide how to consume the value bytes.
type FieldHeader struct {
	ID   uint16
	Type uint8
	Len  uint32
}

// AppendField appends the wire form of f to dst.
func AppendField(dst []byte, f Field) []byte {
	dst = AppendHeader(dst, FieldHeader{ID: f.ID, Type: f.Type, Len: uint32(len(f.Value))})
	return append(dst, f.Value...)
}

// AppendHeader appends a field header to dst.
func AppendHeader(dst []byte, h FieldHeader) []byte {
	var buf [HeaderLen]byte
	binary.BigEndian.PutUint16(buf[0:2], h.ID)
	buf[2] = h.Type
	binary.BigEndian.PutUint32(buf[3:7], h.Len)
	return append(dst, buf[:]...)
}

// ParseHeader decodes a field header from exactly HeaderLen bytes.
func ParseHeader(b []byte) (FieldHeader, error) {
	if len(b) < HeaderLen {
		return FieldHeader{}, ErrShortFieldHeader
	}
	return FieldHeader{
		ID:   binary.BigEndian.Uint16(b[0:2]),
		Type: b[2],
		Len:  binary.BigEndian.Uint32(b[3:7]),
	}, nil
}

// FixedLen returns the value width of fixed-size types, or -1 for
// variable-length ones.
func FixedLen(typeID uint8) int {
	switch typeID {
	case TypeU8, TypeBool:
		return 1
	case TypeU16:
		return 2
	case TypeU32:
		return 4
	case TypeU64:
		return 8
	default:
		return -1
	}
}

func U32(id uint16, v uint32) Field {
	return Field{ID: id, Type: TypeU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func BoolFromBytes(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, fmt.Errorf("tlv: invalid bool length: %d", len(b))
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("tlv: invalid bool value: %d", b[0])
	}
}
