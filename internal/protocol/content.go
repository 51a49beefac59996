package protocol

import (
	"fmt"

	"github.com/danmuck/edgerpc/internal/codec"
)

// NewContent encodes v as the CBOR payload of a tag-t content.
func NewContent(t Tag, v any) (Content, error) {
	if v == nil {
		return Content{Tag: t}, nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return Content{}, fmt.Errorf("protocol: encode %s content: %w", t, err)
	}
	return Content{Tag: t, Payload: data}, nil
}

// Unmarshal decodes the CBOR payload into v, checking the tag first.
func (c Content) Unmarshal(want Tag, v any) error {
	if c.Tag != want {
		return fmt.Errorf("%w: got %s want %s", ErrContentUnmatched, c.Tag, want)
	}
	if len(c.Payload) == 0 {
		return nil
	}
	if err := codec.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s content: %w", c.Tag, err)
	}
	return nil
}

// NewResponse builds a response correlated to commandID.
func NewResponse(commandID uint32, status Status, t Tag, v any) (*Message, error) {
	c, err := NewContent(t, v)
	if err != nil {
		return nil, err
	}
	return &Message{CommandID: commandID, Status: status, Content: c}, nil
}

// NewEmpty builds a status-only response.
func NewEmpty(commandID uint32, status Status) *Message {
	return &Message{CommandID: commandID, Status: status, Content: Content{Tag: TagEmpty}}
}
