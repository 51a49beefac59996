package rpc

import (
	"fmt"

	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/danmuck/edgerpc/internal/protocol/frame"
)

// HandlerFunc runs one decoded message. It sends its own responses;
// nothing is acknowledged on its behalf.
type HandlerFunc func(s *Session, msg *protocol.Message, state any)

// SubDecodeFunc streams the content payload of a message while it is
// still being decoded. See protocol.SubDecodeFunc.
type SubDecodeFunc func(payload *frame.Stream, msg *protocol.Message, state any) error

// Handler is one registry record.
type Handler struct {
	SubDecode SubDecodeFunc
	Handle    HandlerFunc
	State     any
}

// Register binds tag to h for this session. It panics on a duplicate
// tag, on TagNone, on a nil Handle, or once the worker has started.
func (s *Session) Register(tag protocol.Tag, h Handler) {
	if s.started.Load() {
		panic(fmt.Sprintf("rpc: register %s after session start", tag))
	}
	if tag == protocol.TagNone {
		panic("rpc: register reserved tag none")
	}
	if h.Handle == nil {
		panic(fmt.Sprintf("rpc: register %s with nil handler", tag))
	}
	if _, exists := s.handlers[tag]; exists {
		panic(fmt.Sprintf("rpc: duplicate handler for %s", tag))
	}
	s.handlers[tag] = h
	if h.SubDecode != nil {
		sub, state := h.SubDecode, h.State
		s.hooks[tag] = func(payload *frame.Stream, msg *protocol.Message) error {
			return sub(payload, msg, state)
		}
	}
}

// lookup is only called from the worker, after registration closed.
func (s *Session) lookup(tag protocol.Tag) (Handler, bool) {
	h, ok := s.handlers[tag]
	return h, ok
}

func (s *Session) hookFor(tag protocol.Tag) protocol.SubDecodeFunc {
	return s.hooks[tag]
}
