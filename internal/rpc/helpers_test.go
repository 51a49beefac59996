package rpc

import (
	"bytes"
	"testing"
	"time"

	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/danmuck/edgerpc/internal/protocol/frame"
	"github.com/danmuck/edgerpc/internal/protocol/schema"
	"github.com/danmuck/edgerpc/internal/protocol/tlv"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// funcSubsystem adapts closures to Subsystem.
type funcSubsystem struct {
	name   string
	attach func(s *Session) (any, error)
	detach func(state any)
}

func (f funcSubsystem) Name() string { return f.name }

func (f funcSubsystem) Attach(s *Session) (any, error) {
	if f.attach == nil {
		return nil, nil
	}
	return f.attach(s)
}

func (f funcSubsystem) Detach(state any) {
	if f.detach != nil {
		f.detach(state)
	}
}

// handles registers fixed handlers on attach.
func handles(handlers map[protocol.Tag]Handler) Subsystem {
	return funcSubsystem{
		name: "test",
		attach: func(s *Session) (any, error) {
			for tag, h := range handlers {
				s.Register(tag, h)
			}
			return nil, nil
		},
	}
}

func newEngine(t *testing.T, cfg Config, subs ...Subsystem) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, subs...)
	require.NoError(t, err)
	return e
}

func openSession(t *testing.T, e *Engine) *Session {
	t.Helper()
	s, err := e.Open(OwnerUnknown)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		waitDone(t, s)
	})
	return s
}

// sink decodes every send_bytes call into a message.
type sink struct {
	ch chan *protocol.Message
}

func newSink(t *testing.T, s *Session) *sink {
	t.Helper()
	k := &sink{ch: make(chan *protocol.Message, 256)}
	s.SetSendBytesCallback(func(b []byte) {
		msg := &protocol.Message{}
		if err := protocol.DecodeFrame(frame.ReaderPull(bytes.NewReader(b)), frame.DefaultLimits(), msg, nil); err != nil {
			t.Errorf("sink decode: %v", err)
			return
		}
		k.ch <- msg
	})
	return k
}

func (k *sink) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case msg := <-k.ch:
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for response")
		return nil
	}
}

func (k *sink) empty(t *testing.T) {
	t.Helper()
	select {
	case msg := <-k.ch:
		t.Fatalf("unexpected response %+v", msg)
	default:
	}
}

func framed(t *testing.T, commandID uint32, tag protocol.Tag, payload []byte) []byte {
	t.Helper()
	b, err := protocol.Framed(&protocol.Message{
		CommandID: commandID,
		Content:   protocol.Content{Tag: tag, Payload: payload},
	})
	require.NoError(t, err)
	return b
}

// framedTagNone builds an otherwise valid envelope whose content tag is
// the reserved zero value.
func framedTagNone(commandID uint32) []byte {
	body := tlv.AppendField(nil, tlv.U32(schema.FieldCommandID, commandID))
	body = tlv.AppendField(body, tlv.Field{ID: schema.FieldContent, Type: tlv.TypeBytes, Value: []byte{0, 0}})
	return frame.AppendFrame(nil, body)
}

func feedAll(t *testing.T, s *Session, p []byte) {
	t.Helper()
	for len(p) > 0 {
		n := s.Feed(p, waitTimeout)
		require.NotZero(t, n, "feed stalled with %d bytes left", len(p))
		p = p[n:]
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	waitSignal(t, s.Done(), "session teardown")
}
