package rpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgerpc/internal/observability"
	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/danmuck/edgerpc/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// State is the externally observable phase of a session.
type State int

const (
	StateActive State = iota
	StateDisconnectRequested
	StateDecodeError
	StateTerminating
	StateExited
)

var stateNames = [...]string{
	StateActive:              "active",
	StateDisconnectRequested: "disconnect_requested",
	StateDecodeError:         "decode_error",
	StateTerminating:         "terminating",
	StateExited:              "exited",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ResetFunc escalates a decode error to the layer below the session,
// e.g. by aborting the carrying connection. It runs on the worker.
type ResetFunc func(s *Session)

type attachment struct {
	sub   Subsystem
	state any
}

// Session is one logical point-to-point connection.
type Session struct {
	id       string
	owner    Owner
	engine   *Engine
	openedAt time.Time
	limits   frame.Limits
	log      zerolog.Logger

	handlers map[protocol.Tag]Handler
	hooks    map[protocol.Tag]protocol.SubDecodeFunc
	attached []attachment
	reset    ResetFunc

	inbound *inboundQueue
	msg     protocol.Message

	started      atomic.Bool
	terminate    atomic.Bool
	decodeError  atomic.Bool
	disconnect   sync.Once
	disconnected chan struct{}
	exited       chan struct{}
	done         chan struct{}

	cbMu          sync.Mutex
	sendBytes     func([]byte)
	bufferIsEmpty func()
	closed        func()
	terminated    func()

	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	dispatched  atomic.Uint64
	decodeFails atomic.Uint64
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Owner() Owner { return s.owner }

// Done is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	select {
	case <-s.done:
		return StateExited
	default:
	}
	switch {
	case s.terminate.Load():
		return StateTerminating
	case s.decodeError.Load():
		return StateDecodeError
	case s.isDisconnected():
		return StateDisconnectRequested
	default:
		return StateActive
	}
}

// Feed queues inbound bytes, waiting up to timeout for space, and returns
// how many were accepted. A short count is backpressure. Feed accepts
// nothing once Close has been called.
func (s *Session) Feed(p []byte, timeout time.Duration) int {
	if len(p) == 0 || s.isDisconnected() {
		return 0
	}
	n := s.inbound.push(p, timeout)
	if n > 0 {
		s.bytesIn.Add(uint64(n))
		observability.RecordBytes(s.owner.String(), observability.DirectionIn, n)
	}
	return n
}

// AvailableCapacity is the instantaneous free space of the inbound queue.
func (s *Session) AvailableCapacity() int {
	return s.inbound.available()
}

// Close requests disconnect. It clears the send_bytes and closed
// callbacks, never blocks and may be called any number of times. Wait on
// Done or the terminated callback for teardown.
func (s *Session) Close() {
	s.cbMu.Lock()
	s.sendBytes = nil
	s.closed = nil
	s.cbMu.Unlock()
	s.disconnect.Do(func() {
		s.log.Debug().Msg("rpc session disconnect requested")
		close(s.disconnected)
	})
}

func (s *Session) isDisconnected() bool {
	select {
	case <-s.disconnected:
		return true
	default:
		return false
	}
}

// Send encodes msg and hands the framed bytes to the send_bytes callback.
// It is a no-op once the callback is cleared.
func (s *Session) Send(msg *protocol.Message) error {
	data, err := protocol.Framed(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("rpc send encode failed")
		return err
	}
	s.cbMu.Lock()
	fn := s.sendBytes
	s.cbMu.Unlock()
	if fn == nil {
		return nil
	}
	fn(data)
	s.bytesOut.Add(uint64(len(data)))
	observability.RecordBytes(s.owner.String(), observability.DirectionOut, len(data))
	return nil
}

// SendAndRelease sends msg then clears it so the caller's payloads are
// dropped.
func (s *Session) SendAndRelease(msg *protocol.Message) error {
	err := s.Send(msg)
	msg.Reset()
	return err
}

// SendEmpty sends a status-only response.
func (s *Session) SendEmpty(commandID uint32, status protocol.Status) error {
	return s.Send(protocol.NewEmpty(commandID, status))
}

// SetSendBytesCallback installs the outbound byte sink. nil clears it.
func (s *Session) SetSendBytesCallback(fn func([]byte)) {
	s.cbMu.Lock()
	s.sendBytes = fn
	s.cbMu.Unlock()
}

// SetBufferIsEmptyCallback is invoked when the worker drains the queue.
func (s *Session) SetBufferIsEmptyCallback(fn func()) {
	s.cbMu.Lock()
	s.bufferIsEmpty = fn
	s.cbMu.Unlock()
}

// SetClosedCallback is invoked when the peer asks to stop or the stream
// becomes undecodable.
func (s *Session) SetClosedCallback(fn func()) {
	s.cbMu.Lock()
	s.closed = fn
	s.cbMu.Unlock()
}

// SetTerminatedCallback is invoked once teardown is complete.
func (s *Session) SetTerminatedCallback(fn func()) {
	s.cbMu.Lock()
	s.terminated = fn
	s.cbMu.Unlock()
}

func (s *Session) notifyClosed() {
	s.cbMu.Lock()
	fn := s.closed
	s.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) notifyBufferIsEmpty() {
	s.cbMu.Lock()
	fn := s.bufferIsEmpty
	s.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Info is a point-in-time snapshot for the admin surface.
type Info struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	State       string    `json:"state"`
	OpenedAt    time.Time `json:"opened_at"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	Dispatched  uint64    `json:"dispatched"`
	DecodeFails uint64    `json:"decode_failures"`
	Queued      int       `json:"queued"`
}

func (s *Session) Info() Info {
	return Info{
		ID:          s.id,
		Owner:       s.owner.String(),
		State:       s.State().String(),
		OpenedAt:    s.openedAt,
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
		Dispatched:  s.dispatched.Load(),
		DecodeFails: s.decodeFails.Load(),
		Queued:      s.inbound.len(),
	}
}
