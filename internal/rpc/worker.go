package rpc

import (
	"fmt"
	"time"

	"github.com/danmuck/edgerpc/internal/observability"
	"github.com/danmuck/edgerpc/internal/protocol"
)

// run is the session worker: decode one message, dispatch it, repeat
// until terminate is latched.
func (s *Session) run() {
	defer close(s.exited)
	for {
		if err := protocol.DecodeFrame(s.pull, s.limits, &s.msg, s.hookFor); err != nil {
			s.decodeFailed(err)
		} else {
			s.dispatch()
		}
		s.msg.Reset()
		if s.terminate.Load() {
			return
		}
	}
}

// pull fills p from the inbound queue, blocking until it is full or the
// session has nothing more to give. While decode_error is latched every
// popped byte is dropped.
func (s *Session) pull(p []byte) bool {
	got := 0
	for {
		n, empty := s.inbound.pop(p[got:])
		if n > 0 {
			if empty {
				s.notifyBufferIsEmpty()
			}
			if !s.decodeError.Load() {
				got += n
			}
		}
		if got == len(p) {
			return true
		}

		select {
		case <-s.inbound.readable():
		case <-s.disconnected:
			if s.inbound.len() == 0 {
				s.terminate.Store(true)
				return false
			}
			// disconnected stays closed, so the next wait sees it again
			// once the remaining bytes are drained.
		}
	}
}

func (s *Session) decodeFailed(err error) {
	s.inbound.reset()
	if s.terminate.Load() {
		s.log.Debug().Err(err).Msg("rpc decode stopped by termination")
		return
	}
	if s.decodeError.Swap(true) {
		return
	}
	s.decodeFails.Add(1)
	observability.RecordDecodeError(s.owner.String())
	s.log.Warn().Err(err).Msg("rpc decode failed; session latched")

	_ = s.SendEmpty(0, protocol.StatusErrorDecode)
	s.notifyClosed()
	if s.reset != nil {
		s.log.Info().Msg("rpc requesting transport reset")
		s.reset(s)
	}
}

func (s *Session) dispatch() {
	tag := s.msg.Content.Tag
	h, ok := s.lookup(tag)
	if !ok {
		if tag == protocol.TagNone {
			s.decodeFailed(protocol.ErrNoContent)
			return
		}
		if s.terminate.Load() {
			return
		}
		s.log.Debug().
			Uint32("command_id", s.msg.CommandID).
			Str("tag", tag.String()).
			Msg("rpc no handler")
		observability.RecordMessage(s.owner.String(), "unregistered", observability.OutcomeNotImplemented)
		_ = s.SendEmpty(s.msg.CommandID, protocol.StatusErrorNotImplemented)
		return
	}

	s.dispatched.Add(1)
	start := time.Now()
	outcome := s.invoke(h)
	observability.RecordMessage(s.owner.String(), tag.String(), outcome)
	observability.ObserveHandler(tag.String(), time.Since(start))
}

// invoke runs one handler body under the engine serializer. A panic is
// logged and answered with StatusErrorInternal; the session continues.
func (s *Session) invoke(h Handler) (outcome string) {
	commandID := s.msg.CommandID
	panicked := func() (panicked bool) {
		s.engine.exec.Lock()
		defer func() {
			s.engine.exec.Unlock()
			if r := recover(); r != nil {
				panicked = true
				s.log.Error().
					Uint32("command_id", commandID).
					Str("tag", s.msg.Content.Tag.String()).
					Str("panic", fmt.Sprint(r)).
					Msg("rpc handler panicked")
			}
		}()
		h.Handle(s, &s.msg, h.State)
		return false
	}()
	if panicked {
		_ = s.SendEmpty(commandID, protocol.StatusErrorInternal)
		return observability.OutcomePanic
	}
	return observability.OutcomeHandled
}

// supervise joins the worker and then tears the session down. It never
// runs on the worker goroutine.
func (s *Session) supervise() {
	<-s.exited

	s.detachAll()
	s.handlers = nil
	s.hooks = nil
	s.msg.Reset()
	s.inbound.close()

	s.cbMu.Lock()
	fn := s.terminated
	s.sendBytes = nil
	s.bufferIsEmpty = nil
	s.closed = nil
	s.terminated = nil
	s.cbMu.Unlock()
	if fn != nil {
		fn()
	}

	s.engine.release(s)
	s.log.Info().
		Uint64("dispatched", s.dispatched.Load()).
		Dur("lifetime", time.Since(s.openedAt)).
		Msg("rpc session terminated")
	close(s.done)
}
