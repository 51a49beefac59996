package frame

import "io"

const discardChunk = 256

// Stream reads a bounded number of bytes through a PullFunc. Once a pull
// fails the stream is aborted: Left reports 0 and every read fails.
type Stream struct {
	pull    PullFunc
	left    uint64
	aborted bool
	parent  *Stream
}

// NewStream returns a stream limited to n bytes of pull.
func NewStream(pull PullFunc, n uint64) *Stream {
	return &Stream{pull: pull, left: n}
}

// Left reports how many bytes remain in the stream.
func (s *Stream) Left() uint64 {
	return s.left
}

// Aborted reports whether the underlying source failed mid-read.
func (s *Stream) Aborted() bool {
	return s.aborted
}

func (s *Stream) abort() {
	s.left = 0
	s.aborted = true
	if s.parent != nil {
		s.parent.abort()
	}
}

// ReadFull fills p from the stream or fails with ErrShortFrame.
func (s *Stream) ReadFull(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if s.aborted || uint64(len(p)) > s.left {
		return ErrShortFrame
	}
	if !s.pull(p) {
		s.abort()
		return ErrShortFrame
	}
	s.left -= uint64(len(p))
	return nil
}

// Read implements io.Reader over the remaining bytes.
func (s *Stream) Read(p []byte) (int, error) {
	if s.aborted {
		return 0, ErrShortFrame
	}
	if s.left == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > s.left {
		p = p[:s.left]
	}
	if err := s.ReadFull(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Limit carves the next n bytes into a child stream. The parent gives up
// those bytes immediately; the child must be drained before the parent
// is read again.
func (s *Stream) Limit(n uint64) (*Stream, error) {
	if s.aborted {
		return nil, ErrShortFrame
	}
	if n > s.left {
		return nil, ErrLimitExceedsLeft
	}
	s.left -= n
	return &Stream{pull: s.pull, left: n, parent: s}, nil
}

// Discard drops the remaining bytes.
func (s *Stream) Discard() error {
	var buf [discardChunk]byte
	for s.left > 0 {
		n := uint64(len(buf))
		if n > s.left {
			n = s.left
		}
		if err := s.ReadFull(buf[:n]); err != nil {
			return err
		}
	}
	if s.aborted {
		return ErrShortFrame
	}
	return nil
}
