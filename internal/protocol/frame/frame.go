package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxLengthPrefixLen is the longest accepted varint length prefix.
const MaxLengthPrefixLen = binary.MaxVarintLen64

var (
	ErrShortFrame       = errors.New("frame: short frame")
	ErrLengthOverflow   = errors.New("frame: length prefix overflow")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrLimitExceedsLeft = errors.New("frame: sub-stream exceeds remaining bytes")
)

// Limits constrains frame decode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 1024 * 1024,
	}
}

// PullFunc fills p completely or reports false when no more input will
// arrive. It may block.
type PullFunc func(p []byte) bool

// ReadLength consumes one unsigned LEB128 length prefix from pull.
func ReadLength(pull PullFunc) (uint64, error) {
	var (
		value uint64
		shift uint
		b     [1]byte
	)
	for i := 0; i < MaxLengthPrefixLen; i++ {
		if !pull(b[:]) {
			return 0, ErrShortFrame
		}
		if i == MaxLengthPrefixLen-1 && b[0] > 1 {
			return 0, ErrLengthOverflow
		}
		value |= uint64(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return value, nil
		}
		shift += 7
	}
	return 0, ErrLengthOverflow
}

// Open reads the length prefix of the next frame and returns a stream
// bounded to its body.
func Open(pull PullFunc, limits Limits) (*Stream, error) {
	n, err := ReadLength(pull)
	if err != nil {
		return nil, err
	}
	if limits.MaxPayloadBytes > 0 && n > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, limits.MaxPayloadBytes)
	}
	return NewStream(pull, n), nil
}

// AppendFrame appends the length prefix and body to dst.
func AppendFrame(dst []byte, body []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(body)))
	return append(dst, body...)
}

// WriteFrame writes one length-prefixed body to w.
func WriteFrame(w io.Writer, body []byte) error {
	buf := AppendFrame(make([]byte, 0, MaxLengthPrefixLen+len(body)), body)
	_, err := w.Write(buf)
	return err
}

// ReaderPull adapts an io.Reader into a PullFunc.
func ReaderPull(r io.Reader) PullFunc {
	return func(p []byte) bool {
		_, err := io.ReadFull(r, p)
		return err == nil
	}
}
