package protocol

import "errors"

var (
	ErrNilMessage       = errors.New("protocol: nil message")
	ErrNoContent        = errors.New("protocol: message has no content")
	ErrDuplicateField   = errors.New("protocol: duplicate envelope field")
	ErrContentTooLarge  = errors.New("protocol: content too large")
	ErrLateHeaderField  = errors.New("protocol: envelope field after content")
	ErrContentUnmatched = errors.New("protocol: content tag mismatch")
)
