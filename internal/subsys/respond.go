package subsys

import (
	"errors"
	"io/fs"
	"syscall"

	"github.com/danmuck/edgerpc/internal/codec"
	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidParameter = errors.New("subsys: invalid parameter")
	ErrDenied           = errors.New("subsys: access denied")
	ErrNotDir           = errors.New("subsys: not a directory")
)

// Respond sends one response carrying v under tag.
func Respond(s *rpc.Session, commandID uint32, tag protocol.Tag, v any) {
	msg, err := protocol.NewResponse(commandID, protocol.StatusOK, tag, v)
	if err != nil {
		log.Error().Err(err).Str("tag", tag.String()).Msg("subsys encode response failed")
		_ = s.SendEmpty(commandID, protocol.StatusErrorInternal)
		return
	}
	_ = s.SendAndRelease(msg)
}

// RespondFragments sends one response per item, flagging every one but
// the last with HasNext. An empty list still sends a single response.
func RespondFragments[T any](s *rpc.Session, commandID uint32, tag protocol.Tag, items []T) {
	if len(items) == 0 {
		var zero T
		Respond(s, commandID, tag, zero)
		return
	}
	for i, item := range items {
		if !Fragment(s, commandID, tag, item, i < len(items)-1) {
			return
		}
	}
}

// Fragment sends one piece of a multi-part response. It reports false
// after answering StatusErrorInternal because v could not be encoded.
func Fragment(s *rpc.Session, commandID uint32, tag protocol.Tag, v any, hasNext bool) bool {
	msg, err := protocol.NewResponse(commandID, protocol.StatusOK, tag, v)
	if err != nil {
		log.Error().Err(err).Str("tag", tag.String()).Msg("subsys encode fragment failed")
		_ = s.SendEmpty(commandID, protocol.StatusErrorInternal)
		return false
	}
	msg.HasNext = hasNext
	_ = s.SendAndRelease(msg)
	return true
}

// Fail answers commandID with the status that best describes err.
func Fail(s *rpc.Session, commandID uint32, err error) {
	status := StatusFor(err)
	log.Debug().Uint32("command_id", commandID).Str("status", status.String()).Err(err).Msg("subsys command failed")
	_ = s.SendEmpty(commandID, status)
}

// StatusFor maps handler errors onto wire statuses.
func StatusFor(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, ErrInvalidParameter):
		return protocol.StatusErrorInvalidParameter
	case errors.Is(err, ErrDenied), errors.Is(err, fs.ErrPermission):
		return protocol.StatusErrorStorageDenied
	case errors.Is(err, ErrNotDir):
		return protocol.StatusErrorStorageNotDir
	case errors.Is(err, syscall.ENOTEMPTY):
		return protocol.StatusErrorStorageDirNotEmpty
	case errors.Is(err, fs.ErrNotExist):
		return protocol.StatusErrorStorageNotExist
	case errors.Is(err, fs.ErrExist):
		return protocol.StatusErrorStorageExist
	default:
		return protocol.StatusError
	}
}

// Decode unmarshals the request content or answers with
// StatusErrorInvalidParameter. It reports whether the handler may go on.
func Decode(s *rpc.Session, msg *protocol.Message, v any) bool {
	if err := msg.Content.Unmarshal(msg.Content.Tag, v); err != nil {
		ev := log.Debug().Uint32("command_id", msg.CommandID).Err(err)
		if diag, derr := codec.Diagnose(msg.Content.Payload); derr == nil {
			ev = ev.Str("payload", diag)
		}
		ev.Msg("subsys bad request payload")
		_ = s.SendEmpty(msg.CommandID, protocol.StatusErrorInvalidParameter)
		return false
	}
	return true
}
