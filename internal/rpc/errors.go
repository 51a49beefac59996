package rpc

import "errors"

var (
	ErrBusy          = errors.New("rpc: engine busy")
	ErrNilEngine     = errors.New("rpc: nil engine")
	ErrNilSubsystem  = errors.New("rpc: nil subsystem")
	ErrAttachFailed  = errors.New("rpc: subsystem attach failed")
	ErrAlreadyBuilt  = errors.New("rpc: session builder already used")
	ErrUnknownOwner  = errors.New("rpc: unknown owner")
	ErrInvalidConfig = errors.New("rpc: invalid config")
)
