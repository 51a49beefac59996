package rpc

import (
	"fmt"
	"strings"
)

// Owner is the transport class that opened a session.
type Owner uint8

const (
	OwnerUnknown Owner = iota
	OwnerCLI
	OwnerBLE
	OwnerUSB
	OwnerUART
	OwnerNet
)

var ownerNames = [...]string{
	OwnerUnknown: "unknown",
	OwnerCLI:     "cli",
	OwnerBLE:     "ble",
	OwnerUSB:     "usb",
	OwnerUART:    "uart",
	OwnerNet:     "net",
}

func (o Owner) String() string {
	if int(o) < len(ownerNames) {
		return ownerNames[o]
	}
	return fmt.Sprintf("owner(%d)", uint8(o))
}

// ParseOwner maps a config name back to an Owner.
func ParseOwner(raw string) (Owner, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, n := range ownerNames {
		if n == name {
			return Owner(i), nil
		}
	}
	return OwnerUnknown, fmt.Errorf("%w: %q", ErrUnknownOwner, raw)
}
