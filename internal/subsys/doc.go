// Package subsys holds the helpers shared by the bundled rpc subsystems.
//
// Each subpackage implements rpc.Subsystem and registers handlers for
// its own content tags. Payloads are CBOR unless a tag documents a raw
// layout.
package subsys
