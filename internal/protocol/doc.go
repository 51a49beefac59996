// Package protocol owns the message envelope and its wire codec.
//
// Ownership boundary:
// - frame: varint length prefix and pull-based bounded streams
// - tlv: field primitives the envelope is built from
// - schema: envelope field contract and validation
// - this package: Message/Content/Tag/Status and Encode/Decode
//
// Content payloads are opaque to the envelope; the bundled subsystems
// encode them as CBOR through internal/codec.
package protocol
