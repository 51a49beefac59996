// Package rpc is the session engine: it owns one logical connection per
// Session, turns the fed byte stream into envelopes, routes each one by
// content tag to a registered handler and runs the two-phase shutdown.
//
// Handler bodies from every session of one Engine run one at a time.
// Decoding and I/O of different sessions proceed in parallel.
package rpc
