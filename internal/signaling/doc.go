// Package signaling defines the call relay message contract: the envelope,
// the typed message kinds and their payloads, strict decoding, a dispatch
// table keyed by message type, and the Channel a call client uses to talk to
// the relay.
//
// Only control and negotiation messages travel over a Channel, never media.
package signaling
