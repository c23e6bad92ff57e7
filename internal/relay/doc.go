// Package relay forwards call signaling between connected users.
//
// The relay is stateless with respect to calls: it keeps one connection per
// authenticated user id, stamps each message with the sender it actually came
// from, relabels client message types to their delivered form and forwards
// them to the target. Payloads are never decoded. Media never passes through
// the relay.
package relay
