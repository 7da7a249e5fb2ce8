// Package signaling relays call-setup messages between websocket peers.
//
// Peers connect on GET /signal, receive their connection id in a `connected`
// event, declare a username with `login` and then exchange opaque WebRTC
// negotiation payloads addressed by connection id. Every frame in both
// directions is a JSON text message of the form {"event": ..., "data": ...}.
package signaling
