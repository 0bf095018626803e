// Package relayclient is the client side of the relay connection: one
// persistent WebSocket per logged-in user, used to send signaling events and to
// subscribe to the events the relay delivers.
//
// Reconnection is not handled here; when the connection drops, Done is closed
// and every subscription channel is closed.
package relayclient
