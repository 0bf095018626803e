// Package relayserver is the server side of the signaling relay. It keeps a
// presence registry of connected users, tracks the rooms created by
// start-call, forwards offer/answer/ice-candidate frames between the two
// participants of a room, and translates accept/reject/end requests into
// call-accepted/call-rejected/call-ended notices. The relay never sees media.
package relayserver
