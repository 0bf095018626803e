// Package call runs the lifecycle of one-to-one calls.
//
// A Session is an actor: every inbound signal, user action, media result and
// peer connection event is posted to its mailbox and handled on a single
// goroutine, so session state needs no further locking. The Router owns the
// session table, dispatches relay frames to sessions by room id, and enforces
// the one-active-call-per-user busy policy.
package call
