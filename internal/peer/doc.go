// Package peer wraps a pion PeerConnection with the narrow surface a single
// call needs: one offer/answer round, trickled ICE candidates, local tracks and
// an idempotent Close.
package peer
