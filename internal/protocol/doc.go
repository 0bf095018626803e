// Package protocol defines the relay wire format shared by the relay server and
// call clients: a JSON frame envelope carrying a named event and its payload.
package protocol
