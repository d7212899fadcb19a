// Package network implements the INC engine: the server, the client
// context, the connection layer, the operation (future) abstraction,
// the subscription registry, and the shared-memory stream channels.
//
// A Server exposes named methods through an injected Handler and
// broadcasts named events to subscribers. A Context owns one connection
// to one server; every outbound request (method call, ping,
// subscribe/unsubscribe, stream write) returns an *Operation that the
// receive path or the deadline sweep eventually completes. Payloads
// past the 992-byte control limit move through Streams backed by
// shared-memory ring buffers negotiated over the control connection.
//
// With EnableIOThread set, socket reads and framing run on a dedicated
// goroutine and dispatch is marshalled onto a single owner goroutine;
// otherwise dispatch runs directly on the reader. Application-facing
// calls never block either way.
package network
