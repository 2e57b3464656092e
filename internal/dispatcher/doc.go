// Package dispatcher implements the command surface over a set of managed
// TCP connections.
//
// The Dispatcher owns the connection registry, the sink bindings and a
// bounded worker pool for asynchronous connects. Commands run on the
// caller's goroutine and touch connections only through the registry and
// each connection's close signal.
package dispatcher
