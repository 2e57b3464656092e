// Package connection implements a single managed TCP connection.
//
// A Conn:
//   - Owns its socket and read buffer exclusively
//   - Runs one read loop goroutine that drains inbound bytes
//   - Delivers each newly read chunk to the sink bound to its handle
//   - Tears itself down on close request, read error or read timeout
//
// Teardown removes the handle from the registry, closes the socket,
// delivers a terminal Closed event and unbinds the sink.
package connection
