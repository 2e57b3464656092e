// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connect attempts by outcome and open connection count
//   - Read loop attempts, bytes in and out, and exit reasons
//   - Bound sinks, delivered and dropped events
//   - Bridge sessions, commands and dropped outbound frames
package metrics
