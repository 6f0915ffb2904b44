// Package status keeps the server-wide counters shown on the /status endpoint.
// Every counter is an atomic, callers never lock.
package status

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Status is a live set of server counters.
type Status struct {
	started time.Time

	Connections       atomic.Int64 // currently open
	Accepted          atomic.Uint64
	Requests          atomic.Uint64
	Errors            atomic.Uint64 // error replies sent
	Heartbeats        atomic.Uint64
	Pushes            atomic.Uint64
	Acks              atomic.Uint64
	CorrelationMisses atomic.Uint64
	SendFailures      atomic.Uint64

	// Extra lines appended to the report, e.g. pool stats.
	extra []fmt.Stringer
}

// New creates a Status whose uptime starts now.
func New(extra ...fmt.Stringer) *Status {
	return &Status{started: time.Now(), extra: extra}
}

// Uptime returns the time since New.
func (s *Status) Uptime() time.Duration {
	return time.Since(s.started).Truncate(time.Second)
}

// String renders a plain-text snapshot.
func (s *Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "uptime: %s\n", s.Uptime())
	fmt.Fprintf(&b, "connections: %d (accepted %d)\n", s.Connections.Load(), s.Accepted.Load())
	fmt.Fprintf(&b, "requests: %d\n", s.Requests.Load())
	fmt.Fprintf(&b, "errors: %d\n", s.Errors.Load())
	fmt.Fprintf(&b, "heartbeats: %d\n", s.Heartbeats.Load())
	fmt.Fprintf(&b, "pushes: %d acks: %d correlation misses: %d\n", s.Pushes.Load(), s.Acks.Load(), s.CorrelationMisses.Load())
	fmt.Fprintf(&b, "send failures: %d\n", s.SendFailures.Load())
	for _, e := range s.extra {
		fmt.Fprintf(&b, "%s\n", e)
	}
	return b.String()
}
