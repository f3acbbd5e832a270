package bootloader

import "sync/atomic"

// Counters tracks datagram handling statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	DatagramsRecv   atomic.Uint32 // Envelopes handed to the server
	Executed        atomic.Uint32 // Datagrams that reached a handler
	RepliesSent     atomic.Uint32 // Replies written to a transport
	InvalidCommand  atomic.Uint32 // Undecodable command index
	NotFound        atomic.Uint32 // Index missing from the table
	VersionMismatch atomic.Uint32 // Envelope version differs from the table
	Dropped         atomic.Uint32 // Empty envelopes and datagrams after a jump
	SendErrors      atomic.Uint32 // Replies a transport failed to send
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	DatagramsRecv   uint32
	Executed        uint32
	RepliesSent     uint32
	InvalidCommand  uint32
	NotFound        uint32
	VersionMismatch uint32
	Dropped         uint32
	SendErrors      uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		DatagramsRecv:   c.DatagramsRecv.Load(),
		Executed:        c.Executed.Load(),
		RepliesSent:     c.RepliesSent.Load(),
		InvalidCommand:  c.InvalidCommand.Load(),
		NotFound:        c.NotFound.Load(),
		VersionMismatch: c.VersionMismatch.Load(),
		Dropped:         c.Dropped.Load(),
		SendErrors:      c.SendErrors.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.DatagramsRecv.Store(0)
	c.Executed.Store(0)
	c.RepliesSent.Store(0)
	c.InvalidCommand.Store(0)
	c.NotFound.Store(0)
	c.VersionMismatch.Store(0)
	c.Dropped.Store(0)
	c.SendErrors.Store(0)
}
