// Package ws runs relay websocket connections.
//
// The package implements:
//   - Session: one connection's state machine (connecting, open, closed)
//     driven by its read pump, plus the write pump that owns the socket
//   - DeliveryLoop: per-session task that wakes on room marker changes,
//     scans the room's recent messages and queues the unseen ones
//   - DedupWindow: ids already delivered on one session, bounded by the
//     lookback horizon
//   - Hub / HubManager: the sessions of this process grouped by room, used
//     for counting and shutdown only
//   - Service: upgrades requests and owns every session's goroutines
//
// Sessions never hand messages to each other. An inbound frame becomes one
// mailbox commit (message plus room marker) and reaches peers, in this or
// any other process sharing the mailbox, through their delivery loops.
package ws
