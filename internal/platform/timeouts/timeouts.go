// Package timeouts defines shared timeout constants used across the server.
// Centralizing these values prevents drift between subsystems and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Request caps a single REST operation, including its persistence work.
const Request = 10 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 10 * time.Second

// FlushInterval is the elapsed-time bound for the per-session write-behind
// batch flusher.
const FlushInterval = 500 * time.Millisecond

// MoveDebounce is the window within which consecutive moves of the same
// entity collapse into one broadcast.
const MoveDebounce = 50 * time.Millisecond

// IdleEviction is the quiet period after which a live session with no
// connected clients is checkpointed and evicted from memory.
const IdleEviction = 5 * time.Minute

// DemoIdleEviction is the shorter quiet period applied to demo sessions.
const DemoIdleEviction = 30 * time.Second
