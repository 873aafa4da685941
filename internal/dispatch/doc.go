// Package dispatch is the broker's serialized worker: it owns the
// pending-request queue, gates process spawning on admission headroom
// and helper-binary trust, and runs requests strictly one at a time.
//
// Key properties:
//   - Serial FIFO dispatch (one helper process in flight)
//   - Non-blocking enqueue from any goroutine
//   - Admission backoff (~100ms poll) instead of spawning under pressure
//   - Synchronous requests bypass the queue and admission gate and run
//     inline on the caller's goroutine
//   - Per-request errors are logged and the loop continues; the worker
//     never dies because one request failed
//   - Every accepted request ends in exactly one callback delivery on
//     the host main loop, including timeouts and shutdown drains
package dispatch
