// Package dispatch is the tag sync dispatch engine.
//
// A change notification for a Tag enters the tag queue (deduplicated by tag),
// is expanded into gateway requests of at most MaxIDsPerRequest registration
// ids each, and every request enters the delivery queue (deduplicated by
// request value, delay escalated on admission). Each dequeued request gets its
// own execution goroutine which performs one delivery attempt and hands the
// outcome to a ResponseHandler.
//
// # Delays
//
// Delays carried by DelayedTag and DelayedRequest are bookkeeping only. Both
// queues drain strictly FIFO and nothing waits for a delay to elapse; a
// response handler may read the delay to decide how to back off.
//
// # Locking
//
// Both queues and both dispatch steps share one Engine mutex. A submission
// holds it from the dedup check until the dequeued item has been expanded
// (tags) or handed to an execution goroutine (requests). Network I/O never
// happens under the mutex.
package dispatch
