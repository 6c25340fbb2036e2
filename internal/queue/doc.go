// Package queue implements the durable priority task queue: three lanes
// (HIGH, MEDIUM, LOW) over a shared Pebble store with claim-based delivery
// to consumer groups, bounded retries, and a dead letter queue.
//
// A task lives at task/{id}; its lane entry and availability index only
// point at it. Dequeue claims the lowest available sequence from the
// highest non-empty lane, so lanes drain strictly in priority order.
// Claims carry an expiry; Fail records a handler error in place and leaves
// the entry claimed, so ReclaimExpired is the single path that returns
// expired attempts to their lanes until the retry budget runs out, then
// dead-letters them.
package queue
