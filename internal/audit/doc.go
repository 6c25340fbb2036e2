// Package audit records saga lifecycle events in an append-only log, one
// immutable entry per event. The trail for a failed or aborted saga is
// sufficient to diagnose who ran what, which step broke, and why.
package audit
