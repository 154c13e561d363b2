// Package oom carries the out-of-memory signal the zone allocator raises
// when a request cannot be satisfied. A failed allocation always returns a
// nil frame and an error code to its caller; publishing on Ch is a
// secondary, best-effort notification for whatever reclaimer wants to
// listen, not a synchronization point the allocator depends on.
package oom

// Ch is notified when the zone allocator runs out of free frames. Nothing
// in the memory core blocks waiting for a reader.
var Ch = make(chan Msg)

// Msg is sent on Ch when memory is exhausted.
type Msg struct {
	// Need is the number of frames the failed request wanted.
	Need int
	// Resume, if non-nil, lets a reclaimer signal the waiter that frames
	// may now be available. The memory core never reads it itself.
	Resume chan bool
}

// Notify publishes msg on Ch without blocking. If no reclaimer is currently
// receiving, the notification is dropped.
func Notify(msg Msg) {
	select {
	case Ch <- msg:
	default:
	}
}
