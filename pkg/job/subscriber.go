package job

import (
	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
)

// subscriberQueueSize bounds how many undelivered updates a subscriber may
// accumulate before it is dropped.
const subscriberQueueSize = 32

// Subscriber receives operation snapshots for one client of one operation.
// Updates arrive on Updates; the channel closes when the subscriber is
// dropped for falling behind.
type Subscriber struct {
	updates chan *longrunningpb.Operation
	dropped bool
}

func newSubscriber() *Subscriber {
	return &Subscriber{
		updates: make(chan *longrunningpb.Operation, subscriberQueueSize),
	}
}

// Updates returns the channel operation snapshots are delivered on.
func (s *Subscriber) Updates() <-chan *longrunningpb.Operation {
	return s.updates
}

// Dropped reports whether the subscriber was disconnected for being too
// slow to drain its queue.
func (s *Subscriber) Dropped() bool {
	return s.dropped
}

// offer enqueues a snapshot without blocking. A full queue marks the
// subscriber dropped and closes its channel; further offers are no-ops.
func (s *Subscriber) offer(op *longrunningpb.Operation) bool {
	if s.dropped {
		return false
	}
	select {
	case s.updates <- op:
		return true
	default:
		s.dropped = true
		close(s.updates)
		return false
	}
}
