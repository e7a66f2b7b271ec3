// Package operations exposes the long-running-operations view over the
// scheduler's jobs.
package operations

import (
	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"

	"github.com/buildhive/buildhive/pkg/scheduler"
)

// Instance serves the operations surface of one instance name.
type Instance struct {
	scheduler *scheduler.Scheduler
}

// NewInstance creates an operations instance over the given scheduler.
func NewInstance(sched *scheduler.Scheduler) *Instance {
	return &Instance{scheduler: sched}
}

// GetOperation returns a snapshot of one operation.
func (i *Instance) GetOperation(name string) (*longrunningpb.Operation, error) {
	return i.scheduler.GetOperation(name)
}

// ListOperations snapshots every live operation, name-ordered.
func (i *Instance) ListOperations() []*longrunningpb.Operation {
	return i.scheduler.ListOperations()
}

// CancelOperation cancels one operation handle; the underlying job is only
// cancelled when all of its operations are.
func (i *Instance) CancelOperation(name string) error {
	return i.scheduler.CancelOperation(name)
}

// DeleteOperation removes a finished operation from the server's books.
func (i *Instance) DeleteOperation(name string) error {
	return i.scheduler.DeleteOperation(name)
}
