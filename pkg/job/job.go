// Package job implements the server-side coordination record for one
// in-flight action execution.
//
// A Job anchors two state machines: the operation stage visible to clients
// (CACHE_CHECK, QUEUED, EXECUTING, COMPLETED) and the lease state shared
// with a single worker bot (PENDING, ACTIVE, COMPLETED, CANCELLED). One job
// may project several client-facing operations; each keeps its own
// subscriber set.
package job

import (
	"fmt"
	"sync"
	"time"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/log"
)

// Job owns the state of one action execution: operation metadata, the
// worker lease, timestamps and subscriber queues. All exported methods are
// safe for concurrent use; the scheduler lock is always taken before a job
// lock when both are needed.
type Job struct {
	mu sync.Mutex

	name         string
	actionDigest *repb.Digest
	action       *repb.Action
	doNotCache   bool
	priority     int32
	platform     *repb.Platform

	stage          repb.ExecutionStage_Value
	lease          *rwpb.Lease
	leaseCancelled bool
	nTries         int

	queuedTimestamp     time.Time
	queuedTimeDuration  time.Duration
	workerStartTime     time.Time
	workerCompletedTime time.Time

	executeResponse *repb.ExecuteResponse

	operations map[string]*operation
}

// operation is one client-facing handle onto the job.
type operation struct {
	name        string
	cancelled   bool
	subscribers map[*Subscriber]struct{}
}

// New creates a job for the given action with a fresh UUID name.
func New(action *repb.Action, actionDigest *repb.Digest, priority int32, platform *repb.Platform) *Job {
	return &Job{
		name:         uuid.New().String(),
		actionDigest: actionDigest,
		action:       action,
		doNotCache:   action.GetDoNotCache(),
		priority:     priority,
		platform:     platform,
		stage:        repb.ExecutionStage_UNKNOWN,
		operations:   make(map[string]*operation),
	}
}

// Name returns the job name (a v4 UUID).
func (j *Job) Name() string { return j.name }

// ActionDigest returns the digest of the job's action.
func (j *Job) ActionDigest() *repb.Digest { return j.actionDigest }

// Action returns the job's action message.
func (j *Job) Action() *repb.Action { return j.action }

// Priority returns the job priority; lower sorts first.
func (j *Job) Priority() int32 { return j.priority }

// Platform returns the platform requirements of the job's action.
func (j *Job) Platform() *repb.Platform { return j.platform }

// QueuedTimestamp returns when the job first entered the queue.
func (j *Job) QueuedTimestamp() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.queuedTimestamp
}

// QueuedDuration returns how long the job waited before executing.
func (j *Job) QueuedDuration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.queuedTimeDuration
}

// DoNotCache reports whether the result must not enter the action cache.
// Lease failures force it to true.
func (j *Job) DoNotCache() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.doNotCache
}

// Stage returns the current operation stage.
func (j *Job) Stage() repb.ExecutionStage_Value {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage
}

// NTries returns how many times the job has been queued.
func (j *Job) NTries() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nTries
}

// Done reports whether the job has reached a terminal stage.
func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage == repb.ExecutionStage_COMPLETED
}

// Cancelled reports whether every operation of the job has been cancelled.
func (j *Job) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.allOperationsCancelledLocked()
}

func (j *Job) allOperationsCancelledLocked() bool {
	if len(j.operations) == 0 {
		return false
	}
	for _, op := range j.operations {
		if !op.cancelled {
			return false
		}
	}
	return true
}

// ActionResult returns the result attached on completion, or nil.
func (j *Job) ActionResult() *repb.ActionResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.executeResponse == nil {
		return nil
	}
	return j.executeResponse.Result
}

// SetCachedResult completes the job immediately with a result served from
// the action cache.
func (j *Job) SetCachedResult(result *repb.ActionResult) {
	j.mu.Lock()
	j.executeResponse = &repb.ExecuteResponse{
		Result:       result,
		CachedResult: true,
		Status:       &statuspb.Status{Code: int32(codes.OK)},
	}
	j.mu.Unlock()
	j.UpdateStage(repb.ExecutionStage_COMPLETED)
}

// HoldsCachedResult reports whether the attached response came from cache.
func (j *Job) HoldsCachedResult() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.executeResponse.GetCachedResult()
}

// CreateOperation registers a new client-facing operation handle and
// returns its name.
func (j *Job) CreateOperation() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	name := uuid.New().String()
	j.operations[name] = &operation{
		name:        name,
		subscribers: make(map[*Subscriber]struct{}),
	}
	return name
}

// OperationNames lists the operations projected by this job.
func (j *Job) OperationNames() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	names := make([]string, 0, len(j.operations))
	for name := range j.operations {
		names = append(names, name)
	}
	return names
}

// HasOperation reports whether the named operation belongs to this job.
func (j *Job) HasOperation(name string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.operations[name]
	return ok
}

// DeleteOperation removes a terminal operation with no subscribers and
// reports whether the job has no operations left.
func (j *Job) DeleteOperation(name string) (empty bool, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	op, ok := j.operations[name]
	if !ok {
		return false, errdefs.NotFoundf("operation %q", name)
	}
	if len(op.subscribers) > 0 {
		return false, errdefs.InvalidArgumentf("operation %q still has subscribers", name)
	}
	delete(j.operations, name)
	return len(j.operations) == 0, nil
}

// NumClients returns the number of live subscribers across all operations.
func (j *Job) NumClients() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, op := range j.operations {
		n += len(op.subscribers)
	}
	return n
}

// HasLease reports whether a worker currently holds a lease on this job.
func (j *Job) HasLease() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lease != nil
}

// Deletable reports whether the job can be garbage collected: terminal, no
// subscribers and no outstanding lease.
func (j *Job) Deletable() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stage != repb.ExecutionStage_COMPLETED {
		return false
	}
	if j.lease != nil && j.lease.State != rwpb.LeaseState_COMPLETED && j.lease.State != rwpb.LeaseState_CANCELLED {
		return false
	}
	for _, op := range j.operations {
		if len(op.subscribers) > 0 {
			return false
		}
	}
	return true
}

// Operation builds a snapshot of the named operation.
func (j *Job) Operation(name string) (*longrunningpb.Operation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	op, ok := j.operations[name]
	if !ok {
		return nil, errdefs.NotFoundf("operation %q", name)
	}
	return j.operationSnapshotLocked(op), nil
}

func (j *Job) operationSnapshotLocked(op *operation) *longrunningpb.Operation {
	metadata, err := anypb.New(&repb.ExecuteOperationMetadata{
		Stage:        j.stage,
		ActionDigest: j.actionDigest,
	})
	if err != nil {
		log.WithJobID(j.name).Error().Err(err).Msg("failed to pack operation metadata")
	}
	result := &longrunningpb.Operation{
		Name:     op.name,
		Metadata: metadata,
	}
	if op.cancelled {
		result.Done = true
		result.Result = &longrunningpb.Operation_Error{Error: &statuspb.Status{
			Code:    int32(codes.Canceled),
			Message: "operation cancelled by client",
		}}
		return result
	}
	if j.stage == repb.ExecutionStage_COMPLETED {
		result.Done = true
		if j.executeResponse != nil {
			response, err := anypb.New(j.executeResponse)
			if err != nil {
				log.WithJobID(j.name).Error().Err(err).Msg("failed to pack execute response")
			}
			result.Result = &longrunningpb.Operation_Response{Response: response}
		}
	}
	return result
}

// UpdateStage drives the operation state machine. Entering QUEUED sets the
// queued timestamp once and counts a try; entering EXECUTING fixes the
// queued duration; entering COMPLETED marks every operation done and fans
// the final snapshot out to subscribers.
func (j *Job) UpdateStage(stage repb.ExecutionStage_Value) {
	j.mu.Lock()
	if stage == j.stage {
		j.mu.Unlock()
		return
	}
	j.stage = stage

	switch stage {
	case repb.ExecutionStage_QUEUED:
		if j.queuedTimestamp.IsZero() {
			j.queuedTimestamp = time.Now()
		}
		j.nTries++
	case repb.ExecutionStage_EXECUTING:
		j.queuedTimeDuration = time.Since(j.queuedTimestamp)
	}

	j.broadcastLocked()
	j.mu.Unlock()
}

// broadcastLocked sends the current snapshot to every subscriber of every
// live operation. Subscribers whose queue is full are dropped so one slow
// client cannot stall the rest.
func (j *Job) broadcastLocked() {
	for _, op := range j.operations {
		if op.cancelled {
			continue
		}
		snapshot := j.operationSnapshotLocked(op)
		for sub := range op.subscribers {
			if !sub.offer(snapshot) {
				delete(op.subscribers, sub)
				log.WithJobID(j.name).Warn().Str("operation", op.name).Msg("dropped slow subscriber")
			}
		}
	}
}

// RegisterSubscriber attaches a new subscriber to the named operation. The
// subscriber immediately receives a snapshot of the current state.
func (j *Job) RegisterSubscriber(operationName string) (*Subscriber, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	op, ok := j.operations[operationName]
	if !ok {
		return nil, errdefs.NotFoundf("operation %q", operationName)
	}
	sub := newSubscriber()
	op.subscribers[sub] = struct{}{}
	sub.offer(j.operationSnapshotLocked(op))
	return sub, nil
}

// UnregisterSubscriber detaches a subscriber if it is still registered.
func (j *Job) UnregisterSubscriber(operationName string, sub *Subscriber) {
	j.mu.Lock()
	defer j.mu.Unlock()
	op, ok := j.operations[operationName]
	if !ok {
		return
	}
	delete(op.subscribers, sub)
}

// CancelOperation cancels one operation handle. Its subscribers receive a
// cancellation notification; subscribers of other operations on the same
// job are not disturbed. The caller decides, via the returned flag, whether
// the whole job is now cancelled.
func (j *Job) CancelOperation(name string) (jobCancelled bool, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	op, ok := j.operations[name]
	if !ok {
		return false, errdefs.NotFoundf("operation %q", name)
	}
	if op.cancelled {
		// Repeated cancellation is a no-op.
		return j.allOperationsCancelledLocked(), nil
	}
	op.cancelled = true
	snapshot := j.operationSnapshotLocked(op)
	for sub := range op.subscribers {
		sub.offer(snapshot)
	}
	return j.allOperationsCancelledLocked(), nil
}

// CancelJob finalizes a fully cancelled job: the lease is cancelled, the
// response records CANCELLED and the stage moves to COMPLETED.
func (j *Job) CancelJob() {
	j.mu.Lock()
	j.executeResponse = &repb.ExecuteResponse{
		Status: &statuspb.Status{
			Code:    int32(codes.Canceled),
			Message: "operation cancelled by client",
		},
	}
	j.cancelLeaseLocked()
	j.mu.Unlock()
	j.UpdateStage(repb.ExecutionStage_COMPLETED)
}

// CompleteWithError finishes the job with an error status, used when the
// retry budget is exhausted.
func (j *Job) CompleteWithError(code codes.Code, message string) {
	j.mu.Lock()
	j.executeResponse = &repb.ExecuteResponse{
		Status: &statuspb.Status{Code: int32(code), Message: message},
	}
	j.mu.Unlock()
	j.UpdateStage(repb.ExecutionStage_COMPLETED)
}

// CreateLease emits the lease for this job in PENDING state. At most one
// lease exists per job; its id equals the job name.
func (j *Job) CreateLease() (*rwpb.Lease, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.allOperationsCancelledLocked() {
		return nil, errdefs.ErrCancelled
	}
	if j.lease != nil {
		return nil, fmt.Errorf("job %s already has a lease", j.name)
	}
	payload, err := anypb.New(j.actionDigest)
	if err != nil {
		return nil, fmt.Errorf("failed to pack lease payload: %w", err)
	}
	j.lease = &rwpb.Lease{
		Id:      j.name,
		Payload: payload,
		State:   rwpb.LeaseState_PENDING,
	}
	return j.lease, nil
}

// Lease returns the current lease, or nil.
func (j *Job) Lease() *rwpb.Lease {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lease
}

// LeaseCancelled reports whether the lease was cancelled.
func (j *Job) LeaseCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.leaseCancelled
}

// UpdateLeaseState drives the lease state machine. PENDING clears prior
// timestamps and status, ACTIVE records worker start, COMPLETED records
// worker completion and materializes the action result. A COMPLETED lease
// with a non-OK status forces do_not_cache.
func (j *Job) UpdateLeaseState(state rwpb.LeaseState, leaseStatus *statuspb.Status, result *anypb.Any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lease == nil {
		return errdefs.NotFoundf("job %s has no lease", j.name)
	}
	if j.lease.State == state {
		return nil
	}
	j.lease.State = state

	switch state {
	case rwpb.LeaseState_PENDING:
		j.workerStartTime = time.Time{}
		j.workerCompletedTime = time.Time{}
		j.lease.Status = nil
		j.lease.Result = nil

	case rwpb.LeaseState_ACTIVE:
		j.workerStartTime = time.Now()

	case rwpb.LeaseState_COMPLETED:
		j.workerCompletedTime = time.Now()
		j.lease.Status = leaseStatus

		if leaseStatus.GetCode() != int32(codes.OK) {
			j.doNotCache = true
		}

		actionResult := &repb.ActionResult{}
		if result != nil {
			if err := result.UnmarshalTo(actionResult); err != nil {
				return errdefs.InvalidArgumentf("lease result is not an ActionResult: %v", err)
			}
		}
		if actionResult.ExecutionMetadata == nil {
			actionResult.ExecutionMetadata = &repb.ExecutedActionMetadata{}
		}
		actionResult.ExecutionMetadata.QueuedTimestamp = timestamppb.New(j.queuedTimestamp)
		actionResult.ExecutionMetadata.WorkerStartTimestamp = timestamppb.New(j.workerStartTime)
		actionResult.ExecutionMetadata.WorkerCompletedTimestamp = timestamppb.New(j.workerCompletedTime)

		j.executeResponse = &repb.ExecuteResponse{
			Result:       actionResult,
			CachedResult: false,
			Status:       leaseStatus,
		}
	}
	return nil
}

// CancelLease cancels the worker assignment without touching the
// client-facing operations.
func (j *Job) CancelLease() {
	j.mu.Lock()
	j.cancelLeaseLocked()
	j.mu.Unlock()
}

func (j *Job) cancelLeaseLocked() {
	j.leaseCancelled = true
	if j.lease != nil {
		j.lease.State = rwpb.LeaseState_CANCELLED
	}
}

// DeleteLease discards the lease so the job can be requeued.
func (j *Job) DeleteLease() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.workerStartTime = time.Time{}
	j.workerCompletedTime = time.Time{}
	j.lease = nil
}

// QueuedDurationProto returns the queued duration as a protobuf duration,
// for monitoring surfaces.
func (j *Job) QueuedDurationProto() *durationpb.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return durationpb.New(j.queuedTimeDuration)
}
