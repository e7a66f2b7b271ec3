// Package scheduler maintains the pending job queue, matches jobs to
// worker bots by platform properties, and drives the operation and lease
// state machines on behalf of the execution and bots services.
package scheduler

import (
	"sort"
	"strconv"
	"sync"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/buildhive/buildhive/pkg/datastore"
	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/job"
	"github.com/buildhive/buildhive/pkg/log"
	"github.com/buildhive/buildhive/pkg/metrics"
	"github.com/buildhive/buildhive/pkg/refcache"
)

// MaxRetries bounds how many times a job may be queued before it completes
// with an error.
const MaxRetries = 5

// PropertySet is the set of "name=value" pairs a worker declares.
type PropertySet map[string]bool

// Scheduler owns the pending queue and the name indexes for jobs and
// operations. One lock guards all of them; per-job state has its own lock
// and is always taken after the scheduler lock.
type Scheduler struct {
	mu sync.Mutex

	jobs         map[string]*job.Job // job name -> job
	operations   map[string]string   // operation name -> job name
	jobsByAction map[string]*job.Job // action digest key -> in-flight job
	queue        []*job.Job

	store       datastore.DataStore
	actionCache refcache.Cache
}

// New creates a scheduler persisting through store. actionCache may be nil
// when no action cache is configured.
func New(store datastore.DataStore, actionCache refcache.Cache) *Scheduler {
	return &Scheduler{
		jobs:         make(map[string]*job.Job),
		operations:   make(map[string]string),
		jobsByAction: make(map[string]*job.Job),
		store:        store,
		actionCache:  actionCache,
	}
}

// QueueJob registers a job and appends it to the pending queue in priority
// order. Jobs eligible for caching are indexed by action digest so later
// identical requests can join them in flight.
func (s *Scheduler) QueueJob(j *job.Job) {
	j.UpdateStage(repb.ExecutionStage_QUEUED)

	s.mu.Lock()
	s.jobs[j.Name()] = j
	if !j.DoNotCache() {
		s.jobsByAction[digest.Key(j.ActionDigest())] = j
	}
	s.enqueueLocked(j, false)
	s.mu.Unlock()

	s.persistJob(j)
	metrics.JobsQueued.Inc()
	log.WithJobID(j.Name()).Debug().
		Str("action", digest.String(j.ActionDigest())).
		Int32("priority", j.Priority()).
		Msg("job queued")
}

// enqueueLocked inserts a job into the queue. Normal inserts go behind
// every job of the same priority (FIFO); retries go to the front of their
// priority class to bound worst-case latency.
func (s *Scheduler) enqueueLocked(j *job.Job, retry bool) {
	p := j.Priority()
	idx := sort.Search(len(s.queue), func(i int) bool {
		if retry {
			return s.queue[i].Priority() >= p
		}
		return s.queue[i].Priority() > p
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = j
	metrics.QueueDepth.Set(float64(len(s.queue)))
}

func (s *Scheduler) dequeueLocked(j *job.Job) {
	for i, queued := range s.queue {
		if queued == j {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	metrics.QueueDepth.Set(float64(len(s.queue)))
}

// TrackJob indexes a job without queueing it, used for operations that
// complete without any work being scheduled (cache hits).
func (s *Scheduler) TrackJob(j *job.Job) {
	s.mu.Lock()
	s.jobs[j.Name()] = j
	s.mu.Unlock()
}

// QueueDepth returns the number of jobs waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// GetJob returns a registered job by name.
func (s *Scheduler) GetJob(name string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, errdefs.NotFoundf("job %q", name)
	}
	return j, nil
}

// GetJobByAction returns the in-flight job for an action digest, if a
// cacheable one exists and has not finished.
func (s *Scheduler) GetJobByAction(actionDigest *repb.Digest) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobsByAction[digest.Key(actionDigest)]
	if !ok || j.Done() {
		return nil
	}
	return j
}

// JobByOperation resolves an operation name to its job.
func (s *Scheduler) JobByOperation(operationName string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobByOperationLocked(operationName)
}

func (s *Scheduler) jobByOperationLocked(operationName string) (*job.Job, error) {
	jobName, ok := s.operations[operationName]
	if !ok {
		return nil, errdefs.NotFoundf("operation %q", operationName)
	}
	j, ok := s.jobs[jobName]
	if !ok {
		return nil, errdefs.NotFoundf("operation %q", operationName)
	}
	return j, nil
}

// CreateOperation projects a new client-facing operation from a job and
// indexes it.
func (s *Scheduler) CreateOperation(j *job.Job) string {
	name := j.CreateOperation()
	s.mu.Lock()
	s.operations[name] = j.Name()
	s.mu.Unlock()

	if err := s.store.CreateOperation(&datastore.OperationRecord{
		Name:    name,
		JobName: j.Name(),
	}); err != nil {
		log.WithJobID(j.Name()).Warn().Err(err).Msg("failed to persist operation")
	}
	return name
}

// RegisterSubscriber attaches a watcher to an operation.
func (s *Scheduler) RegisterSubscriber(operationName string) (*job.Subscriber, error) {
	j, err := s.JobByOperation(operationName)
	if err != nil {
		return nil, err
	}
	return j.RegisterSubscriber(operationName)
}

// UnregisterSubscriber detaches a watcher. When the last subscriber of a
// finished operation leaves, the operation is deleted; deleting the last
// operation garbage collects the job.
func (s *Scheduler) UnregisterSubscriber(operationName string, sub *job.Subscriber) {
	j, err := s.JobByOperation(operationName)
	if err != nil {
		return
	}
	j.UnregisterSubscriber(operationName, sub)
	if j.Done() && j.NumClients() == 0 {
		s.deleteOperation(j, operationName)
	}
}

// DeleteOperation removes a finished operation explicitly.
func (s *Scheduler) DeleteOperation(operationName string) error {
	j, err := s.JobByOperation(operationName)
	if err != nil {
		return err
	}
	return s.deleteOperation(j, operationName)
}

func (s *Scheduler) deleteOperation(j *job.Job, operationName string) error {
	empty, err := j.DeleteOperation(operationName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.operations, operationName)
	s.mu.Unlock()
	if err := s.store.DeleteOperation(operationName); err != nil {
		log.WithJobID(j.Name()).Warn().Err(err).Msg("failed to delete operation record")
	}

	if empty && j.Deletable() {
		s.deleteJob(j)
	}
	return nil
}

func (s *Scheduler) deleteJob(j *job.Job) {
	s.mu.Lock()
	delete(s.jobs, j.Name())
	key := digest.Key(j.ActionDigest())
	if s.jobsByAction[key] == j {
		delete(s.jobsByAction, key)
	}
	s.dequeueLocked(j)
	s.mu.Unlock()

	if err := s.store.DeleteJob(j.Name()); err != nil {
		log.WithJobID(j.Name()).Warn().Err(err).Msg("failed to delete job record")
	}
	log.WithJobID(j.Name()).Debug().Msg("job garbage collected")
}

// AssignLease walks the queue in order and hands the first job whose
// platform requirements the worker satisfies to it as a PENDING lease.
// Unmatched jobs keep their position.
func (s *Scheduler) AssignLease(workerProps PropertySet) *rwpb.Lease {
	s.mu.Lock()
	var matched *job.Job
	for _, queued := range s.queue {
		if matchesPlatform(queued.Platform(), workerProps) {
			matched = queued
			break
		}
	}
	if matched == nil {
		s.mu.Unlock()
		return nil
	}
	s.dequeueLocked(matched)
	s.mu.Unlock()

	lease, err := matched.CreateLease()
	if err != nil {
		log.WithJobID(matched.Name()).Warn().Err(err).Msg("failed to create lease")
		return nil
	}
	if err := s.store.CreateLease(&datastore.LeaseRecord{
		JobName: matched.Name(),
		State:   int32(lease.State),
	}); err != nil {
		log.WithJobID(matched.Name()).Warn().Err(err).Msg("failed to persist lease")
	}
	log.WithJobID(matched.Name()).Debug().Msg("lease assigned")
	return lease
}

// matchesPlatform reports whether every required name=value property
// appears in the worker's property set. A job with no requirements matches
// any worker.
func matchesPlatform(platform *repb.Platform, workerProps PropertySet) bool {
	for _, prop := range platform.GetProperties() {
		if !workerProps[prop.Name+"="+prop.Value] {
			return false
		}
	}
	return true
}

// UpdateLease applies a bot-reported lease state change to its job. A
// failed completion retries the job instead of surfacing an error to
// execution clients.
func (s *Scheduler) UpdateLease(leaseID string, state rwpb.LeaseState, leaseStatus *statuspb.Status, result *anypb.Any) error {
	j, err := s.GetJob(leaseID)
	if err != nil {
		return err
	}

	if err := j.UpdateLeaseState(state, leaseStatus, result); err != nil {
		return err
	}
	if err := s.store.UpdateLease(j.Name(), datastore.FieldChanges{
		datastore.FieldLeaseState:      int32(state),
		datastore.FieldLeaseStatusCode: leaseStatus.GetCode(),
	}); err != nil {
		log.WithJobID(j.Name()).Warn().Err(err).Msg("failed to persist lease update")
	}

	switch state {
	case rwpb.LeaseState_ACTIVE:
		j.UpdateStage(repb.ExecutionStage_EXECUTING)
		metrics.QueuedDuration.Observe(j.QueuedDuration().Seconds())
		s.persistJob(j)

	case rwpb.LeaseState_COMPLETED:
		if leaseStatus.GetCode() != int32(codes.OK) {
			log.WithJobID(j.Name()).Warn().
				Str("status", strconv.FormatInt(int64(leaseStatus.GetCode()), 10)).
				Msg("lease completed with error")
			s.RetryJob(j.Name())
			return nil
		}
		s.completeJob(j)
	}
	return nil
}

// completeJob finishes a successfully executed job and stores its result
// in the action cache when allowed.
func (s *Scheduler) completeJob(j *job.Job) {
	if s.actionCache != nil && !j.DoNotCache() {
		if result := j.ActionResult(); result != nil {
			if err := s.actionCache.UpdateActionResult(j.ActionDigest(), result); err != nil {
				log.WithJobID(j.Name()).Warn().Err(err).Msg("failed to cache action result")
			}
		}
	}
	j.UpdateStage(repb.ExecutionStage_COMPLETED)
	s.persistJob(j)

	s.mu.Lock()
	key := digest.Key(j.ActionDigest())
	if s.jobsByAction[key] == j {
		delete(s.jobsByAction, key)
	}
	s.mu.Unlock()
}

// RetryJob requeues a job after a failed lease or a lost worker session.
// Beyond MaxRetries the job completes with an internal error. Cancelled
// jobs are never retried.
func (s *Scheduler) RetryJob(name string) {
	j, err := s.GetJob(name)
	if err != nil {
		return
	}
	if j.Cancelled() || j.Done() {
		return
	}

	if j.NTries() >= MaxRetries {
		log.WithJobID(j.Name()).Error().Int("n_tries", j.NTries()).Msg("job exceeded retry budget")
		j.CompleteWithError(codes.Internal,
			"job was retried "+strconv.Itoa(j.NTries())+" times and will not be retried again: "+errdefs.ErrRetryExceeded.Error())
		s.persistJob(j)
		metrics.JobsFailed.Inc()
		return
	}

	j.DeleteLease()
	if err := s.store.DeleteLease(j.Name()); err != nil {
		log.WithJobID(j.Name()).Warn().Err(err).Msg("failed to delete lease record")
	}
	j.UpdateStage(repb.ExecutionStage_QUEUED)

	s.mu.Lock()
	s.enqueueLocked(j, true)
	s.mu.Unlock()

	s.persistJob(j)
	metrics.JobsRetried.Inc()
	log.WithJobID(j.Name()).Debug().Int("n_tries", j.NTries()).Msg("job requeued")
}

// CancelOperation cancels one operation handle. The job itself is
// cancelled, and its lease with it, only when every operation sharing the
// job has been cancelled. Repeated cancellation is a no-op.
func (s *Scheduler) CancelOperation(operationName string) error {
	j, err := s.JobByOperation(operationName)
	if err != nil {
		return err
	}
	jobCancelled, err := j.CancelOperation(operationName)
	if err != nil {
		return err
	}
	if err := s.store.UpdateOperation(operationName, datastore.FieldChanges{
		datastore.FieldCancelled: true,
		datastore.FieldDone:      true,
	}); err != nil {
		log.WithJobID(j.Name()).Warn().Err(err).Msg("failed to persist operation cancel")
	}

	if jobCancelled && !j.Done() {
		s.mu.Lock()
		s.dequeueLocked(j)
		s.mu.Unlock()
		j.CancelJob()
		s.persistJob(j)
		log.WithJobID(j.Name()).Debug().Msg("job cancelled")
	}
	return nil
}

// GetOperation builds a snapshot of one operation.
func (s *Scheduler) GetOperation(operationName string) (*longrunningpb.Operation, error) {
	j, err := s.JobByOperation(operationName)
	if err != nil {
		return nil, err
	}
	return j.Operation(operationName)
}

// ListOperations snapshots every live operation.
func (s *Scheduler) ListOperations() []*longrunningpb.Operation {
	s.mu.Lock()
	names := make([]string, 0, len(s.operations))
	for name := range s.operations {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	var out []*longrunningpb.Operation
	for _, name := range names {
		op, err := s.GetOperation(name)
		if err != nil {
			continue
		}
		out = append(out, op)
	}
	return out
}

// ReleaseLeases handles a lost bot session: every lease it held is treated
// as failed and its job retried.
func (s *Scheduler) ReleaseLeases(leaseIDs []string) {
	for _, id := range leaseIDs {
		j, err := s.GetJob(id)
		if err != nil {
			continue
		}
		log.WithJobID(id).Warn().Msg("worker session lost, retrying job")
		j.DeleteLease()
		if err := s.store.DeleteLease(id); err != nil {
			log.WithJobID(id).Warn().Err(err).Msg("failed to delete lease record")
		}
		s.RetryJob(id)
	}
}

// persistJob mirrors the job's current state into the datastore.
func (s *Scheduler) persistJob(j *job.Job) {
	changes := datastore.FieldChanges{
		datastore.FieldStage:          int32(j.Stage()),
		datastore.FieldNTries:         j.NTries(),
		datastore.FieldDoNotCache:     j.DoNotCache(),
		datastore.FieldCancelled:      j.Cancelled(),
		datastore.FieldQueuedAt:       j.QueuedTimestamp(),
		datastore.FieldQueuedDuration: j.QueuedDuration(),
	}
	err := s.store.UpdateJob(j.Name(), changes)
	if errdefs.IsNotFound(err) {
		err = s.store.CreateJob(&datastore.JobRecord{
			Name:           j.Name(),
			ActionDigest:   digest.Key(j.ActionDigest()),
			Priority:       j.Priority(),
			Stage:          int32(j.Stage()),
			DoNotCache:     j.DoNotCache(),
			NTries:         j.NTries(),
			QueuedAt:       j.QueuedTimestamp(),
			QueuedDuration: j.QueuedDuration(),
		})
	}
	if err != nil {
		log.WithJobID(j.Name()).Warn().Err(err).Msg("failed to persist job")
	}
}
