// Package execution implements the Execute and WaitExecution entry points:
// action cache check, job creation and deduplication, and subscriber
// attachment for operation streaming.
package execution

import (
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/job"
	"github.com/buildhive/buildhive/pkg/log"
	"github.com/buildhive/buildhive/pkg/metrics"
	"github.com/buildhive/buildhive/pkg/refcache"
	"github.com/buildhive/buildhive/pkg/scheduler"
	"github.com/buildhive/buildhive/pkg/storage"
)

// Instance serves the execution operations of one instance name.
type Instance struct {
	cas         storage.Storage
	actionCache refcache.Cache
	scheduler   *scheduler.Scheduler
}

// NewInstance creates an execution instance. actionCache may be nil when no
// action cache is configured; every request then behaves as a cache miss.
func NewInstance(cas storage.Storage, actionCache refcache.Cache, sched *scheduler.Scheduler) *Instance {
	return &Instance{cas: cas, actionCache: actionCache, scheduler: sched}
}

// Scheduler exposes the scheduler for the bots and operations services
// sharing this instance.
func (i *Instance) Scheduler() *scheduler.Scheduler { return i.scheduler }

// Execute submits an action for execution. On an action cache hit the
// returned operation is already complete and wraps the cached result;
// otherwise the caller is attached as a subscriber of a new or an in-flight
// job for the same action.
func (i *Instance) Execute(actionDigest *repb.Digest, skipCacheLookup bool, priority int32) (string, *job.Subscriber, error) {
	if err := digest.Validate(actionDigest); err != nil {
		return "", nil, err
	}
	logger := log.WithInstance("execution").With().Str("action", digest.String(actionDigest)).Logger()

	action := &repb.Action{}
	if err := storage.GetMessage(i.cas, actionDigest, action); err != nil {
		return "", nil, errdefs.NotFoundf("action %s not in CAS", digest.String(actionDigest))
	}

	if !skipCacheLookup && i.actionCache != nil {
		if result, err := i.actionCache.GetActionResult(actionDigest); err == nil {
			metrics.ActionCacheHits.Inc()
			logger.Debug().Msg("action cache hit")
			return i.completedFromCache(action, actionDigest, priority, result)
		}
		metrics.ActionCacheMisses.Inc()
	}

	// Join an in-flight job for the same action when caching allows it.
	if !action.GetDoNotCache() {
		if existing := i.scheduler.GetJobByAction(actionDigest); existing != nil {
			logger.Debug().Str("job", existing.Name()).Msg("joined in-flight job")
			return i.attach(existing)
		}
	}

	j := job.New(action, actionDigest, priority, action.GetPlatform())
	j.UpdateStage(repb.ExecutionStage_CACHE_CHECK)
	operationName := i.scheduler.CreateOperation(j)
	i.scheduler.TrackJob(j)
	i.scheduler.QueueJob(j)

	// Attach after queueing so the first snapshot already shows QUEUED.
	sub, err := j.RegisterSubscriber(operationName)
	if err != nil {
		return "", nil, err
	}
	logger.Debug().Str("job", j.Name()).Msg("job created")
	return operationName, sub, nil
}

// completedFromCache projects a cached result as an already-finished
// operation without queueing any work.
func (i *Instance) completedFromCache(action *repb.Action, actionDigest *repb.Digest, priority int32, result *repb.ActionResult) (string, *job.Subscriber, error) {
	j := job.New(action, actionDigest, priority, action.GetPlatform())
	j.SetCachedResult(result)
	operationName := i.scheduler.CreateOperation(j)
	i.scheduler.TrackJob(j)
	sub, err := j.RegisterSubscriber(operationName)
	if err != nil {
		return "", nil, err
	}
	return operationName, sub, nil
}

func (i *Instance) attach(j *job.Job) (string, *job.Subscriber, error) {
	operationName := i.scheduler.CreateOperation(j)
	sub, err := j.RegisterSubscriber(operationName)
	if err != nil {
		return "", nil, err
	}
	return operationName, sub, nil
}

// WaitExecution attaches an additional subscriber to an existing
// operation.
func (i *Instance) WaitExecution(operationName string) (*job.Subscriber, error) {
	return i.scheduler.RegisterSubscriber(operationName)
}

// Unregister detaches a subscriber after its stream ends. Disconnecting
// does not cancel the operation.
func (i *Instance) Unregister(operationName string, sub *job.Subscriber) {
	i.scheduler.UnregisterSubscriber(operationName, sub)
}
