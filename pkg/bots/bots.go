// Package bots tracks worker sessions and reconciles the leases they
// report against the scheduler's view of the world.
package bots

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"

	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/log"
	"github.com/buildhive/buildhive/pkg/metrics"
	"github.com/buildhive/buildhive/pkg/scheduler"
)

// DefaultSessionTimeout is how long a bot may stay silent before its
// session is expired and its leases retried elsewhere.
const DefaultSessionTimeout = 2 * time.Minute

// session is the server-held record of one worker.
type session struct {
	name     string
	botID    string
	props    scheduler.PropertySet
	slots    int
	leaseIDs map[string]bool
	lastSeen time.Time
}

// Instance serves the bots operations of one instance name.
type Instance struct {
	mu        sync.Mutex
	scheduler *scheduler.Scheduler
	sessions  map[string]*session
	timeout   time.Duration
}

// NewInstance creates a bots instance over the given scheduler.
func NewInstance(sched *scheduler.Scheduler, sessionTimeout time.Duration) *Instance {
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	return &Instance{
		scheduler: sched,
		sessions:  make(map[string]*session),
		timeout:   sessionTimeout,
	}
}

// workerProperties flattens the declared worker and device properties into
// the "name=value" set the scheduler matches on.
func workerProperties(worker *rwpb.Worker) scheduler.PropertySet {
	props := make(scheduler.PropertySet)
	for _, p := range worker.GetProperties() {
		props[p.Key+"="+p.Value] = true
	}
	for _, device := range worker.GetDevices() {
		for _, p := range device.GetProperties() {
			props[p.Key+"="+p.Value] = true
		}
	}
	return props
}

// workerSlots reads the lease capacity a worker advertises through its
// "slots" property. Workers that do not declare one run a single lease.
func workerSlots(worker *rwpb.Worker) int {
	for _, p := range worker.GetProperties() {
		if p.Key == "slots" {
			if n, err := strconv.Atoi(p.Value); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}

// CreateBotSession registers a worker and assigns its session name. The
// returned session carries no leases; the bot picks work up on its first
// update.
func (i *Instance) CreateBotSession(parent string, bs *rwpb.BotSession) (*rwpb.BotSession, error) {
	if bs.GetBotId() == "" {
		return nil, errdefs.InvalidArgumentf("bot session has no bot id")
	}
	name := parent + "/" + uuid.New().String()

	i.mu.Lock()
	i.sessions[name] = &session{
		name:     name,
		botID:    bs.BotId,
		props:    workerProperties(bs.Worker),
		slots:    workerSlots(bs.Worker),
		leaseIDs: make(map[string]bool),
		lastSeen: time.Now(),
	}
	metrics.BotSessionsTotal.Set(float64(len(i.sessions)))
	i.mu.Unlock()

	log.WithBotID(bs.BotId).Info().Str("session", name).Msg("bot session created")
	bs.Name = name
	bs.Leases = nil
	return bs, nil
}

// UpdateBotSession reconciles a bot's reported state. Lease transitions the
// bot reports are applied to their jobs; leases the server no longer
// considers valid come back CANCELLED; and a healthy bot with spare
// capacity is offered new work.
func (i *Instance) UpdateBotSession(name string, bs *rwpb.BotSession) (*rwpb.BotSession, error) {
	i.mu.Lock()
	sess, ok := i.sessions[name]
	if !ok {
		i.mu.Unlock()
		return nil, errdefs.NotFoundf("bot session %q", name)
	}
	if bs.GetBotId() != sess.botID {
		i.mu.Unlock()
		return nil, errdefs.InvalidArgumentf("bot id %q does not match session owner %q", bs.GetBotId(), sess.botID)
	}
	sess.lastSeen = time.Now()
	sess.props = workerProperties(bs.Worker)
	sess.slots = workerSlots(bs.Worker)
	i.mu.Unlock()

	var leases []*rwpb.Lease
	for _, lease := range bs.GetLeases() {
		kept := i.reconcileLease(sess, lease)
		if kept != nil {
			leases = append(leases, kept)
		}
	}

	if bs.GetStatus() == rwpb.BotStatus_OK && len(leases) < sess.slots {
		if lease := i.scheduler.AssignLease(sess.props); lease != nil {
			i.mu.Lock()
			sess.leaseIDs[lease.Id] = true
			i.mu.Unlock()
			leases = append(leases, lease)
			log.WithBotID(sess.botID).Debug().Str("lease", lease.Id).Msg("lease offered to bot")
		}
	}

	bs.Name = name
	bs.Leases = leases
	return bs, nil
}

// reconcileLease applies one reported lease state. The returned lease goes
// back to the bot; nil drops it from the session.
func (i *Instance) reconcileLease(sess *session, lease *rwpb.Lease) *rwpb.Lease {
	i.mu.Lock()
	known := sess.leaseIDs[lease.GetId()]
	i.mu.Unlock()

	j, err := i.scheduler.GetJob(lease.GetId())
	if !known || err != nil {
		// The server no longer stands behind this lease.
		lease.State = rwpb.LeaseState_CANCELLED
		return lease
	}

	if j.LeaseCancelled() && lease.State != rwpb.LeaseState_CANCELLED {
		// Tell the bot to abort; the lease stays until acknowledged.
		lease.State = rwpb.LeaseState_CANCELLED
		return lease
	}

	switch lease.State {
	case rwpb.LeaseState_COMPLETED, rwpb.LeaseState_CANCELLED:
		if lease.State == rwpb.LeaseState_COMPLETED {
			if err := i.scheduler.UpdateLease(lease.Id, lease.State, lease.Status, lease.Result); err != nil {
				log.WithBotID(sess.botID).Warn().Err(err).Str("lease", lease.Id).Msg("failed to apply lease completion")
			}
		}
		i.mu.Lock()
		delete(sess.leaseIDs, lease.Id)
		i.mu.Unlock()
		return nil

	default:
		if err := i.scheduler.UpdateLease(lease.Id, lease.State, lease.Status, lease.Result); err != nil {
			log.WithBotID(sess.botID).Warn().Err(err).Str("lease", lease.Id).Msg("failed to apply lease update")
		}
		return lease
	}
}

// ExpireSessions drops sessions that have gone silent and retries their
// jobs. Meant to be called periodically from the server loop.
func (i *Instance) ExpireSessions() {
	cutoff := time.Now().Add(-i.timeout)

	i.mu.Lock()
	var expired []*session
	for name, sess := range i.sessions {
		if sess.lastSeen.Before(cutoff) {
			expired = append(expired, sess)
			delete(i.sessions, name)
		}
	}
	metrics.BotSessionsTotal.Set(float64(len(i.sessions)))
	i.mu.Unlock()

	for _, sess := range expired {
		ids := make([]string, 0, len(sess.leaseIDs))
		for id := range sess.leaseIDs {
			ids = append(ids, id)
		}
		log.WithBotID(sess.botID).Warn().Int("leases", len(ids)).Msg("bot session expired")
		i.scheduler.ReleaseLeases(ids)
	}
}

// SessionCount returns the number of live sessions.
func (i *Instance) SessionCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.sessions)
}
