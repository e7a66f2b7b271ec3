// Package datastore persists job, operation and lease records behind a
// pluggable interface. The scheduler owns the live objects; the datastore
// mirrors them so that listings and monitoring survive without holding
// scheduler locks, and so that a relational backend can be swapped in.
package datastore

import (
	"time"

	"github.com/buildhive/buildhive/pkg/errdefs"
)

// Field-change keys accepted by the Update methods. Backends translate
// these semantic names into their own storage layout.
const (
	FieldStage           = "stage"
	FieldPriority        = "priority"
	FieldDoNotCache      = "do_not_cache"
	FieldNTries          = "n_tries"
	FieldQueuedAt        = "queued_timestamp"
	FieldQueuedDuration  = "queued_time_duration"
	FieldWorkerStartedAt = "worker_start_timestamp"
	FieldWorkerDoneAt    = "worker_completed_timestamp"
	FieldCancelled       = "cancelled"
	FieldDone            = "done"
	FieldLeaseState      = "state"
	FieldLeaseStatusCode = "status_code"
)

// FieldChanges is a set of semantic field updates applied atomically to a
// single record.
type FieldChanges map[string]interface{}

// JobRecord is the persisted view of a job.
type JobRecord struct {
	Name           string        `json:"name"`
	ActionDigest   string        `json:"action_digest"`
	Priority       int32         `json:"priority"`
	Stage          int32         `json:"stage"`
	DoNotCache     bool          `json:"do_not_cache"`
	NTries         int           `json:"n_tries"`
	Cancelled      bool          `json:"cancelled"`
	QueuedAt       time.Time     `json:"queued_at"`
	QueuedDuration time.Duration `json:"queued_duration"`
	WorkerStarted  time.Time     `json:"worker_started_at"`
	WorkerDone     time.Time     `json:"worker_completed_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// OperationRecord is the persisted view of a client-facing operation.
type OperationRecord struct {
	Name      string `json:"name"`
	JobName   string `json:"job_name"`
	Cancelled bool   `json:"cancelled"`
	Done      bool   `json:"done"`
}

// LeaseRecord is the persisted view of a worker lease. There is at most
// one lease per job, keyed by the job name.
type LeaseRecord struct {
	JobName    string `json:"job_name"`
	State      int32  `json:"state"`
	StatusCode int32  `json:"status_code"`
}

// JobFilter narrows ListJobs. Zero-value fields do not filter.
type JobFilter struct {
	Stage        *int32
	ActionDigest string
}

// Matches reports whether a record passes the filter.
func (f JobFilter) Matches(rec *JobRecord) bool {
	if f.Stage != nil && rec.Stage != *f.Stage {
		return false
	}
	if f.ActionDigest != "" && rec.ActionDigest != f.ActionDigest {
		return false
	}
	return true
}

// DataStore persists jobs, operations and leases. Updates to a single job
// are atomic; nothing is promised across jobs. Implementations must be safe
// for concurrent use.
type DataStore interface {
	CreateJob(rec *JobRecord) error
	GetJob(name string) (*JobRecord, error)
	UpdateJob(name string, changes FieldChanges) error
	DeleteJob(name string) error
	ListJobs(filter JobFilter) ([]*JobRecord, error)

	CreateOperation(rec *OperationRecord) error
	GetOperation(name string) (*OperationRecord, error)
	UpdateOperation(name string, changes FieldChanges) error
	DeleteOperation(name string) error
	ListOperations(jobName string) ([]*OperationRecord, error)

	CreateLease(rec *LeaseRecord) error
	UpdateLease(jobName string, changes FieldChanges) error
	DeleteLease(jobName string) error

	Close() error
}

// applyJobChanges mutates a job record in place. Shared by the backends
// that update records as whole values.
func applyJobChanges(rec *JobRecord, changes FieldChanges) error {
	for field, value := range changes {
		switch field {
		case FieldStage:
			v, ok := value.(int32)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants int32", field)
			}
			rec.Stage = v
		case FieldPriority:
			v, ok := value.(int32)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants int32", field)
			}
			rec.Priority = v
		case FieldDoNotCache:
			v, ok := value.(bool)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants bool", field)
			}
			rec.DoNotCache = v
		case FieldNTries:
			v, ok := value.(int)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants int", field)
			}
			rec.NTries = v
		case FieldCancelled:
			v, ok := value.(bool)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants bool", field)
			}
			rec.Cancelled = v
		case FieldQueuedAt:
			v, ok := value.(time.Time)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants time.Time", field)
			}
			rec.QueuedAt = v
		case FieldQueuedDuration:
			v, ok := value.(time.Duration)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants time.Duration", field)
			}
			rec.QueuedDuration = v
		case FieldWorkerStartedAt:
			v, ok := value.(time.Time)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants time.Time", field)
			}
			rec.WorkerStarted = v
		case FieldWorkerDoneAt:
			v, ok := value.(time.Time)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants time.Time", field)
			}
			rec.WorkerDone = v
		default:
			return errdefs.InvalidArgumentf("unknown job field %q", field)
		}
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func applyOperationChanges(rec *OperationRecord, changes FieldChanges) error {
	for field, value := range changes {
		switch field {
		case FieldCancelled:
			v, ok := value.(bool)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants bool", field)
			}
			rec.Cancelled = v
		case FieldDone:
			v, ok := value.(bool)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants bool", field)
			}
			rec.Done = v
		default:
			return errdefs.InvalidArgumentf("unknown operation field %q", field)
		}
	}
	return nil
}

func applyLeaseChanges(rec *LeaseRecord, changes FieldChanges) error {
	for field, value := range changes {
		switch field {
		case FieldLeaseState:
			v, ok := value.(int32)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants int32", field)
			}
			rec.State = v
		case FieldLeaseStatusCode:
			v, ok := value.(int32)
			if !ok {
				return errdefs.InvalidArgumentf("field %q wants int32", field)
			}
			rec.StatusCode = v
		default:
			return errdefs.InvalidArgumentf("unknown lease field %q", field)
		}
	}
	return nil
}
