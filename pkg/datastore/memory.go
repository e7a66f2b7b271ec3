package datastore

import (
	"sync"
	"time"

	"github.com/buildhive/buildhive/pkg/errdefs"
)

// MemoryStore keeps all records in process memory. It is the default
// backend and the one tests inject.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*JobRecord
	operations map[string]*OperationRecord
	leases     map[string]*LeaseRecord
}

// NewMemoryStore creates an empty in-memory datastore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*JobRecord),
		operations: make(map[string]*OperationRecord),
		leases:     make(map[string]*LeaseRecord),
	}
}

func (s *MemoryStore) CreateJob(rec *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[rec.Name]; ok {
		return errdefs.InvalidArgumentf("job %q already exists", rec.Name)
	}
	clone := *rec
	clone.CreatedAt = time.Now()
	clone.UpdatedAt = clone.CreatedAt
	s.jobs[rec.Name] = &clone
	return nil
}

func (s *MemoryStore) GetJob(name string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[name]
	if !ok {
		return nil, errdefs.NotFoundf("job %q", name)
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) UpdateJob(name string, changes FieldChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[name]
	if !ok {
		return errdefs.NotFoundf("job %q", name)
	}
	return applyJobChanges(rec, changes)
}

func (s *MemoryStore) DeleteJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
	delete(s.leases, name)
	return nil
}

func (s *MemoryStore) ListJobs(filter JobFilter) ([]*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*JobRecord
	for _, rec := range s.jobs {
		if filter.Matches(rec) {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateOperation(rec *OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[rec.Name]; ok {
		return errdefs.InvalidArgumentf("operation %q already exists", rec.Name)
	}
	clone := *rec
	s.operations[rec.Name] = &clone
	return nil
}

func (s *MemoryStore) GetOperation(name string) (*OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.operations[name]
	if !ok {
		return nil, errdefs.NotFoundf("operation %q", name)
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) UpdateOperation(name string, changes FieldChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.operations[name]
	if !ok {
		return errdefs.NotFoundf("operation %q", name)
	}
	return applyOperationChanges(rec, changes)
}

func (s *MemoryStore) DeleteOperation(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.operations, name)
	return nil
}

func (s *MemoryStore) ListOperations(jobName string) ([]*OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*OperationRecord
	for _, rec := range s.operations {
		if jobName == "" || rec.JobName == jobName {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateLease(rec *LeaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.leases[rec.JobName] = &clone
	return nil
}

func (s *MemoryStore) UpdateLease(jobName string, changes FieldChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.leases[jobName]
	if !ok {
		return errdefs.NotFoundf("lease for job %q", jobName)
	}
	return applyLeaseChanges(rec, changes)
}

func (s *MemoryStore) DeleteLease(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, jobName)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
