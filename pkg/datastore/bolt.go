package datastore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/buildhive/buildhive/pkg/errdefs"
)

var (
	// Bucket names
	bucketJobs       = []byte("jobs")
	bucketOperations = []byte("operations")
	bucketLeases     = []byte("leases")
)

// BoltStore persists records in an embedded BoltDB file. It gives a single
// server durable job history without running a database server.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the datastore file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "buildhive.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketOperations, bucketLeases} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateJob(rec *JobRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(rec.Name)) != nil {
			return errdefs.InvalidArgumentf("job %q already exists", rec.Name)
		}
		clone := *rec
		clone.CreatedAt = time.Now()
		clone.UpdatedAt = clone.CreatedAt
		data, err := json.Marshal(&clone)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Name), data)
	})
}

func (s *BoltStore) GetJob(name string) (*JobRecord, error) {
	var rec JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(name))
		if data == nil {
			return errdefs.NotFoundf("job %q", name)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) UpdateJob(name string, changes FieldChanges) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(name))
		if data == nil {
			return errdefs.NotFoundf("job %q", name)
		}
		var rec JobRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := applyJobChanges(&rec, changes); err != nil {
			return err
		}
		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), updated)
	})
}

func (s *BoltStore) DeleteJob(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketJobs).Delete([]byte(name)); err != nil {
			return err
		}
		return tx.Bucket(bucketLeases).Delete([]byte(name))
	})
}

func (s *BoltStore) ListJobs(filter JobFilter) ([]*JobRecord, error) {
	var jobs []*JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var rec JobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if filter.Matches(&rec) {
				jobs = append(jobs, &rec)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) CreateOperation(rec *OperationRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		if b.Get([]byte(rec.Name)) != nil {
			return errdefs.InvalidArgumentf("operation %q already exists", rec.Name)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Name), data)
	})
}

func (s *BoltStore) GetOperation(name string) (*OperationRecord, error) {
	var rec OperationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOperations).Get([]byte(name))
		if data == nil {
			return errdefs.NotFoundf("operation %q", name)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) UpdateOperation(name string, changes FieldChanges) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		data := b.Get([]byte(name))
		if data == nil {
			return errdefs.NotFoundf("operation %q", name)
		}
		var rec OperationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := applyOperationChanges(&rec, changes); err != nil {
			return err
		}
		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), updated)
	})
}

func (s *BoltStore) DeleteOperation(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).Delete([]byte(name))
	})
}

func (s *BoltStore) ListOperations(jobName string) ([]*OperationRecord, error) {
	var ops []*OperationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).ForEach(func(k, v []byte) error {
			var rec OperationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if jobName == "" || rec.JobName == jobName {
				ops = append(ops, &rec)
			}
			return nil
		})
	})
	return ops, err
}

func (s *BoltStore) CreateLease(rec *LeaseRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLeases).Put([]byte(rec.JobName), data)
	})
}

func (s *BoltStore) UpdateLease(jobName string, changes FieldChanges) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(jobName))
		if data == nil {
			return errdefs.NotFoundf("lease for job %q", jobName)
		}
		var rec LeaseRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := applyLeaseChanges(&rec, changes); err != nil {
			return err
		}
		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(jobName), updated)
	})
}

func (s *BoltStore) DeleteLease(jobName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).Delete([]byte(jobName))
	})
}
