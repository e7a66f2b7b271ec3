package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores builds one instance of every backend so the whole contract runs
// against each of them.
func stores(t *testing.T) map[string]DataStore {
	t.Helper()
	boltStore, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	sqlStore, err := NewSQLStore("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]DataStore{
		"memory": NewMemoryStore(),
		"bolt":   boltStore,
		"sql":    sqlStore,
	}
}

func TestJobLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec := &JobRecord{
				Name:         "job-1",
				ActionDigest: "abc/3",
				Priority:     10,
			}
			require.NoError(t, store.CreateJob(rec))

			// Duplicate creation is rejected.
			assert.Error(t, store.CreateJob(rec))

			got, err := store.GetJob("job-1")
			require.NoError(t, err)
			assert.Equal(t, "abc/3", got.ActionDigest)
			assert.Equal(t, int32(10), got.Priority)

			queued := time.Now().Truncate(time.Millisecond)
			require.NoError(t, store.UpdateJob("job-1", FieldChanges{
				FieldStage:    int32(2),
				FieldNTries:   1,
				FieldQueuedAt: queued,
			}))

			got, err = store.GetJob("job-1")
			require.NoError(t, err)
			assert.Equal(t, int32(2), got.Stage)
			assert.Equal(t, 1, got.NTries)
			assert.WithinDuration(t, queued, got.QueuedAt, time.Millisecond)

			require.NoError(t, store.DeleteJob("job-1"))
			_, err = store.GetJob("job-1")
			assert.Error(t, err)
		})
	}
}

func TestUpdateMissingJob(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.UpdateJob("ghost", FieldChanges{FieldStage: int32(1)})
			assert.Error(t, err)
		})
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateJob(&JobRecord{Name: "job-1", ActionDigest: "d/1"}))
			err := store.UpdateJob("job-1", FieldChanges{"no_such_field": 1})
			assert.Error(t, err)
		})
	}
}

func TestListJobsFilter(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateJob(&JobRecord{Name: "a", ActionDigest: "d1/1", Stage: 2}))
			require.NoError(t, store.CreateJob(&JobRecord{Name: "b", ActionDigest: "d2/2", Stage: 3}))
			require.NoError(t, store.CreateJob(&JobRecord{Name: "c", ActionDigest: "d1/1", Stage: 2}))

			all, err := store.ListJobs(JobFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)

			stage := int32(2)
			queued, err := store.ListJobs(JobFilter{Stage: &stage})
			require.NoError(t, err)
			assert.Len(t, queued, 2)

			byDigest, err := store.ListJobs(JobFilter{ActionDigest: "d2/2"})
			require.NoError(t, err)
			require.Len(t, byDigest, 1)
			assert.Equal(t, "b", byDigest[0].Name)
		})
	}
}

func TestOperationLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateOperation(&OperationRecord{Name: "op-1", JobName: "job-1"}))
			require.NoError(t, store.CreateOperation(&OperationRecord{Name: "op-2", JobName: "job-1"}))
			require.NoError(t, store.CreateOperation(&OperationRecord{Name: "op-3", JobName: "job-2"}))

			ops, err := store.ListOperations("job-1")
			require.NoError(t, err)
			assert.Len(t, ops, 2)

			require.NoError(t, store.UpdateOperation("op-1", FieldChanges{FieldCancelled: true}))
			got, err := store.GetOperation("op-1")
			require.NoError(t, err)
			assert.True(t, got.Cancelled)

			require.NoError(t, store.DeleteOperation("op-1"))
			_, err = store.GetOperation("op-1")
			assert.Error(t, err)
		})
	}
}

func TestLeaseLifecycleRecords(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateLease(&LeaseRecord{JobName: "job-1", State: 1}))
			require.NoError(t, store.UpdateLease("job-1", FieldChanges{
				FieldLeaseState:      int32(3),
				FieldLeaseStatusCode: int32(13),
			}))
			assert.Error(t, store.UpdateLease("job-2", FieldChanges{FieldLeaseState: int32(1)}))
			require.NoError(t, store.DeleteLease("job-1"))
		})
	}
}
