package datastore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/log"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	name TEXT PRIMARY KEY,
	action_digest TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	stage INTEGER NOT NULL DEFAULT 0,
	do_not_cache INTEGER NOT NULL DEFAULT 0,
	n_tries INTEGER NOT NULL DEFAULT 0,
	cancelled INTEGER NOT NULL DEFAULT 0,
	queued_at INTEGER NOT NULL DEFAULT 0,
	queued_duration_ns INTEGER NOT NULL DEFAULT 0,
	worker_started_at INTEGER NOT NULL DEFAULT 0,
	worker_completed_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_stage ON jobs(stage);
CREATE INDEX IF NOT EXISTS idx_jobs_action_digest ON jobs(action_digest);

CREATE TABLE IF NOT EXISTS operations (
	name TEXT PRIMARY KEY,
	job_name TEXT NOT NULL,
	cancelled INTEGER NOT NULL DEFAULT 0,
	done INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_operations_job ON operations(job_name);

CREATE TABLE IF NOT EXISTS leases (
	job_name TEXT PRIMARY KEY,
	state INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL DEFAULT 0
);
`

// sqlJobColumns maps semantic field names onto job table columns and value
// encodings.
func sqlJobColumn(field string, value interface{}) (string, interface{}, error) {
	switch field {
	case FieldStage, FieldPriority:
		v, ok := value.(int32)
		if !ok {
			return "", nil, errdefs.InvalidArgumentf("field %q wants int32", field)
		}
		column := "stage"
		if field == FieldPriority {
			column = "priority"
		}
		return column, int64(v), nil
	case FieldNTries:
		v, ok := value.(int)
		if !ok {
			return "", nil, errdefs.InvalidArgumentf("field %q wants int", field)
		}
		return "n_tries", int64(v), nil
	case FieldDoNotCache, FieldCancelled:
		v, ok := value.(bool)
		if !ok {
			return "", nil, errdefs.InvalidArgumentf("field %q wants bool", field)
		}
		column := "do_not_cache"
		if field == FieldCancelled {
			column = "cancelled"
		}
		return column, boolToInt(v), nil
	case FieldQueuedAt, FieldWorkerStartedAt, FieldWorkerDoneAt:
		v, ok := value.(time.Time)
		if !ok {
			return "", nil, errdefs.InvalidArgumentf("field %q wants time.Time", field)
		}
		column := map[string]string{
			FieldQueuedAt:        "queued_at",
			FieldWorkerStartedAt: "worker_started_at",
			FieldWorkerDoneAt:    "worker_completed_at",
		}[field]
		return column, timeToUnix(v), nil
	case FieldQueuedDuration:
		v, ok := value.(time.Duration)
		if !ok {
			return "", nil, errdefs.InvalidArgumentf("field %q wants time.Duration", field)
		}
		return "queued_duration_ns", v.Nanoseconds(), nil
	}
	return "", nil, errdefs.InvalidArgumentf("unknown job field %q", field)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func unixToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SQLStore persists records in a relational database through database/sql.
// Only the sqlite3 driver is exercised today but nothing in the statements
// is sqlite specific beyond the schema.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (and if necessary initializes) a database at the given
// DSN with the given driver.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.WithComponent("datastore").Info().Str("driver", driver).Msg("sql datastore ready")
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) CreateJob(rec *JobRecord) error {
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO jobs
		(name, action_digest, priority, stage, do_not_cache, n_tries, cancelled,
		 queued_at, queued_duration_ns, worker_started_at, worker_completed_at,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.ActionDigest, rec.Priority, rec.Stage,
		boolToInt(rec.DoNotCache), rec.NTries, boolToInt(rec.Cancelled),
		timeToUnix(rec.QueuedAt), rec.QueuedDuration.Nanoseconds(),
		timeToUnix(rec.WorkerStarted), timeToUnix(rec.WorkerDone),
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *SQLStore) scanJob(row *sql.Row) (*JobRecord, error) {
	rec := &JobRecord{}
	var doNotCache, cancelled int64
	var queuedAt, durationNS, startedAt, doneAt, createdAt, updatedAt int64
	err := row.Scan(&rec.Name, &rec.ActionDigest, &rec.Priority, &rec.Stage,
		&doNotCache, &rec.NTries, &cancelled,
		&queuedAt, &durationNS, &startedAt, &doneAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errdefs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	rec.DoNotCache = doNotCache != 0
	rec.Cancelled = cancelled != 0
	rec.QueuedAt = unixToTime(queuedAt)
	rec.QueuedDuration = time.Duration(durationNS)
	rec.WorkerStarted = unixToTime(startedAt)
	rec.WorkerDone = unixToTime(doneAt)
	rec.CreatedAt = unixToTime(createdAt)
	rec.UpdatedAt = unixToTime(updatedAt)
	return rec, nil
}

const jobColumns = `name, action_digest, priority, stage, do_not_cache, n_tries,
	cancelled, queued_at, queued_duration_ns, worker_started_at,
	worker_completed_at, created_at, updated_at`

func (s *SQLStore) GetJob(name string) (*JobRecord, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE name = ?`, name)
	rec, err := s.scanJob(row)
	if err == errdefs.ErrNotFound {
		return nil, errdefs.NotFoundf("job %q", name)
	}
	return rec, err
}

func (s *SQLStore) UpdateJob(name string, changes FieldChanges) error {
	if len(changes) == 0 {
		return nil
	}
	query := "UPDATE jobs SET updated_at = ?"
	args := []interface{}{time.Now().UnixNano()}
	for field, value := range changes {
		column, encoded, err := sqlJobColumn(field, value)
		if err != nil {
			return err
		}
		query += ", " + column + " = ?"
		args = append(args, encoded)
	}
	query += " WHERE name = ?"
	args = append(args, name)

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return errdefs.NotFoundf("job %q", name)
	}
	return nil
}

func (s *SQLStore) DeleteJob(name string) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM leases WHERE job_name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return nil
}

func (s *SQLStore) ListJobs(filter JobFilter) ([]*JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []interface{}
	if filter.Stage != nil {
		query += " AND stage = ?"
		args = append(args, *filter.Stage)
	}
	if filter.ActionDigest != "" {
		query += " AND action_digest = ?"
		args = append(args, filter.ActionDigest)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		rec := &JobRecord{}
		var doNotCache, cancelled int64
		var queuedAt, durationNS, startedAt, doneAt, createdAt, updatedAt int64
		if err := rows.Scan(&rec.Name, &rec.ActionDigest, &rec.Priority, &rec.Stage,
			&doNotCache, &rec.NTries, &cancelled,
			&queuedAt, &durationNS, &startedAt, &doneAt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		rec.DoNotCache = doNotCache != 0
		rec.Cancelled = cancelled != 0
		rec.QueuedAt = unixToTime(queuedAt)
		rec.QueuedDuration = time.Duration(durationNS)
		rec.WorkerStarted = unixToTime(startedAt)
		rec.WorkerDone = unixToTime(doneAt)
		rec.CreatedAt = unixToTime(createdAt)
		rec.UpdatedAt = unixToTime(updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateOperation(rec *OperationRecord) error {
	_, err := s.db.Exec(`INSERT INTO operations (name, job_name, cancelled, done) VALUES (?, ?, ?, ?)`,
		rec.Name, rec.JobName, boolToInt(rec.Cancelled), boolToInt(rec.Done))
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetOperation(name string) (*OperationRecord, error) {
	rec := &OperationRecord{}
	var cancelled, done int64
	err := s.db.QueryRow(`SELECT name, job_name, cancelled, done FROM operations WHERE name = ?`, name).
		Scan(&rec.Name, &rec.JobName, &cancelled, &done)
	if err == sql.ErrNoRows {
		return nil, errdefs.NotFoundf("operation %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	rec.Cancelled = cancelled != 0
	rec.Done = done != 0
	return rec, nil
}

func (s *SQLStore) UpdateOperation(name string, changes FieldChanges) error {
	rec, err := s.GetOperation(name)
	if err != nil {
		return err
	}
	if err := applyOperationChanges(rec, changes); err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE operations SET cancelled = ?, done = ? WHERE name = ?`,
		boolToInt(rec.Cancelled), boolToInt(rec.Done), name)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteOperation(name string) error {
	if _, err := s.db.Exec(`DELETE FROM operations WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return nil
}

func (s *SQLStore) ListOperations(jobName string) ([]*OperationRecord, error) {
	query := `SELECT name, job_name, cancelled, done FROM operations`
	var args []interface{}
	if jobName != "" {
		query += ` WHERE job_name = ?`
		args = append(args, jobName)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var out []*OperationRecord
	for rows.Next() {
		rec := &OperationRecord{}
		var cancelled, done int64
		if err := rows.Scan(&rec.Name, &rec.JobName, &cancelled, &done); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		rec.Cancelled = cancelled != 0
		rec.Done = done != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateLease(rec *LeaseRecord) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO leases (job_name, state, status_code) VALUES (?, ?, ?)`,
		rec.JobName, rec.State, rec.StatusCode)
	if err != nil {
		return fmt.Errorf("failed to insert lease: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateLease(jobName string, changes FieldChanges) error {
	rec := &LeaseRecord{JobName: jobName}
	var err error
	row := s.db.QueryRow(`SELECT job_name, state, status_code FROM leases WHERE job_name = ?`, jobName)
	if err = row.Scan(&rec.JobName, &rec.State, &rec.StatusCode); err == sql.ErrNoRows {
		return errdefs.NotFoundf("lease for job %q", jobName)
	} else if err != nil {
		return fmt.Errorf("failed to get lease: %w", err)
	}
	if err := applyLeaseChanges(rec, changes); err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE leases SET state = ?, status_code = ? WHERE job_name = ?`,
		rec.State, rec.StatusCode, jobName)
	if err != nil {
		return fmt.Errorf("failed to update lease: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteLease(jobName string) error {
	if _, err := s.db.Exec(`DELETE FROM leases WHERE job_name = ?`, jobName); err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
