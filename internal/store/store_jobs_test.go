package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestClaimNextJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`
UPDATE processing_jobs SET status=$2, claimed_at=NOW(), updated_at=NOW()
WHERE id = (
  SELECT id FROM processing_jobs
  WHERE capability=$1
    AND (status=$3 OR (status=$4 AND next_retry_at <= NOW()))
  ORDER BY priority ASC, created_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING id, media_id, user_id, capability, mandatory, attempts, max_attempts, priority, created_at
`)
	mock.ExpectQuery(query).
		WithArgs("vision_labels", JobStatusProcessing, JobStatusPending, JobStatusRetrying).
		WillReturnRows(sqlmock.NewRows([]string{"id", "media_id", "user_id", "capability", "mandatory", "attempts", "max_attempts", "priority", "created_at"}).
			AddRow("job-1", "media-1", "user-1", "vision_labels", true, 1, 3, 0, time.Now()))

	job, ok, err := st.ClaimNextJob(context.Background(), "vision_labels")
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if !ok {
		t.Fatalf("expected a claimed job")
	}
	if job.ID != "job-1" || job.Status != JobStatusProcessing {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Attempts != 1 || job.Priority != 0 {
		t.Fatalf("unexpected attempts/priority: %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimNextJobEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery("UPDATE processing_jobs").
		WithArgs("transcription", JobStatusProcessing, JobStatusPending, JobStatusRetrying).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, ok, err := st.ClaimNextJob(context.Background(), "transcription")
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if ok {
		t.Fatalf("expected no job")
	}
}

func TestCompleteJobFanIn(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`
UPDATE processing_jobs SET status=$2, updated_at=NOW()
WHERE id=$1
RETURNING media_id
`)).
		WithArgs("job-1", JobStatusCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"media_id"}).AddRow("media-1"))
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT
  COUNT(*) FILTER (WHERE status NOT IN ($3, $4)),
  COUNT(*) FILTER (WHERE status = $4 AND mandatory) > 0
FROM processing_jobs
WHERE media_id=$1 AND capability <> $2
`)).
		WithArgs("media-1", "embed", JobStatusCompleted, JobStatusFailed).
		WillReturnRows(sqlmock.NewRows([]string{"remaining", "mandatory_failed"}).AddRow(0, false))
	mock.ExpectCommit()

	remaining, mandatoryFailed, err := st.CompleteJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if remaining != 0 || mandatoryFailed {
		t.Fatalf("unexpected fan-in state: remaining=%d mandatoryFailed=%v", remaining, mandatoryFailed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCompleteJobUnknown(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE processing_jobs").
		WithArgs("missing", JobStatusCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"media_id"}))
	mock.ExpectRollback()

	if _, _, err := st.CompleteJob(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetFailedJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE processing_jobs
SET status=$2, attempts=0, next_retry_at=NULL, claimed_at=NULL, last_error=NULL, updated_at=NOW()
WHERE media_id=$1 AND status=$3
`)).
		WithArgs("media-1", JobStatusPending, JobStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE media_items SET status=$2, failure_reason=NULL WHERE id=$1 AND deleted_at IS NULL
`)).
		WithArgs("media-1", MediaStatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := st.ResetFailedJobs(context.Background(), "media-1")
	if err != nil {
		t.Fatalf("ResetFailedJobs: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reset jobs, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResetFailedJobsNothingToReset(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE processing_jobs").
		WithArgs("media-1", JobStatusPending, JobStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := st.ResetFailedJobs(context.Background(), "media-1")
	if err != nil {
		t.Fatalf("ResetFailedJobs: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkJobFailedWithoutAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE processing_jobs
SET status=$2, attempts=attempts+$3, claimed_at=NULL, last_error=$4, updated_at=NOW()
WHERE id=$1
`)).
		WithArgs("job-1", JobStatusFailed, 0, "budget exceeded").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.MarkJobFailed(context.Background(), "job-1", "budget exceeded", false); err != nil {
		t.Fatalf("MarkJobFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRequeueStaleClaims(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE processing_jobs
SET status=$1, claimed_at=NULL, updated_at=NOW()
WHERE status=$2 AND claimed_at < NOW() - make_interval(secs => $3)
`)).
		WithArgs(JobStatusPending, JobStatusProcessing, int64(600)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.RequeueStaleClaims(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("RequeueStaleClaims: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 requeued, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
