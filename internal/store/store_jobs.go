package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ProcessingJob is one unit of per-media work, durably persisted so any
// worker process can pick it up. Retry timing is a data property: a
// `retrying` row becomes claimable once next_retry_at elapses.
type ProcessingJob struct {
	ID          string
	MediaID     string
	UserID      string
	Capability  string
	Mandatory   bool
	Status      string
	Attempts    int
	MaxAttempts int
	Priority    int
	NextRetryAt *time.Time
	ClaimedAt   *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateJobs inserts the fan-out jobs for a media item in one transaction and
// moves the item to `queued`.
func (s *Store) CreateJobs(ctx context.Context, mediaID string, jobs []ProcessingJob) error {
	if len(jobs) == 0 {
		return fmt.Errorf("no jobs to create")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO processing_jobs
  (id, media_id, user_id, capability, mandatory, status, attempts, max_attempts, priority, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,NOW(),NOW())
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, j := range jobs {
		if _, err = stmt.ExecContext(ctx, j.ID, j.MediaID, j.UserID, j.Capability, j.Mandatory, JobStatusPending, j.MaxAttempts, j.Priority); err != nil {
			return fmt.Errorf("insert job %s: %w", j.Capability, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE media_items SET status=$2 WHERE id=$1 AND deleted_at IS NULL
`, mediaID, MediaStatusQueued); err != nil {
		return fmt.Errorf("mark media queued: %w", err)
	}
	return nil
}

// CreateJob inserts a single job row (used for the embed stage created at
// analysis fan-in).
func (s *Store) CreateJob(ctx context.Context, j ProcessingJob) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO processing_jobs
  (id, media_id, user_id, capability, mandatory, status, attempts, max_attempts, priority, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,NOW(),NOW())
ON CONFLICT (media_id, capability) DO NOTHING
`, j.ID, j.MediaID, j.UserID, j.Capability, j.Mandatory, JobStatusPending, j.MaxAttempts, j.Priority)
	return err
}

// ClaimNextJob atomically claims the highest-priority due job for the given
// capability. The single-statement conditional update guarantees at most one
// active claim per job under concurrent workers; SKIP LOCKED keeps claimers
// from serializing on rows another worker is taking.
func (s *Store) ClaimNextJob(ctx context.Context, capability string) (ProcessingJob, bool, error) {
	var j ProcessingJob
	err := s.DB.QueryRowContext(ctx, `
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
`, capability, JobStatusProcessing, JobStatusPending, JobStatusRetrying).Scan(
		&j.ID, &j.MediaID, &j.UserID, &j.Capability, &j.Mandatory, &j.Attempts, &j.MaxAttempts, &j.Priority, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return ProcessingJob{}, false, nil
	}
	if err != nil {
		return ProcessingJob{}, false, err
	}
	j.Status = JobStatusProcessing
	return j, true, nil
}

// CompleteJob marks a job completed and reports the analysis fan-in state
// for its media item: how many analysis jobs are still outstanding and
// whether a mandatory one has terminally failed. The caller uses this to
// decide when to create the embed stage.
func (s *Store) CompleteJob(ctx context.Context, jobID string) (remaining int, mandatoryFailed bool, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	var mediaID string
	err = tx.QueryRowContext(ctx, `
UPDATE processing_jobs SET status=$2, updated_at=NOW()
WHERE id=$1
RETURNING media_id
`, jobID, JobStatusCompleted).Scan(&mediaID)
	if err == sql.ErrNoRows {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}

	err = tx.QueryRowContext(ctx, `
SELECT
  COUNT(*) FILTER (WHERE status NOT IN ($3, $4)),
  COUNT(*) FILTER (WHERE status = $4 AND mandatory) > 0
FROM processing_jobs
WHERE media_id=$1 AND capability <> $2
`, mediaID, "embed", JobStatusCompleted, JobStatusFailed).Scan(&remaining, &mandatoryFailed)
	return remaining, mandatoryFailed, err
}

// AnalysisFanIn reports the fan-in state of a media item's analysis jobs:
// how many are still outstanding and whether a mandatory one has terminally
// failed. The embed stage is not counted.
func (s *Store) AnalysisFanIn(ctx context.Context, mediaID string) (remaining int, mandatoryFailed bool, err error) {
	err = s.DB.QueryRowContext(ctx, `
SELECT
  COUNT(*) FILTER (WHERE status NOT IN ($3, $4)),
  COUNT(*) FILTER (WHERE status = $4 AND mandatory) > 0
FROM processing_jobs
WHERE media_id=$1 AND capability <> $2
`, mediaID, "embed", JobStatusCompleted, JobStatusFailed).Scan(&remaining, &mandatoryFailed)
	return remaining, mandatoryFailed, err
}

// ResetFailedJobs returns a media item's terminally failed jobs to `pending`
// with a fresh attempt budget, and the item itself to `queued`.
func (s *Store) ResetFailedJobs(ctx context.Context, mediaID string) (n int64, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	res, err := tx.ExecContext(ctx, `
UPDATE processing_jobs
SET status=$2, attempts=0, next_retry_at=NULL, claimed_at=NULL, last_error=NULL, updated_at=NOW()
WHERE media_id=$1 AND status=$3
`, mediaID, JobStatusPending, JobStatusFailed)
	if err != nil {
		return 0, err
	}
	if n, err = res.RowsAffected(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	_, err = tx.ExecContext(ctx, `
UPDATE media_items SET status=$2, failure_reason=NULL WHERE id=$1 AND deleted_at IS NULL
`, mediaID, MediaStatusQueued)
	return n, err
}

// MarkJobRetrying records a failed attempt and schedules the next retry.
func (s *Store) MarkJobRetrying(ctx context.Context, jobID string, nextRetryAt time.Time, lastError string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE processing_jobs
SET status=$2, attempts=attempts+1, next_retry_at=$3, claimed_at=NULL, last_error=$4, updated_at=NOW()
WHERE id=$1
`, jobID, JobStatusRetrying, nextRetryAt, lastError)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkJobFailed terminally fails a job. When countAttempt is false the
// failure does not consume a retry attempt (budget rejections).
func (s *Store) MarkJobFailed(ctx context.Context, jobID, lastError string, countAttempt bool) error {
	inc := 0
	if countAttempt {
		inc = 1
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE processing_jobs
SET status=$2, attempts=attempts+$3, claimed_at=NULL, last_error=$4, updated_at=NOW()
WHERE id=$1
`, jobID, JobStatusFailed, inc, lastError)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobsForMedia returns all jobs for a media item, oldest first.
func (s *Store) ListJobsForMedia(ctx context.Context, mediaID string) ([]ProcessingJob, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, media_id, user_id, capability, mandatory, status, attempts, max_attempts, priority,
       next_retry_at, claimed_at, COALESCE(last_error,''), created_at, updated_at
FROM processing_jobs
WHERE media_id=$1
ORDER BY created_at ASC
`, mediaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProcessingJob
	for rows.Next() {
		var j ProcessingJob
		if err := rows.Scan(&j.ID, &j.MediaID, &j.UserID, &j.Capability, &j.Mandatory, &j.Status,
			&j.Attempts, &j.MaxAttempts, &j.Priority, &j.NextRetryAt, &j.ClaimedAt, &j.LastError,
			&j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RequeueStaleClaims returns `processing` jobs whose claim is older than
// claimTimeout to `pending`, so work from a dead worker is not lost.
func (s *Store) RequeueStaleClaims(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE processing_jobs
SET status=$1, claimed_at=NULL, updated_at=NOW()
WHERE status=$2 AND claimed_at < NOW() - make_interval(secs => $3)
`, JobStatusPending, JobStatusProcessing, int64(claimTimeout/time.Second))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
