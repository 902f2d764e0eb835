// Package jobs drives the media processing lifecycle: fan-out of analysis
// jobs on submission, retry scheduling on failure, and the fan-in that
// creates the embed stage once analysis settles.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/mediasense/mediasense/internal/analysis"
	"github.com/mediasense/mediasense/internal/store"
)

// ReasonBudgetExceeded is recorded on jobs and media items rejected by the
// budget gate.
const ReasonBudgetExceeded = "budget_exceeded"

const embedMaxAttempts = 2

// ErrInvalidMedia is returned when a media item cannot be (re)submitted in
// its current state.
type ErrInvalidMedia struct {
	MediaID string
	Status  string
}

func (e ErrInvalidMedia) Error() string {
	return fmt.Sprintf("media %s cannot be processed in status %q", e.MediaID, e.Status)
}

// Store is the persistence surface the orchestrator drives.
type Store interface {
	GetMediaItem(ctx context.Context, id, userID string) (store.MediaItem, error)
	GetUser(ctx context.Context, id string) (store.User, error)
	SetMediaStatus(ctx context.Context, id, status, failureReason string) error
	CreateJobs(ctx context.Context, mediaID string, jobs []store.ProcessingJob) error
	CreateJob(ctx context.Context, j store.ProcessingJob) error
	SaveAnalysisResult(ctx context.Context, rec store.AnalysisResultRecord) error
	CompleteJob(ctx context.Context, jobID string) (int, bool, error)
	AnalysisFanIn(ctx context.Context, mediaID string) (int, bool, error)
	MarkJobRetrying(ctx context.Context, jobID string, nextRetryAt time.Time, lastError string) error
	MarkJobFailed(ctx context.Context, jobID, lastError string, countAttempt bool) error
	ResetFailedJobs(ctx context.Context, mediaID string) (int64, error)
	ListJobsForMedia(ctx context.Context, mediaID string) ([]store.ProcessingJob, error)
}

// Notifier wakes workers when new jobs become claimable and announces
// terminal media transitions. May be nil.
type Notifier interface {
	NotifyEnqueued(ctx context.Context, mediaID string, capabilities []string) error
	NotifySettled(ctx context.Context, mediaID, status, reason string) error
}

// RetryPolicy shapes the transient-failure backoff schedule.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Orchestrator owns job state transitions. Workers claim jobs through the
// store and report outcomes back here.
type Orchestrator struct {
	logger   *log.Logger
	store    Store
	notifier Notifier
	policy   RetryPolicy
	now      func() time.Time
}

// NewOrchestrator constructs an orchestrator. notifier may be nil.
func NewOrchestrator(logger *log.Logger, st Store, notifier Notifier, policy RetryPolicy) (*Orchestrator, error) {
	if st == nil {
		return nil, fmt.Errorf("store required")
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 30 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 15 * time.Minute
	}
	return &Orchestrator{logger: logger, store: st, notifier: notifier, policy: policy, now: time.Now}, nil
}

func priorityForTier(tier string) int {
	switch tier {
	case store.TierPro:
		return 0
	case store.TierStandard:
		return 5
	default:
		return 10
	}
}

// Enqueue fans a freshly registered media item out into one durable job per
// required capability and moves the item to `queued`. Only items in
// `uploaded` are accepted; anything else is already in flight or terminal.
func (o *Orchestrator) Enqueue(ctx context.Context, mediaID, userID string) ([]store.ProcessingJob, error) {
	media, err := o.store.GetMediaItem(ctx, mediaID, userID)
	if err != nil {
		return nil, err
	}
	if media.Status != store.MediaStatusUploaded {
		return nil, ErrInvalidMedia{MediaID: mediaID, Status: media.Status}
	}
	user, err := o.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	reqs := analysis.RequirementsFor(media.Kind, user.Tier)
	prio := priorityForTier(user.Tier)
	jobs := make([]store.ProcessingJob, 0, len(reqs))
	caps := make([]string, 0, len(reqs))
	for _, r := range reqs {
		jobs = append(jobs, store.ProcessingJob{
			ID:          uuid.NewString(),
			MediaID:     mediaID,
			UserID:      userID,
			Capability:  string(r.Capability),
			Mandatory:   r.Mandatory,
			MaxAttempts: o.policy.MaxAttempts,
			Priority:    prio,
		})
		caps = append(caps, string(r.Capability))
	}
	if err := o.store.CreateJobs(ctx, mediaID, jobs); err != nil {
		return nil, fmt.Errorf("create jobs: %w", err)
	}
	o.notify(ctx, mediaID, caps)
	o.logger.Printf("enqueued media %s: %d jobs (tier %s)", mediaID, len(jobs), user.Tier)
	return jobs, nil
}

// Retry returns a failed media item's terminally failed jobs to the queue.
func (o *Orchestrator) Retry(ctx context.Context, mediaID, userID string) (int64, error) {
	media, err := o.store.GetMediaItem(ctx, mediaID, userID)
	if err != nil {
		return 0, err
	}
	if media.Status != store.MediaStatusFailed {
		return 0, ErrInvalidMedia{MediaID: mediaID, Status: media.Status}
	}
	n, err := o.store.ResetFailedJobs(ctx, mediaID)
	if err != nil {
		return 0, fmt.Errorf("reset failed jobs: %w", err)
	}
	if n > 0 {
		o.notify(ctx, mediaID, nil)
		o.logger.Printf("retrying media %s: %d jobs requeued", mediaID, n)
	}
	return n, nil
}

// ReportSuccess persists an analysis result and completes its job. When the
// completed job settles the media item's analysis fan-in, the embed stage is
// created, or the item is failed if a mandatory capability did not survive.
func (o *Orchestrator) ReportSuccess(ctx context.Context, job store.ProcessingJob, result analysis.Result) error {
	labels := make([]store.LabelRecord, 0, len(result.Labels))
	for _, l := range result.Labels {
		labels = append(labels, store.LabelRecord{Name: l.Name, Confidence: l.Confidence})
	}
	if err := o.store.SaveAnalysisResult(ctx, store.AnalysisResultRecord{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		MediaID:    job.MediaID,
		Capability: job.Capability,
		Mandatory:  job.Mandatory,
		Labels:     labels,
		Text:       result.Text,
		Sentiment:  result.Sentiment,
		Warnings:   result.Warnings,
	}); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	remaining, mandatoryFailed, err := o.store.CompleteJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	return o.settleFanIn(ctx, job, mandatoryFailed)
}

// CompleteEmbedStage marks the embed job done and the media item completed.
func (o *Orchestrator) CompleteEmbedStage(ctx context.Context, job store.ProcessingJob) error {
	if _, _, err := o.store.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("complete embed job: %w", err)
	}
	if err := o.store.SetMediaStatus(ctx, job.MediaID, store.MediaStatusCompleted, ""); err != nil {
		return fmt.Errorf("mark media completed: %w", err)
	}
	o.notifySettled(ctx, job.MediaID, string(store.MediaStatusCompleted), "")
	o.logger.Printf("media %s completed", job.MediaID)
	return nil
}

// Disposition reports what a failure report did to the job.
type Disposition string

const (
	DispositionRetrying Disposition = "retrying"
	DispositionFailed   Disposition = "failed"
	DispositionBudget   Disposition = "budget"
)

// ReportFailure classifies a job failure and either schedules a retry, fails
// the job terminally, or vetoes it on budget grounds. Budget rejections do
// not consume a retry attempt.
func (o *Orchestrator) ReportFailure(ctx context.Context, job store.ProcessingJob, cause error) (Disposition, error) {
	class := analysis.ClassOf(cause)
	switch class {
	case analysis.ErrorClassBudget:
		if err := o.store.MarkJobFailed(ctx, job.ID, ReasonBudgetExceeded, false); err != nil {
			return DispositionBudget, err
		}
		return DispositionBudget, o.settleTerminalFailure(ctx, job, ReasonBudgetExceeded)
	case analysis.ErrorClassPermanent:
		if err := o.store.MarkJobFailed(ctx, job.ID, cause.Error(), true); err != nil {
			return DispositionFailed, err
		}
		return DispositionFailed, o.settleTerminalFailure(ctx, job, cause.Error())
	default:
		if job.Attempts+1 >= job.MaxAttempts {
			msg := fmt.Sprintf("retries exhausted: %v", cause)
			if err := o.store.MarkJobFailed(ctx, job.ID, msg, true); err != nil {
				return DispositionFailed, err
			}
			return DispositionFailed, o.settleTerminalFailure(ctx, job, msg)
		}
		next := o.now().Add(o.backoff(job.Attempts))
		if err := o.store.MarkJobRetrying(ctx, job.ID, next, cause.Error()); err != nil {
			return DispositionRetrying, err
		}
		o.logger.Printf("job %s (%s) attempt %d failed transiently, retry at %s: %v",
			job.ID, job.Capability, job.Attempts+1, next.Format(time.RFC3339), cause)
		return DispositionRetrying, nil
	}
}

// settleTerminalFailure handles the media-level consequences of a terminal
// job failure. A mandatory job failing fails the item; an optional failure
// may still have been the last outstanding analysis job, in which case the
// fan-in must be re-checked here since CompleteJob never ran for it.
func (o *Orchestrator) settleTerminalFailure(ctx context.Context, job store.ProcessingJob, reason string) error {
	if job.Mandatory {
		o.logger.Printf("media %s failed: mandatory %s job: %s", job.MediaID, job.Capability, reason)
		if err := o.store.SetMediaStatus(ctx, job.MediaID, store.MediaStatusFailed, reason); err != nil {
			return err
		}
		o.notifySettled(ctx, job.MediaID, string(store.MediaStatusFailed), reason)
		return nil
	}
	remaining, mandatoryFailed, err := o.store.AnalysisFanIn(ctx, job.MediaID)
	if err != nil {
		return fmt.Errorf("fan-in check: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	return o.settleFanIn(ctx, job, mandatoryFailed)
}

// settleFanIn runs once all analysis jobs for a media item are settled:
// create the embed stage, or fail the item if a mandatory capability failed.
func (o *Orchestrator) settleFanIn(ctx context.Context, job store.ProcessingJob, mandatoryFailed bool) error {
	if job.Capability == string(analysis.CapabilityEmbed) {
		return nil
	}
	if mandatoryFailed {
		if err := o.store.SetMediaStatus(ctx, job.MediaID, store.MediaStatusFailed, "mandatory analysis failed"); err != nil {
			return err
		}
		o.notifySettled(ctx, job.MediaID, string(store.MediaStatusFailed), "mandatory analysis failed")
		return nil
	}
	embedJob := store.ProcessingJob{
		ID:          uuid.NewString(),
		MediaID:     job.MediaID,
		UserID:      job.UserID,
		Capability:  string(analysis.CapabilityEmbed),
		Mandatory:   true,
		MaxAttempts: embedMaxAttempts,
		Priority:    job.Priority,
	}
	if err := o.store.CreateJob(ctx, embedJob); err != nil {
		return fmt.Errorf("create embed job: %w", err)
	}
	o.notify(ctx, job.MediaID, []string{string(analysis.CapabilityEmbed)})
	o.logger.Printf("media %s analysis settled, embed stage queued", job.MediaID)
	return nil
}

// backoff returns the delay before retry attempt attempts+1: the base delay
// doubled per prior attempt, capped, with ±20% jitter to spread thundering
// retries.
func (o *Orchestrator) backoff(attempts int) time.Duration {
	d := o.policy.BaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= o.policy.MaxDelay {
			d = o.policy.MaxDelay
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	out := time.Duration(float64(d) * jitter)
	if out > o.policy.MaxDelay {
		out = o.policy.MaxDelay
	}
	return out
}

func (o *Orchestrator) notify(ctx context.Context, mediaID string, capabilities []string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.NotifyEnqueued(ctx, mediaID, capabilities); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Printf("warn: enqueue notification failed: %v", err)
	}
}

func (o *Orchestrator) notifySettled(ctx context.Context, mediaID, status, reason string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.NotifySettled(ctx, mediaID, status, reason); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Printf("warn: settle notification failed: %v", err)
	}
}
