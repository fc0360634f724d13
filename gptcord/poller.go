package gptcord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultVideoTimeout = 10 * time.Minute
)

// JobStatus is the local lifecycle state of an async job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobExpired   JobStatus = "expired"
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobExpired:
		return true
	default:
		return false
	}
}

// AsyncJob tracks a long-running provider job.
type AsyncJob struct {
	ID          string               `json:"id"`
	Status      JobStatus            `json:"status"`
	SubmittedAt time.Time            `json:"submitted_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Progress    int                  `json:"progress"`
	Polls       int                  `json:"polls"`
	Error       *ProviderErrorDetail `json:"error,omitempty"`
}

func (j AsyncJob) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", j.ID),
		slog.String("status", string(j.Status)),
		slog.Time("submitted_at", j.SubmittedAt),
		slog.Int("progress", j.Progress),
		slog.Int("polls", j.Polls),
	)
}

// NewAsyncJob returns a job in the queued state.
func NewAsyncJob(id string, submittedAt time.Time) AsyncJob {
	return AsyncJob{
		ID:          id,
		Status:      JobQueued,
		SubmittedAt: submittedAt,
		UpdatedAt:   submittedAt,
	}
}

// Accepted returns job moved from queued to running, once the provider has
// accepted the submission. Jobs in any other state are returned as is.
func (j AsyncJob) Accepted() AsyncJob {
	if j.Status == JobQueued {
		j.Status = JobRunning
	}
	return j
}

// AdvanceJob returns job after applying an observation made at now.
// Terminal states are never left. A non-terminal job whose age exceeds
// budget becomes expired, whatever the provider reported.
func AdvanceJob(
	job AsyncJob,
	observed JobObservation,
	now time.Time,
	budget time.Duration,
) AsyncJob {
	if job.Status.Terminal() {
		return job
	}
	job.Polls++
	job.UpdatedAt = now
	if now.Sub(job.SubmittedAt) > budget {
		job.Status = JobExpired
		return job
	}
	if observed.Progress > job.Progress {
		job.Progress = observed.Progress
	}
	switch observed.Status {
	case ProviderJobQueued, ProviderJobInProgress:
		job.Status = JobRunning
	case ProviderJobCompleted:
		job.Status = JobSucceeded
		job.Progress = 100
	case ProviderJobFailed:
		job.Status = JobFailed
		job.Error = observed.Error
	default:
		if job.Status == JobQueued {
			job.Status = JobRunning
		}
	}
	return job
}

// VideoPoller waits for video jobs to finish.
type VideoPoller struct {
	gateway  Gateway
	interval time.Duration
	budget   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewVideoPoller(
	gateway Gateway,
	interval time.Duration,
	budget time.Duration,
	logger *slog.Logger,
) *VideoPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if budget <= 0 {
		budget = DefaultVideoTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VideoPoller{
		gateway:  gateway,
		interval: interval,
		budget:   budget,
		logger:   logger,
		now:      time.Now,
	}
}

// Wait polls job at a fixed interval until it reaches a terminal state.
// It returns the final job, and ErrTimeoutExpired if the job exceeded the
// budget, or an error wrapping ErrJobFailed if the provider reported
// failure. Transient poll errors are logged and polling continues. The
// provider job is not cancelled on expiry. onUpdate, if set, is called
// after every poll with the job's new state.
func (p *VideoPoller) Wait(
	ctx context.Context,
	job AsyncJob,
	onUpdate func(job AsyncJob),
) (AsyncJob, error) {
	notify := func(job AsyncJob) {
		if onUpdate != nil {
			onUpdate(job)
		}
	}
	logger := p.logger.With(slog.String("job_id", job.ID))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	initialTick := make(chan struct{}, 1)
	initialTick <- struct{}{}

	var pollErrs []error

	for {
		select {
		case <-ctx.Done():
			return job, context.Cause(ctx)
		case <-initialTick:
		case <-ticker.C:
		}

		observed, err := p.gateway.PollVideo(ctx, job.ID)
		var pollFailure error
		if err != nil {
			if ctx.Err() != nil {
				return job, context.Cause(ctx)
			}
			if isTransient(err) {
				logger.WarnContext(ctx, "transient error polling job", tint.Err(err))
				pollErrs = append(pollErrs, err)
				observed = JobObservation{Status: ProviderJobUnknown}
			} else {
				pollFailure = err
				observed = JobObservation{Status: ProviderJobFailed, Error: errorDetailPtr(err)}
			}
		}

		// the budget is checked before the observation, so a failed poll
		// past the deadline still ends as expired
		job = AdvanceJob(job, observed, p.now(), p.budget)
		notify(job)
		logger.DebugContext(ctx, fmt.Sprintf("Polled %d times", job.Polls), "job", job)

		switch job.Status {
		case JobSucceeded:
			return job, nil
		case JobFailed:
			if pollFailure != nil {
				return job, fmt.Errorf("%w: %w", ErrJobFailed, pollFailure)
			}
			if job.Error != nil {
				return job, fmt.Errorf("%w: %s", ErrJobFailed, job.Error.Message)
			}
			return job, ErrJobFailed
		case JobExpired:
			if pollFailure != nil {
				pollErrs = append(pollErrs, pollFailure)
			}
			return job, errors.Join(append([]error{ErrTimeoutExpired}, pollErrs...)...)
		}
		ticker.Reset(p.interval)
	}
}

func errorDetailPtr(err error) *ProviderErrorDetail {
	detail, ok := providerErrorDetail(err)
	if !ok {
		detail = ProviderErrorDetail{Message: err.Error()}
	}
	return &detail
}
