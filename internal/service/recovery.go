package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/makeastudio/api/internal/client"
	"github.com/makeastudio/api/internal/model"
)

const sweepBatch = 100

// Recover reconciles a job parked in generating with its provider job. A
// finished provider job is finalized exactly like the pipeline would,
// without charging again. A provider job still running after too many
// attempts, or for too long, is abandoned and refunded.
func (o *Orchestrator) Recover(ctx context.Context, jobID, ownerID string) (*model.RecoverResponse, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, model.ErrForbidden
	}

	if job.Status.IsTerminal() {
		return recoverResponse(job, model.RecoverAlreadyFinal), nil
	}
	if !job.Recoverable() || !o.pastDeadline(job) {
		return nil, model.ErrNotRecoverable
	}

	return o.reconcile(ctx, o.newRun(job))
}

// pastDeadline reports whether the pipeline has stopped waiting on the
// provider for this job.
func (o *Orchestrator) pastDeadline(job *model.Job) bool {
	if job.Vars.Meta.TimedOut {
		return true
	}
	started := job.Vars.Meta.GeneratingStartedAt
	return started != nil && o.now().Sub(*started) > o.cfg.HardDeadline
}

func (o *Orchestrator) generatingAge(job *model.Job) time.Duration {
	if started := job.Vars.Meta.GeneratingStartedAt; started != nil {
		return o.now().Sub(*started)
	}
	return o.now().Sub(job.CreatedAt)
}

func (o *Orchestrator) reconcile(ctx context.Context, r *run) (*model.RecoverResponse, error) {
	job := r.job
	providerJobID := job.Vars.Meta.ProviderJobID
	started := o.now()

	job.Vars.Meta.RecoveryAttempts++
	attempt := job.Vars.Meta.RecoveryAttempts
	log := r.log.With().Str("provider_job_id", providerJobID).Int("attempt", attempt).Logger()

	pred, fetchErr := o.predictions.Fetch(ctx, providerJobID, o.cfg.PerCallTimeout)
	var output interface{}
	if pred != nil {
		output = map[string]interface{}{"status": pred.Status, "outputUrl": pred.OutputURL()}
	}
	o.step(ctx, r, model.StepRecover, map[string]interface{}{"providerJobId": providerJobID, "attempt": attempt}, output, started, fetchErr)

	switch {
	case fetchErr == nil && pred.Status == client.PredictionSucceeded:
		providerURL := pred.OutputURL()
		job.Vars.Meta.ProviderStatus = pred.Status
		if providerURL == "" {
			o.fail(ctx, r, &model.PipelineError{Stage: model.JobStatusGenerating, Err: errors.New("provider returned no output")})
			return recoverResponse(r.job, model.RecoverFailed), nil
		}
		log.Info().Msg("provider finished, finalizing recovered job")
		o.complete(ctx, r, providerURL)
		if r.job.Status == model.JobStatusDone {
			return recoverResponse(r.job, model.RecoverFinalized), nil
		}
		return recoverResponse(r.job, model.RecoverFailed), nil

	case fetchErr == nil && pred.IsTerminal():
		job.Vars.Meta.ProviderStatus = pred.Status
		o.fail(ctx, r, &model.ProviderFailedError{
			ProviderJobID: providerJobID,
			Status:        pred.Status,
			Diagnostic:    pred.Diagnostic(),
		})
		return recoverResponse(r.job, model.RecoverFailed), nil
	}

	age := o.generatingAge(job)
	if attempt >= o.cfg.MaxRecoveryAttempts || age > o.cfg.AbandonAfter {
		log.Warn().Dur("age", age).Msg("abandoning provider job")
		if err := o.predictions.Cancel(context.WithoutCancel(ctx), providerJobID, o.cfg.PerCallTimeout); err != nil {
			log.Warn().Err(err).Msg("cancel of abandoned provider job failed")
		}
		o.fail(ctx, r, &model.ProviderTimeoutError{ProviderJobID: providerJobID, Waited: age, Abandoned: true})
		return recoverResponse(r.job, model.RecoverAbandoned), nil
	}

	if pred != nil {
		job.Vars.Meta.ProviderStatus = pred.Status
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist recovery attempt: %w", err)
	}
	if fetchErr != nil {
		log.Warn().Err(fetchErr).Msg("provider status fetch failed")
	} else {
		log.Info().Str("provider_status", pred.Status).Msg("provider job still running")
	}
	return recoverResponse(job, model.RecoverPending), nil
}

func recoverResponse(job *model.Job, outcome model.RecoverOutcome) *model.RecoverResponse {
	return &model.RecoverResponse{
		JobID:    job.ID,
		Status:   job.Status,
		Outcome:  outcome,
		Attempts: job.Vars.Meta.RecoveryAttempts,
		Job:      job,
	}
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Recovered   int `json:"recovered"`
	Pending     int `json:"pending"`
	Failed      int `json:"failed"`
	Rescheduled int `json:"rescheduled"`
}

var errStaleRun = errors.New("run stopped making progress")

// Sweep handles jobs whose run went quiet. Parked generations are
// reconciled and forgotten queued jobs are scheduled again. Stalled stages
// are failed, except a postscan whose output is already stored, which is
// finished as done.
func (o *Orchestrator) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	cutoff := o.now().Add(-o.cfg.StaleAfter)

	generating, err := o.store.ListStale(ctx, []model.JobStatus{model.JobStatusGenerating}, cutoff, sweepBatch)
	if err != nil {
		return report, err
	}
	for _, job := range generating {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		r := o.newRun(job)
		if !job.Recoverable() {
			o.fail(ctx, r, &model.PipelineError{Stage: job.Status, Err: errStaleRun})
			report.Failed++
			continue
		}
		if !o.pastDeadline(job) {
			continue
		}
		res, err := o.reconcile(ctx, r)
		if err != nil {
			r.log.Warn().Err(err).Msg("sweep recovery failed")
			continue
		}
		switch res.Outcome {
		case model.RecoverFinalized:
			report.Recovered++
		case model.RecoverPending:
			report.Pending++
		default:
			report.Failed++
		}
	}

	stalled, err := o.store.ListStale(ctx, []model.JobStatus{
		model.JobStatusProcessing,
		model.JobStatusScanning,
		model.JobStatusPrompting,
		model.JobStatusPostscan,
	}, cutoff, sweepBatch)
	if err != nil {
		return report, err
	}
	for _, job := range stalled {
		r := o.newRun(job)
		// the output is already stored; only its caption is missing
		if job.Status == model.JobStatusPostscan && job.Vars.Outputs.PermanentURL != "" {
			o.finish(ctx, r)
			if job.Status == model.JobStatusDone {
				report.Recovered++
			} else {
				report.Failed++
			}
			continue
		}
		o.fail(ctx, r, &model.PipelineError{Stage: job.Status, Err: errStaleRun})
		report.Failed++
	}

	queued, err := o.store.ListStale(ctx, []model.JobStatus{model.JobStatusQueued}, cutoff, sweepBatch)
	if err != nil {
		return report, err
	}
	for _, job := range queued {
		if err := o.scheduler.Schedule(ctx, job.ID); err != nil {
			o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reschedule failed")
			continue
		}
		report.Rescheduled++
	}

	if *report != (SweepReport{}) {
		o.logger.Info().
			Int("recovered", report.Recovered).
			Int("pending", report.Pending).
			Int("failed", report.Failed).
			Int("rescheduled", report.Rescheduled).
			Msg("sweep finished")
	}
	return report, nil
}
