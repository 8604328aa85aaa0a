package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/makeastudio/api/internal/client"
	"github.com/makeastudio/api/internal/model"
)

// run carries one job through the pipeline.
type run struct {
	job          *model.Job
	log          zerolog.Logger
	stageStarted time.Time
}

func (o *Orchestrator) newRun(job *model.Job) *run {
	return &run{
		job:          job,
		log:          o.logger.With().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Logger(),
		stageStarted: o.now(),
	}
}

// Run executes the pipeline for a queued job. Only the caller that wins the
// claim proceeds. Stage failures are persisted on the job and reported on
// its stream; the returned error is reserved for failures to start.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (err error) {
	claimed, err := o.store.ClaimJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		o.logger.Debug().Str("job_id", jobID).Msg("job already claimed or not queued")
		return nil
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load claimed job: %w", err)
	}

	r := o.newRun(job)
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("pipeline panicked")
			o.fail(ctx, r, &model.PipelineError{Stage: r.job.Status, Err: fmt.Errorf("panic: %v", p)})
			err = nil
		}
	}()

	o.pipeline(ctx, r)
	return nil
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run) {
	job := r.job
	r.log.Info().Msg("pipeline started")
	o.publishStatus(r, PickMessage(job.Status, 0), false)

	if !job.Vars.Inputs.SuggestOnly {
		if err := o.charge(ctx, r); err != nil {
			o.fail(ctx, r, err)
			return
		}
	}

	if len(job.Vars.Inputs.ReferenceImages) > 0 {
		if err := o.advance(ctx, r, model.JobStatusScanning); err != nil {
			o.fail(ctx, r, err)
			return
		}
		if err := o.scan(ctx, r); err != nil {
			o.fail(ctx, r, err)
			return
		}
	}

	if err := o.advance(ctx, r, model.JobStatusPrompting); err != nil {
		o.fail(ctx, r, err)
		return
	}
	if err := o.prompt(ctx, r); err != nil {
		o.fail(ctx, r, err)
		return
	}

	if job.Vars.Inputs.SuggestOnly {
		if err := o.advance(ctx, r, model.JobStatusSuggested); err != nil {
			o.fail(ctx, r, err)
			return
		}
		o.hub.Finish(job.ID, model.DonePayloadFor(job))
		r.log.Info().Msg("prompt suggested")
		return
	}

	started := o.now().UTC()
	job.Vars.Meta.GeneratingStartedAt = &started
	if err := o.advance(ctx, r, model.JobStatusGenerating); err != nil {
		o.fail(ctx, r, err)
		return
	}

	providerURL, parked, err := o.generate(ctx, r)
	if err != nil {
		o.fail(ctx, r, err)
		return
	}
	if parked {
		return
	}

	o.complete(ctx, r, providerURL)
}

// charge re-checks the balance and debits the job once.
func (o *Orchestrator) charge(ctx context.Context, r *run) error {
	job := r.job
	started := o.now()
	cost := job.Vars.Meta.Cost

	if _, err := o.ledger.EnsureEnoughCredits(ctx, job.OwnerID, cost); err != nil {
		return err
	}
	wrote, err := o.ledger.Charge(ctx, job.OwnerID, job.ID, cost, fmt.Sprintf("%s:%s", job.Mode, job.Vars.Meta.Engine))
	if err != nil {
		return &model.PipelineError{Stage: job.Status, Err: err}
	}

	job.Vars.Meta.Charged = true
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return &model.PipelineError{Stage: job.Status, Err: fmt.Errorf("persist charge: %w", err)}
	}
	o.step(ctx, r, model.StepCharge, map[string]interface{}{"amount": cost}, map[string]interface{}{"written": wrote}, started, nil)
	return nil
}

// advance moves the job to next after checking the transition and the
// stage's preconditions, then persists and announces it.
func (o *Orchestrator) advance(ctx context.Context, r *run, next model.JobStatus) error {
	job := r.job
	prev := job.Status
	if !prev.CanTransitionTo(next) {
		return &model.PipelineError{Stage: prev, Err: fmt.Errorf("illegal transition %s -> %s", prev, next)}
	}
	if err := job.Vars.ValidateFor(next); err != nil {
		return &model.PipelineError{Stage: next, Err: err}
	}

	now := o.now()
	elapsed := now.Sub(r.stageStarted)
	if job.Vars.Meta.StageTimings == nil {
		job.Vars.Meta.StageTimings = make(map[string]int64)
	}
	job.Vars.Meta.StageTimings[string(prev)] += elapsed.Milliseconds()
	r.stageStarted = now

	msg := PickMessage(next, len(job.Vars.UserMessages))
	job.Status = next
	job.Vars.UserMessages = append(job.Vars.UserMessages, msg)

	if err := o.store.UpdateJob(ctx, job); err != nil {
		job.Status = prev
		job.Vars.UserMessages = job.Vars.UserMessages[:len(job.Vars.UserMessages)-1]
		return &model.PipelineError{Stage: next, Err: fmt.Errorf("persist transition: %w", err)}
	}

	o.step(ctx, r, model.StepStage, map[string]interface{}{"from": prev}, map[string]interface{}{"to": next}, now.Add(-elapsed), nil)
	o.publishStatus(r, msg, false)
	r.log.Debug().Str("stage", string(next)).Dur("previous_stage", elapsed).Msg("stage entered")
	return nil
}

// scan captions every reference image, a few at a time.
func (o *Orchestrator) scan(ctx context.Context, r *run) error {
	job := r.job
	refs := job.Vars.Inputs.ReferenceImages
	lines := make([]model.ScanLine, len(refs))

	limit := o.cfg.ScanConcurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			started := o.now()
			caption, err := o.complete1(gctx, client.CompletionRequest{
				System:    scanSystemPrompt,
				User:      scanUserPrompt,
				Images:    []string{ref},
				MaxTokens: 200,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// a sibling failed first and already recorded its step
				if gctx.Err() != nil && errors.Is(err, context.Canceled) {
					return err
				}
				o.step(ctx, r, model.StepScan, map[string]interface{}{"source": ref}, nil, started, err)
				return fmt.Errorf("caption reference %d: %w", i+1, err)
			}

			lines[i] = model.ScanLine{Source: ref, Caption: caption}
			o.step(ctx, r, model.StepScan, map[string]interface{}{"source": ref}, map[string]interface{}{"caption": caption}, started, nil)
			o.hub.Publish(job.ID, model.EventScanLine, model.ScanLinePayload{
				JobID: job.ID,
				Stage: model.JobStatusScanning,
				Line:  caption,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &model.PipelineError{Stage: model.JobStatusScanning, Err: err}
	}

	job.Vars.Merge(model.WorkingVariables{Scans: model.Scans{References: lines}})
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return &model.PipelineError{Stage: model.JobStatusScanning, Err: fmt.Errorf("persist scans: %w", err)}
	}
	return nil
}

// prompt synthesizes the generation prompt and screens it against the
// owner's hard-block tags.
func (o *Orchestrator) prompt(ctx context.Context, r *run) error {
	job := r.job
	started := o.now()

	prefs, err := o.store.GetOwnerPreferences(ctx, job.OwnerID)
	if err != nil {
		return &model.PipelineError{Stage: model.JobStatusPrompting, Err: fmt.Errorf("read owner preferences: %w", err)}
	}

	req := client.CompletionRequest{
		System:    promptSystem(job.Mode, job.Vars.Meta.Engine),
		User:      promptBrief(&job.Vars),
		MaxTokens: 400,
	}
	text, err := o.complete1(ctx, req)
	if err != nil {
		o.step(ctx, r, model.StepCompletion, req, nil, started, err)
		return &model.PipelineError{Stage: model.JobStatusPrompting, Err: err}
	}

	final := cleanPrompt(text)
	o.step(ctx, r, model.StepCompletion, req, map[string]interface{}{"prompt": final}, started, nil)
	if final == "" {
		return &model.PipelineError{Stage: model.JobStatusPrompting, Err: errors.New("completion returned an empty prompt")}
	}
	if tag := matchBlockedTag(final, prefs.HardBlockTags); tag != "" {
		return &model.SafetyBlockedError{Reason: fmt.Sprintf("prompt matched blocked tag %q", tag)}
	}

	job.Vars.Merge(model.WorkingVariables{Prompts: model.Prompts{
		System:   req.System,
		Final:    final,
		Negative: negativePrompt(job.Mode),
	}})
	job.PromptText = &final
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return &model.PipelineError{Stage: model.JobStatusPrompting, Err: fmt.Errorf("persist prompt: %w", err)}
	}
	o.publishStatus(r, "Prompt ready.", false)
	return nil
}

// complete1 runs one completion under the completion timeout and trims it.
func (o *Orchestrator) complete1(ctx context.Context, req client.CompletionRequest) (string, error) {
	if o.cfg.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.CompletionTimeout)
		defer cancel()
	}
	text, err := o.completer.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// generate submits the job to the provider and waits for it under the hard
// deadline. parked reports a job left in generating for later recovery.
func (o *Orchestrator) generate(ctx context.Context, r *run) (providerURL string, parked bool, err error) {
	job := r.job
	eng := Engine{
		Lane:          job.Vars.Meta.Engine,
		Model:         job.Vars.Meta.Model,
		Cost:          job.Vars.Meta.Cost,
		BilledSeconds: job.Vars.Meta.BilledSeconds,
	}
	input := eng.ProviderInput(job.Vars.Prompts.Final, job.Vars.Prompts.Negative, job.Vars.Inputs)
	started := o.now()

	chatterCtx, stopChatter := context.WithCancel(ctx)
	defer stopChatter()
	go o.chatter(chatterCtx, job.ID)

	res, err := o.predictions.SubmitAndAwait(ctx, eng.Model, input, client.PollOptions{
		HardDeadline:    o.cfg.HardDeadline,
		PollInterval:    o.cfg.PollInterval,
		PerCallTimeout:  o.cfg.PerCallTimeout,
		CancelOnTimeout: o.cfg.CancelOnTimeout,
		OnSubmitted: func(ctx context.Context, providerJobID string) error {
			job.Vars.Meta.ProviderJobID = providerJobID
			job.Vars.Meta.ProviderStatus = client.PredictionStarting
			if err := o.store.UpdateJob(ctx, job); err != nil {
				return err
			}
			o.step(ctx, r, model.StepProviderSubmit, map[string]interface{}{"model": eng.Model, "input": input}, map[string]interface{}{"providerJobId": providerJobID}, started, nil)
			o.publishStatus(r, "Submitted to the renderer.", false)
			return nil
		},
		OnPoll: func(p *client.Prediction, attempt int) {
			job.Vars.Meta.ProviderStatus = p.Status
		},
	})
	stopChatter()

	if res != nil && res.ProviderJobID != "" && (res.TimedOut || (err != nil && ctx.Err() != nil)) {
		o.park(ctx, r, res)
		return "", true, nil
	}

	if err != nil {
		var output interface{}
		if res != nil {
			output = map[string]interface{}{"providerJobId": res.ProviderJobID}
		}
		o.step(ctx, r, model.StepProviderResult, nil, output, started, err)
		var failed *model.ProviderFailedError
		if errors.As(err, &failed) {
			job.Vars.Meta.ProviderStatus = failed.Status
			return "", false, err
		}
		return "", false, &model.PipelineError{Stage: model.JobStatusGenerating, Err: err}
	}

	providerURL = res.Prediction.OutputURL()
	job.Vars.Meta.ProviderStatus = res.Prediction.Status
	o.step(ctx, r, model.StepProviderResult, nil, map[string]interface{}{
		"providerJobId": res.ProviderJobID,
		"status":        res.Prediction.Status,
		"outputUrl":     providerURL,
		"waitedMs":      res.Waited.Milliseconds(),
	}, started, nil)

	if providerURL == "" {
		return "", false, &model.PipelineError{Stage: model.JobStatusGenerating, Err: errors.New("provider returned no output")}
	}
	return providerURL, false, nil
}

// park leaves a job that outlived the deadline in generating with its
// provider handle, and lets current subscribers go. No refund is issued.
func (o *Orchestrator) park(ctx context.Context, r *run, res *client.PollResult) {
	ctx = context.WithoutCancel(ctx)
	job := r.job

	job.Vars.Meta.TimedOut = true
	if res.Prediction != nil {
		job.Vars.Meta.ProviderStatus = res.Prediction.Status
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		r.log.Error().Err(err).Msg("failed to persist timed-out job")
	}

	timeout := &model.ProviderTimeoutError{ProviderJobID: res.ProviderJobID, Waited: res.Waited}
	o.step(ctx, r, model.StepTimeout, nil, map[string]interface{}{"providerJobId": res.ProviderJobID, "waitedMs": res.Waited.Milliseconds()}, r.stageStarted, timeout)
	o.publishStatus(r, "Still rendering. We kept your job and you can check back shortly.", true)
	o.hub.Release(job.ID)

	r.log.Warn().Str("provider_job_id", res.ProviderJobID).Dur("waited", res.Waited).Msg("provider outlived the deadline, job parked for recovery")
}

// complete relocates the provider output, captions stills and finalizes
// the job. It is shared by the pipeline and recovery.
func (o *Orchestrator) complete(ctx context.Context, r *run, providerURL string) {
	job := r.job
	started := o.now()

	rel, err := o.relocator.Relocate(ctx, providerURL, "jobs/"+job.ID)
	if err != nil {
		o.step(ctx, r, model.StepRelocate, map[string]interface{}{"url": providerURL}, nil, started, err)
		o.fail(ctx, r, &model.PipelineError{Stage: model.JobStatusGenerating, Err: fmt.Errorf("relocate output: %w", err)})
		return
	}
	o.step(ctx, r, model.StepRelocate, map[string]interface{}{"url": providerURL}, rel, started, nil)

	contentType := rel.ContentType
	if contentType == "" {
		contentType = Engine{Lane: job.Vars.Meta.Engine}.ContentType()
	}
	job.Vars.Merge(model.WorkingVariables{Outputs: model.Outputs{
		ProviderURL:  providerURL,
		PermanentURL: rel.URL,
		ContentType:  contentType,
	}})

	if job.Mode == model.ModeStill {
		if err := o.advance(ctx, r, model.JobStatusPostscan); err != nil {
			o.fail(ctx, r, err)
			return
		}
		o.postscan(ctx, r)
	}

	o.finish(ctx, r)
}

// finish publishes the stored output and moves the job to done.
func (o *Orchestrator) finish(ctx context.Context, r *run) {
	job := r.job
	outputURL := job.Vars.Outputs.PermanentURL
	job.OutputURL = &outputURL
	if err := o.advance(ctx, r, model.JobStatusDone); err != nil {
		job.OutputURL = nil
		o.fail(ctx, r, err)
		return
	}

	o.hub.Finish(job.ID, model.DonePayloadFor(job))
	r.log.Info().Str("output_url", outputURL).Msg("job done")
}

// postscan captions the stored still. A failure is recorded and ignored.
func (o *Orchestrator) postscan(ctx context.Context, r *run) {
	job := r.job
	started := o.now()

	caption, err := o.complete1(ctx, client.CompletionRequest{
		System:    scanSystemPrompt,
		User:      postscanUserPrompt,
		Images:    []string{job.Vars.Outputs.PermanentURL},
		MaxTokens: 200,
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("output caption failed")
		o.step(ctx, r, model.StepCaption, nil, nil, started, err)
		return
	}

	job.Vars.Scans.Output = caption
	o.step(ctx, r, model.StepCaption, nil, map[string]interface{}{"caption": caption}, started, nil)
	o.hub.Publish(job.ID, model.EventScanLine, model.ScanLinePayload{
		JobID: job.ID,
		Stage: model.JobStatusPostscan,
		Line:  caption,
	})
}

// fail moves the job to error, refunds it when it was billable and closes
// its stream. It runs on a context detached from cancellation so a
// shutdown cannot leave the job half-failed.
func (o *Orchestrator) fail(ctx context.Context, r *run, cause error) {
	ctx = context.WithoutCancel(ctx)
	job := r.job

	if job.Status.IsTerminal() {
		return
	}

	jobErr := model.NewJobError(cause)
	r.log.Error().Err(cause).Str("stage", string(job.Status)).Str("class", string(jobErr.Class)).Msg("job failed")

	stage := job.Status
	job.Status = model.JobStatusError
	job.Error = jobErr
	job.Vars.UserMessages = append(job.Vars.UserMessages, jobErr.Message)

	if err := o.store.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, model.ErrJobFinalized) {
			// someone else finished the job first; report what they stored
			if stored, gerr := o.store.GetJob(ctx, job.ID); gerr == nil {
				r.job = stored
				o.hub.Finish(stored.ID, model.DonePayloadFor(stored))
			}
			return
		}
		r.log.Error().Err(err).Msg("failed to persist job error")
	}

	o.step(ctx, r, model.StepError, map[string]interface{}{"stage": stage}, jobErr, r.stageStarted, cause)

	if !job.Vars.Inputs.SuggestOnly {
		o.refund(ctx, r, cause)
	}

	o.hub.Publish(job.ID, model.EventStatus, model.StatusPayload{
		JobID:   job.ID,
		Status:  job.Status,
		Message: jobErr.Message,
		Error:   jobErr,
	})
	o.hub.Finish(job.ID, model.DonePayloadFor(job))
}

// refund is best effort: a ledger failure is logged, never raised.
func (o *Orchestrator) refund(ctx context.Context, r *run, cause error) {
	job := r.job
	started := o.now()

	outcome, err := o.ledger.Refund(ctx, job.OwnerID, job.ID, job.Vars.Meta.Cost, cause)
	if err != nil {
		r.log.Error().Err(err).Msg("refund failed")
		o.step(ctx, r, model.StepRefund, nil, nil, started, err)
		return
	}
	if outcome == RefundSkippedNoCharge {
		return
	}
	o.step(ctx, r, model.StepRefund, map[string]interface{}{"amount": job.Vars.Meta.Cost}, map[string]interface{}{"outcome": outcome}, started, nil)
}

// chatter keeps subscribers company while the provider works.
func (o *Orchestrator) chatter(ctx context.Context, jobID string) {
	if o.cfg.ChatterInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.cfg.ChatterInterval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.hub.Publish(jobID, model.EventStatus, model.StatusPayload{
				JobID:   jobID,
				Status:  model.JobStatusGenerating,
				Message: PickMessage(model.JobStatusGenerating, n),
			})
		}
	}
}

func (o *Orchestrator) publishStatus(r *run, msg string, timedOut bool) {
	o.hub.Publish(r.job.ID, model.EventStatus, model.StatusPayload{
		JobID:    r.job.ID,
		Status:   r.job.Status,
		Message:  msg,
		TimedOut: timedOut,
	})
}

// step appends to the audit log. A failed append is logged only.
func (o *Orchestrator) step(ctx context.Context, r *run, typ model.StepType, input, output interface{}, started time.Time, stepErr error) {
	s := &model.Step{
		JobID: r.job.ID,
		Type:  typ,
		Payload: model.StepPayload{
			Input:  input,
			Output: output,
			Timing: model.StepTiming{
				StartedAt:  started.UTC(),
				DurationMs: o.now().Sub(started).Milliseconds(),
			},
		},
	}
	if stepErr != nil {
		s.Payload.Error = stepErr.Error()
	}
	if err := o.store.AppendStep(context.WithoutCancel(ctx), s); err != nil {
		r.log.Warn().Err(err).Str("step", string(typ)).Msg("failed to append step")
	}
}
