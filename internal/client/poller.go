package client

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/model"
)

// PollOptions bound one submit-and-wait cycle.
type PollOptions struct {
	HardDeadline    time.Duration
	PollInterval    time.Duration
	PerCallTimeout  time.Duration
	CancelOnTimeout bool

	// OnSubmitted runs before the first poll so the provider job id is
	// durable before any waiting starts. An error aborts the wait.
	OnSubmitted func(ctx context.Context, providerJobID string) error
	// OnPoll observes every successful status fetch.
	OnPoll func(p *Prediction, attempt int)
}

// PollResult is returned for succeeded and timed-out predictions. The
// provider job id is always set once submission succeeded.
type PollResult struct {
	ProviderJobID string
	Prediction    *Prediction
	TimedOut      bool
	Waited        time.Duration
}

// Poller drives a prediction from submission to a terminal state or the
// hard deadline.
type Poller struct {
	api    PredictionAPI
	logger zerolog.Logger
}

func NewPoller(api PredictionAPI, logger zerolog.Logger) *Poller {
	return &Poller{
		api:    api,
		logger: logger.With().Str("component", "poller").Logger(),
	}
}

// SubmitAndAwait submits the prediction and polls it on a fixed interval.
//
// A failed or canceled prediction returns *model.ProviderFailedError. When
// the deadline passes without a terminal status the result has TimedOut set
// and a nil error. Poll errors are logged and polling continues; only the
// deadline ends the loop.
func (p *Poller) SubmitAndAwait(ctx context.Context, providerModel string, input map[string]interface{}, opts PollOptions) (*PollResult, error) {
	started := time.Now()
	deadline := started.Add(opts.HardDeadline)

	submitCtx, cancel := withCallTimeout(ctx, opts.PerCallTimeout)
	pred, err := p.api.Submit(submitCtx, providerModel, input)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("submit prediction: %w", err)
	}

	result := &PollResult{ProviderJobID: pred.ID, Prediction: pred}
	log := p.logger.With().Str("provider_job_id", pred.ID).Str("model", providerModel).Logger()
	log.Info().Str("status", pred.Status).Msg("prediction submitted")

	if opts.OnSubmitted != nil {
		if err := opts.OnSubmitted(ctx, pred.ID); err != nil {
			return result, fmt.Errorf("record provider job: %w", err)
		}
	}

	attempt := 0
	for !pred.IsTerminal() {
		wait := opts.PollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Waited = time.Since(started)
			log.Warn().Msg("poll interrupted")
			return result, ctx.Err()
		case <-timer.C:
		}

		attempt++
		next, err := p.Fetch(ctx, pred.ID, opts.PerCallTimeout)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("poll failed")
			continue
		}
		pred = next
		result.Prediction = pred
		log.Debug().Int("attempt", attempt).Str("status", pred.Status).Msg("poll")
		if opts.OnPoll != nil {
			opts.OnPoll(pred, attempt)
		}
	}

	if !pred.IsTerminal() {
		// the loop ended on the deadline; one last look before giving up
		if last, err := p.Fetch(ctx, pred.ID, opts.PerCallTimeout); err == nil {
			pred = last
			result.Prediction = pred
		} else {
			log.Warn().Err(err).Msg("final poll failed")
		}
	}

	result.Waited = time.Since(started)

	if !pred.IsTerminal() {
		result.TimedOut = true
		log.Warn().Dur("waited", result.Waited).Str("status", pred.Status).Msg("prediction outlived the hard deadline")
		if opts.CancelOnTimeout {
			cancelCtx, cancel := withCallTimeout(context.WithoutCancel(ctx), opts.PerCallTimeout)
			if err := p.api.Cancel(cancelCtx, pred.ID); err != nil {
				log.Warn().Err(err).Msg("cancel after timeout failed")
			}
			cancel()
		}
		return result, nil
	}

	if pred.Status != PredictionSucceeded {
		return result, &model.ProviderFailedError{
			ProviderJobID: pred.ID,
			Status:        pred.Status,
			Diagnostic:    pred.Diagnostic(),
		}
	}

	log.Info().Dur("waited", result.Waited).Msg("prediction succeeded")
	return result, nil
}

// Fetch reads the prediction once under its own timeout.
func (p *Poller) Fetch(ctx context.Context, providerJobID string, perCallTimeout time.Duration) (*Prediction, error) {
	callCtx, cancel := withCallTimeout(ctx, perCallTimeout)
	defer cancel()
	return p.api.Get(callCtx, providerJobID)
}

// Cancel asks the provider to stop a prediction under its own timeout.
func (p *Poller) Cancel(ctx context.Context, providerJobID string, perCallTimeout time.Duration) error {
	callCtx, cancel := withCallTimeout(ctx, perCallTimeout)
	defer cancel()
	return p.api.Cancel(callCtx, providerJobID)
}

func withCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
