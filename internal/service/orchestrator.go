package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/client"
	"github.com/makeastudio/api/internal/config"
	"github.com/makeastudio/api/internal/model"
	"github.com/makeastudio/api/internal/realtime"
)

// JobStore is the persistence the orchestrator drives jobs through.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	ClaimJob(ctx context.Context, id string) (bool, error)
	ListStale(ctx context.Context, statuses []model.JobStatus, before time.Time, limit int) ([]*model.Job, error)
	AppendStep(ctx context.Context, step *model.Step) error
	ListSteps(ctx context.Context, jobID string) ([]*model.Step, error)
	GetOwnerPreferences(ctx context.Context, ownerID string) (*model.OwnerPreferences, error)
	SetOwnerPreferences(ctx context.Context, prefs *model.OwnerPreferences) error
}

// Completer is the text and vision completion service.
type Completer interface {
	Complete(ctx context.Context, req client.CompletionRequest) (string, error)
}

// PredictionRunner submits provider work and reads it back later.
type PredictionRunner interface {
	SubmitAndAwait(ctx context.Context, providerModel string, input map[string]interface{}, opts client.PollOptions) (*client.PollResult, error)
	Fetch(ctx context.Context, providerJobID string, perCallTimeout time.Duration) (*client.Prediction, error)
	Cancel(ctx context.Context, providerJobID string, perCallTimeout time.Duration) error
}

// AssetRelocator moves provider output into permanent storage.
type AssetRelocator interface {
	Relocate(ctx context.Context, sourceURL, keyPrefix string) (*Relocation, error)
}

// Broadcaster is the per-job progress stream.
type Broadcaster interface {
	Publish(jobID string, typ model.EventType, payload interface{}) bool
	Finish(jobID string, payload interface{})
	Seal(jobID string, payload interface{})
	Release(jobID string)
	Subscribe(jobID string, from int64) *realtime.Subscription
}

// Deps wires the orchestrator to its collaborators.
type Deps struct {
	Store       JobStore
	Ledger      *CreditLedger
	Completer   Completer
	Predictions PredictionRunner
	Relocator   AssetRelocator
	Hub         Broadcaster
	Scheduler   Scheduler
	Catalog     Catalog
	Pipeline    config.PipelineConfig
	Logger      zerolog.Logger
}

// Orchestrator owns the job state machine: it creates jobs, runs the
// pipeline, recovers jobs that outlived the provider deadline and sweeps
// jobs whose run died.
type Orchestrator struct {
	store       JobStore
	ledger      *CreditLedger
	completer   Completer
	predictions PredictionRunner
	relocator   AssetRelocator
	hub         Broadcaster
	scheduler   Scheduler
	catalog     Catalog
	cfg         config.PipelineConfig
	now         func() time.Time
	logger      zerolog.Logger
}

func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		store:       d.Store,
		ledger:      d.Ledger,
		completer:   d.Completer,
		predictions: d.Predictions,
		relocator:   d.Relocator,
		hub:         d.Hub,
		scheduler:   d.Scheduler,
		catalog:     d.Catalog,
		cfg:         d.Pipeline,
		now:         time.Now,
		logger:      d.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// StreamURL is where a job's events can be read.
func StreamURL(jobID string) string {
	return "/api/jobs/" + jobID + "/events"
}

// Create validates the request, pre-checks credits and queues the job. It
// returns as soon as the run is scheduled.
func (o *Orchestrator) Create(ctx context.Context, ownerID string, req *model.CreateJobRequest) (*model.CreateJobResponse, error) {
	req.Normalize()

	prefs, err := o.store.GetOwnerPreferences(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("read owner preferences: %w", err)
	}
	if tag := matchBlockedTag(req.Brief, prefs.HardBlockTags); tag != "" {
		return nil, &model.ValidationError{Field: "brief", Message: fmt.Sprintf("contains blocked term %q", tag)}
	}

	inputs := req.Inputs()
	var parentID *string
	if req.ParentID != "" {
		parent, err := o.tweakParent(ctx, ownerID, req)
		if err != nil {
			return nil, err
		}
		inputs.BasePrompt = *parent.PromptText
		parentID = &parent.ID
	}

	eng, err := SelectEngine(req.Mode, inputs, o.catalog)
	if err != nil {
		return nil, err
	}
	if req.DeclaredCost != 0 && req.DeclaredCost != eng.Cost {
		return nil, &model.ValidationError{
			Field:   "declaredCost",
			Message: fmt.Sprintf("declared cost %d does not match the %s lane price %d", req.DeclaredCost, eng.Lane, eng.Cost),
		}
	}

	if inputs.SuggestOnly {
		if err := o.consumeAssist(ctx, prefs); err != nil {
			return nil, err
		}
	} else {
		balance, err := o.ledger.EnsureEnoughCredits(ctx, ownerID, eng.Cost)
		var insufficient *model.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			insufficient.Suggestion = Cheaper(req.Mode, eng, balance, o.catalog)
			return nil, insufficient
		}
		if err != nil {
			return nil, err
		}
	}

	job := &model.Job{
		ID:       uuid.New().String(),
		ParentID: parentID,
		OwnerID:  ownerID,
		Mode:     req.Mode,
		Status:   model.JobStatusQueued,
		Vars: model.WorkingVariables{
			Inputs: inputs,
			Meta: model.Meta{
				Engine:        eng.Lane,
				Model:         eng.Model,
				Cost:          eng.Cost,
				BilledSeconds: eng.BilledSeconds,
			},
		},
		CreatedAt: o.now().UTC(),
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	log := o.logger.With().Str("job_id", job.ID).Str("owner_id", ownerID).Logger()
	log.Info().Str("mode", string(job.Mode)).Str("lane", string(eng.Lane)).Int("cost", eng.Cost).Bool("suggest_only", inputs.SuggestOnly).Msg("job created")

	o.hub.Publish(job.ID, model.EventStatus, model.StatusPayload{
		JobID:   job.ID,
		Status:  job.Status,
		Message: PickMessage(job.Status, 0),
	})

	if err := o.scheduler.Schedule(ctx, job.ID); err != nil {
		r := o.newRun(job)
		o.fail(ctx, r, &model.PipelineError{Stage: model.JobStatusQueued, Err: fmt.Errorf("schedule run: %w", err)})
		return nil, fmt.Errorf("failed to schedule job: %w", err)
	}

	return &model.CreateJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StreamURL: StreamURL(job.ID),
		Lane:      eng.Lane,
		Cost:      eng.Cost,
		CreatedAt: job.CreatedAt,
	}, nil
}

// tweakParent loads the job a tweak refines. Only the owner's finished
// jobs of the same mode with a prompt qualify.
func (o *Orchestrator) tweakParent(ctx context.Context, ownerID string, req *model.CreateJobRequest) (*model.Job, error) {
	parent, err := o.store.GetJob(ctx, req.ParentID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && parent.OwnerID != ownerID) {
		return nil, &model.ValidationError{Field: "parentId", Message: "parent job not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("load parent job: %w", err)
	}
	if parent.Status != model.JobStatusDone && parent.Status != model.JobStatusSuggested {
		return nil, &model.ValidationError{Field: "parentId", Message: "parent job has not finished"}
	}
	if parent.Mode != req.Mode {
		return nil, &model.ValidationError{Field: "parentId", Message: fmt.Sprintf("parent job produced %s output", parent.Mode)}
	}
	if parent.PromptText == nil || *parent.PromptText == "" {
		return nil, &model.ValidationError{Field: "parentId", Message: "parent job has no prompt"}
	}
	return parent, nil
}

// consumeAssist counts a suggest-only run against the owner's daily limit.
func (o *Orchestrator) consumeAssist(ctx context.Context, prefs *model.OwnerPreferences) error {
	today := utcDay(o.now())
	if prefs.Assist.PeriodStart != today {
		prefs.Assist = model.AssistCounter{PeriodStart: today}
	}
	if o.cfg.AssistDailyLimit > 0 && prefs.Assist.Count >= o.cfg.AssistDailyLimit {
		return &model.ValidationError{Field: "suggestOnly", Message: "daily prompt preview limit reached"}
	}
	prefs.Assist.Count++
	if err := o.store.SetOwnerPreferences(ctx, prefs); err != nil {
		return fmt.Errorf("save assist counter: %w", err)
	}
	return nil
}

// GetJob returns the job if ownerID owns it.
func (o *Orchestrator) GetJob(ctx context.Context, jobID, ownerID string) (*model.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, model.ErrForbidden
	}
	return job, nil
}

// ListSteps returns the job's audit log in sequence order.
func (o *Orchestrator) ListSteps(ctx context.Context, jobID, ownerID string) ([]*model.Step, error) {
	if _, err := o.GetJob(ctx, jobID, ownerID); err != nil {
		return nil, err
	}
	return o.store.ListSteps(ctx, jobID)
}

// Stream subscribes the owner to a job's events. A job that is already
// terminal yields its terminal event and a closed subscription.
func (o *Orchestrator) Stream(ctx context.Context, jobID, ownerID string, from int64) (*realtime.Subscription, error) {
	job, err := o.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		o.hub.Seal(job.ID, model.DonePayloadFor(job))
	}
	return o.hub.Subscribe(job.ID, from), nil
}

func matchBlockedTag(text string, tags []string) string {
	lower := strings.ToLower(text)
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t != "" && strings.Contains(lower, t) {
			return tag
		}
	}
	return ""
}
