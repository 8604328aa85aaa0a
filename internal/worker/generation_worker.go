package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/service"
)

// Runner executes the pipeline for one job.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// GenerationWorker processes generation:run tasks
type GenerationWorker struct {
	runner Runner
	logger zerolog.Logger
}

// NewGenerationWorker creates a new generation worker
func NewGenerationWorker(runner Runner, logger zerolog.Logger) *GenerationWorker {
	return &GenerationWorker{
		runner: runner,
		logger: logger.With().Str("component", "generation_worker").Logger(),
	}
}

// ProcessTask runs the job named in the task payload. Job failures are
// recorded on the job itself, so only a failure to start the run is
// returned to asynq for a retry.
func (w *GenerationWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}

	log := w.logger.With().Str("job_id", payload.JobID).Logger()
	if taskID, ok := asynq.GetTaskID(ctx); ok {
		log = log.With().Str("task_id", taskID).Logger()
	}
	if retried, ok := asynq.GetRetryCount(ctx); ok && retried > 0 {
		log.Warn().Int("retry", retried).Msg("retrying generation run")
	}

	log.Info().Msg("starting generation run")
	if err := w.runner.Run(ctx, payload.JobID); err != nil {
		log.Error().Err(err).Msg("generation run could not start")
		return err
	}
	return nil
}
