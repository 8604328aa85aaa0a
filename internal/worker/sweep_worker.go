package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/service"
)

// Sweeper reconciles jobs whose run went quiet.
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// SweepWorker processes the periodic generation:sweep task
type SweepWorker struct {
	sweeper Sweeper
	logger  zerolog.Logger
}

func NewSweepWorker(sweeper Sweeper, logger zerolog.Logger) *SweepWorker {
	return &SweepWorker{
		sweeper: sweeper,
		logger:  logger.With().Str("component", "sweep_worker").Logger(),
	}
}

// ProcessTask runs one sweep. A failed sweep is not retried; the next tick
// picks up where it left off.
func (w *SweepWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	report, err := w.sweeper.Sweep(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("sweep failed")
		return fmt.Errorf("sweep: %v: %w", err, asynq.SkipRetry)
	}
	w.logger.Debug().
		Int("recovered", report.Recovered).
		Int("pending", report.Pending).
		Int("failed", report.Failed).
		Int("rescheduled", report.Rescheduled).
		Msg("sweep done")
	return nil
}

// Register wires both handlers onto mux.
func Register(mux *asynq.ServeMux, gen *GenerationWorker, sweep *SweepWorker) {
	mux.Handle(service.TaskTypeGenerationRun, gen)
	mux.Handle(service.TaskTypeGenerationSweep, sweep)
}
