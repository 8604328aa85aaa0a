package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Task types
const (
	TaskTypeGenerationRun   = "generation:run"
	TaskTypeGenerationSweep = "generation:sweep"
)

// Queues
const (
	QueueGeneration  = "generation"
	QueueMaintenance = "maintenance"
)

// Scheduler starts a pipeline run for a job without waiting for it.
type Scheduler interface {
	Schedule(ctx context.Context, jobID string) error
}

// RunPayload is the body of a generation:run task.
type RunPayload struct {
	JobID string `json:"jobId"`
}

func NewRunTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(RunPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeGenerationRun, data), nil
}

func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeGenerationSweep, nil)
}

// AsynqScheduler enqueues generation:run tasks. The task id is derived from
// the job id so a job is queued at most once at a time. A finished task
// still holding the id (archived after its retries, or retained as
// completed) is replaced so a sweep can queue the job again.
type AsynqScheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewAsynqScheduler builds a scheduler whose tasks may run for timeout.
func NewAsynqScheduler(client *asynq.Client, inspector *asynq.Inspector, timeout time.Duration, logger zerolog.Logger) *AsynqScheduler {
	return &AsynqScheduler{
		client:    client,
		inspector: inspector,
		timeout:   timeout,
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
}

func runTaskID(jobID string) string {
	return "run:" + jobID
}

func (s *AsynqScheduler) Schedule(ctx context.Context, jobID string) error {
	task, err := NewRunTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	info, err := s.enqueue(ctx, task, jobID)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		var replaced bool
		replaced, err = s.replaceFinished(jobID)
		if err != nil {
			return err
		}
		if !replaced {
			s.logger.Debug().Str("job_id", jobID).Msg("run task already enqueued")
			return nil
		}
		info, err = s.enqueue(ctx, task, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.logger.Debug().Str("job_id", jobID).Str("task_id", info.ID).Str("queue", info.Queue).Msg("run task enqueued")
	return nil
}

func (s *AsynqScheduler) enqueue(ctx context.Context, task *asynq.Task, jobID string) (*asynq.TaskInfo, error) {
	return s.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueGeneration),
		asynq.TaskID(runTaskID(jobID)),
		asynq.MaxRetry(2),
		asynq.Timeout(s.timeout),
		asynq.Retention(24*time.Hour),
	)
}

// replaceFinished deletes the task holding the job's id when it will never
// run again. It reports false when that task is still waiting or running.
func (s *AsynqScheduler) replaceFinished(jobID string) (bool, error) {
	id := runTaskID(jobID)
	prev, err := s.inspector.GetTaskInfo(QueueGeneration, id)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		// expired between the enqueue and the lookup
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect run task: %w", err)
	}

	switch prev.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return false, nil
	}

	if err := s.inspector.DeleteTask(QueueGeneration, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("delete finished run task: %w", err)
	}
	s.logger.Info().Str("job_id", jobID).Str("previous_state", prev.State.String()).Msg("replacing finished run task")
	return true, nil
}

// RunFunc executes one pipeline run.
type RunFunc func(ctx context.Context, jobID string) error

// LocalScheduler runs jobs on goroutines of this process. Runs share a base
// context that Shutdown cancels once the grace period is over, and a panic
// in a run is recovered and logged rather than crashing the process.
type LocalScheduler struct {
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}
	run    RunFunc
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func NewLocalScheduler(concurrency int, logger zerolog.Logger) *LocalScheduler {
	if concurrency <= 0 {
		concurrency = 10
	}
	base, cancel := context.WithCancel(context.Background())
	return &LocalScheduler{
		base:   base,
		cancel: cancel,
		sem:    make(chan struct{}, concurrency),
		logger: logger.With().Str("component", "local-scheduler").Logger(),
	}
}

// Bind sets the run function. It must be called before Schedule.
func (s *LocalScheduler) Bind(run RunFunc) {
	s.run = run
}

// Schedule starts the run in the background. The request context is not
// inherited; only Shutdown stops a run.
func (s *LocalScheduler) Schedule(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("scheduler is shut down")
	}
	if s.run == nil {
		return errors.New("scheduler has no run function bound")
	}

	s.wg.Add(1)
	go s.execute(jobID)
	return nil
}

func (s *LocalScheduler) execute(jobID string) {
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.base.Done():
		return
	}

	log := s.logger.With().Str("job_id", jobID).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("run panicked")
		}
	}()

	if err := s.run(s.base, jobID); err != nil {
		log.Error().Err(err).Msg("run failed")
	}
}

// Shutdown stops accepting work and waits for running jobs. When ctx ends
// first the remaining runs are canceled and awaited.
func (s *LocalScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// Wait blocks until every scheduled run has returned.
func (s *LocalScheduler) Wait() {
	s.wg.Wait()
}
