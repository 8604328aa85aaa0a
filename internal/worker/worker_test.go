package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeastudio/api/internal/service"
)

type fakeRunner struct {
	ran []string
	err error
}

func (f *fakeRunner) Run(ctx context.Context, jobID string) error {
	f.ran = append(f.ran, jobID)
	return f.err
}

type fakeSweeper struct {
	calls int
	err   error
}

func (f *fakeSweeper) Sweep(ctx context.Context) (*service.SweepReport, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &service.SweepReport{Rescheduled: 1}, nil
}

func TestGenerationWorker_RunsJob(t *testing.T) {
	runner := &fakeRunner{}
	w := NewGenerationWorker(runner, zerolog.Nop())

	task, err := service.NewRunTask("job-42")
	require.NoError(t, err)

	require.NoError(t, w.ProcessTask(context.Background(), task))
	assert.Equal(t, []string{"job-42"}, runner.ran)
}

func TestGenerationWorker_BadPayloadSkipsRetry(t *testing.T) {
	w := NewGenerationWorker(&fakeRunner{}, zerolog.Nop())

	err := w.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeGenerationRun, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = w.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeGenerationRun, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestGenerationWorker_StartFailureIsRetried(t *testing.T) {
	boom := errors.New("database is locked")
	w := NewGenerationWorker(&fakeRunner{err: boom}, zerolog.Nop())

	task, err := service.NewRunTask("job-1")
	require.NoError(t, err)

	err = w.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestSweepWorker(t *testing.T) {
	sweeper := &fakeSweeper{}
	w := NewSweepWorker(sweeper, zerolog.Nop())

	require.NoError(t, w.ProcessTask(context.Background(), service.NewSweepTask()))
	assert.Equal(t, 1, sweeper.calls)

	sweeper.err = errors.New("store offline")
	err := w.ProcessTask(context.Background(), service.NewSweepTask())
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRegister(t *testing.T) {
	runner := &fakeRunner{}
	sweeper := &fakeSweeper{}
	mux := asynq.NewServeMux()
	Register(mux, NewGenerationWorker(runner, zerolog.Nop()), NewSweepWorker(sweeper, zerolog.Nop()))

	task, err := service.NewRunTask("job-7")
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	require.NoError(t, mux.ProcessTask(context.Background(), service.NewSweepTask()))

	assert.Equal(t, []string{"job-7"}, runner.ran)
	assert.Equal(t, 1, sweeper.calls)
}
