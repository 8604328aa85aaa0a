package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeastudio/api/internal/model"
)

// fakePredictions replays a scripted list of statuses, one per Get.
type fakePredictions struct {
	mu        sync.Mutex
	statuses  []string
	getErrs   map[int]error
	gets      int
	cancels   int
	submitErr error
	events    []string
	output    string
}

func (f *fakePredictions) Submit(ctx context.Context, m string, input map[string]interface{}) (*Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "submit")
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &Prediction{ID: "pred-1", Status: PredictionStarting}, nil
}

func (f *fakePredictions) Get(ctx context.Context, id string) (*Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "get")
	n := f.gets
	f.gets++
	if err, ok := f.getErrs[n]; ok {
		return nil, err
	}
	status := PredictionProcessing
	if n < len(f.statuses) {
		status = f.statuses[n]
	} else if len(f.statuses) > 0 {
		status = f.statuses[len(f.statuses)-1]
	}
	p := &Prediction{ID: id, Status: status}
	if status == PredictionSucceeded {
		p.Output = []byte(`"` + f.output + `"`)
	}
	if status == PredictionFailed {
		p.Error = "safety checker flagged the output"
	}
	return p, nil
}

func (f *fakePredictions) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	f.events = append(f.events, "cancel")
	return nil
}

func fastOptions() PollOptions {
	return PollOptions{
		HardDeadline:   200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		PerCallTimeout: 50 * time.Millisecond,
	}
}

func TestPoller_Succeeds(t *testing.T) {
	api := &fakePredictions{statuses: []string{PredictionProcessing, PredictionSucceeded}, output: "https://replicate.delivery/a.png"}
	p := NewPoller(api, zerolog.Nop())

	var polls []string
	opts := fastOptions()
	opts.OnSubmitted = func(ctx context.Context, id string) error {
		api.mu.Lock()
		api.events = append(api.events, "recorded:"+id)
		api.mu.Unlock()
		return nil
	}
	opts.OnPoll = func(pred *Prediction, attempt int) { polls = append(polls, pred.Status) }

	res, err := p.SubmitAndAwait(context.Background(), "m", nil, opts)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "pred-1", res.ProviderJobID)
	assert.Equal(t, "https://replicate.delivery/a.png", res.Prediction.OutputURL())
	assert.Equal(t, []string{PredictionProcessing, PredictionSucceeded}, polls)
	assert.Equal(t, []string{"submit", "recorded:pred-1", "get", "get"}, api.events)
}

func TestPoller_FailedPrediction(t *testing.T) {
	api := &fakePredictions{statuses: []string{PredictionFailed}}
	p := NewPoller(api, zerolog.Nop())

	res, err := p.SubmitAndAwait(context.Background(), "m", nil, fastOptions())
	require.Error(t, err)

	var failed *model.ProviderFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "pred-1", failed.ProviderJobID)
	assert.Equal(t, PredictionFailed, failed.Status)
	assert.True(t, model.IsSafetyDiagnostic(failed.Diagnostic))
	assert.Equal(t, "pred-1", res.ProviderJobID)
}

func TestPoller_TimesOutWithoutCancel(t *testing.T) {
	api := &fakePredictions{}
	p := NewPoller(api, zerolog.Nop())

	opts := fastOptions()
	opts.HardDeadline = 30 * time.Millisecond

	res, err := p.SubmitAndAwait(context.Background(), "m", nil, opts)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "pred-1", res.ProviderJobID)
	assert.GreaterOrEqual(t, res.Waited, 30*time.Millisecond)
	assert.Zero(t, api.cancels)
}

func TestPoller_CancelOnTimeout(t *testing.T) {
	api := &fakePredictions{}
	p := NewPoller(api, zerolog.Nop())

	opts := fastOptions()
	opts.HardDeadline = 20 * time.Millisecond
	opts.CancelOnTimeout = true

	res, err := p.SubmitAndAwait(context.Background(), "m", nil, opts)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 1, api.cancels)
}

func TestPoller_TransientPollErrorsContinue(t *testing.T) {
	api := &fakePredictions{
		statuses: []string{PredictionProcessing, PredictionProcessing, PredictionSucceeded},
		getErrs:  map[int]error{0: errors.New("connection reset"), 1: context.DeadlineExceeded},
	}
	p := NewPoller(api, zerolog.Nop())

	res, err := p.SubmitAndAwait(context.Background(), "m", nil, fastOptions())
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, PredictionSucceeded, res.Prediction.Status)
	assert.Equal(t, 3, api.gets)
}

func TestPoller_SubmitError(t *testing.T) {
	api := &fakePredictions{submitErr: &APIError{StatusCode: 422, Body: "bad input"}}
	p := NewPoller(api, zerolog.Nop())

	res, err := p.SubmitAndAwait(context.Background(), "m", nil, fastOptions())
	assert.Nil(t, res)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 422, apiErr.StatusCode)
}

func TestPoller_OnSubmittedErrorAborts(t *testing.T) {
	api := &fakePredictions{}
	p := NewPoller(api, zerolog.Nop())

	opts := fastOptions()
	opts.OnSubmitted = func(ctx context.Context, id string) error { return errors.New("db down") }

	res, err := p.SubmitAndAwait(context.Background(), "m", nil, opts)
	require.Error(t, err)
	assert.Equal(t, "pred-1", res.ProviderJobID)
	assert.Zero(t, api.gets)
}

func TestPoller_ContextCanceledKeepsProviderID(t *testing.T) {
	api := &fakePredictions{}
	p := NewPoller(api, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	opts := fastOptions()
	opts.HardDeadline = time.Second
	opts.OnSubmitted = func(context.Context, string) error {
		cancel()
		return nil
	}

	res, err := p.SubmitAndAwait(ctx, "m", nil, opts)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "pred-1", res.ProviderJobID)
	assert.False(t, res.TimedOut)
	assert.Zero(t, api.cancels)
}
