package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeastudio/api/internal/auth"
	"github.com/makeastudio/api/internal/middleware"
	"github.com/makeastudio/api/internal/model"
	"github.com/makeastudio/api/internal/realtime"
	"github.com/makeastudio/api/pkg/response"
)

type fakeJobs struct {
	createErr  error
	getErr     error
	recoverErr error
	created    *model.CreateJobRequest
	owner      string
	hub        *realtime.Hub
}

func (f *fakeJobs) Create(ctx context.Context, ownerID string, req *model.CreateJobRequest) (*model.CreateJobResponse, error) {
	f.owner = ownerID
	f.created = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &model.CreateJobResponse{JobID: "job-1", Status: model.JobStatusQueued, StreamURL: "/api/jobs/job-1/events", Lane: model.LaneEconomy, Cost: 1}, nil
}

func (f *fakeJobs) GetJob(ctx context.Context, jobID, ownerID string) (*model.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &model.Job{ID: jobID, OwnerID: ownerID, Status: model.JobStatusDone}, nil
}

func (f *fakeJobs) ListSteps(ctx context.Context, jobID, ownerID string) ([]*model.Step, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return []*model.Step{{JobID: jobID, SequenceNo: 1, Type: model.StepCharge}}, nil
}

func (f *fakeJobs) Recover(ctx context.Context, jobID, ownerID string) (*model.RecoverResponse, error) {
	if f.recoverErr != nil {
		return nil, f.recoverErr
	}
	return &model.RecoverResponse{JobID: jobID, Status: model.JobStatusGenerating, Outcome: model.RecoverPending, Attempts: 1}, nil
}

func (f *fakeJobs) Stream(ctx context.Context, jobID, ownerID string, from int64) (*realtime.Subscription, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.hub.Subscribe(jobID, from), nil
}

type fakeLedger struct{}

func (fakeLedger) Balance(ctx context.Context, ownerID string) (int, error) { return 7, nil }

func (fakeLedger) History(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error) {
	return []*model.LedgerEntry{{OwnerID: ownerID, Delta: 7, ReferenceType: model.ReferenceGrant, ReferenceID: "g1"}}, nil
}

func newTestApp(jobs *fakeJobs) *fiber.App {
	app := fiber.New()
	api := app.Group("/api", middleware.GatewayAuthMiddleware())

	jh := NewJobHandler(jobs, validator.New())
	sh := NewStreamHandler(jobs, time.Minute, zerolog.Nop())
	api.Post("/jobs", jh.Create)
	api.Get("/jobs/:jobId", jh.Get)
	api.Get("/jobs/:jobId/steps", jh.Steps)
	api.Get("/jobs/:jobId/events", sh.Events)
	api.Post("/jobs/:jobId/recover", jh.Recover)
	api.Get("/credits", NewCreditsHandler(fakeLedger{}).Get)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("X-User-Id", "owner-1")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errorBody(t *testing.T, data []byte) response.ErrorDetail {
	t.Helper()
	var env response.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Error
}

func TestJobHandler_Create(t *testing.T) {
	jobs := &fakeJobs{}
	app := newTestApp(jobs)

	resp, data := do(t, app, "POST", "/api/jobs", `{"mode":"still","brief":"a fox"}`)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	var out model.CreateJobResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "job-1", out.JobID)
	assert.Equal(t, model.JobStatusQueued, out.Status)
	assert.Equal(t, "owner-1", jobs.owner)
	assert.Equal(t, "a fox", jobs.created.Brief)
}

func TestJobHandler_CreateValidation(t *testing.T) {
	app := newTestApp(&fakeJobs{})

	resp, data := do(t, app, "POST", "/api/jobs", `{"mode":"audio","brief":"x"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	detail := errorBody(t, data)
	assert.Equal(t, response.CodeValidationError, detail.Code)
	assert.Equal(t, map[string]interface{}{"Mode": "oneof"}, detail.Details)

	resp, _ = do(t, app, "POST", "/api/jobs", `{"mode":"still"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, app, "POST", "/api/jobs", `{not json`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestJobHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &model.ValidationError{Field: "declaredCost", Message: "mismatch"}, 400, response.CodeValidationError},
		{"credits", &model.InsufficientCreditsError{Balance: 1, Needed: 2, Suggestion: &model.Suggestion{Lane: model.LaneEconomy, Cost: 1}}, 402, response.CodeInsufficientCredits},
		{"forbidden", model.ErrForbidden, 403, response.CodeForbidden},
		{"not found", model.ErrNotFound, 404, response.CodeNotFound},
		{"not recoverable", model.ErrNotRecoverable, 409, response.CodeConflict},
		{"other", errors.New("disk full"), 500, response.CodeServiceError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&fakeJobs{createErr: tt.err})
			resp, data := do(t, app, "POST", "/api/jobs", `{"mode":"still","brief":"fox"}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			detail := errorBody(t, data)
			assert.Equal(t, tt.code, detail.Code)
			assert.NotContains(t, detail.Message, "disk full")
		})
	}
}

func TestJobHandler_InsufficientCreditsDetails(t *testing.T) {
	err := &model.InsufficientCreditsError{Balance: 1, Needed: 2, Suggestion: &model.Suggestion{Lane: model.LaneEconomy, Cost: 1}}
	app := newTestApp(&fakeJobs{createErr: err})

	_, data := do(t, app, "POST", "/api/jobs", `{"mode":"still","lane":"niche","brief":"fox"}`)
	details, ok := errorBody(t, data).Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), details["balance"])
	assert.Equal(t, float64(2), details["needed"])
	suggestion := details["suggestion"].(map[string]interface{})
	assert.Equal(t, "economy", suggestion["lane"])
}

func TestJobHandler_ReadsAndRecover(t *testing.T) {
	app := newTestApp(&fakeJobs{})

	resp, data := do(t, app, "GET", "/api/jobs/job-9", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"jobId":"job-9"`)

	resp, data = do(t, app, "GET", "/api/jobs/job-9/steps", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"sequenceNo":1`)

	resp, data = do(t, app, "POST", "/api/jobs/job-9/recover", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"outcome":"pending"`)

	forbidden := newTestApp(&fakeJobs{getErr: model.ErrForbidden})
	resp, _ = do(t, forbidden, "GET", "/api/jobs/job-9", "")
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	resp, _ = do(t, forbidden, "GET", "/api/jobs/job-9/events", "")
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestStreamHandler_EventsOfFinishedJob(t *testing.T) {
	hub := realtime.NewHub(realtime.Options{}, zerolog.Nop())
	hub.Publish("job-1", model.EventStatus, model.StatusPayload{JobID: "job-1", Status: model.JobStatusGenerating})
	hub.Finish("job-1", model.DonePayload{JobID: "job-1", Status: model.JobStatusDone})
	app := newTestApp(&fakeJobs{hub: hub})

	resp, data := do(t, app, "GET", "/api/jobs/job-1/events", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := string(data)
	assert.Contains(t, body, "id: 1\nevent: status\ndata: {")
	assert.Contains(t, body, "id: 2\nevent: done\ndata: {")
	assert.True(t, strings.HasSuffix(body, "\n\n"))

	req := httptest.NewRequest("GET", "/api/jobs/job-1/events", nil)
	req.Header.Set("X-User-Id", "owner-1")
	req.Header.Set("Last-Event-ID", "1")
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	data, _ = io.ReadAll(resp.Body)
	assert.NotContains(t, string(data), "event: status")
	assert.Contains(t, string(data), "id: 2\nevent: done")
}

func TestReplayFrom(t *testing.T) {
	assert.Equal(t, int64(0), replayFrom("", ""))
	assert.Equal(t, int64(4), replayFrom("4", "9"))
	assert.Equal(t, int64(9), replayFrom("", "9"))
	assert.Equal(t, int64(9), replayFrom("junk", "9"))
	assert.Equal(t, int64(0), replayFrom("-3", ""))
}

func TestCreditsHandler(t *testing.T) {
	app := newTestApp(&fakeJobs{})

	resp, data := do(t, app, "GET", "/api/credits", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var out model.CreditsResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "owner-1", out.OwnerID)
	assert.Equal(t, 7, out.Balance)
	require.Len(t, out.Entries, 1)

	resp, _ = do(t, app, "GET", "/api/credits?limit=1000", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAuthHandler_Verify(t *testing.T) {
	verifier := auth.NewHMACVerifier("secret")
	token, err := verifier.Issue("owner-1", "ada@example.com", time.Hour)
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/auth/verify", NewAuthHandler(verifier).Verify)

	req := httptest.NewRequest("GET", "/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "owner-1", resp.Header.Get("X-User-Id"))
	assert.Equal(t, "ada@example.com", resp.Header.Get("X-User-Email"))

	req = httptest.NewRequest("GET", "/auth/verify", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
