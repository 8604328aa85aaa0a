package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/auth"
	"github.com/makeastudio/api/internal/client"
	"github.com/makeastudio/api/internal/config"
	"github.com/makeastudio/api/internal/model"
	"github.com/makeastudio/api/internal/realtime"
	"github.com/makeastudio/api/internal/server"
	"github.com/makeastudio/api/internal/service"
	"github.com/makeastudio/api/internal/store"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testOwner     = "test-user-123"
	testOutputURL = "https://replicate.delivery/test/output.png"
)

// fakeProvider finishes every prediction with the same status.
type fakeProvider struct {
	mu      sync.Mutex
	status  string
	errText string
	submits int
}

func (p *fakeProvider) set(status, errText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status, p.errText = status, errText
}

func (p *fakeProvider) Submit(ctx context.Context, m string, input map[string]interface{}) (*client.Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	return &client.Prediction{ID: fmt.Sprintf("pred-%d", p.submits), Status: client.PredictionStarting}, nil
}

func (p *fakeProvider) Get(ctx context.Context, id string) (*client.Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pred := &client.Prediction{ID: id, Status: p.status}
	switch p.status {
	case client.PredictionSucceeded:
		pred.Output = json.RawMessage(`["` + testOutputURL + `"]`)
	case client.PredictionFailed:
		pred.Error = p.errText
	}
	return pred, nil
}

func (p *fakeProvider) Cancel(ctx context.Context, id string) error {
	return nil
}

type fakeCompleter struct{}

func (fakeCompleter) Complete(ctx context.Context, req client.CompletionRequest) (string, error) {
	if len(req.Images) > 0 {
		return "a reference photo", nil
	}
	return "A lighthouse at dusk, long exposure", nil
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	store    *store.SQLStore
	ledger   *service.CreditLedger
	sched    *service.LocalScheduler
	provider *fakeProvider
	redis    *miniredis.Miniredis
	issuer   *auth.HMACVerifier
}

type appOptions struct {
	jobsPerHour int
	pipeline    func(*config.PipelineConfig)
}

// setupApp builds the same app cmd/server serves, backed by SQLite,
// miniredis and fake providers. Runs execute on the local scheduler.
func setupApp(t *testing.T, opts ...func(*appOptions)) *testApp {
	t.Helper()

	o := appOptions{jobsPerHour: 10000}
	for _, fn := range opts {
		fn(&o)
	}

	db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	cfg := &config.Config{
		Server:    config.ServerConfig{StreamMaxMinutes: 1},
		JWT:       config.JWTConfig{Secret: testJWTSecret},
		RateLimit: config.RateLimitConfig{JobsPerHour: o.jobsPerHour, RecoverPerHour: 10000},
		Replicate: config.ReplicateConfig{Models: config.ModelConfig{
			StillEconomy:  "black-forest-labs/flux-schnell",
			StillNiche:    "black-forest-labs/flux-1.1-pro",
			VideoStandard: "kwaivgi/kling-v2.1",
			VideoMotion:   "runwayml/act-two",
			VideoVoice:    "bytedance/omni-human",
		}},
		Pipeline: config.PipelineConfig{
			Scheduler:           "local",
			HardDeadline:        500 * time.Millisecond,
			PollInterval:        5 * time.Millisecond,
			PerCallTimeout:      200 * time.Millisecond,
			CompletionTimeout:   time.Second,
			ScanConcurrency:     2,
			MaxRecoveryAttempts: 3,
			AbandonAfter:        time.Hour,
			StaleAfter:          time.Minute,
			AssistDailyLimit:    2,
			CourtesyRefunds:     true,
			WorkerConcurrency:   4,
		},
	}
	if o.pipeline != nil {
		o.pipeline(&cfg.Pipeline)
	}

	logger := zerolog.Nop()
	provider := &fakeProvider{status: client.PredictionSucceeded}
	ledger := service.NewCreditLedger(db, cfg.Pipeline.CourtesyRefunds, logger)
	sched := service.NewLocalScheduler(cfg.Pipeline.WorkerConcurrency, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
	})

	orch := service.NewOrchestrator(service.Deps{
		Store:       db,
		Ledger:      ledger,
		Completer:   fakeCompleter{},
		Predictions: client.NewPoller(provider, logger),
		// no storage configured: the provider URL is kept
		Relocator: service.NewRelocator(nil, 0, logger),
		Hub:       realtime.NewHub(realtime.Options{}, logger),
		Scheduler: sched,
		Catalog:   service.NewCatalog(&cfg.Replicate),
		Pipeline:  cfg.Pipeline,
		Logger:    logger,
	})
	sched.Bind(orch.Run)

	verifier := auth.NewHMACVerifier(testJWTSecret)
	app := server.NewApp(server.Deps{
		Config:   cfg,
		Jobs:     orch,
		Credits:  ledger,
		Verifier: auth.Chain{verifier},
		Redis:    redisClient,
		Ready:    db.Ping,
		Logger:   logger,
	})

	return &testApp{
		app:      app,
		store:    db,
		ledger:   ledger,
		sched:    sched,
		provider: provider,
		redis:    mr,
		issuer:   verifier,
	}
}

func withJobsPerHour(n int) func(*appOptions) {
	return func(o *appOptions) { o.jobsPerHour = n }
}

// grant credits the test owner directly through the ledger.
func (ta *testApp) grant(t *testing.T, owner string, amount int) {
	t.Helper()
	_, err := ta.ledger.Grant(context.Background(), owner, amount, "e2e", model.ReferenceGrant, "e2e-"+owner)
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T, ta *testApp, owner string) string {
	t.Helper()
	signed, err := ta.issuer.Issue(owner, owner+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as the default test owner.
func doAuthRequest(t *testing.T, ta *testApp, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequestAs(t, ta, testOwner, method, path, body)
}

func doRequestAs(t *testing.T, ta *testApp, owner, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(ta.app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, ta, owner),
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode extracts error.code from an error envelope.
func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

// createJob posts a job, waits for its run and returns the job id.
func createJob(t *testing.T, ta *testApp, body string) string {
	t.Helper()
	resp, err := doAuthRequest(t, ta, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	created := parseJSON(t, resp)
	jobID, _ := created["jobId"].(string)
	if jobID == "" {
		t.Fatalf("expected jobId in %v", created)
	}
	ta.sched.Wait()
	return jobID
}
