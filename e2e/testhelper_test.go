package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"github.com/makeasinger/choreo/internal/auth"
	"github.com/makeasinger/choreo/internal/blueprint"
	"github.com/makeasinger/choreo/internal/generator"
	"github.com/makeasinger/choreo/internal/handler"
	"github.com/makeasinger/choreo/internal/middleware"
	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/retry"
	"github.com/makeasinger/choreo/internal/service"
	"github.com/makeasinger/choreo/internal/status"
	ts "github.com/makeasinger/choreo/internal/testsupport"
	"github.com/makeasinger/choreo/internal/vectorindex"
)

const testJWTSecret = "test-secret-for-e2e"

// recordingQueue stands in for the asynq client.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (q *recordingQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	queue    *recordingQueue
	reporter *status.Reporter
	redis    *stubPinger
}

// setupApp wires the same routes as cmd/server over an in-memory task store,
// an in-memory move index and a recording queue.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	return setupAppWithMoves(t, []model.MoveEmbedding{
		ts.NewMove("basic-step", ts.WithMeta(model.DifficultyBeginner, model.EnergyLow, model.StyleRomantic)),
		ts.NewMove("cross-body", ts.WithQuality(0.8)),
		ts.NewMove("inside-turn", ts.WithQuality(0.7)),
		ts.NewMove("dip", ts.WithMeta(model.DifficultyAdvanced, model.EnergyHigh, model.StyleSensual)),
	})
}

func setupAppWithMoves(t *testing.T, moves []model.MoveEmbedding) *testApp {
	t.Helper()

	index, err := vectorindex.New(moves)
	if err != nil {
		t.Fatalf("failed to build index: %v", err)
	}

	reporter := status.NewReporter(status.NewMemoryStore(), retry.Policy{MaxAttempts: 1}, nil)
	queue := &recordingQueue{}
	gen := generator.New(index, generator.DefaultConfig(), nil)
	svc := service.NewChoreographyService(gen, blueprint.NewValidator(""), reporter, queue, nil, "choreography", nil)

	redis := &stubPinger{}
	app := fiber.New()
	handler.RegisterRoutes(app, handler.Routes{
		Health:       handler.NewHealthHandler("test", index.Len(), map[string]handler.Pinger{"redis": redis}),
		Auth:         handler.NewAuthHandler(nil, testJWTSecret),
		Choreography: handler.NewChoreographyHandler(svc, validator.New()),
		Blueprint:    handler.NewBlueprintHandler(svc),
		Guard:        middleware.NewAuthMiddleware(nil, testJWTSecret).Authenticate(),
		RateLimiter:  middleware.NewRateLimiter(nil, nil),
	})

	return &testApp{app: app, queue: queue, reporter: reporter, redis: redis}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.IssueLegacyToken("test-user-123", "test@example.com", testJWTSecret, time.Hour)
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

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
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
func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

var errQueueDown = errors.New("queue down")
