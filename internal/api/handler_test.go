package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"jobsengine/internal/broadcast"
	"jobsengine/internal/executor"
	"jobsengine/internal/health"
	"jobsengine/internal/job"
	"jobsengine/internal/orchestrator"
	"jobsengine/internal/pool"
	"jobsengine/internal/registry"
	"jobsengine/internal/store/sqlite"
	"jobsengine/internal/template"
	"jobsengine/internal/testutil"
	"jobsengine/pkg/backoff"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_NoStore(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil), // No store configured
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := health.NewChecker(pingFunc(func(ctx context.Context) error { return nil }))
	handler := &Handler{health: checker}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.Readyz(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d before shutdown, got %d", http.StatusOK, w.Code)
	}

	checker.SetShuttingDown()

	w = httptest.NewRecorder()
	handler.Readyz(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d during shutdown, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandler_Readyz_StoreDown(t *testing.T) {
	t.Parallel()
	checker := health.NewChecker(pingFunc(func(ctx context.Context) error {
		return errors.New("database is locked")
	}))
	handler := &Handler{health: checker}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)
	if response.Checks["store"].Message != "database is locked" {
		t.Errorf("Expected store check message, got %q", response.Checks["store"].Message)
	}
}

func TestHandler_SubmitJob_InvalidJSON(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("invalid json"))
	w := httptest.NewRecorder()

	handler.SubmitJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["error"] == "" {
		t.Error("Expected error message in response")
	}
}

func TestHandler_SubmitJob_EmptyBody(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(""))
	w := httptest.NewRecorder()

	handler.SubmitJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandler_GetJob_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/", nil)
	w := httptest.NewRecorder()

	handler.GetJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandler_CancelJob_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/", nil)
	w := httptest.NewRecorder()

	handler.CancelJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	handler := ContentTypeMiddleware()(inner)

	// Test with wrong content type
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}

	// Test with correct content type
	called = false
	req = httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	// Test OPTIONS preflight
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), identityHeader) {
		t.Errorf("Expected %s in allowed headers", identityHeader)
	}
}

func TestMiddleware_Auth(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name     string
		apiKey   string
		header   string
		wantCode int
	}{
		{"disabled when no key configured", "", "", http.StatusOK},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"not bearer", "secret", "Basic secret", http.StatusUnauthorized},
		{"wrong key", "secret", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "secret", "Bearer secret", http.StatusOK},
		{"case-insensitive scheme", "secret", "bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware(tt.apiKey)(inner)
			req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

// routerEnv runs the full router over a real store, registry and worker
// pool so route tests exercise the same path production requests take.
type routerEnv struct {
	router http.Handler
	execs  *executor.Registry
	svc    *orchestrator.Service
}

func newRouterEnv(t *testing.T, apiKey string) *routerEnv {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store)
	bcast := broadcast.New(store, 64, nil)
	execs := executor.NewRegistry()
	p := pool.New(store, reg, bcast, execs, nil, nil, pool.Config{
		Slots:       2,
		ParentRetry: backoff.Config{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		p.Stop(stopCtx)
	})

	svc := orchestrator.NewService(store, reg, bcast, p, template.NewResolver(store))
	router := NewRouter(RouterConfig{
		Service:       svc,
		HealthChecker: health.NewChecker(store),
		APIKey:        apiKey,
	})
	return &routerEnv{router: router, execs: execs, svc: svc}
}

func (e *routerEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(identityHeader, "operator@example.com")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestRouter_SubmitAndGetJob(t *testing.T) {
	e := newRouterEnv(t, "")
	done := make(chan struct{})
	e.execs.Register(job.KindDeployment, executor.Func(func(ctx context.Context, j *job.Job, sink executor.Sink) (string, error) {
		select {
		case <-done:
			return "deployed", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}))

	w := e.do(http.MethodPost, "/v1/jobs", `{"kind":"deployment","resourceKey":"web-frontend","config":{}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}

	var created job.Job
	json.NewDecoder(w.Body).Decode(&created)
	if created.ID == "" {
		t.Fatal("Expected job id in response")
	}
	if created.CreatedBy != "operator@example.com" {
		t.Errorf("Expected identity header to set createdBy, got %q", created.CreatedBy)
	}

	// A second job on the same kind and key is rejected while the first
	// still holds the lease.
	w = e.do(http.MethodPost, "/v1/jobs", `{"kind":"deployment","resourceKey":"web-frontend","config":{}}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}
	var conflict map[string]string
	json.NewDecoder(w.Body).Decode(&conflict)
	if conflict["conflictingJobId"] != created.ID {
		t.Errorf("Expected conflictingJobId %q, got %q", created.ID, conflict["conflictingJobId"])
	}

	w = e.do(http.MethodGet, "/v1/jobs/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	close(done)
	testutil.MustWaitFor(t, func() bool {
		j, err := e.svc.Get(context.Background(), created.ID)
		return err == nil && j.Status == job.StatusSucceeded
	})

	w = e.do(http.MethodGet, "/v1/jobs?status=succeeded", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var listed struct {
		Jobs []job.Job `json:"jobs"`
	}
	json.NewDecoder(w.Body).Decode(&listed)
	if len(listed.Jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(listed.Jobs))
	}
}

func TestRouter_SubmitValidationError(t *testing.T) {
	e := newRouterEnv(t, "")

	w := e.do(http.MethodPost, "/v1/jobs", `{"kind":"mystery","resourceKey":"web","config":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_CancelJob(t *testing.T) {
	e := newRouterEnv(t, "")
	e.execs.Register(job.KindVenvBuild, executor.Func(func(ctx context.Context, j *job.Job, sink executor.Sink) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))

	w := e.do(http.MethodPost, "/v1/jobs", `{"kind":"venv_build","resourceKey":"envs/tooling","config":{}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var created job.Job
	json.NewDecoder(w.Body).Decode(&created)

	testutil.MustWaitFor(t, func() bool {
		j, err := e.svc.Get(context.Background(), created.ID)
		return err == nil && j.Status == job.StatusRunning
	})

	w = e.do(http.MethodDelete, "/v1/jobs/"+created.ID, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}

	testutil.MustWaitFor(t, func() bool {
		j, err := e.svc.Get(context.Background(), created.ID)
		return err == nil && j.Status == job.StatusCancelled
	})

	// Cancelling a terminal job is rejected.
	w = e.do(http.MethodDelete, "/v1/jobs/"+created.ID, "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status %d, got %d", http.StatusUnprocessableEntity, w.Code)
	}
}

func TestRouter_GetJobNotFound(t *testing.T) {
	e := newRouterEnv(t, "")

	w := e.do(http.MethodGet, "/v1/jobs/no-such-job", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestRouter_AuthProtectsJobRoutes(t *testing.T) {
	e := newRouterEnv(t, "topsecret")

	// Health probes stay open.
	w := e.do(http.MethodGet, "/livez", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d for livez, got %d", http.StatusOK, w.Code)
	}

	w = e.do(http.MethodGet, "/v1/jobs", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d without token, got %d", http.StatusUnauthorized, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d with token, got %d", http.StatusOK, rec.Code)
	}
}

func TestRouter_LogsAndPipeline(t *testing.T) {
	e := newRouterEnv(t, "")
	e.execs.Register(job.KindDeployment, executor.Func(func(ctx context.Context, j *job.Job, sink executor.Sink) (string, error) {
		sink.Log(ctx, job.LogInfo, "rendering manifests")
		return "done", nil
	}))

	w := e.do(http.MethodPost, "/v1/jobs", `{"kind":"deployment","resourceKey":"web-frontend","config":{}}`)
	var created job.Job
	json.NewDecoder(w.Body).Decode(&created)

	testutil.MustWaitFor(t, func() bool {
		j, err := e.svc.Get(context.Background(), created.ID)
		return err == nil && j.Status == job.StatusSucceeded
	})

	w = e.do(http.MethodGet, "/v1/jobs/"+created.ID+"/logs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var logs struct {
		Entries []job.LogEntry `json:"entries"`
	}
	json.NewDecoder(w.Body).Decode(&logs)
	if len(logs.Entries) == 0 {
		t.Fatal("Expected log entries")
	}
	for i, entry := range logs.Entries {
		if entry.Sequence != int64(i+1) {
			t.Errorf("Entry %d has sequence %d", i, entry.Sequence)
		}
	}

	w = e.do(http.MethodGet, "/v1/jobs/"+created.ID+"/pipeline", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d for pipeline, got %d", http.StatusOK, w.Code)
	}
}

func TestRouter_StreamLogs(t *testing.T) {
	e := newRouterEnv(t, "")
	emitted := make(chan struct{})
	e.execs.Register(job.KindModelMirror, executor.Func(func(ctx context.Context, j *job.Job, sink executor.Sink) (string, error) {
		sink.Log(ctx, job.LogInfo, "pulling model")
		close(emitted)
		return "mirrored", nil
	}))

	server := httptest.NewServer(e.router)
	t.Cleanup(server.Close)

	w := e.do(http.MethodPost, "/v1/jobs", `{"kind":"model_mirror","resourceKey":"models/llama-3","config":{}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var created job.Job
	json.NewDecoder(w.Body).Decode(&created)

	<-emitted

	resp, err := http.Get(fmt.Sprintf("%s/v1/jobs/%s/stream", server.URL, created.ID))
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %q", ct)
	}

	// The stream replays history and closes with an end event once the
	// job reaches a terminal state.
	sawEntry := false
	sawEnd := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") && strings.Contains(line, "pulling model") {
			sawEntry = true
		}
		if line == "event: end" {
			sawEnd = true
			break
		}
	}
	if !sawEntry {
		t.Error("Expected the published entry on the stream")
	}
	if !sawEnd {
		t.Error("Expected an end event after the job finished")
	}
}
