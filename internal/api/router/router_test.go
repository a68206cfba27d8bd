package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/photoshoot-be/internal/aggregate"
	"github.com/cuongbtq/photoshoot-be/internal/api/dto"
	"github.com/cuongbtq/photoshoot-be/internal/api/handler"
	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"github.com/cuongbtq/photoshoot-be/internal/ingest"
	"github.com/cuongbtq/photoshoot-be/internal/reconcile"
	"github.com/cuongbtq/photoshoot-be/internal/retry"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cret"

type passValidator struct{}

func (passValidator) ValidateAll(ctx context.Context, urls []string) []string { return urls }

type recordingTasks struct {
	mu         sync.Mutex
	dispatches []string
	err        error
}

func (r *recordingTasks) RequestDispatch(ctx context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.dispatches = append(r.dispatches, orderID)
	return nil
}

func (r *recordingTasks) RequestBackup(ctx context.Context, orderID string, slots []int) error {
	return nil
}

func (r *recordingTasks) ScheduleSweep(ctx context.Context, orderID string) error { return nil }

type fakeReconciler struct {
	result *reconcile.Result
	err    error
	calls  []string
}

func (f *fakeReconciler) Reconcile(ctx context.Context, orderID string) (*reconcile.Result, error) {
	f.calls = append(f.calls, orderID)
	return f.result, f.err
}

type testServer struct {
	engine     *gin.Engine
	repo       *aggregate.Repository
	tasks      *recordingTasks
	reconciler *fakeReconciler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := aggregate.NewRepository(&aggregate.RepositoryConfig{
		Store:        aggregate.NewMemoryStore(),
		Logger:       logger,
		PersistRetry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	})
	tasks := &recordingTasks{}
	rec := &fakeReconciler{}

	ing := ingest.NewIngestor(&ingest.Config{
		Repository:    repo,
		Validator:     passValidator{},
		Backups:       tasks,
		Sweeps:        tasks,
		Logger:        logger,
		WebhookSecret: secret,
	})

	engine := SetupRouter(&handler.Dependencies{
		Logger:     logger,
		Repository: repo,
		Ingestor:   ing,
		Reconciler: rec,
		Dispatches: tasks,
	})
	return &testServer{engine: engine, repo: repo, tasks: tasks, reconciler: rec}
}

func (s *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewBuffer(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func trainingBody(tuneID any, tier string) map[string]any {
	return map[string]any{
		"tune":      map[string]any{"id": tuneID},
		"plan_tier": tier,
		"subject":   map[string]any{"gender": "Woman", "age": "30"},
		"styles":    []map[string]any{{"clothing": "Navy Suit", "background": "Office"}},
	}
}

func callback(id any, images ...string) map[string]any {
	return map[string]any{"prompt": map[string]any{"id": id, "images": images}}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestHealth_StoreDown(t *testing.T) {
	engine := SetupRouter(&handler.Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Health: func(ctx context.Context) error { return errors.New("connection refused") },
	})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestTrainingCallback(t *testing.T) {
	t.Run("rejects bad secret", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodPost, "/api/v1/webhooks/training?orderId=o1&webhookSecret=nope", trainingBody(42, "basic"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, s.tasks.dispatches)
	})

	t.Run("requires order id", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodPost, "/api/v1/webhooks/training?webhookSecret="+secret, trainingBody(42, "basic"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("requires tune id", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodPost, "/api/v1/webhooks/training?orderId=o1&webhookSecret="+secret, map[string]any{"plan_tier": "basic"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("creates order and queues dispatch once", func(t *testing.T) {
		s := newTestServer(t)
		target := "/api/v1/webhooks/training?orderId=o1&webhookSecret=" + secret

		w := s.do(t, http.MethodPost, target, trainingBody(42, "Professional"))
		require.Equal(t, http.StatusOK, w.Code)
		var resp dto.TrainingWebhookResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Created)
		assert.True(t, resp.Dispatched)

		order, err := s.repo.Get(context.Background(), "o1")
		require.NoError(t, err)
		assert.Equal(t, "42", order.ModelID)
		assert.Equal(t, domain.PlanProfessional, order.PlanTier)
		assert.Equal(t, "Navy Suit", order.Brief.Styles[0].Clothing)

		// jobs already recorded: a redelivered notice changes nothing
		_, err = s.repo.Mutate(context.Background(), "o1", func(o *domain.Order) error {
			o.RecordExternalJob(0, "ext-1")
			return nil
		})
		require.NoError(t, err)

		w = s.do(t, http.MethodPost, target, trainingBody(42, "Professional"))
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Created)
		assert.False(t, resp.Dispatched)
		assert.Equal(t, []string{"o1"}, s.tasks.dispatches)
	})

	t.Run("requeues dispatch when nothing was sent", func(t *testing.T) {
		s := newTestServer(t)
		target := "/api/v1/webhooks/training?orderId=o1&webhookSecret=" + secret
		s.tasks.err = errors.New("broker down")

		w := s.do(t, http.MethodPost, target, trainingBody("tune-7", "basic"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)

		s.tasks.err = nil
		w = s.do(t, http.MethodPost, target, trainingBody("tune-7", "basic"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"o1"}, s.tasks.dispatches)
	})
}

func TestPromptCallback(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.repo.Create(ctx, domain.NewOrder("o1", domain.PlanBasic, "tune-1", domain.Brief{}, time.Now())))

	base := "/api/v1/webhooks/prompt?orderId=o1&webhookSecret=" + secret

	w := s.do(t, http.MethodPost, base+"&slotIndex=0", callback(101, "https://cdn/a.png"))
	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.CallbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "101", resp.ExternalJobID)
	assert.Equal(t, 1, resp.Added)
	assert.Equal(t, 1, resp.Counted)
	assert.Equal(t, 10, resp.Required)
	assert.Equal(t, string(domain.OrderStatusPartial), resp.Status)
	assert.False(t, resp.Duplicate)

	w = s.do(t, http.MethodPost, base+"&slotIndex=0", callback("101", "https://cdn/a.png"))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)
	assert.Equal(t, 0, resp.Added)

	tests := []struct {
		name   string
		target string
		body   any
		want   int
	}{
		{name: "bad secret", target: "/api/v1/webhooks/prompt?orderId=o1&webhookSecret=x", body: callback(1, "https://cdn/b.png"), want: http.StatusUnauthorized},
		{name: "missing order id", target: "/api/v1/webhooks/prompt?webhookSecret=" + secret, body: callback(1, "https://cdn/b.png"), want: http.StatusNotFound},
		{name: "unknown order", target: "/api/v1/webhooks/prompt?orderId=zzz&webhookSecret=" + secret, body: callback(1, "https://cdn/b.png"), want: http.StatusNotFound},
		{name: "images missing", target: base, body: map[string]any{"prompt": map[string]any{"id": 5}}, want: http.StatusBadRequest},
		{name: "not json", target: base, body: "{oops", want: http.StatusBadRequest},
		{name: "slot index not a number", target: base + "&slotIndex=abc", body: callback(6, "https://cdn/c.png"), want: http.StatusBadRequest},
		{name: "slot index out of range", target: base + "&slotIndex=10", body: callback(7, "https://cdn/d.png"), want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	order, err := s.repo.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, order.Artifacts, 1)
}

func TestGetOrder(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.repo.Create(ctx, domain.NewOrder("o1", domain.PlanBasic, "tune-1", domain.Brief{}, time.Now())))
	_, err := s.repo.Mutate(ctx, "o1", func(o *domain.Order) error {
		o.RecordExternalJob(2, "ext-2")
		o.AddArtifacts([]domain.Artifact{{URL: "https://cdn/a.png", SlotIndex: 2}})
		o.RefreshJobStatuses()
		o.EvaluateCompletion()
		return nil
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/v1/orders/o1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.OrderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.OrderStatusPartial), resp.Status)
	assert.Equal(t, 10, resp.RequiredArtifacts)
	assert.Equal(t, 1, resp.CountedArtifacts)
	assert.True(t, resp.StillGenerating)
	assert.False(t, resp.NeedsAttention)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, string(domain.JobStatusComplete), resp.Jobs[0].Status)
	assert.Equal(t, []string{"ext-2"}, resp.Jobs[0].ExternalJobIDs)

	w = s.do(t, http.MethodGet, "/api/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReconcileOrder(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.repo.Create(ctx, domain.NewOrder("o1", domain.PlanBasic, "tune-1", domain.Brief{}, time.Now())))

	s.reconciler.result = &reconcile.Result{OrderID: "o1", Status: domain.OrderStatusPartial, Attempts: 4, Added: 3}
	w := s.do(t, http.MethodPost, "/api/v1/orders/o1/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ReconcileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Attempts)
	assert.Equal(t, 3, resp.Added)
	assert.False(t, resp.Complete)
	assert.Equal(t, "o1", resp.Order.OrderID)
	assert.Equal(t, []string{"o1"}, s.reconciler.calls)

	s.reconciler.err = domain.ErrOrderNotFound
	w = s.do(t, http.MethodPost, "/api/v1/orders/zzz/reconcile", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.reconciler.err = domain.NewRetryableError(errors.New("listing timed out"))
	w = s.do(t, http.MethodPost, "/api/v1/orders/o1/reconcile", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "listing timed out")
}

func TestRedactQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x?orderId=o1&webhookSecret=topsecret&slotIndex=2", nil)

	got := redactQuery(req.URL.Query())

	assert.NotContains(t, got, "topsecret")
	assert.Contains(t, got, "webhookSecret=REDACTED")
	assert.Contains(t, got, "orderId=o1")
}

func TestMiddleware_AccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	engine := SetupRouter(&handler.Dependencies{Logger: logger})

	req := httptest.NewRequest(http.MethodGet, "/health?orderId=o7&webhookSecret=topsecret", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "req-42", entry["request_id"])
	assert.Equal(t, "o7", entry["order_id"])
	assert.Equal(t, "/health", entry["route"])
	assert.NotContains(t, buf.String(), "topsecret")
}

func TestMiddleware_GeneratesRequestID(t *testing.T) {
	engine := SetupRouter(&handler.Dependencies{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	engine := SetupRouter(&handler.Dependencies{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/orders/o1", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "GET")
}
