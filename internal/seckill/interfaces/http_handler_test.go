package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"flashsale/internal/ratelimit"
	"flashsale/internal/seckill/application"
	"flashsale/internal/seckill/domain"
	"flashsale/internal/seckill/infrastructure"
	"flashsale/internal/seckill/infrastructure/memory"
	"flashsale/internal/seckill/infrastructure/rule"
)

type testEnv struct {
	server *httptest.Server
	repo   *infrastructure.GormStockRepository
	queue  *memory.IntentQueue
	status *memory.IntentStatusStore
}

func newTestEnv(t *testing.T, stock int64, limiter ratelimit.Options) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := infrastructure.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := infrastructure.NewGormStockRepository(db)

	activity := &domain.Activity{
		ID:           "act-1",
		SkuID:        "sku-1",
		StartTime:    time.Now().Add(-time.Minute),
		EndTime:      time.Now().Add(time.Hour),
		InitialStock: stock,
	}
	if err := repo.SeedActivity(context.Background(), activity); err != nil {
		t.Fatalf("seed: %v", err)
	}

	engine, err := rule.NewCelEngine()
	if err != nil {
		t.Fatalf("new cel engine: %v", err)
	}

	env := &testEnv{
		repo:   repo,
		queue:  memory.NewIntentQueue(memory.QueueOptions{VisibilityTimeout: time.Second, MaxRedelivery: 3}),
		status: memory.NewIntentStatusStore(),
	}
	admission := application.NewAdmissionService(
		repo,
		engine,
		ratelimit.NewLimiter(limiter, nil),
		memory.NewLocker(),
		memory.NewStockCache(),
		env.queue,
		env.status,
		application.AdmissionOptions{
			RateWaitTimeout: 20 * time.Millisecond,
			LockWaitTimeout: 50 * time.Millisecond,
			LockTTL:         time.Second,
		},
	)
	if err := admission.PrepareActivity(context.Background(), "act-1"); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	handler := NewSeckillHandler(admission, application.NewStatusQuery(repo, env.status))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) admit(t *testing.T, userID string) *http.Response {
	t.Helper()
	resp, err := http.Post(
		e.server.URL+"/seckill/act-1/sku-1",
		"application/json",
		strings.NewReader(`{"userId":"`+userID+`"}`),
	)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdmitEndpoint_Accepted(t *testing.T) {
	env := newTestEnv(t, 5, ratelimit.Options{Capacity: 100, RefillRate: 100})

	resp := env.admit(t, "u1")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body struct {
		IntentID string `json:"intentId"`
		Status   string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.IntentID == "" {
		t.Error("response missing intentId")
	}
	if body.Status != string(domain.IntentEnqueued) {
		t.Errorf("status = %s, want ENQUEUED", body.Status)
	}
	if env.queue.Depth() != 1 {
		t.Errorf("queue depth = %d, want 1", env.queue.Depth())
	}
}

func TestAdmitEndpoint_SoldOutConflict(t *testing.T) {
	env := newTestEnv(t, 1, ratelimit.Options{Capacity: 100, RefillRate: 100})

	if resp := env.admit(t, "u1"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", resp.StatusCode)
	}
	if resp := env.admit(t, "u2"); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", resp.StatusCode)
	}
}

func TestAdmitEndpoint_RateLimited(t *testing.T) {
	env := newTestEnv(t, 10, ratelimit.Options{Capacity: 1, RefillRate: 0.001})

	if resp := env.admit(t, "u1"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", resp.StatusCode)
	}
	if resp := env.admit(t, "u2"); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", resp.StatusCode)
	}
}

func TestAdmitEndpoint_DuplicateUserConflict(t *testing.T) {
	env := newTestEnv(t, 10, ratelimit.Options{Capacity: 100, RefillRate: 100})

	env.admit(t, "u1")
	if resp := env.admit(t, "u1"); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
}

func TestAdmitEndpoint_BadRequest(t *testing.T) {
	env := newTestEnv(t, 10, ratelimit.Options{Capacity: 100, RefillRate: 100})

	resp, err := http.Post(env.server.URL+"/seckill/act-1/sku-1", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAdmitEndpoint_UnknownActivity(t *testing.T) {
	env := newTestEnv(t, 10, ratelimit.Options{Capacity: 100, RefillRate: 100})

	resp, err := http.Post(env.server.URL+"/seckill/no-such/sku-1", "application/json", strings.NewReader(`{"userId":"u1"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestIntentStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, 10, ratelimit.Options{Capacity: 100, RefillRate: 100})

	resp := env.admit(t, "u1")
	var admitted struct {
		IntentID string `json:"intentId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&admitted); err != nil {
		t.Fatalf("decode admit: %v", err)
	}

	// 落库之前: 缓存状态兜底，返回 PROCESSING
	statusResp, err := http.Get(env.server.URL + "/seckill/intent/" + admitted.IntentID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", statusResp.StatusCode)
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != string(domain.IntentProcessing) {
		t.Errorf("status = %s, want PROCESSING", status.Status)
	}

	// 未知意向返回 404
	missing, err := http.Get(env.server.URL + "/seckill/intent/no-such-intent")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", missing.StatusCode)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	env := newTestEnv(t, 10, ratelimit.Options{Capacity: 100, RefillRate: 100})

	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
