package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flashsale/internal/ratelimit"
	"flashsale/internal/seckill/domain"
	"flashsale/internal/seckill/infrastructure/memory"
	"flashsale/internal/seckill/infrastructure/rule"
)

// stubActivities 是测试用的 ActivityProvider
type stubActivities struct {
	activities map[string]*domain.Activity
}

func (s *stubActivities) GetActivity(_ context.Context, activityID string) (*domain.Activity, error) {
	if a, ok := s.activities[activityID]; ok {
		return a, nil
	}
	return nil, domain.ErrActivityNotFound
}

type admissionFixture struct {
	service *AdmissionService
	cache   *memory.StockCache
	queue   *memory.IntentQueue
	locker  *memory.Locker
	status  *memory.IntentStatusStore
}

func newAdmissionFixture(t *testing.T, activity *domain.Activity, limiter ratelimit.Options) *admissionFixture {
	t.Helper()
	engine, err := rule.NewCelEngine()
	if err != nil {
		t.Fatalf("new cel engine: %v", err)
	}
	f := &admissionFixture{
		cache:  memory.NewStockCache(),
		queue:  memory.NewIntentQueue(memory.QueueOptions{VisibilityTimeout: time.Second, MaxRedelivery: 3}),
		locker: memory.NewLocker(),
		status: memory.NewIntentStatusStore(),
	}
	f.service = NewAdmissionService(
		&stubActivities{activities: map[string]*domain.Activity{activity.ID: activity}},
		engine,
		ratelimit.NewLimiter(limiter, nil),
		f.locker,
		f.cache,
		f.queue,
		f.status,
		AdmissionOptions{
			RateWaitTimeout: 20 * time.Millisecond,
			LockWaitTimeout: 50 * time.Millisecond,
			LockTTL:         time.Second,
		},
	)
	if err := f.service.PrepareActivity(context.Background(), activity.ID); err != nil {
		t.Fatalf("prepare activity: %v", err)
	}
	return f
}

func openActivity(stock int64) *domain.Activity {
	return &domain.Activity{
		ID:           "act-1",
		SkuID:        "sku-1",
		StartTime:    time.Now().Add(-time.Minute),
		EndTime:      time.Now().Add(time.Hour),
		InitialStock: stock,
	}
}

func TestAdmit_GrantsAtMostStock(t *testing.T) {
	f := newAdmissionFixture(t, openActivity(3), ratelimit.Options{Capacity: 100, RefillRate: 100})
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	var mu sync.Mutex
	accepted, soldOut := 0, 0

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := f.service.Admit(ctx, "act-1", "sku-1", user)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, domain.ErrStockExhausted):
				soldOut++
			default:
				t.Errorf("unexpected error for %s: %v", user, err)
			}
		}(user)
	}
	wg.Wait()

	if accepted != 3 || soldOut != 2 {
		t.Fatalf("accepted=%d soldOut=%d, want 3/2", accepted, soldOut)
	}
	if got := f.cache.Remaining("act-1:sku-1"); got != 0 {
		t.Errorf("cache remaining = %d, want 0", got)
	}
	if got := f.queue.Depth(); got != 3 {
		t.Errorf("queue depth = %d, want 3", got)
	}
}

func TestAdmit_RateLimited(t *testing.T) {
	// 容量 1、补充极慢: 第二个请求在等待窗口内攒不到令牌
	f := newAdmissionFixture(t, openActivity(10), ratelimit.Options{Capacity: 1, RefillRate: 0.001})
	ctx := context.Background()

	if _, err := f.service.Admit(ctx, "act-1", "sku-1", "u1"); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	_, err := f.service.Admit(ctx, "act-1", "sku-1", "u2")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	// 被限流的请求不能消耗库存
	if got := f.cache.Remaining("act-1:sku-1"); got != 9 {
		t.Errorf("cache remaining = %d, want 9", got)
	}
}

func TestAdmit_LockBusy(t *testing.T) {
	f := newAdmissionFixture(t, openActivity(10), ratelimit.Options{Capacity: 100, RefillRate: 100})
	ctx := context.Background()

	// 外部持有锁，准入在等待窗口内拿不到
	lease, err := f.locker.Acquire(ctx, "act-1:sku-1", time.Minute)
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer f.locker.Release(ctx, lease)

	_, err = f.service.Admit(ctx, "act-1", "sku-1", "u1")
	if !errors.Is(err, domain.ErrLockBusy) {
		t.Fatalf("err = %v, want ErrLockBusy", err)
	}
}

func TestAdmit_DuplicateUserRejected(t *testing.T) {
	f := newAdmissionFixture(t, openActivity(10), ratelimit.Options{Capacity: 100, RefillRate: 100})
	ctx := context.Background()

	if _, err := f.service.Admit(ctx, "act-1", "sku-1", "u1"); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	_, err := f.service.Admit(ctx, "act-1", "sku-1", "u1")
	if !errors.Is(err, domain.ErrAlreadyPurchased) {
		t.Fatalf("err = %v, want ErrAlreadyPurchased", err)
	}
	if got := f.cache.Remaining("act-1:sku-1"); got != 9 {
		t.Errorf("cache remaining = %d, want 9", got)
	}
}

func TestAdmit_OutsideWindow(t *testing.T) {
	future := openActivity(10)
	future.StartTime = time.Now().Add(time.Hour)
	f := newAdmissionFixture(t, future, ratelimit.Options{Capacity: 100, RefillRate: 100})

	_, err := f.service.Admit(context.Background(), "act-1", "sku-1", "u1")
	if !errors.Is(err, domain.ErrActivityClosed) {
		t.Fatalf("err = %v, want ErrActivityClosed", err)
	}
}

func TestAdmit_EligibilityRule(t *testing.T) {
	vipOnly := openActivity(10)
	vipOnly.EligibilityRule = `user_id.startsWith("vip-")`
	f := newAdmissionFixture(t, vipOnly, ratelimit.Options{Capacity: 100, RefillRate: 100})
	ctx := context.Background()

	if _, err := f.service.Admit(ctx, "act-1", "sku-1", "vip-1"); err != nil {
		t.Fatalf("vip admit: %v", err)
	}
	_, err := f.service.Admit(ctx, "act-1", "sku-1", "guest-1")
	if !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible", err)
	}
}

func TestAdmit_UnknownActivity(t *testing.T) {
	f := newAdmissionFixture(t, openActivity(10), ratelimit.Options{Capacity: 100, RefillRate: 100})

	_, err := f.service.Admit(context.Background(), "no-such-act", "sku-1", "u1")
	if !errors.Is(err, domain.ErrActivityNotFound) {
		t.Fatalf("err = %v, want ErrActivityNotFound", err)
	}
	// SKU 与活动不匹配也视为找不到
	_, err = f.service.Admit(context.Background(), "act-1", "wrong-sku", "u1")
	if !errors.Is(err, domain.ErrActivityNotFound) {
		t.Fatalf("err = %v, want ErrActivityNotFound", err)
	}
}

// lockObservingQueue 在入队时刻尝试抢占同一 SKU 的锁，
// 记录准入路径是否已经在入队前归还了租约。
type lockObservingQueue struct {
	*memory.IntentQueue
	locker            *memory.Locker
	lockFreeAtEnqueue bool
}

func (q *lockObservingQueue) Enqueue(ctx context.Context, intent *domain.OrderIntent) error {
	tryCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if lease, err := q.locker.Acquire(tryCtx, intent.StockKey(), time.Second); err == nil {
		q.lockFreeAtEnqueue = true
		q.locker.Release(ctx, lease)
	}
	return q.IntentQueue.Enqueue(ctx, intent)
}

func TestAdmit_ReleasesLockBeforeEnqueue(t *testing.T) {
	engine, err := rule.NewCelEngine()
	if err != nil {
		t.Fatalf("new cel engine: %v", err)
	}
	activity := openActivity(5)
	cache := memory.NewStockCache()
	locker := memory.NewLocker()
	queue := &lockObservingQueue{
		IntentQueue: memory.NewIntentQueue(memory.QueueOptions{VisibilityTimeout: time.Second, MaxRedelivery: 3}),
		locker:      locker,
	}
	svc := NewAdmissionService(
		&stubActivities{activities: map[string]*domain.Activity{activity.ID: activity}},
		engine,
		ratelimit.NewLimiter(ratelimit.Options{Capacity: 100, RefillRate: 100}, nil),
		locker,
		cache,
		queue,
		memory.NewIntentStatusStore(),
		AdmissionOptions{LockTTL: time.Second},
	)
	ctx := context.Background()
	if err := svc.PrepareActivity(ctx, activity.ID); err != nil {
		t.Fatalf("prepare activity: %v", err)
	}

	if _, err := svc.Admit(ctx, "act-1", "sku-1", "u1"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !queue.lockFreeAtEnqueue {
		t.Fatal("sku lock still held at enqueue time, lease must be released right after the cache decrement")
	}
}

// failingQueue 入队永远失败，用来验证补偿路径
type failingQueue struct {
	*memory.IntentQueue
}

func (q *failingQueue) Enqueue(context.Context, *domain.OrderIntent) error {
	return errors.New("broker unavailable")
}

func TestAdmit_EnqueueFailureRestoresStock(t *testing.T) {
	engine, err := rule.NewCelEngine()
	if err != nil {
		t.Fatalf("new cel engine: %v", err)
	}
	activity := openActivity(5)
	cache := memory.NewStockCache()
	queue := &failingQueue{
		IntentQueue: memory.NewIntentQueue(memory.QueueOptions{VisibilityTimeout: time.Second, MaxRedelivery: 3}),
	}
	svc := NewAdmissionService(
		&stubActivities{activities: map[string]*domain.Activity{activity.ID: activity}},
		engine,
		ratelimit.NewLimiter(ratelimit.Options{Capacity: 100, RefillRate: 100}, nil),
		memory.NewLocker(),
		cache,
		queue,
		memory.NewIntentStatusStore(),
		AdmissionOptions{},
	)
	ctx := context.Background()
	if err := svc.PrepareActivity(ctx, activity.ID); err != nil {
		t.Fatalf("prepare activity: %v", err)
	}

	if _, err := svc.Admit(ctx, "act-1", "sku-1", "u1"); err == nil {
		t.Fatal("admit succeeded although enqueue failed")
	}
	// 扣减被补回，用户也能重新参与
	if got := cache.Remaining("act-1:sku-1"); got != 5 {
		t.Errorf("cache remaining = %d, want 5", got)
	}
	if _, err := svc.Admit(ctx, "act-1", "sku-1", "u1"); errors.Is(err, domain.ErrAlreadyPurchased) {
		t.Errorf("user still marked as purchased after compensation: %v", err)
	}
}

func TestAdmit_MarksIntentAccepted(t *testing.T) {
	f := newAdmissionFixture(t, openActivity(10), ratelimit.Options{Capacity: 100, RefillRate: 100})
	ctx := context.Background()

	intent, err := f.service.Admit(ctx, "act-1", "sku-1", "u1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	state, found, err := f.status.Get(ctx, intent.IntentID)
	if err != nil || !found {
		t.Fatalf("status lookup: found=%v err=%v", found, err)
	}
	if state != string(domain.IntentProcessing) {
		t.Errorf("state = %s, want PROCESSING", state)
	}
}
