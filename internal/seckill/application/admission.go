// internal/seckill/application/admission.go
package application

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/seckill/domain"
	"flashsale/internal/seckill/domain/port"
	"flashsale/internal/seckill/metrics"
)

const admissionTracerName = "seckill-admission"

// AdmissionOptions 准入路径上的时间参数。
// 等待超时都很短: 热点活动下排队没有意义，快速拒绝让客户端退避重试。
type AdmissionOptions struct {
	RateWaitTimeout time.Duration // 限流器等待上限，超时返回 429
	LockWaitTimeout time.Duration // 锁等待上限，超时返回 503
	LockTTL         time.Duration // 锁租约时长
}

func (o *AdmissionOptions) withDefaults() {
	if o.RateWaitTimeout <= 0 {
		o.RateWaitTimeout = 50 * time.Millisecond
	}
	if o.LockWaitTimeout <= 0 {
		o.LockWaitTimeout = 100 * time.Millisecond
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 3 * time.Second
	}
}

// AdmissionService 是秒杀请求的同步准入路径。
// 它只操作缓存侧状态，绝不直接写持久层:
// 通过缓存扣减挡掉绝大多数注定失败的请求，
// 把通过的请求转成意向消息交给 Reconciler 异步结算。
type AdmissionService struct {
	activities domain.ActivityProvider
	rules      port.RuleEngine
	limiter    port.RateLimiter
	locker     port.Locker
	cache      port.StockCache
	queue      port.IntentQueue
	status     port.IntentStatusStore
	opts       AdmissionOptions

	// 活动发布后不可变，进程内缓存避免热路径反复查库
	activityCache sync.Map // activityID -> *domain.Activity
}

func NewAdmissionService(
	activities domain.ActivityProvider,
	rules port.RuleEngine,
	limiter port.RateLimiter,
	locker port.Locker,
	cache port.StockCache,
	queue port.IntentQueue,
	status port.IntentStatusStore,
	opts AdmissionOptions,
) *AdmissionService {
	opts.withDefaults()
	return &AdmissionService{
		activities: activities,
		rules:      rules,
		limiter:    limiter,
		locker:     locker,
		cache:      cache,
		queue:      queue,
		status:     status,
		opts:       opts,
	}
}

// Admit 处理一次购买请求。成功时返回已入队的意向，
// 失败时返回领域错误，由接口层翻译成 HTTP 状态码。
func (s *AdmissionService) Admit(ctx context.Context, activityID, skuID, userID string) (*domain.OrderIntent, error) {
	tracer := otel.Tracer(admissionTracerName)
	ctx, span := tracer.Start(ctx, "admission.Admit")
	defer span.End()
	span.SetAttributes(
		attribute.String("seckill.activity.id", activityID),
		attribute.String("seckill.sku.id", skuID),
		attribute.String("user.id", userID),
	)

	activity, err := s.getActivity(ctx, activityID)
	if err != nil {
		return nil, s.reject(span, "rejected", err)
	}
	if activity.SkuID != skuID {
		return nil, s.reject(span, "rejected", domain.ErrActivityNotFound)
	}
	if !activity.OpenAt(time.Now()) {
		return nil, s.reject(span, "rejected", domain.ErrActivityClosed)
	}

	eligible, err := s.rules.Eligible(ctx, activity.EligibilityRule, map[string]interface{}{
		"user_id":     userID,
		"activity_id": activityID,
		"sku_id":      skuID,
	})
	if err != nil {
		return nil, s.reject(span, "rejected", err)
	}
	if !eligible {
		return nil, s.reject(span, "rejected", domain.ErrNotEligible)
	}

	key := domain.StockKey(activityID, skuID)

	// 限流: 热点 SKU 的闸门，攒不到令牌直接 429
	rateCtx, cancelRate := context.WithTimeout(ctx, s.opts.RateWaitTimeout)
	err = s.limiter.Acquire(rateCtx, key, 1)
	cancelRate()
	if err != nil {
		return nil, s.reject(span, "rate_limited", err)
	}

	// 锁: 序列化同一 SKU 的缓存扣减
	lockCtx, cancelLock := context.WithTimeout(ctx, s.opts.LockWaitTimeout)
	lease, err := s.locker.Acquire(lockCtx, key, s.opts.LockTTL)
	cancelLock()
	if err != nil {
		return nil, s.reject(span, "busy", err)
	}
	span.SetAttributes(attribute.Int64("seckill.fence.token", lease.Token))

	left, err := s.cache.DecrementIfPositive(ctx, key, userID, 1)
	// 扣减本身是原子的，租约到这里就归还，绝不跨越后面的入队网络写；
	// 入队失败的补偿走 Increment，不依赖锁
	if relErr := s.locker.Release(ctx, lease); relErr != nil {
		logger.Ctx(ctx).Warn().Err(relErr).Str("resource", key).Msg("Failed to release admission lock")
	}
	if err != nil {
		return nil, s.reject(span, "sold_out", err)
	}

	intent, err := domain.NewOrderIntent(activityID, skuID, userID)
	if err != nil {
		return nil, s.reject(span, "rejected", err)
	}
	if err := s.queue.Enqueue(ctx, intent); err != nil {
		// 入队失败必须把缓存扣减补回去，否则这份库存就永远卖不出去了
		if _, incrErr := s.cache.Increment(ctx, key, userID, 1); incrErr != nil {
			logger.Ctx(ctx).Error().Err(incrErr).
				Str("intent_id", intent.IntentID).
				Msg("Failed to restore cache stock after enqueue failure")
		}
		return nil, s.reject(span, "busy", err)
	}

	// 状态写入尽力而为: 丢失后查询回退到持久层幂等记录
	if err := s.status.MarkAccepted(ctx, intent.IntentID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("intent_id", intent.IntentID).Msg("Failed to mark intent accepted")
	}

	metrics.AdmissionTotal.WithLabelValues("accepted").Inc()
	span.SetAttributes(attribute.Int64("seckill.stock.left", left))
	logger.Ctx(ctx).Info().
		Str("intent_id", intent.IntentID).
		Str("user_id", userID).
		Int64("stock_left", left).
		Msg("Admission accepted, intent enqueued")
	return intent, nil
}

// PrepareActivity 活动预热: 把权威库存灌入缓存。
// 活动开始前由运维触发，缓存重建时也走这里。
func (s *AdmissionService) PrepareActivity(ctx context.Context, activityID string) error {
	activity, err := s.getActivity(ctx, activityID)
	if err != nil {
		return err
	}
	key := domain.StockKey(activity.ID, activity.SkuID)
	if err := s.cache.Preload(ctx, key, activity.InitialStock); err != nil {
		return err
	}
	logger.Ctx(ctx).Info().
		Str("activity_id", activity.ID).
		Int64("stock", activity.InitialStock).
		Msg("Activity stock preloaded into cache")
	return nil
}

func (s *AdmissionService) getActivity(ctx context.Context, activityID string) (*domain.Activity, error) {
	if cached, ok := s.activityCache.Load(activityID); ok {
		return cached.(*domain.Activity), nil
	}
	activity, err := s.activities.GetActivity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	s.activityCache.Store(activityID, activity)
	return activity, nil
}

func (s *AdmissionService) reject(span trace.Span, outcome string, err error) error {
	metrics.AdmissionTotal.WithLabelValues(outcome).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	return err
}
