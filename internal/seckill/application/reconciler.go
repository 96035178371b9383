// internal/seckill/application/reconciler.go
package application

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/seckill/domain"
	"flashsale/internal/seckill/domain/port"
	"flashsale/internal/seckill/metrics"
)

const reconcilerTracerName = "seckill-reconciler"

// ReconcilerOptions 结算侧的重试与锁参数
type ReconcilerOptions struct {
	Workers         int
	MaxRetries      int           // 乐观锁冲突的重试预算
	RetryBackoff    time.Duration // 冲突重试的基础退避，带随机抖动
	RetryBackoffMax time.Duration // 单次退避上限，抖动后也不会超过
	ProcessTimeout  time.Duration // 单条意向的处理时限，应与队列可见性窗口对齐
	LockWaitTimeout time.Duration
	LockTTL         time.Duration
	NackDelay       time.Duration // 瞬时失败的重投递延迟
}

func (o *ReconcilerOptions) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 20 * time.Millisecond
	}
	if o.RetryBackoffMax <= 0 {
		o.RetryBackoffMax = 500 * time.Millisecond
	}
	if o.RetryBackoffMax < o.RetryBackoff {
		o.RetryBackoffMax = o.RetryBackoff
	}
	if o.ProcessTimeout <= 0 {
		o.ProcessTimeout = 30 * time.Second
	}
	if o.LockWaitTimeout <= 0 {
		o.LockWaitTimeout = 500 * time.Millisecond
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Second
	}
	if o.NackDelay <= 0 {
		o.NackDelay = time.Second
	}
}

// Reconciler 消费意向队列，把缓存侧的临时扣减落成权威库存变更。
// 这是缓存和持久层之间唯一的对账通道:
// 落库成功则意向终态为 FINALIZED，彻底失败则回补缓存并记为 COMPENSATED，
// 两条路径都会写幂等记录，重投递的消息在入口处即被识别。
type Reconciler struct {
	queue    port.IntentQueue
	locker   port.Locker
	cache    port.StockCache
	repo     domain.StockRepository
	status   port.IntentStatusStore
	notifier port.ResultNotifier
	opts     ReconcilerOptions
}

func NewReconciler(
	queue port.IntentQueue,
	locker port.Locker,
	cache port.StockCache,
	repo domain.StockRepository,
	status port.IntentStatusStore,
	notifier port.ResultNotifier,
	opts ReconcilerOptions,
) *Reconciler {
	opts.withDefaults()
	return &Reconciler{
		queue:    queue,
		locker:   locker,
		cache:    cache,
		repo:     repo,
		status:   status,
		notifier: notifier,
		opts:     opts,
	}
}

// Run 启动消费循环，阻塞直到 ctx 取消
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.Workers; i++ {
		g.Go(func() error {
			return r.worker(ctx)
		})
	}
	logger.Ctx(ctx).Info().Int("workers", r.opts.Workers).Msg("Reconciler started")
	return g.Wait()
}

func (r *Reconciler) worker(ctx context.Context) error {
	for {
		intent, handle, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// 队列不可用时退避重试，不许空转
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to dequeue intent")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.opts.RetryBackoff):
			}
			continue
		}
		metrics.QueueLagSeconds.Observe(time.Since(intent.CreatedAt).Seconds())
		// 处理必须在可见性窗口内结束，否则同一条消息会被重新投递给别的消费者
		procCtx, cancel := context.WithTimeout(ctx, r.opts.ProcessTimeout)
		r.process(procCtx, intent, handle)
		cancel()
	}
}

func (r *Reconciler) process(ctx context.Context, intent *domain.OrderIntent, handle port.AckHandle) {
	tracer := otel.Tracer(reconcilerTracerName)
	ctx, span := tracer.Start(ctx, "reconciler.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("seckill.intent.id", intent.IntentID),
		attribute.Int("seckill.intent.attempt", intent.Attempt),
	)

	// 幂等入口: 重投递的消息直接确认，绝不重复扣减
	if record, err := r.repo.GetIntentRecord(ctx, intent.IntentID); err == nil && record.State.Terminal() {
		logger.Ctx(ctx).Info().
			Str("intent_id", intent.IntentID).
			Str("state", string(record.State)).
			Msg("Intent already terminal, acking redelivery")
		r.ack(ctx, handle)
		return
	}

	key := intent.StockKey()
	lockCtx, cancelLock := context.WithTimeout(ctx, r.opts.LockWaitTimeout)
	lease, err := r.locker.Acquire(lockCtx, key, r.opts.LockTTL)
	cancelLock()
	if err != nil {
		// 锁忙说明同一 SKU 有别的结算者在跑，稍后重投递
		metrics.ReconcileTotal.WithLabelValues("requeued").Inc()
		r.nack(ctx, handle)
		return
	}
	defer func() {
		if err := r.locker.Release(ctx, lease); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("resource", key).Msg("Failed to release reconcile lock")
		}
	}()
	span.SetAttributes(attribute.Int64("seckill.fence.token", lease.Token))

	err = r.finalize(ctx, intent, lease.Token)
	switch {
	case err == nil:
		metrics.ReconcileTotal.WithLabelValues("finalized").Inc()
		r.ack(ctx, handle)
		r.publishResult(ctx, intent, domain.IntentFinalized, "")
	case errors.Is(err, domain.ErrStockExhausted),
		errors.Is(err, domain.ErrStaleFence),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrActivityNotFound):
		// 权威库存拒绝了这笔意向，回补缓存并终结
		r.compensate(ctx, intent, handle, err)
	default:
		// 基础设施故障，重投递
		logger.Ctx(ctx).Error().Err(err).Str("intent_id", intent.IntentID).Msg("Transient failure, requeueing intent")
		metrics.ReconcileTotal.WithLabelValues("requeued").Inc()
		r.nack(ctx, handle)
	}
}

// finalize 在重试预算内完成乐观锁落库。
// 只有 ErrConflict 值得原地重试: 版本冲突说明有并发写者,
// 重新读出 version 再试即可；其他错误由调用方分类处理。
func (r *Reconciler) finalize(ctx context.Context, intent *domain.OrderIntent, fence int64) error {
	var lastErr error
	for attempt := 0; attempt < r.opts.MaxRetries; attempt++ {
		counter, err := r.repo.GetCounter(ctx, intent.ActivityID, intent.SkuID)
		if err != nil {
			return err
		}
		err = r.repo.DeductAndCreateOrder(ctx, intent, counter.Version, fence)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		lastErr = err
		metrics.ReconcileRetries.Inc()
		backoff := r.opts.backoffFor(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// backoffFor 按重试次数指数增长并叠加随机抖动，封顶 RetryBackoffMax
func (o *ReconcilerOptions) backoffFor(attempt int) time.Duration {
	backoff := o.RetryBackoff << uint(attempt)
	if backoff <= 0 || backoff > o.RetryBackoffMax {
		backoff = o.RetryBackoffMax
	}
	backoff += time.Duration(rand.Int63n(int64(backoff)))
	if backoff > o.RetryBackoffMax {
		backoff = o.RetryBackoffMax
	}
	return backoff
}

// compensate 回补缓存库存并把意向记为补偿终态。
// 回补同时把用户移出已购集合，让用户可以重新参与。
func (r *Reconciler) compensate(ctx context.Context, intent *domain.OrderIntent, handle port.AckHandle, cause error) {
	key := intent.StockKey()
	if _, err := r.cache.Increment(ctx, key, intent.UserID, 1); err != nil {
		// 回补失败不能确认消息，否则缓存永久少一份库存
		logger.Ctx(ctx).Error().Err(err).Str("intent_id", intent.IntentID).Msg("Failed to restore cache stock, requeueing")
		metrics.ReconcileTotal.WithLabelValues("requeued").Inc()
		r.nack(ctx, handle)
		return
	}
	if err := r.repo.RecordCompensated(ctx, intent, cause.Error()); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("intent_id", intent.IntentID).Msg("Failed to record compensation, requeueing")
		metrics.ReconcileTotal.WithLabelValues("requeued").Inc()
		r.nack(ctx, handle)
		return
	}

	metrics.ReconcileTotal.WithLabelValues("compensated").Inc()
	logger.Ctx(ctx).Warn().
		Str("intent_id", intent.IntentID).
		Str("user_id", intent.UserID).
		Str("cause", cause.Error()).
		Msg("Intent compensated, cache stock restored")
	r.ack(ctx, handle)
	r.publishResult(ctx, intent, domain.IntentCompensated, cause.Error())
}

func (r *Reconciler) publishResult(ctx context.Context, intent *domain.OrderIntent, state domain.IntentState, reason string) {
	if err := r.status.MarkState(ctx, intent.IntentID, string(state)); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("intent_id", intent.IntentID).Msg("Failed to update intent status")
	}
	if r.notifier == nil {
		return
	}
	result := &domain.IntentResult{
		IntentID:   intent.IntentID,
		ActivityID: intent.ActivityID,
		SkuID:      intent.SkuID,
		UserID:     intent.UserID,
		State:      state,
		Reason:     reason,
		At:         time.Now(),
	}
	if err := r.notifier.NotifyResult(ctx, result); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("intent_id", intent.IntentID).Msg("Failed to publish intent result")
	}
}

func (r *Reconciler) ack(ctx context.Context, handle port.AckHandle) {
	if err := r.queue.Ack(ctx, handle); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to ack intent")
	}
}

func (r *Reconciler) nack(ctx context.Context, handle port.AckHandle) {
	if err := r.queue.Nack(ctx, handle, r.opts.NackDelay); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to nack intent")
	}
}
