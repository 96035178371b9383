package infrastructure

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"flashsale/internal/seckill/domain"
)

// GormStockRepository 是 StockRepository 和 ActivityProvider 的 GORM 实现。
// 这里是权威数据的唯一写入口: 所有扣减都走乐观锁条件更新，
// 缓存侧的任何状态在这里都不被信任。
type GormStockRepository struct {
	db *gorm.DB
}

// NewGormStockRepository 创建一个新的 GORM 仓储实例
func NewGormStockRepository(db *gorm.DB) *GormStockRepository {
	return &GormStockRepository{db: db}
}

// GetActivity 查询活动定义。活动发布后不可变，调用方可以缓存结果。
func (r *GormStockRepository) GetActivity(ctx context.Context, activityID string) (*domain.Activity, error) {
	var model ActivityModel
	err := r.db.WithContext(ctx).Where("activity_id = ?", activityID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrActivityNotFound
		}
		return nil, err
	}
	return &domain.Activity{
		ID:              model.ActivityID,
		SkuID:           model.SkuID,
		StartTime:       model.StartTime,
		EndTime:         model.EndTime,
		InitialStock:    model.InitialStock,
		EligibilityRule: model.EligibilityRule,
	}, nil
}

// GetCounter 读取权威库存计数，供调用方拿到当前 version 后做乐观锁更新
func (r *GormStockRepository) GetCounter(ctx context.Context, activityID, skuID string) (*domain.StockCounter, error) {
	var model StockCounterModel
	err := r.db.WithContext(ctx).
		Where("activity_id = ? AND sku_id = ?", activityID, skuID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrActivityNotFound
		}
		return nil, err
	}
	return &domain.StockCounter{
		ActivityID: model.ActivityID,
		SkuID:      model.SkuID,
		Remaining:  model.Remaining,
		Version:    model.Version,
		LastFence:  model.LastFence,
	}, nil
}

// DeductAndCreateOrder 在一个事务里完成条件扣减、订单插入和幂等记录写入。
//
// 条件 UPDATE 同时承担三重校验:
//   - remaining >= 1:       权威库存未售罄
//   - version = ?:          没有并发写者抢先提交（乐观锁）
//   - last_fence <= ?:      写入者持有的 fencing token 不是过期租约发出的
//
// 影响行数为 0 时回读计数器区分这三种失败，调用方按错误类型决定重试或补偿。
func (r *GormStockRepository) DeductAndCreateOrder(ctx context.Context, intent *domain.OrderIntent, expectedVersion, fence int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 幂等检查: 记录已是终态说明这笔意向处理过，直接成功返回
		var existing IntentRecordModel
		err := tx.Where("intent_id = ?", intent.IntentID).First(&existing).Error
		if err == nil && existing.State.Terminal() {
			return nil
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		result := tx.Model(&StockCounterModel{}).
			Where("activity_id = ? AND sku_id = ? AND remaining >= 1 AND version = ? AND last_fence <= ?",
				intent.ActivityID, intent.SkuID, expectedVersion, fence).
			Updates(map[string]interface{}{
				"remaining":  gorm.Expr("remaining - 1"),
				"version":    gorm.Expr("version + 1"),
				"last_fence": fence,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return r.diagnoseUpdateFailure(tx, intent, fence)
		}

		if err := tx.Create(&OrderModel{
			OrderNo:    intent.IntentID,
			ActivityID: intent.ActivityID,
			SkuID:      intent.SkuID,
			UserID:     intent.UserID,
			Quantity:   1,
		}).Error; err != nil {
			return err
		}

		return r.upsertIntentRecord(tx, intent, domain.IntentFinalized, "")
	})
}

// diagnoseUpdateFailure 回读计数器，把影响行数为 0 翻译成具体的领域错误
func (r *GormStockRepository) diagnoseUpdateFailure(tx *gorm.DB, intent *domain.OrderIntent, fence int64) error {
	var counter StockCounterModel
	err := tx.Where("activity_id = ? AND sku_id = ?", intent.ActivityID, intent.SkuID).
		First(&counter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrActivityNotFound
		}
		return err
	}
	switch {
	case counter.LastFence > fence:
		return domain.ErrStaleFence
	case counter.Remaining < 1:
		return domain.ErrStockExhausted
	default:
		return domain.ErrConflict
	}
}

// GetIntentRecord 查询幂等记录
func (r *GormStockRepository) GetIntentRecord(ctx context.Context, intentID string) (*domain.IntentRecord, error) {
	var model IntentRecordModel
	err := r.db.WithContext(ctx).Where("intent_id = ?", intentID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrIntentNotFound
		}
		return nil, err
	}
	return &domain.IntentRecord{
		IntentID:   model.IntentID,
		ActivityID: model.ActivityID,
		SkuID:      model.SkuID,
		UserID:     model.UserID,
		State:      model.State,
		Attempts:   model.Attempts,
		Reason:     model.Reason,
	}, nil
}

// RecordCompensated 把意向标记为补偿终态。缓存回补在调用方完成。
func (r *GormStockRepository) RecordCompensated(ctx context.Context, intent *domain.OrderIntent, reason string) error {
	return r.upsertIntentRecord(r.db.WithContext(ctx), intent, domain.IntentCompensated, reason)
}

func (r *GormStockRepository) upsertIntentRecord(tx *gorm.DB, intent *domain.OrderIntent, state domain.IntentState, reason string) error {
	record := IntentRecordModel{
		IntentID:   intent.IntentID,
		ActivityID: intent.ActivityID,
		SkuID:      intent.SkuID,
		UserID:     intent.UserID,
		State:      state,
		Attempts:   intent.Attempt,
		Reason:     reason,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "intent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "attempts", "reason"}),
	}).Create(&record).Error
}

// SeedActivity 写入活动定义和对应的权威库存计数。
// 运营后台发布活动时调用，测试环境用它准备数据。
func (r *GormStockRepository) SeedActivity(ctx context.Context, activity *domain.Activity) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "activity_id"}},
			DoNothing: true,
		}).Create(&ActivityModel{
			ActivityID:      activity.ID,
			SkuID:           activity.SkuID,
			StartTime:       activity.StartTime,
			EndTime:         activity.EndTime,
			InitialStock:    activity.InitialStock,
			EligibilityRule: activity.EligibilityRule,
		}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "activity_id"}, {Name: "sku_id"}},
			DoNothing: true,
		}).Create(&StockCounterModel{
			ActivityID: activity.ID,
			SkuID:      activity.SkuID,
			Remaining:  activity.InitialStock,
			Version:    0,
			LastFence:  0,
		}).Error
	})
}
