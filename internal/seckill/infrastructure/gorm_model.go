package infrastructure

import (
	"gorm.io/gorm"
	"time"

	"flashsale/internal/seckill/domain"
)

// ActivityModel 对应数据库中的 seckill_activity 表
type ActivityModel struct {
	gorm.Model
	ActivityID      string `gorm:"uniqueIndex"`
	SkuID           string
	StartTime       time.Time
	EndTime         time.Time
	InitialStock    int64
	EligibilityRule string `gorm:"type:text"`
}

// TableName 指定 GORM 应该使用的表名
func (ActivityModel) TableName() string {
	return "seckill_activity"
}

// StockCounterModel 对应数据库中的 stock_counter 表，持有权威库存。
// remaining/version/last_fence 三列只允许通过条件 UPDATE 变更。
type StockCounterModel struct {
	gorm.Model
	ActivityID string `gorm:"uniqueIndex:idx_stock_activity_sku"`
	SkuID      string `gorm:"uniqueIndex:idx_stock_activity_sku"`
	Remaining  int64
	Version    int64
	LastFence  int64
}

// TableName 指定 GORM 应该使用的表名
func (StockCounterModel) TableName() string {
	return "stock_counter"
}

// OrderModel 对应数据库中的 seckill_order 表。
// OrderNo 直接复用 IntentID，天然满足一单一意向的唯一约束。
type OrderModel struct {
	gorm.Model
	OrderNo    string `gorm:"uniqueIndex"`
	ActivityID string
	SkuID      string
	UserID     string `gorm:"index"`
	Quantity   int64
}

// TableName 指定 GORM 应该使用的表名
func (OrderModel) TableName() string {
	return "seckill_order"
}

// IntentRecordModel 对应数据库中的 intent_record 表。
// 同时充当幂等记录（按 intent_id 唯一）和用户状态查询的持久来源。
type IntentRecordModel struct {
	gorm.Model
	IntentID   string `gorm:"uniqueIndex"`
	ActivityID string
	SkuID      string
	UserID     string             `gorm:"index"`
	State      domain.IntentState `gorm:"type:varchar(16)"`
	Attempts   int
	Reason     string `gorm:"type:text"`
}

// TableName 指定 GORM 应该使用的表名
func (IntentRecordModel) TableName() string {
	return "intent_record"
}

// AutoMigrate 建表。生产环境通常由变更脚本完成，测试和本地环境直接调用。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ActivityModel{},
		&StockCounterModel{},
		&OrderModel{},
		&IntentRecordModel{},
	)
}
