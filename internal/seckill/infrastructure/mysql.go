package infrastructure

import (
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewMysqlDB 打开 MySQL 连接并完成建表。
// DSN 形如: user:pass@tcp(127.0.0.1:3306)/seckill?charset=utf8mb4&parseTime=True&loc=Local
func NewMysqlDB(dsn string) (*gorm.DB, error) {
	// 时间列必须以 time.Time 读出，parseTime 不开的话 GORM 会直接报错
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mysql dsn")
	}
	cfg.ParseTime = true
	dsn = cfg.FormatDSN()

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mysql")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, errors.Wrap(err, "failed to migrate tables")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	return db, nil
}
