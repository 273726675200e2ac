package database

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"djidji-uploader/internal/model"
	"djidji-uploader/pkg/log"
)

// InitMySQL 初始化 MySQL 数据库连接，并迁移上传历史表。
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&model.UploadRecord{}); err != nil {
		return nil, fmt.Errorf("迁移 upload_history 表失败: %w", err)
	}

	log.Info("[Database] MySQL 连接成功")
	return db, nil
}
