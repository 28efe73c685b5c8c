package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"netbridge/internal/logger"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ErrBodyNotFound 未找到响应体
var ErrBodyNotFound = errors.New("response body not found")

// ResponseBody 已捕获的响应体
type ResponseBody struct {
	RequestID     string `gorm:"primaryKey"`
	Body          []byte
	Base64Encoded bool
	Truncated     bool
	CreatedAt     time.Time `gorm:"index"`
}

// BodyStoreOptions 响应体存储配置
type BodyStoreOptions struct {
	Dsn       string
	Prefix    string
	MaxBodies int // 超过数量后淘汰最早的记录，0 表示不限制
}

// BodyStore 基于 SQLite 的响应体存储；默认使用内存库，生命周期与进程一致
type BodyStore struct {
	db        *gorm.DB
	maxBodies int
	log       logger.Logger
}

// OpenBodyStore 打开存储并迁移表结构
func OpenBodyStore(opts BodyStoreOptions, l logger.Logger) (*BodyStore, error) {
	if l == nil {
		l = logger.NewNop()
	}
	dsn := opts.Dsn
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         newSQLLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("打开响应体存储: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层连接: %w", err)
	}
	// 内存库每个连接各自独立，只保留一个连接
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&ResponseBody{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("迁移响应体表: %w", err)
	}
	return &BodyStore{db: db, maxBodies: opts.MaxBodies, log: l}, nil
}

// Save 写入或覆盖响应体，并按上限淘汰旧记录
func (s *BodyStore) Save(ctx context.Context, rb *ResponseBody) error {
	if rb.CreatedAt.IsZero() {
		rb.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(rb).Error; err != nil {
			return fmt.Errorf("保存响应体 %s: %w", rb.RequestID, err)
		}
		if s.maxBodies <= 0 {
			return nil
		}
		var count int64
		if err := tx.Model(&ResponseBody{}).Count(&count).Error; err != nil {
			return err
		}
		if excess := int(count) - s.maxBodies; excess > 0 {
			var stale []string
			if err := tx.Model(&ResponseBody{}).Order("created_at").Limit(excess).Pluck("request_id", &stale).Error; err != nil {
				return err
			}
			if err := tx.Where("request_id IN ?", stale).Delete(&ResponseBody{}).Error; err != nil {
				return err
			}
			s.log.Debug("淘汰旧响应体", "count", len(stale))
		}
		return nil
	})
}

// Get 读取响应体
func (s *BodyStore) Get(ctx context.Context, requestID string) (*ResponseBody, error) {
	var rb ResponseBody
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&rb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBodyNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("读取响应体 %s: %w", requestID, err)
	}
	return &rb, nil
}

// Delete 删除响应体
func (s *BodyStore) Delete(ctx context.Context, requestID string) error {
	return s.db.WithContext(ctx).Where("request_id = ?", requestID).Delete(&ResponseBody{}).Error
}

// Count 返回当前保存的响应体数量
func (s *BodyStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ResponseBody{}).Count(&count).Error
	return count, err
}

// Close 关闭存储
func (s *BodyStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
