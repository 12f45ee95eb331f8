// Package db 提供 GORM 初始化、连接池配置、事务助手与 slog 日志桥接
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Config 数据库配置
type Config struct {
	DSN                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    int
	LogEnabled         bool
	SlowQueryThreshold int
}

// DB 数据库实例包装
type DB struct {
	*gorm.DB
}

// Open 初始化 MySQL 连接
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	gdb, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: NewGormLogger(logger, cfg.LogEnabled, time.Duration(cfg.SlowQueryThreshold)*time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connected successfully", "driver", "mysql")
	return &DB{DB: gdb}, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx 在事务中执行函数，支持自动回滚和提交
func (d *DB) WithTx(ctx context.Context, fn func(*gorm.DB) error) error {
	return d.DB.WithContext(ctx).Transaction(fn)
}

// Upsert 插入或按唯一键更新指定列
func Upsert(tx *gorm.DB, records any, uniqueFields, updateFields []string) error {
	columns := make([]clause.Column, len(uniqueFields))
	for i, name := range uniqueFields {
		columns[i] = clause.Column{Name: name}
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   columns,
		DoUpdates: clause.AssignmentColumns(updateFields),
	}).Create(records).Error
}

// GormLogger 把 GORM 日志转发到 slog
type GormLogger struct {
	logger             *slog.Logger
	enabled            bool
	slowQueryThreshold time.Duration
}

// NewGormLogger 创建 GORM 日志记录器
func NewGormLogger(logger *slog.Logger, enabled bool, slowQueryThreshold time.Duration) *GormLogger {
	return &GormLogger{
		logger:             logger.With("module", "gorm"),
		enabled:            enabled,
		slowQueryThreshold: slowQueryThreshold,
	}
}

// LogMode 设置日志模式
func (l *GormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

// Info 记录信息日志
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.enabled {
		l.logger.InfoContext(ctx, msg, "data", data)
	}
}

// Warn 记录警告日志
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	l.logger.WarnContext(ctx, msg, "data", data)
}

// Error 记录错误日志
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	l.logger.ErrorContext(ctx, msg, "data", data)
}

// Trace 记录 SQL 执行日志
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		sqlStr, rows := fc()
		l.logger.ErrorContext(ctx, "SQL execution failed", "duration", elapsed, "rows", rows, "sql", sqlStr, "error", err)
		return
	}
	if l.slowQueryThreshold > 0 && elapsed > l.slowQueryThreshold {
		sqlStr, rows := fc()
		l.logger.WarnContext(ctx, "slow query detected", "duration", elapsed, "rows", rows, "sql", sqlStr)
		return
	}
	if l.enabled {
		sqlStr, rows := fc()
		l.logger.DebugContext(ctx, "SQL executed", "duration", elapsed, "rows", rows, "sql", sqlStr)
	}
}
