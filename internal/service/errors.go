package service

import (
	"context"
	"errors"
	"fmt"

	"lostfound/internal/config"
	"lostfound/internal/infrastructure/lock"

	"go.uber.org/zap"
)

// 调用方可见的错误分类，传输层据此映射状态码
var (
	ErrValidation        = errors.New("参数校验失败")
	ErrInsufficientFunds = errors.New("代币余额不足，无法支付悬赏")
	ErrReportNotFound    = errors.New("失物报告不存在")
	ErrClaimNotFound     = errors.New("拾取申请不存在")
	ErrForbidden         = errors.New("只有失主本人可以确认拾取申请")
	ErrConflict          = errors.New("状态已变更，请刷新后重试")
	ErrBusy              = errors.New("系统繁忙，请稍后重试")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// acquire 获取分布式锁，返回释放函数
//
// 释放时使用独立的 context，请求被取消也要把锁还回去
func acquire(ctx context.Context, l *lock.DistributedLock, cfg *config.BusinessConfig) (func(), error) {
	if err := l.Lock(ctx, cfg.LockRetryInterval, cfg.LockMaxRetries); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, l.Key())
		}
		return nil, fmt.Errorf("获取分布式锁失败: %w", err)
	}
	return func() {
		if err := l.Unlock(context.Background()); err != nil {
			zap.L().Warn("释放分布式锁失败", zap.String("key", l.Key()), zap.Error(err))
		}
	}, nil
}
