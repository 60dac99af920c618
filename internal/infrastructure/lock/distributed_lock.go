package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么需要分布式锁？】
//
// 场景一：同一用户同时发布两条带悬赏的失物报告
//
//   goroutine1: 查询余额=100 -> 冻结80 -> 余额=20   OK
//   goroutine2: 查询余额=100 -> 冻结80 -> 余额=-60 超扣了！
//
// 场景二：失主连点两次"确认"，分别确认了两个不同的拾取申请
//
//   如果没有按报告加锁，两个请求都会看到 status=Verifying，
//   悬赏会被发放两次。
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：使用 Lua 脚本保证"检查+删除"的原子性
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// Key 返回锁的 key
func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 【关键点】只删除自己持有的锁：
//
//	A 获取锁 -> A 处理超时，锁自动过期 -> B 获取锁 -> A 执行完毕调用 Unlock
//	不校验 value 的话，A 会把 B 的锁删掉
func (l *DistributedLock) Unlock(ctx context.Context) error {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockExpired
	}
	return nil
}

// ============================================================================
// 便捷函数：按业务维度加锁
// ============================================================================
//
// 账户锁和报告锁都是按聚合维度加锁：不同用户、不同报告之间可以完全并发，
// 同一个账户的扣减/入账、同一个报告的申请/确认则串行执行。
//
// value 每次都使用新的 uuid，同一进程内的两个请求也不会误删对方的锁。

// NewAccountLock 创建账户锁（按用户维度）
func NewAccountLock(client *redis.Client, userID string, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("ledger:lock:account:%s", userID), uuid.NewString(), expiration)
}

// NewReportLock 创建报告锁（按报告维度）
func NewReportLock(client *redis.Client, reportNo string, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("report:lock:%s", reportNo), uuid.NewString(), expiration)
}

// NewRequestLock 创建幂等请求锁，防止同一个 request_id 并发重复提交
func NewRequestLock(client *redis.Client, requestID string, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("report:lock:request:%s", requestID), uuid.NewString(), expiration)
}
